package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// DefaultTTL is how long a command stays deliverable without an acknowledgement.
	DefaultTTL = 24 * time.Hour

	opServiceNew  = "commands.service.new"
	opEnqueue     = "commands.enqueue"
	opPoll        = "commands.poll"
	opAcknowledge = "commands.acknowledge"
	opExpire      = "commands.expire_stale"
)

var (
	// ErrCommandNotFound covers unknown ids, other devices' commands, and expired commands.
	ErrCommandNotFound = errors.New("commands: command not found")
	// ErrInvalidDeviceID indicates an empty device id.
	ErrInvalidDeviceID = errors.New("commands: device id is required")

	errMissingDatabase = errors.New("database handle is required")
)

// ServiceError carries an "<operation>.<reason>" code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// ServiceConfig describes the dependencies of the command service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	TTL      time.Duration
	Notifier *Notifier
	Logger   *zap.Logger
}

// Service is the per-device command queue.
type Service struct {
	db       *gorm.DB
	clock    func() time.Time
	ttl      time.Duration
	notifier *Notifier
	logger   *zap.Logger
}

// NewService constructs the command service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:       cfg.Database,
		clock:    clock,
		ttl:      ttl,
		notifier: cfg.Notifier,
		logger:   logger,
	}, nil
}

// Notifier exposes the wake-up fan-out used by long polls. It may be nil.
func (s *Service) Notifier() *Notifier {
	return s.notifier
}

// Enqueue appends a pending command for one device.
func (s *Service) Enqueue(ctx context.Context, deviceID string, commandType Type) (Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return Command{}, ErrInvalidDeviceID
	}
	command := Command{
		DeviceID:        deviceID,
		Type:            commandType,
		CreatedAtMillis: s.clock().UnixMilli(),
	}
	if err := s.db.WithContext(ctx).Create(&command).Error; err != nil {
		s.logError(opEnqueue, "create_failed", err, zap.String("device_id", deviceID))
		return Command{}, newServiceError(opEnqueue, "create_failed", err)
	}
	s.logger.Info("command enqueued",
		zap.String("device_id", deviceID),
		zap.String("command", string(commandType)),
		zap.Uint("command_id", command.ID),
	)
	s.signal(command)
	return command, nil
}

// EnqueueAll appends the same command for each device in one transaction.
func (s *Service) EnqueueAll(ctx context.Context, deviceIDs []string, commandType Type) ([]Command, error) {
	if len(deviceIDs) == 0 {
		return nil, nil
	}
	nowMillis := s.clock().UnixMilli()
	commands := make([]Command, 0, len(deviceIDs))
	for _, deviceID := range deviceIDs {
		deviceID = strings.TrimSpace(deviceID)
		if deviceID == "" {
			continue
		}
		commands = append(commands, Command{DeviceID: deviceID, Type: commandType, CreatedAtMillis: nowMillis})
	}
	if len(commands) == 0 {
		return nil, nil
	}
	if err := s.db.WithContext(ctx).Create(&commands).Error; err != nil {
		s.logError(opEnqueue, "batch_create_failed", err, zap.Int("devices", len(commands)))
		return nil, newServiceError(opEnqueue, "batch_create_failed", err)
	}
	for _, command := range commands {
		s.signal(command)
	}
	s.logger.Info("command broadcast",
		zap.String("command", string(commandType)),
		zap.Int("devices", len(commands)),
	)
	return commands, nil
}

// Poll returns the device's pending, unexpired commands in creation order.
// Polling does not change command state.
func (s *Service) Poll(ctx context.Context, deviceID string) ([]Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, ErrInvalidDeviceID
	}
	var commands []Command
	err := s.db.WithContext(ctx).
		Where("device_id = ? AND executed = ? AND expired = ? AND created_at_ms > ?", deviceID, false, false, s.cutoffMillis()).
		Order("id ASC").
		Find(&commands).Error
	if err != nil {
		s.logError(opPoll, "select_failed", err, zap.String("device_id", deviceID))
		return nil, newServiceError(opPoll, "select_failed", err)
	}
	return commands, nil
}

// Acknowledge marks a command executed. Acknowledging an executed command again is a no-op.
func (s *Service) Acknowledge(ctx context.Context, deviceID string, commandID uint) (Command, error) {
	deviceID = strings.TrimSpace(deviceID)
	var command Command
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ? AND device_id = ?", commandID, deviceID).Take(&command).Error; err != nil {
			return err
		}
		if command.Executed {
			return nil
		}
		if command.Expired || command.CreatedAtMillis <= s.cutoffMillis() {
			return ErrCommandNotFound
		}
		nowMillis := s.clock().UnixMilli()
		result := tx.Model(&Command{}).
			Where("id = ? AND executed = ?", command.ID, false).
			Updates(map[string]any{"executed": true, "executed_at_ms": nowMillis})
		if result.Error != nil {
			return result.Error
		}
		command.Executed = true
		command.ExecutedAtMillis = nowMillis
		return nil
	})
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, ErrCommandNotFound):
		return Command{}, ErrCommandNotFound
	case err != nil:
		s.logError(opAcknowledge, "update_failed", err, zap.String("device_id", deviceID), zap.Uint("command_id", commandID))
		return Command{}, newServiceError(opAcknowledge, "update_failed", err)
	}
	s.logger.Info("command acknowledged",
		zap.String("device_id", deviceID),
		zap.Uint("command_id", command.ID),
		zap.String("command", string(command.Type)),
	)
	return command, nil
}

// ExpireStale flags pending commands older than the TTL and reports how many changed.
func (s *Service) ExpireStale(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Model(&Command{}).
		Where("executed = ? AND expired = ? AND created_at_ms <= ?", false, false, s.cutoffMillis()).
		Update("expired", true)
	if result.Error != nil {
		s.logError(opExpire, "update_failed", result.Error)
		return 0, newServiceError(opExpire, "update_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("expired stale commands", zap.Int64("count", result.RowsAffected))
	}
	return result.RowsAffected, nil
}

// RunExpiry sweeps stale commands every interval until ctx ends.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.ExpireStale(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Warn("command expiry sweep failed", zap.Duration("retry_in", interval), zap.Error(err))
			}
		}
	}
}

func (s *Service) cutoffMillis() int64 {
	return s.clock().Add(-s.ttl).UnixMilli()
}

func (s *Service) signal(command Command) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(Signal{DeviceID: command.DeviceID, CommandID: command.ID, Timestamp: command.CreatedAt()})
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	if s.logger == nil {
		return
	}
	attrs := []zap.Field{zap.String("operation", operation), zap.String("reason", reason)}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	if len(fields) > 0 {
		attrs = append(attrs, fields...)
	}
	s.logger.Error("commands service error", attrs...)
}
