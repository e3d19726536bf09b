package monitoring

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redwing-381/projectx/internal/commands"
	"github.com/redwing-381/projectx/internal/devices"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// DeviceRegistry is the subset of the device registry used for mobile control.
type DeviceRegistry interface {
	List(ctx context.Context) ([]devices.Device, error)
	Get(ctx context.Context, deviceID string) (devices.Device, error)
	SetMonitoring(ctx context.Context, deviceID string, enabled bool) error
	SetMonitoringAll(ctx context.Context, enabled bool) ([]string, error)
}

// CommandQueue enqueues remote commands for devices.
type CommandQueue interface {
	Enqueue(ctx context.Context, deviceID string, commandType commands.Type) (commands.Command, error)
	EnqueueAll(ctx context.Context, deviceIDs []string, commandType commands.Type) ([]commands.Command, error)
}

// ServiceConfig describes the dependencies of the monitoring service.
type ServiceConfig struct {
	Database *gorm.DB
	Devices  DeviceRegistry
	Commands CommandQueue
	Logger   *zap.Logger
}

// Service toggles email and mobile monitoring.
type Service struct {
	db       *gorm.DB
	devices  DeviceRegistry
	commands CommandQueue
	logger   *zap.Logger
}

// EmailStatus is the server-side scheduled check state.
type EmailStatus struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"interval_minutes"`
}

// DeviceStatus summarizes one device for status responses.
type DeviceStatus struct {
	DeviceID          string  `json:"device_id"`
	DeviceName        string  `json:"device_name"`
	MonitoringEnabled bool    `json:"monitoring_enabled"`
	NotificationCount int64   `json:"notification_count"`
	LastSyncAt        *string `json:"last_sync_at"`
}

// MobileStatus aggregates device monitoring state.
type MobileStatus struct {
	Devices      []DeviceStatus `json:"devices"`
	TotalDevices int            `json:"total_devices"`
	EnabledCount int            `json:"enabled_count"`
}

// UnifiedStatus combines email and mobile monitoring.
type UnifiedStatus struct {
	Email      EmailStatus  `json:"email_monitoring"`
	Mobile     MobileStatus `json:"mobile_monitoring"`
	AllEnabled bool         `json:"all_enabled"`
}

// ControlResult reports how many devices a control action touched.
type ControlResult struct {
	Devices []string
	Message string
}

// NewService constructs the monitoring service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("monitoring: database connection required")
	}
	if cfg.Devices == nil || cfg.Commands == nil {
		return nil, fmt.Errorf("monitoring: device registry and command queue required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, devices: cfg.Devices, commands: cfg.Commands, logger: logger}, nil
}

// Status returns the email monitoring settings.
func (s *Service) Status(ctx context.Context) (EmailStatus, error) {
	status := EmailStatus{IntervalMinutes: DefaultIntervalMinutes}
	enabled, ok, err := readSetting(ctx, s.db, KeyEmailMonitoring)
	if err != nil {
		return EmailStatus{}, fmt.Errorf("monitoring: read %s: %w", KeyEmailMonitoring, err)
	}
	if ok {
		status.Enabled, _ = strconv.ParseBool(enabled)
	}
	interval, ok, err := readSetting(ctx, s.db, KeyCheckInterval)
	if err != nil {
		return EmailStatus{}, fmt.Errorf("monitoring: read %s: %w", KeyCheckInterval, err)
	}
	if ok {
		if minutes, parseErr := strconv.Atoi(interval); parseErr == nil && validInterval(minutes) {
			status.IntervalMinutes = minutes
		}
	}
	return status, nil
}

// SetInterval stores the scheduled check interval.
func (s *Service) SetInterval(ctx context.Context, minutes int) (EmailStatus, error) {
	if !validInterval(minutes) {
		return EmailStatus{}, ErrInvalidInterval
	}
	if err := writeSetting(ctx, s.db, KeyCheckInterval, strconv.Itoa(minutes)); err != nil {
		return EmailStatus{}, fmt.Errorf("monitoring: write interval: %w", err)
	}
	s.logger.Info("check interval updated", zap.Int("minutes", minutes))
	return s.Status(ctx)
}

// Start enables email monitoring and, optionally, every device.
func (s *Service) Start(ctx context.Context, includeMobile bool) (ControlResult, error) {
	return s.setEmail(ctx, true, includeMobile)
}

// Stop disables email monitoring and, optionally, every device.
func (s *Service) Stop(ctx context.Context, includeMobile bool) (ControlResult, error) {
	return s.setEmail(ctx, false, includeMobile)
}

// StartAll enables email monitoring and every device.
func (s *Service) StartAll(ctx context.Context) (ControlResult, error) {
	return s.setEmail(ctx, true, true)
}

// StopAll disables email monitoring and every device.
func (s *Service) StopAll(ctx context.Context) (ControlResult, error) {
	return s.setEmail(ctx, false, true)
}

// StartDevice enables one device, or every device when deviceID is empty.
func (s *Service) StartDevice(ctx context.Context, deviceID string) (ControlResult, error) {
	return s.controlDevices(ctx, deviceID, true)
}

// StopDevice disables one device, or every device when deviceID is empty.
func (s *Service) StopDevice(ctx context.Context, deviceID string) (ControlResult, error) {
	return s.controlDevices(ctx, deviceID, false)
}

// Mobile summarizes every device.
func (s *Service) Mobile(ctx context.Context) (MobileStatus, error) {
	all, err := s.devices.List(ctx)
	if err != nil {
		return MobileStatus{}, err
	}
	status := MobileStatus{Devices: make([]DeviceStatus, 0, len(all)), TotalDevices: len(all)}
	for _, device := range all {
		entry := DeviceStatus{
			DeviceID:          device.DeviceID,
			DeviceName:        device.DeviceName,
			MonitoringEnabled: device.MonitoringEnabled,
			NotificationCount: device.TotalProcessed,
		}
		if last := device.LastSyncAt(); !last.IsZero() {
			formatted := last.Format("2006-01-02T15:04:05.000Z07:00")
			entry.LastSyncAt = &formatted
		}
		if device.MonitoringEnabled {
			status.EnabledCount++
		}
		status.Devices = append(status.Devices, entry)
	}
	return status, nil
}

// Unified combines email and mobile status.
func (s *Service) Unified(ctx context.Context) (UnifiedStatus, error) {
	email, err := s.Status(ctx)
	if err != nil {
		return UnifiedStatus{}, err
	}
	mobile, err := s.Mobile(ctx)
	if err != nil {
		return UnifiedStatus{}, err
	}
	return UnifiedStatus{
		Email:      email,
		Mobile:     mobile,
		AllEnabled: email.Enabled && mobile.EnabledCount == mobile.TotalDevices,
	}, nil
}

func (s *Service) setEmail(ctx context.Context, enabled, includeMobile bool) (ControlResult, error) {
	if err := writeSetting(ctx, s.db, KeyEmailMonitoring, strconv.FormatBool(enabled)); err != nil {
		return ControlResult{}, fmt.Errorf("monitoring: write email flag: %w", err)
	}
	verb := "disabled"
	if enabled {
		verb = "enabled"
	}
	result := ControlResult{Message: "Scheduled email monitoring " + verb}
	if includeMobile {
		mobile, err := s.controlDevices(ctx, "", enabled)
		if err != nil {
			return ControlResult{}, err
		}
		result.Devices = mobile.Devices
		result.Message += fmt.Sprintf(", mobile monitoring %s for %d devices", verb, len(mobile.Devices))
	}
	s.logger.Info("email monitoring toggled", zap.Bool("enabled", enabled), zap.Bool("include_mobile", includeMobile))
	return result, nil
}

func (s *Service) controlDevices(ctx context.Context, deviceID string, enabled bool) (ControlResult, error) {
	commandType := commands.TypeStopMonitoring
	verb := "stopped"
	if enabled {
		commandType = commands.TypeStartMonitoring
		verb = "started"
	}
	if deviceID != "" {
		if err := s.devices.SetMonitoring(ctx, deviceID, enabled); err != nil {
			return ControlResult{}, err
		}
		if _, err := s.commands.Enqueue(ctx, deviceID, commandType); err != nil {
			return ControlResult{}, err
		}
		return ControlResult{
			Devices: []string{deviceID},
			Message: fmt.Sprintf("Monitoring %s for device %s", verb, deviceID),
		}, nil
	}
	ids, err := s.devices.SetMonitoringAll(ctx, enabled)
	if err != nil {
		return ControlResult{}, err
	}
	if _, err := s.commands.EnqueueAll(ctx, ids, commandType); err != nil {
		return ControlResult{}, err
	}
	return ControlResult{
		Devices: ids,
		Message: fmt.Sprintf("Monitoring %s for %d devices", verb, len(ids)),
	}, nil
}

func validInterval(minutes int) bool {
	return minutes >= MinIntervalMinutes && minutes <= MaxIntervalMinutes
}
