package devices

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrDeviceNotFound indicates no device is registered under the given id.
	ErrDeviceNotFound = errors.New("devices: device not found")
	// ErrInvalidDeviceID indicates an empty device identifier.
	ErrInvalidDeviceID = errors.New("devices: device id is required")
)

// RegistryConfig describes the dependencies of the device registry.
type RegistryConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Registry tracks capture devices and their monitoring flag.
type Registry struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// NewRegistry constructs the device registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("devices: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{db: cfg.Database, now: clock, logger: logger}, nil
}

// Register creates an unseen device or bumps the sync time of a known one.
// The sync time never moves backwards.
func (r *Registry) Register(ctx context.Context, deviceID, deviceName string) (Device, error) {
	deviceID = normalize(deviceID)
	if deviceID == "" {
		return Device{}, ErrInvalidDeviceID
	}
	deviceName = normalize(deviceName)
	nowMillis := r.now().UnixMilli()

	var device Device
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		candidate := Device{
			DeviceID:          deviceID,
			DeviceName:        deviceName,
			LastSyncAtMillis:  nowMillis,
			MonitoringEnabled: true,
		}
		created := tx.Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "device_id"}}, DoNothing: true}).Create(&candidate)
		if created.Error != nil {
			return created.Error
		}
		if created.RowsAffected == 0 {
			updates := map[string]any{
				"last_sync_at_ms": gorm.Expr("CASE WHEN last_sync_at_ms < ? THEN ? ELSE last_sync_at_ms END", nowMillis, nowMillis),
			}
			if deviceName != "" {
				updates["device_name"] = deviceName
			}
			if err := tx.Model(&Device{}).Where("device_id = ?", deviceID).Updates(updates).Error; err != nil {
				return err
			}
		} else {
			r.logger.Info("device registered", zap.String("device_id", deviceID))
		}
		return tx.Where("device_id = ?", deviceID).Take(&device).Error
	})
	if err != nil {
		return Device{}, fmt.Errorf("devices: register %s: %w", deviceID, err)
	}
	return device, nil
}

// AddProcessed increments the device's processed counter.
func (r *Registry) AddProcessed(ctx context.Context, deviceID string, processed int) error {
	if processed <= 0 {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", normalize(deviceID)).
		Update("total_processed", gorm.Expr("total_processed + ?", processed))
	if result.Error != nil {
		return fmt.Errorf("devices: add processed %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

// Get returns a registered device.
func (r *Registry) Get(ctx context.Context, deviceID string) (Device, error) {
	var device Device
	err := r.db.WithContext(ctx).Where("device_id = ?", normalize(deviceID)).Take(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Device{}, ErrDeviceNotFound
	}
	if err != nil {
		return Device{}, fmt.Errorf("devices: get %s: %w", deviceID, err)
	}
	return device, nil
}

// List returns every device ordered by registration.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	var devices []Device
	if err := r.db.WithContext(ctx).Order("id ASC").Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("devices: list: %w", err)
	}
	return devices, nil
}

// SetMonitoring sets one device's monitoring flag.
func (r *Registry) SetMonitoring(ctx context.Context, deviceID string, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&Device{}).
		Where("device_id = ?", normalize(deviceID)).
		Update("monitoring_enabled", enabled)
	if result.Error != nil {
		return fmt.Errorf("devices: set monitoring %s: %w", deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.Get(ctx, deviceID); err != nil {
			return err
		}
	}
	return nil
}

// SetMonitoringAll sets every device's monitoring flag and returns the affected device ids.
func (r *Registry) SetMonitoringAll(ctx context.Context, enabled bool) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Device{}).Order("id ASC").Pluck("device_id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Model(&Device{}).Where("1 = 1").Update("monitoring_enabled", enabled).Error
	})
	if err != nil {
		return nil, fmt.Errorf("devices: set monitoring for all: %w", err)
	}
	return ids, nil
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
