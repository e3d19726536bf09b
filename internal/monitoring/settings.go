package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	KeyEmailMonitoring = "email_monitoring_enabled"
	KeyCheckInterval   = "check_interval_minutes"

	DefaultIntervalMinutes = 5
	MinIntervalMinutes     = 1
	MaxIntervalMinutes     = 1440
)

// ErrInvalidInterval indicates an interval outside 1..1440 minutes.
var ErrInvalidInterval = fmt.Errorf("monitoring: interval must be between %d and %d minutes", MinIntervalMinutes, MaxIntervalMinutes)

// Setting is one server-side key/value setting.
type Setting struct {
	Key       string    `gorm:"column:key;primaryKey;size:64"`
	Value     string    `gorm:"column:value;size:255;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (Setting) TableName() string {
	return "settings"
}

// DefaultSettings are seeded on first start.
func DefaultSettings() []Setting {
	return []Setting{
		{Key: KeyEmailMonitoring, Value: "false"},
		{Key: KeyCheckInterval, Value: strconv.Itoa(DefaultIntervalMinutes)},
	}
}

func readSetting(ctx context.Context, db *gorm.DB, key string) (string, bool, error) {
	var setting Setting
	err := db.WithContext(ctx).Where(map[string]any{"key": key}).Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return setting.Value, true, nil
}

func writeSetting(ctx context.Context, db *gorm.DB, key, value string) error {
	setting := Setting{Key: key, Value: value}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&setting).Error
}
