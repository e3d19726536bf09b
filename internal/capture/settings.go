package capture

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

const (
	settingMonitoringEnabled = "monitoring_enabled"
	settingSyncStatus        = "sync_status"
)

// Setting returns a locally persisted value and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("capture: read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a locally persisted value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_settings (key, value, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at_ms = excluded.updated_at_ms`,
		key, value, s.clock().UnixMilli())
	if err != nil {
		return fmt.Errorf("capture: write setting %s: %w", key, err)
	}
	return nil
}

// MonitoringEnabled reports the device's local monitoring flag. It defaults to enabled.
func (s *Store) MonitoringEnabled(ctx context.Context) (bool, error) {
	value, ok, err := s.Setting(ctx, settingMonitoringEnabled)
	if err != nil || !ok {
		return true, err
	}
	enabled, parseErr := strconv.ParseBool(value)
	if parseErr != nil {
		return true, nil
	}
	return enabled, nil
}

// SetMonitoringEnabled persists the device's local monitoring flag.
func (s *Store) SetMonitoringEnabled(ctx context.Context, enabled bool) error {
	return s.SetSetting(ctx, settingMonitoringEnabled, strconv.FormatBool(enabled))
}

// SyncStatus returns the last persisted sync status snapshot as raw JSON.
func (s *Store) SyncStatus(ctx context.Context) (string, bool, error) {
	return s.Setting(ctx, settingSyncStatus)
}

// SetSyncStatus persists the latest sync status snapshot.
func (s *Store) SetSyncStatus(ctx context.Context, payload string) error {
	return s.SetSetting(ctx, settingSyncStatus, payload)
}
