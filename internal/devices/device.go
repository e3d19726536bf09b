package devices

import "time"

// Device is a capture device known to the server. Devices are never deleted.
type Device struct {
	ID                uint      `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID          string    `gorm:"column:device_id;size:190;not null;uniqueIndex"`
	DeviceName        string    `gorm:"column:device_name;size:190"`
	LastSyncAtMillis  int64     `gorm:"column:last_sync_at_ms;not null;default:0"`
	TotalProcessed    int64     `gorm:"column:total_processed;not null;default:0"`
	MonitoringEnabled bool      `gorm:"column:monitoring_enabled;not null"`
	CreatedAt         time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Device) TableName() string {
	return "devices"
}

// LastSyncAt returns the last sync time, or the zero time if the device never synced.
func (d Device) LastSyncAt() time.Time {
	if d.LastSyncAtMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(d.LastSyncAtMillis).UTC()
}
