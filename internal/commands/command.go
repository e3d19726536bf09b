package commands

import (
	"fmt"
	"strings"
	"time"
)

// Type is the kind of remote command.
type Type string

const (
	TypeStartMonitoring Type = "start_monitoring"
	TypeStopMonitoring  Type = "stop_monitoring"
)

// ParseType accepts the wire names and the short START/STOP forms.
func ParseType(value string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TypeStartMonitoring), "start":
		return TypeStartMonitoring, nil
	case string(TypeStopMonitoring), "stop":
		return TypeStopMonitoring, nil
	default:
		return "", fmt.Errorf("commands: unknown command type %q", value)
	}
}

// State is the lifecycle state of a command.
type State string

const (
	StatePending  State = "PENDING"
	StateExecuted State = "EXECUTED"
	StateExpired  State = "EXPIRED"
)

// Command is one queued instruction for a device.
type Command struct {
	ID               uint   `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID         string `gorm:"column:device_id;size:190;not null;index:idx_commands_pending,priority:1"`
	Type             Type   `gorm:"column:command;size:32;not null"`
	Executed         bool   `gorm:"column:executed;not null;index:idx_commands_pending,priority:2"`
	Expired          bool   `gorm:"column:expired;not null"`
	CreatedAtMillis  int64  `gorm:"column:created_at_ms;not null"`
	ExecutedAtMillis int64  `gorm:"column:executed_at_ms;not null;default:0"`
}

func (Command) TableName() string {
	return "device_commands"
}

// State derives the lifecycle state.
func (c Command) State() State {
	switch {
	case c.Executed:
		return StateExecuted
	case c.Expired:
		return StateExpired
	default:
		return StatePending
	}
}

// CreatedAt returns the enqueue time.
func (c Command) CreatedAt() time.Time {
	return time.UnixMilli(c.CreatedAtMillis).UTC()
}

// ExecutedAt returns the acknowledgement time, or the zero time.
func (c Command) ExecutedAt() time.Time {
	if c.ExecutedAtMillis == 0 {
		return time.Time{}
	}
	return time.UnixMilli(c.ExecutedAtMillis).UTC()
}
