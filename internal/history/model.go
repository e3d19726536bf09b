package history

import "time"

// TextPreviewLimit caps the stored message snippet.
const TextPreviewLimit = 500

// AlertRecord is the durable outcome of classifying one message. MessageID is
// the idempotency key: one row per message, ever.
type AlertRecord struct {
	ID               uint      `gorm:"column:id;primaryKey;autoIncrement"`
	MessageID        string    `gorm:"column:message_id;size:190;not null;uniqueIndex"`
	DeviceID         string    `gorm:"column:device_id;size:190;index"`
	Source           string    `gorm:"column:source;size:120;not null;index"`
	SourceApp        string    `gorm:"column:source_app;size:120"`
	Sender           string    `gorm:"column:sender;size:320;not null"`
	Subject          string    `gorm:"column:subject;size:500"`
	TextPreview      string    `gorm:"column:text_preview;size:500"`
	Urgency          string    `gorm:"column:urgency;size:16;not null;index"`
	Reason           string    `gorm:"column:reason;type:text;not null"`
	SMSSent          bool      `gorm:"column:sms_sent;not null"`
	SMSClaimedAtMs   int64     `gorm:"column:sms_claimed_at_ms;not null;default:0"`
	SMSError         string    `gorm:"column:sms_error;type:text"`
	CapturedAtMillis int64     `gorm:"column:captured_at_ms;not null;default:0"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (AlertRecord) TableName() string {
	return "alert_records"
}

// TruncatePreview limits text to the stored preview length in runes.
func TruncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= TextPreviewLimit {
		return text
	}
	return string(runes[:TextPreviewLimit])
}
