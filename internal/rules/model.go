package rules

import "time"

// VIPSender is a sender address, domain, or handle whose messages are always urgent.
type VIPSender struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Value     string    `gorm:"column:value;size:320;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (VIPSender) TableName() string {
	return "vip_senders"
}

// Keyword marks any message containing it as urgent.
type Keyword struct {
	ID        uint      `gorm:"column:id;primaryKey;autoIncrement"`
	Keyword   string    `gorm:"column:keyword;size:190;not null;uniqueIndex"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (Keyword) TableName() string {
	return "keyword_rules"
}
