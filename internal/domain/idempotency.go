package domain

import "time"

// Idempotency records the outcome of a completed send, keyed by
// (user_id, key). A retry carrying the same key is answered from this row
// instead of debiting credits and inserting a second message.
type Idempotency struct {
	ID        string    `gorm:"type:varchar(36);not null;primaryKey"`
	UserID    string    `gorm:"type:varchar(64);not null;uniqueIndex:ux_idem_user_key,priority:1"`
	Key       string    `gorm:"column:idem_key;type:varchar(200);not null;uniqueIndex:ux_idem_user_key,priority:2"`
	ChatID    string    `gorm:"type:varchar(36);not null"`
	MessageID string    `gorm:"type:varchar(36);not null"`
	Balance   *int64
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
