package models

import "time"

// JournalViolation stores every decode error and consistency violation the
// reconciler surfaced.
type JournalViolation struct {
	ID         uint      `gorm:"primaryKey"`
	Kind       string    `gorm:"size:32;index"` // "decode", "consistency" or "other"
	Block      uint64    `gorm:"index"`
	LogIndex   uint
	PollID     uint64    `gorm:"index"`
	Reason     string    `gorm:"type:text"`
	ObservedAt time.Time `gorm:"index"`
	CreatedAt  time.Time
}
