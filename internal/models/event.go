// Package models defines the database models for the poll event journal.
package models

import "time"

// JournalEvent is one event the reconciler applied to the view.
// (block, log_index) is unique: a replayed event is never journaled twice.
type JournalEvent struct {
	ID          uint      `gorm:"primaryKey"`
	Block       uint64    `gorm:"index:ux_block_log,unique;not null"`
	LogIndex    uint      `gorm:"index:ux_block_log,unique;not null"`
	TxHash      string    `gorm:"size:66;index"`
	Kind        string    `gorm:"size:16;index"` // "created" or "cast"
	PollID      uint64    `gorm:"index"`
	Question    string    `gorm:"type:text"`
	Options     string    `gorm:"type:text"` // JSON array, created only
	OptionIndex int       // cast only
	NewCount    uint64    // cast only
	ObservedAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
}
