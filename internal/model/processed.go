package model

import "time"

// ProcessedEvent is the dedup ledger entry for one logical inbound event.
// PayloadHash is NULL when the hash could not be computed, which keeps the
// unique index from colliding across failed rows.
type ProcessedEvent struct {
	EventID     string    `json:"event_id" gorm:"primaryKey;size:191"`
	PayloadHash *string   `json:"payload_hash" gorm:"size:64;uniqueIndex"`
	Status      string    `json:"status" gorm:"size:16;not null"`
	ProcessedAt time.Time `json:"processed_at"`
}

func (ProcessedEvent) TableName() string {
	return "processed_events"
}

func (p *ProcessedEvent) Hash() string {
	if p.PayloadHash == nil {
		return ""
	}
	return *p.PayloadHash
}
