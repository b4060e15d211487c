package model

import "time"

type OutboxEvent struct {
	ID          int64      `json:"id" gorm:"primaryKey"`
	EventType   string     `json:"event_type" gorm:"size:128;not null"`
	AggregateID int64      `json:"aggregate_id" gorm:"not null;index"`
	Payload     string     `json:"payload" gorm:"type:text"`
	Status      string     `json:"status" gorm:"size:16;not null;index:idx_outbox_status_created,priority:1"`
	CreatedAt   time.Time  `json:"created_at" gorm:"index:idx_outbox_status_created,priority:2"`
	PublishedAt *time.Time `json:"published_at"`
}

func (OutboxEvent) TableName() string {
	return "outbox_events"
}

