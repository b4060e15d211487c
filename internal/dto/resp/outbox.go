package resp

import (
	"time"

	"postingrelay/internal/model"
)

type OutboxEventItem struct {
	ID          int64      `json:"id"`
	EventType   string     `json:"event_type"`
	AggregateID int64      `json:"aggregate_id"`
	Payload     string     `json:"payload"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

func NewOutboxEventItem(e *model.OutboxEvent) OutboxEventItem {
	return OutboxEventItem{
		ID:          e.ID,
		EventType:   e.EventType,
		AggregateID: e.AggregateID,
		Payload:     e.Payload,
		Status:      e.Status,
		CreatedAt:   e.CreatedAt,
		PublishedAt: e.PublishedAt,
	}
}

type ListOutboxResponse struct {
	Items []OutboxEventItem `json:"items"`
	Count int               `json:"count"`
}

type ProcessedEventResponse struct {
	EventID     string    `json:"event_id"`
	PayloadHash string    `json:"payload_hash"`
	Status      string    `json:"status"`
	ProcessedAt time.Time `json:"processed_at"`
}

type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}
