package req

import "github.com/goccy/go-json"

type ListOutboxRequest struct {
	Status string `form:"status" binding:"omitempty,oneof=PENDING PUBLISHED FAILED"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

type CreateOutboxEventRequest struct {
	EventType   string          `json:"event_type" binding:"required"`
	AggregateID int64           `json:"aggregate_id" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
}

type GetProcessedEventRequest struct {
	EventID string `uri:"eventId" binding:"required"`
}
