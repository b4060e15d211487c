package api

import (
	"context"
	"errors"
	"net/http"

	"postingrelay/internal/dto/req"
	"postingrelay/internal/dto/resp"
	"postingrelay/internal/model"
	"postingrelay/internal/repository"
	"postingrelay/internal/service"

	"github.com/gin-gonic/gin"
)

const defaultListLimit = 50

type OutboxLister interface {
	ListByStatus(ctx context.Context, status string, limit int) ([]model.OutboxEvent, error)
}

type EventRecorder interface {
	Record(ctx context.Context, eventType string, aggregateID int64, payload string, apply service.TxFunc) (*model.OutboxEvent, error)
}

type OutboxHandler struct {
	outbox   OutboxLister
	recorder EventRecorder
}

func NewOutboxHandler(outbox OutboxLister, recorder EventRecorder) *OutboxHandler {
	return &OutboxHandler{outbox: outbox, recorder: recorder}
}

func (h *OutboxHandler) ListOutbox(c *gin.Context) {
	var r req.ListOutboxRequest
	if err := c.ShouldBindQuery(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid params"})
		return
	}
	if r.Limit == 0 {
		r.Limit = defaultListLimit
	}

	events, err := h.outbox.ListByStatus(c.Request.Context(), r.Status, r.Limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	items := make([]resp.OutboxEventItem, 0, len(events))
	for i := range events {
		items = append(items, resp.NewOutboxEventItem(&events[i]))
	}
	c.JSON(http.StatusOK, resp.ListOutboxResponse{Items: items, Count: len(items)})
}

// CreateEvent records an event with no accompanying state change, for manual
// replays and operational backfills.
func (h *OutboxHandler) CreateEvent(c *gin.Context) {
	var r req.CreateOutboxEventRequest
	if err := c.ShouldBindJSON(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "JSON format error"})
		return
	}

	event, err := h.recorder.Record(c.Request.Context(), r.EventType, r.AggregateID, string(r.Payload), nil)
	if err != nil {
		if errors.Is(err, service.ErrInvalidPayload) || errors.Is(err, repository.ErrInvalidOutboxEvent) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, resp.NewOutboxEventItem(event))
}
