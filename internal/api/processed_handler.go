package api

import (
	"context"
	"errors"
	"net/http"

	"postingrelay/internal/dto/req"
	"postingrelay/internal/dto/resp"
	"postingrelay/internal/model"
	"postingrelay/internal/repository"

	"github.com/gin-gonic/gin"
)

type ProcessedEventReader interface {
	Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error)
}

type ProcessedHandler struct {
	store ProcessedEventReader
}

func NewProcessedHandler(store ProcessedEventReader) *ProcessedHandler {
	return &ProcessedHandler{store: store}
}

func (h *ProcessedHandler) GetProcessedEvent(c *gin.Context) {
	var r req.GetProcessedEventRequest
	if err := c.ShouldBindUri(&r); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid event id"})
		return
	}

	row, err := h.store.Get(c.Request.Context(), r.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrProcessedEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, resp.ProcessedEventResponse{
		EventID:     row.EventID,
		PayloadHash: row.Hash(),
		Status:      row.Status,
		ProcessedAt: row.ProcessedAt,
	})
}
