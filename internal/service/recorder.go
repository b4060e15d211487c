package service

import (
	"context"
	"errors"
	"fmt"

	"postingrelay/internal/model"
	"postingrelay/internal/repository"
	"postingrelay/pkg/logger"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidPayload = errors.New("outbox payload is not valid json")

// TxFunc applies the business state change that an outbox event describes.
type TxFunc func(tx *gorm.DB) error

// EventRecorder is the write path helper: the state change and its outbox row
// commit or roll back together.
type EventRecorder struct {
	db     *gorm.DB
	outbox repository.OutboxInterface
}

func NewEventRecorder(db *gorm.DB, outbox repository.OutboxInterface) *EventRecorder {
	return &EventRecorder{db: db, outbox: outbox}
}

// Record runs apply (which may be nil) and saves a PENDING outbox event in
// one transaction.
func (r *EventRecorder) Record(ctx context.Context, eventType string, aggregateID int64, payload string, apply TxFunc) (*model.OutboxEvent, error) {
	if !json.Valid([]byte(payload)) {
		return nil, ErrInvalidPayload
	}

	var saved *model.OutboxEvent
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if apply != nil {
			if err := apply(tx); err != nil {
				return err
			}
		}
		event, err := r.outbox.WithTx(tx).Save(ctx, eventType, aggregateID, payload)
		if err != nil {
			return err
		}
		saved = event
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record outbox event: %w", err)
	}

	logger.Info("outbox event recorded",
		zap.Int64("id", saved.ID),
		zap.String("event_type", saved.EventType),
		zap.Int64("aggregate_id", aggregateID),
		zap.String("operator", GetOperator(ctx)))
	return saved, nil
}
