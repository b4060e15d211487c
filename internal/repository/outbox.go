package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postingrelay/internal/model"
	"postingrelay/pkg/constraints"

	"gorm.io/gorm"
)

var (
	ErrInvalidOutboxEvent = errors.New("invalid outbox event")
	// ErrOutboxTransition is returned when an update finds no PENDING row,
	// i.e. the event already reached a terminal status.
	ErrOutboxTransition = errors.New("outbox event is not pending")
)

type OutboxInterface interface {
	Save(ctx context.Context, eventType string, aggregateID int64, payload string) (*model.OutboxEvent, error)
	FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error)
	MarkPublished(ctx context.Context, event *model.OutboxEvent) error
	MarkFailed(ctx context.Context, event *model.OutboxEvent) error
	ListByStatus(ctx context.Context, status string, limit int) ([]model.OutboxEvent, error)
	WithTx(tx *gorm.DB) OutboxInterface
}

type OutboxRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewOutboxRepository(db *gorm.DB) *OutboxRepository {
	return &OutboxRepository{db: db, now: time.Now}
}

// Save inserts a PENDING event. Call it on a repository obtained from WithTx
// so the row commits or rolls back with the business change it describes.
func (r *OutboxRepository) Save(ctx context.Context, eventType string, aggregateID int64, payload string) (*model.OutboxEvent, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, fmt.Errorf("%w: event type is required", ErrInvalidOutboxEvent)
	}

	event := &model.OutboxEvent{
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     payload,
		Status:      constraints.OutboxPending,
		CreatedAt:   r.now(),
	}
	if err := r.db.WithContext(ctx).Create(event).Error; err != nil {
		return nil, fmt.Errorf("save outbox event: %w", err)
	}
	return event, nil
}

func (r *OutboxRepository) FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var events []model.OutboxEvent
	// oldest first, id breaks ties between rows created in the same instant
	if err := r.db.WithContext(ctx).Where("status = ?", constraints.OutboxPending).
		Order("created_at ASC").Order("id ASC").Limit(limit).Find(&events).Error; err != nil {
		return nil, fmt.Errorf("fetch pending outbox events: %w", err)
	}
	return events, nil
}

func (r *OutboxRepository) MarkPublished(ctx context.Context, event *model.OutboxEvent) error {
	now := r.now()
	if err := r.transition(ctx, event.ID, map[string]any{
		"status":       constraints.OutboxPublished,
		"published_at": now,
	}); err != nil {
		return fmt.Errorf("mark outbox event %d published: %w", event.ID, err)
	}
	event.Status = constraints.OutboxPublished
	event.PublishedAt = &now
	return nil
}

// MarkFailed is terminal: no timestamp and no retry bookkeeping.
func (r *OutboxRepository) MarkFailed(ctx context.Context, event *model.OutboxEvent) error {
	if err := r.transition(ctx, event.ID, map[string]any{
		"status": constraints.OutboxFailed,
	}); err != nil {
		return fmt.Errorf("mark outbox event %d failed: %w", event.ID, err)
	}
	event.Status = constraints.OutboxFailed
	return nil
}

func (r *OutboxRepository) transition(ctx context.Context, id int64, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&model.OutboxEvent{}).
		Where("id = ? AND status = ?", id, constraints.OutboxPending).
		Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOutboxTransition
	}
	return nil
}

func (r *OutboxRepository) ListByStatus(ctx context.Context, status string, limit int) ([]model.OutboxEvent, error) {
	var events []model.OutboxEvent
	q := r.db.WithContext(ctx).Model(&model.OutboxEvent{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if err := q.Order("id DESC").Limit(limit).Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

func (r *OutboxRepository) WithTx(tx *gorm.DB) OutboxInterface {
	return &OutboxRepository{db: tx, now: r.now}
}

func (r *OutboxRepository) PingContext(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
