package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"postingrelay/internal/model"
	"postingrelay/pkg/constraints"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrProcessedEventNotFound = errors.New("processed event not found")

// ProcessedEventInterface is the dedup ledger for inbound events.
type ProcessedEventInterface interface {
	// Claim inserts a PROCESSING row for eventID/payloadHash. It reports false
	// when either key already exists, in which case nothing was written.
	Claim(ctx context.Context, eventID, payloadHash string) (bool, error)
	// Record inserts a row directly in a terminal status, used when no claim
	// could be made (e.g. the payload hash is unavailable).
	Record(ctx context.Context, eventID, payloadHash, status string) (bool, error)
	// Complete moves a claimed row to its final status.
	Complete(ctx context.Context, eventID, status string) error
	Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error)
	// ListStale returns PROCESSING rows claimed before the given instant.
	ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.ProcessedEvent, error)
}

type ProcessedEventRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewProcessedEventRepository(db *gorm.DB) *ProcessedEventRepository {
	return &ProcessedEventRepository{db: db, now: time.Now}
}

func (r *ProcessedEventRepository) Claim(ctx context.Context, eventID, payloadHash string) (bool, error) {
	return r.insert(ctx, eventID, payloadHash, constraints.ProcessedProcessing)
}

func (r *ProcessedEventRepository) Record(ctx context.Context, eventID, payloadHash, status string) (bool, error) {
	return r.insert(ctx, eventID, payloadHash, status)
}

// insert relies on the primary key and the payload_hash unique index; a
// conflict on either turns the statement into a no-op with zero rows affected.
func (r *ProcessedEventRepository) insert(ctx context.Context, eventID, payloadHash, status string) (bool, error) {
	row := &model.ProcessedEvent{
		EventID:     eventID,
		Status:      status,
		ProcessedAt: r.now(),
	}
	if payloadHash != "" {
		row.PayloadHash = &payloadHash
	}

	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(row)
	if res.Error != nil {
		return false, fmt.Errorf("insert processed event %s: %w", eventID, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (r *ProcessedEventRepository) Complete(ctx context.Context, eventID, status string) error {
	res := r.db.WithContext(ctx).Model(&model.ProcessedEvent{}).
		Where("event_id = ? AND status = ?", eventID, constraints.ProcessedProcessing).
		Updates(map[string]any{
			"status":       status,
			"processed_at": r.now(),
		})
	if res.Error != nil {
		return fmt.Errorf("complete processed event %s: %w", eventID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("complete processed event %s: %w", eventID, ErrProcessedEventNotFound)
	}
	return nil
}

func (r *ProcessedEventRepository) Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	var row model.ProcessedEvent
	err := r.db.WithContext(ctx).Where("event_id = ?", eventID).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrProcessedEventNotFound
		}
		return nil, err
	}
	return &row, nil
}

func (r *ProcessedEventRepository) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.ProcessedEvent, error) {
	if limit <= 0 {
		return nil, nil
	}
	var rows []model.ProcessedEvent
	if err := r.db.WithContext(ctx).
		Where("status = ? AND processed_at < ?", constraints.ProcessedProcessing, claimedBefore).
		Order("processed_at ASC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list stale processed events: %w", err)
	}
	return rows, nil
}
