package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"postingrelay/internal/model"
	"postingrelay/pkg/constraints"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/gorm"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newOutboxRepo(t *testing.T) (*OutboxRepository, sqlmock.Sqlmock) {
	db, mock := newMockDB(t)
	repo := NewOutboxRepository(db)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func TestOutboxSave_InsertsPending(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	mock.ExpectExec("INSERT INTO `outbox_events`").
		WillReturnResult(sqlmock.NewResult(42, 1))

	event, err := repo.Save(context.Background(), "transaction.posted", 123, `{"a":1}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.ID != 42 {
		t.Errorf("expected id 42, got %d", event.ID)
	}
	if event.Status != constraints.OutboxPending {
		t.Errorf("expected PENDING, got %s", event.Status)
	}
	if !event.CreatedAt.Equal(fixedNow) {
		t.Errorf("expected created_at %v, got %v", fixedNow, event.CreatedAt)
	}
	if event.PublishedAt != nil {
		t.Error("published_at must stay nil on insert")
	}
	assertExpectations(t, mock)
}

func TestOutboxSave_RequiresEventType(t *testing.T) {
	repo, mock := newOutboxRepo(t)

	_, err := repo.Save(context.Background(), "  ", 1, "{}")
	if !errors.Is(err, ErrInvalidOutboxEvent) {
		t.Fatalf("expected ErrInvalidOutboxEvent, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestOutboxSave_RollsBackWithCallerTransaction(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `outbox_events`").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectRollback()

	businessErr := errors.New("business write failed")
	err := repo.db.Transaction(func(tx *gorm.DB) error {
		if _, err := repo.WithTx(tx).Save(context.Background(), "transaction.posted", 9, "{}"); err != nil {
			return err
		}
		return businessErr
	})
	if !errors.Is(err, businessErr) {
		t.Fatalf("expected business error, got %v", err)
	}
	assertExpectations(t, mock)
}

func TestOutboxFetchPending_OrdersOldestFirst(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	cols := []string{"id", "event_type", "aggregate_id", "payload", "status", "created_at", "published_at"}
	mock.ExpectQuery("SELECT \\* FROM `outbox_events` WHERE status = \\? ORDER BY created_at ASC.*id ASC LIMIT").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "t", 100, "{}", constraints.OutboxPending, fixedNow.Add(-time.Minute), nil).
			AddRow(2, "t", 200, "{}", constraints.OutboxPending, fixedNow, nil))

	events, err := repo.FetchPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 2 || events[0].ID != 1 || events[1].ID != 2 {
		t.Fatalf("unexpected events: %+v", events)
	}
	assertExpectations(t, mock)
}

func TestOutboxFetchPending_NonPositiveLimit(t *testing.T) {
	repo, mock := newOutboxRepo(t)

	events, err := repo.FetchPending(context.Background(), 0)
	if err != nil || len(events) != 0 {
		t.Fatalf("expected no events and no error, got %v, %v", events, err)
	}
	assertExpectations(t, mock)
}

func TestOutboxMarkPublished(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	mock.ExpectExec("UPDATE `outbox_events` SET").WillReturnResult(sqlmock.NewResult(0, 1))

	event := &model.OutboxEvent{ID: 5, Status: constraints.OutboxPending}
	if err := repo.MarkPublished(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != constraints.OutboxPublished {
		t.Errorf("expected PUBLISHED, got %s", event.Status)
	}
	if event.PublishedAt == nil || !event.PublishedAt.Equal(fixedNow) {
		t.Errorf("expected published_at %v, got %v", fixedNow, event.PublishedAt)
	}
	assertExpectations(t, mock)
}

func TestOutboxMarkFailed_LeavesPublishedAtNil(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	mock.ExpectExec("UPDATE `outbox_events` SET").WillReturnResult(sqlmock.NewResult(0, 1))

	event := &model.OutboxEvent{ID: 6, Status: constraints.OutboxPending}
	if err := repo.MarkFailed(context.Background(), event); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != constraints.OutboxFailed {
		t.Errorf("expected FAILED, got %s", event.Status)
	}
	if event.PublishedAt != nil {
		t.Error("published_at must stay nil for FAILED events")
	}
	assertExpectations(t, mock)
}

func TestOutboxMark_TerminalEventIsRejected(t *testing.T) {
	repo, mock := newOutboxRepo(t)
	mock.ExpectExec("UPDATE `outbox_events` SET").WillReturnResult(sqlmock.NewResult(0, 0))

	event := &model.OutboxEvent{ID: 8, Status: constraints.OutboxFailed}
	err := repo.MarkPublished(context.Background(), event)
	if !errors.Is(err, ErrOutboxTransition) {
		t.Fatalf("expected ErrOutboxTransition, got %v", err)
	}
	if event.Status != constraints.OutboxFailed {
		t.Errorf("status must not change on a rejected transition, got %s", event.Status)
	}
	assertExpectations(t, mock)
}
