package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"postingrelay/internal/model"
	"postingrelay/internal/repository"
	"postingrelay/pkg/constraints"
	"postingrelay/pkg/logger"

	"gorm.io/gorm"
)

func init() {
	logger.InitLogger("test", "debug")
}

// memOutbox is an in-memory OutboxInterface with the same terminal guard as
// the gorm repository.
type memOutbox struct {
	repository.OutboxInterface

	mu       sync.Mutex
	events   []*model.OutboxEvent
	fetchErr error
	markErr  error
	fetches  int
}

func (m *memOutbox) add(id, aggregateID int64, eventType, payload string, createdAt time.Time) {
	m.events = append(m.events, &model.OutboxEvent{
		ID: id, AggregateID: aggregateID, EventType: eventType, Payload: payload,
		Status: constraints.OutboxPending, CreatedAt: createdAt,
	})
}

func (m *memOutbox) FetchPending(ctx context.Context, limit int) ([]model.OutboxEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	var out []model.OutboxEvent
	for _, e := range m.events {
		if len(out) == limit {
			break
		}
		if e.Status == constraints.OutboxPending {
			out = append(out, *e)
		}
	}
	return out, nil
}

func (m *memOutbox) transition(id int64, status string, at *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.markErr != nil {
		return m.markErr
	}
	for _, e := range m.events {
		if e.ID == id {
			if e.Status != constraints.OutboxPending {
				return repository.ErrOutboxTransition
			}
			e.Status = status
			e.PublishedAt = at
			return nil
		}
	}
	return repository.ErrOutboxTransition
}

func (m *memOutbox) MarkPublished(ctx context.Context, event *model.OutboxEvent) error {
	now := time.Now()
	if err := m.transition(event.ID, constraints.OutboxPublished, &now); err != nil {
		return err
	}
	event.Status = constraints.OutboxPublished
	event.PublishedAt = &now
	return nil
}

func (m *memOutbox) MarkFailed(ctx context.Context, event *model.OutboxEvent) error {
	if err := m.transition(event.ID, constraints.OutboxFailed, nil); err != nil {
		return err
	}
	event.Status = constraints.OutboxFailed
	return nil
}

func (m *memOutbox) get(id int64) *model.OutboxEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

func (m *memOutbox) WithTx(tx *gorm.DB) repository.OutboxInterface { return m }

type published struct {
	key, payload, eventType string
}

type fakePublisher struct {
	mu      sync.Mutex
	sent    []published
	failFor map[string]bool
}

func (f *fakePublisher) Publish(ctx context.Context, key, payload, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFor[key] {
		return errors.New("broker unavailable")
	}
	f.sent = append(f.sent, published{key, payload, eventType})
	return nil
}

// memProcessed enforces the primary key and the payload hash unique index.
type memProcessed struct {
	mu       sync.Mutex
	rows     map[string]*model.ProcessedEvent
	claimErr error
}

func newMemProcessed() *memProcessed {
	return &memProcessed{rows: map[string]*model.ProcessedEvent{}}
}

func (m *memProcessed) insert(eventID, hash, status string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[eventID]; ok {
		return false
	}
	if hash != "" {
		for _, r := range m.rows {
			if r.Hash() == hash {
				return false
			}
		}
	}
	row := &model.ProcessedEvent{EventID: eventID, Status: status, ProcessedAt: time.Now()}
	if hash != "" {
		row.PayloadHash = &hash
	}
	m.rows[eventID] = row
	return true
}

func (m *memProcessed) Claim(ctx context.Context, eventID, payloadHash string) (bool, error) {
	if m.claimErr != nil {
		return false, m.claimErr
	}
	return m.insert(eventID, payloadHash, constraints.ProcessedProcessing), nil
}

func (m *memProcessed) Record(ctx context.Context, eventID, payloadHash, status string) (bool, error) {
	return m.insert(eventID, payloadHash, status), nil
}

func (m *memProcessed) Complete(ctx context.Context, eventID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	if !ok || row.Status != constraints.ProcessedProcessing {
		return repository.ErrProcessedEventNotFound
	}
	row.Status = status
	return nil
}

func (m *memProcessed) Get(ctx context.Context, eventID string) (*model.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[eventID]
	if !ok {
		return nil, repository.ErrProcessedEventNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *memProcessed) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

type commitCall struct {
	transactionID, holdID int64
}

type fakeLedger struct {
	mu    sync.Mutex
	calls []commitCall
	err   error
	block chan struct{}
}

func (f *fakeLedger) Commit(ctx context.Context, transactionID, holdID int64) error {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, commitCall{transactionID, holdID})
	return f.err
}

func (f *fakeLedger) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (m *memProcessed) ListStale(ctx context.Context, claimedBefore time.Time, limit int) ([]model.ProcessedEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.ProcessedEvent
	for _, r := range m.rows {
		if len(out) == limit {
			break
		}
		if r.Status == constraints.ProcessedProcessing && r.ProcessedAt.Before(claimedBefore) {
			out = append(out, *r)
		}
	}
	return out, nil
}
