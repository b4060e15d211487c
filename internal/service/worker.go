package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"postingrelay/internal/channel"
	"postingrelay/internal/metrics"
	"postingrelay/internal/model"
	"postingrelay/internal/repository"
	"postingrelay/internal/tracing"
	"postingrelay/pkg/logger"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"
)

// Locker guards a publish cycle across instances. ok=false means another
// holder has it and the cycle is skipped.
type Locker interface {
	TryLock(ctx context.Context) (unlock func(), ok bool, err error)
}

type PublisherOptions struct {
	Interval       time.Duration
	BatchSize      int
	PublishTimeout time.Duration
	// IncludeEventType adds the event type header to every envelope.
	IncludeEventType bool
}

// CycleResult summarizes one PublishPending call.
type CycleResult struct {
	Fetched    int
	Published  int
	Failed     int
	MarkErrors int
}

// OutboxPublisher drains PENDING outbox rows to the message channel on a fixed
// delay: the next cycle is scheduled only after the previous one returns.
type OutboxPublisher struct {
	outbox    repository.OutboxInterface
	publisher channel.Publisher
	opts      PublisherOptions
	locker    Locker
	tracer    tracing.Tracer
	observer  metrics.OutboxObserver

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

func NewOutboxPublisher(outbox repository.OutboxInterface, publisher channel.Publisher, opts PublisherOptions, tracer tracing.Tracer, observer metrics.OutboxObserver) *OutboxPublisher {
	if tracer == nil {
		tracer = tracing.Nop()
	}
	if observer == nil {
		observer = metrics.Nop()
	}
	return &OutboxPublisher{
		outbox:    outbox,
		publisher: publisher,
		opts:      opts,
		tracer:    tracer,
		observer:  observer,
	}
}

// WithLocker enables cross-instance exclusion. Call before Start.
func (p *OutboxPublisher) WithLocker(l Locker) *OutboxPublisher {
	p.locker = l
	return p
}

func (p *OutboxPublisher) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Go(func() { p.Run(ctx) })
}

// Stop cancels the loop and waits for an in-flight cycle to finish.
func (p *OutboxPublisher) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
}

func (p *OutboxPublisher) Run(ctx context.Context) {
	timer := time.NewTimer(p.opts.Interval)
	defer timer.Stop()
	logger.Info("outbox publisher started",
		zap.Duration("interval", p.opts.Interval), zap.Int("batch_size", p.opts.BatchSize))

	for {
		select {
		case <-ctx.Done():
			logger.Info("outbox publisher stopped")
			return
		case <-timer.C:
			p.cycle(ctx)
			timer.Reset(p.opts.Interval)
		}
	}
}

func (p *OutboxPublisher) cycle(ctx context.Context) {
	if p.locker != nil {
		unlock, ok, err := p.locker.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire outbox publish lock", zap.Error(err))
			return
		}
		if !ok {
			logger.Debug("outbox cycle skipped, another instance holds the lock")
			return
		}
		defer unlock()
	}

	if _, err := p.PublishPending(ctx); err != nil {
		logger.Error("outbox publish cycle failed", zap.Error(err))
	}
}

// PublishPending runs one cycle. Only a fetch error is returned; per-event
// publish and store failures are logged, counted and never abort the batch.
func (p *OutboxPublisher) PublishPending(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	events, err := p.outbox.FetchPending(ctx, p.opts.BatchSize)
	if err != nil {
		return result, err
	}
	result.Fetched = len(events)
	p.observer.ObserveBatch(len(events))
	if len(events) == 0 {
		return result, nil
	}

	for i := range events {
		// stopping mid-batch leaves the rest PENDING for the next run
		if ctx.Err() != nil {
			break
		}
		event := &events[i]
		if err := p.publishOne(ctx, event); err != nil {
			logger.Warn("outbox publish failed",
				zap.Int64("id", event.ID), zap.Int64("aggregate_id", event.AggregateID), zap.Error(err))
			result.Failed++
			p.observer.RecordFailed()
			if err := p.outbox.MarkFailed(ctx, event); err != nil {
				logger.Error("failed to mark outbox event failed", zap.Int64("id", event.ID), zap.Error(err))
				result.MarkErrors++
				p.observer.RecordMarkError()
			}
			continue
		}

		result.Published++
		p.observer.RecordPublished()
		if err := p.outbox.MarkPublished(ctx, event); err != nil {
			logger.Error("failed to mark outbox event published", zap.Int64("id", event.ID), zap.Error(err))
			result.MarkErrors++
			p.observer.RecordMarkError()
			continue
		}
		logger.Debug("outbox event published", zap.Int64("id", event.ID), zap.String("event_type", event.EventType))
	}

	logger.Info("outbox cycle finished",
		zap.Int("fetched", result.Fetched), zap.Int("published", result.Published), zap.Int("failed", result.Failed))
	return result, nil
}

func (p *OutboxPublisher) publishOne(ctx context.Context, event *model.OutboxEvent) error {
	key := strconv.FormatInt(event.AggregateID, 10)
	eventType := ""
	if p.opts.IncludeEventType {
		eventType = event.EventType
	}

	ctx, end := p.tracer.RecordSpan(ctx, "outbox.publish", map[string]string{
		"outbox_id":  strconv.FormatInt(event.ID, 10),
		"event_type": event.EventType,
		"key":        key,
	})
	if p.opts.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.PublishTimeout)
		defer cancel()
	}
	err := p.publisher.Publish(ctx, key, event.Payload, eventType)
	end(err)
	return err
}
