package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"postingrelay/internal/channel"
	"postingrelay/internal/ledger"
	"postingrelay/internal/metrics"
	"postingrelay/internal/repository"
	"postingrelay/internal/tracing"
	v1 "postingrelay/pkg/api/v1"
	"postingrelay/pkg/constraints"
	"postingrelay/pkg/logger"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var (
	ErrMalformedPayload = errors.New("malformed inbound payload")
	ErrPayloadHash      = errors.New("payload hash unavailable")
)

type InboundOptions struct {
	// EventType is the only discriminator value this processor acts on.
	EventType     string
	EventIDMode   string
	LedgerTimeout time.Duration
}

// InboundProcessor turns authorized-transaction events into ledger commits
// at most once per logical event. It keeps no state of its own; concurrent
// deliveries are serialized by the unique keys of the processed-event store.
type InboundProcessor struct {
	store    repository.ProcessedEventInterface
	ledger   ledger.Committer
	ids      *EventIDGenerator
	opts     InboundOptions
	tracer   tracing.Tracer
	observer metrics.InboundObserver
	hash     func(*v1.TransactionAuthorizedEvent) (string, error)
}

func NewInboundProcessor(store repository.ProcessedEventInterface, committer ledger.Committer, opts InboundOptions, tracer tracing.Tracer, observer metrics.InboundObserver) *InboundProcessor {
	if tracer == nil {
		tracer = tracing.Nop()
	}
	if observer == nil {
		observer = metrics.Nop()
	}
	if opts.EventType == "" {
		opts.EventType = constraints.EventTransactionAuthorized
	}
	return &InboundProcessor{
		store:    store,
		ledger:   committer,
		ids:      NewEventIDGenerator(opts.EventIDMode),
		opts:     opts,
		tracer:   tracer,
		observer: observer,
		hash:     PayloadHash,
	}
}

// Handle is registered with channel.Subscriber. A nil return acknowledges the
// message; errors are returned after the outcome has been recorded so the
// broker's redelivery and dead-letter policy decides what happens next.
func (p *InboundProcessor) Handle(ctx context.Context, msg channel.Message) error {
	eventType, _ := msg.Header(constraints.HeaderEventType)
	if eventType != p.opts.EventType {
		logger.Debug("ignoring inbound message of another type",
			zap.String("message_id", msg.ID), zap.String("event_type", eventType))
		p.observer.RecordOutcome(metrics.OutcomeIgnored)
		return nil
	}

	var event v1.TransactionAuthorizedEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		p.observer.RecordOutcome(metrics.OutcomeMalformed)
		return fmt.Errorf("%w: message %s: %w", ErrMalformedPayload, msg.ID, err)
	}
	if event.HoldID == nil || event.TransactionID == nil {
		logger.Debug("ignoring inbound event without hold or transaction id", zap.String("message_id", msg.ID))
		p.observer.RecordOutcome(metrics.OutcomeIgnored)
		return nil
	}

	transactionID, holdID := *event.TransactionID, *event.HoldID
	eventID := p.ids.Generate(eventType, transactionID)

	ctx, end := p.tracer.RecordSpan(ctx, "inbound.process", map[string]string{
		"event_id":       eventID,
		"event_type":     eventType,
		"transaction_id": strconv.FormatInt(transactionID, 10),
		"hold_id":        strconv.FormatInt(holdID, 10),
	})
	outcome, err := p.process(ctx, eventID, &event)
	end(err)
	p.observer.RecordOutcome(outcome)
	return err
}

func (p *InboundProcessor) process(ctx context.Context, eventID string, event *v1.TransactionAuthorizedEvent) (string, error) {
	log := logger.With(zap.String("event_id", eventID), zap.Int64("transaction_id", *event.TransactionID))

	hash, err := p.hash(event)
	if err != nil {
		// the row still blocks later attempts on this event id
		recorded, recErr := p.store.Record(ctx, eventID, "", constraints.ProcessedFailed)
		if recErr != nil {
			log.Error("failed to record unhashable event", zap.Error(recErr))
		} else if !recorded {
			log.Info("duplicate inbound event skipped, payload not hashable", zap.Error(err))
			return metrics.OutcomeDuplicate, nil
		}
		return metrics.OutcomeFailed, fmt.Errorf("%w: %s: %w", ErrPayloadHash, eventID, err)
	}

	claimed, err := p.store.Claim(ctx, eventID, hash)
	if err != nil {
		return metrics.OutcomeFailed, err
	}
	if !claimed {
		log.Info("duplicate inbound event skipped", zap.String("payload_hash", hash))
		return metrics.OutcomeDuplicate, nil
	}

	if err := p.commit(ctx, *event.TransactionID, *event.HoldID); err != nil {
		if completeErr := p.store.Complete(ctx, eventID, constraints.ProcessedFailed); completeErr != nil {
			log.Error("failed to record failed event", zap.Error(completeErr))
		}
		log.Warn("ledger commit failed", zap.Error(err))
		return metrics.OutcomeFailed, err
	}

	if err := p.store.Complete(ctx, eventID, constraints.ProcessedSuccess); err != nil {
		// the commit went through; the PROCESSING row keeps redeliveries out
		log.Error("failed to record processed event", zap.Error(err))
		return metrics.OutcomeFailed, err
	}

	log.Info("inbound event committed", zap.Int64("hold_id", *event.HoldID))
	return metrics.OutcomeProcessed, nil
}

func (p *InboundProcessor) commit(ctx context.Context, transactionID, holdID int64) error {
	if p.opts.LedgerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.LedgerTimeout)
		defer cancel()
	}
	start := time.Now()
	err := p.ledger.Commit(ctx, transactionID, holdID)
	p.observer.ObserveCommit(time.Since(start), err)
	return err
}
