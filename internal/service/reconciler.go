package service

import (
	"context"
	"time"

	"postingrelay/internal/metrics"
	"postingrelay/internal/repository"
	"postingrelay/pkg/constraints"
	"postingrelay/pkg/logger"

	"go.uber.org/zap"
)

const reconcileBatch = 100

// Reconciler closes out claims whose processing never reported back, e.g.
// after a crash between the ledger call and the status update. Such rows are
// marked FAILED and logged for manual review against the ledger; they keep
// blocking redeliveries either way.
type Reconciler struct {
	store      repository.ProcessedEventInterface
	staleAfter time.Duration
	interval   time.Duration
	locker     Locker
	observer   metrics.InboundObserver
	now        func() time.Time
}

func NewReconciler(store repository.ProcessedEventInterface, staleAfter, interval time.Duration, locker Locker, observer metrics.InboundObserver) *Reconciler {
	if observer == nil {
		observer = metrics.Nop()
	}
	return &Reconciler{
		store:      store,
		staleAfter: staleAfter,
		interval:   interval,
		locker:     locker,
		observer:   observer,
		now:        time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Info("reconciler started", zap.Duration("interval", r.interval), zap.Duration("stale_after", r.staleAfter))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if r.locker != nil {
				unlock, ok, err := r.locker.TryLock(ctx)
				if err != nil {
					logger.Error("failed to acquire reconciliation lock", zap.Error(err))
					continue
				}
				if !ok {
					logger.Debug("reconciliation skipped, another instance holds the lock")
					continue
				}
				r.Reconcile(ctx)
				unlock()
				continue
			}
			r.Reconcile(ctx)
		}
	}
}

// Reconcile runs one pass and returns how many claims were closed.
func (r *Reconciler) Reconcile(ctx context.Context) int {
	rows, err := r.store.ListStale(ctx, r.now().Add(-r.staleAfter), reconcileBatch)
	if err != nil {
		logger.Error("recon: failed to list stale claims", zap.Error(err))
		return 0
	}

	closed := 0
	for _, row := range rows {
		if err := r.store.Complete(ctx, row.EventID, constraints.ProcessedFailed); err != nil {
			// completed concurrently by the in-flight handler
			logger.Debug("recon: claim already closed", zap.String("event_id", row.EventID), zap.Error(err))
			continue
		}
		closed++
		r.observer.RecordOutcome(metrics.OutcomeStale)
		logger.Warn("recon: stale claim marked failed, verify ledger state manually",
			zap.String("event_id", row.EventID),
			zap.String("payload_hash", row.Hash()),
			zap.Time("claimed_at", row.ProcessedAt))
	}

	if len(rows) > 0 {
		logger.Info("reconciliation finished", zap.Int("stale", len(rows)), zap.Int("closed", closed))
	}
	return closed
}
