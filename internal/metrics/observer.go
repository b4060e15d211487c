package metrics

import "time"

type OutboxObserver interface {
	ObserveBatch(size int)
	RecordPublished()
	RecordFailed()
	// RecordMarkError counts store errors while moving an event to a terminal status.
	RecordMarkError()
}

type InboundObserver interface {
	RecordOutcome(outcome string)
	ObserveCommit(duration time.Duration, err error)
}

// Inbound outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomeStale     = "stale"
)

type nopObserver struct{}

// Nop satisfies both observers and discards everything.
func Nop() interface {
	OutboxObserver
	InboundObserver
} {
	return nopObserver{}
}

func (nopObserver) ObserveBatch(int) {}
func (nopObserver) RecordPublished() {}
func (nopObserver) RecordFailed() {}
func (nopObserver) RecordMarkError() {}
func (nopObserver) RecordOutcome(string) {}
func (nopObserver) ObserveCommit(time.Duration, error) {}
