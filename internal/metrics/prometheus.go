package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	outboxEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postingrelay_outbox_events_total",
		Help: "Outbox events by publish result",
	}, []string{"result"})
	outboxBatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "postingrelay_outbox_batch_size",
		Help:    "Number of pending events fetched per publish cycle",
		Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500},
	})
	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "postingrelay_inbound_messages_total",
		Help: "Inbound messages by processing outcome",
	}, []string{"outcome"})
	ledgerCommitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "postingrelay_ledger_commit_duration_seconds",
		Help:    "Latency of ledger commit calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"})

	// HTTPDuration is observed by the admin API middleware.
	HTTPDuration = promauto.NewSummaryVec(prometheus.SummaryOpts{
		Name: "postingrelay_http_duration_seconds",
		Help: "Duration of HTTP requests.",
	}, []string{"path", "method", "status"})
)

type prometheusObserver struct{}

func NewPrometheusObserver() interface {
	OutboxObserver
	InboundObserver
} {
	return prometheusObserver{}
}

func Handler() http.Handler {
	return promhttp.Handler()
}

func (prometheusObserver) ObserveBatch(size int) {
	outboxBatchSize.Observe(float64(size))
}

func (prometheusObserver) RecordPublished() {
	outboxEvents.WithLabelValues("published").Inc()
}

func (prometheusObserver) RecordFailed() {
	outboxEvents.WithLabelValues("failed").Inc()
}

func (prometheusObserver) RecordMarkError() {
	outboxEvents.WithLabelValues("mark_error").Inc()
}

func (prometheusObserver) RecordOutcome(outcome string) {
	inboundMessages.WithLabelValues(outcome).Inc()
}

func (prometheusObserver) ObserveCommit(duration time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	ledgerCommitDuration.WithLabelValues(result).Observe(duration.Seconds())
}
