package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "hearthsync"

var (
	once sync.Once

	writesEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_enqueued_total",
			Help:      "Writes accepted into the offline queue.",
		},
		[]string{"entity_type", "op"},
	)

	writeOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "write_outcomes_total",
			Help:      "Per-operation outcomes reported by the server.",
		},
		[]string{"outcome"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queued writes per account and status.",
		},
		[]string{"account", "status"},
	)

	batchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Round-trip time of sync batches.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	checkpointRecoveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_recoveries_total",
			Help:      "Checkpoints found open at startup, by resolution.",
		},
		[]string{"resolution"},
	)

	uploadsRateLimited = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_rate_limited_total",
			Help:      "Upload enqueue attempts refused by the rate limiter.",
		},
	)

	cycleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_cycle_errors_total",
			Help:      "Sync cycles aborted by a storage or transport error.",
		},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			writesEnqueued,
			writeOutcomes,
			queueDepth,
			batchDuration,
			checkpointRecoveries,
			uploadsRateLimited,
			cycleErrors,
		)
	})
}

func IncEnqueued(entityType, op string) {
	writesEnqueued.WithLabelValues(entityType, op).Inc()
}

func IncOutcome(outcome string) {
	writeOutcomes.WithLabelValues(outcome).Inc()
}

// SetQueueDepth publishes the current pending/retrying/failed counts for an account.
func SetQueueDepth(account string, byStatus map[string]int) {
	for status, n := range byStatus {
		queueDepth.WithLabelValues(account, status).Set(float64(n))
	}
}

func ObserveBatch(d time.Duration) {
	batchDuration.Observe(d.Seconds())
}

func IncRecovery(resolution string) {
	checkpointRecoveries.WithLabelValues(resolution).Inc()
}

func IncRateLimited() {
	uploadsRateLimited.Inc()
}

func IncCycleError() {
	cycleErrors.Inc()
}
