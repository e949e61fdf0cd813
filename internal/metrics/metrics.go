// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runstack/agentrun/internal/domain"
)

var (
	initOnce sync.Once

	runTransitionsCounter  *prometheus.CounterVec
	claimLatencyMetric     prometheus.Histogram
	claimedRunsMetric      prometheus.Histogram
	eventsAppendedCounter  prometheus.Counter
	recoveredRunsCounter   *prometheus.CounterVec
	retentionDeleteCounter *prometheus.CounterVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runTransitionsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_run_transitions_total",
				Help: "Total number of run status transitions by resulting status.",
			},
			[]string{"status"},
		)

		claimLatencyMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentrun_dispatch_claim_latency_seconds",
				Help:    "Latency of dispatcher claim transactions in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		)

		claimedRunsMetric = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agentrun_dispatch_claimed_runs",
				Help:    "Number of pending runs claimed per dispatcher tick.",
				Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
			},
		)

		eventsAppendedCounter = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agentrun_events_appended_total",
				Help: "Total number of semantic events persisted to the event log.",
			},
		)

		recoveredRunsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_recovered_runs_total",
				Help: "Total number of runs resolved by startup recovery by mode.",
			},
			[]string{"mode"},
		)

		retentionDeleteCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentrun_retention_deleted_total",
				Help: "Total number of rows deleted by retention by category.",
			},
			[]string{"category"},
		)

		prometheus.MustRegister(
			runTransitionsCounter,
			claimLatencyMetric,
			claimedRunsMetric,
			eventsAppendedCounter,
			recoveredRunsCounter,
			retentionDeleteCounter,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, status := range []domain.RunStatus{
			domain.RunPending,
			domain.RunRunning,
			domain.RunCompleted,
			domain.RunFailed,
		} {
			runTransitionsCounter.WithLabelValues(string(status))
		}
		for _, mode := range []domain.RecoveryMode{domain.RecoveryFail, domain.RecoveryRequeue} {
			recoveredRunsCounter.WithLabelValues(string(mode))
		}
		for _, category := range []string{"events", "runs", "conversations"} {
			retentionDeleteCounter.WithLabelValues(category)
		}
	})
}

func IncRunTransition(status domain.RunStatus) {
	Init()
	runTransitionsCounter.WithLabelValues(string(status)).Inc()
}

func ObserveClaimLatency(d time.Duration) {
	Init()
	claimLatencyMetric.Observe(d.Seconds())
}

func ObserveClaimedRuns(n int) {
	Init()
	claimedRunsMetric.Observe(float64(n))
}

func AddEventsAppended(n int) {
	Init()
	eventsAppendedCounter.Add(float64(n))
}

func AddRecoveredRuns(mode domain.RecoveryMode, n int64) {
	Init()
	recoveredRunsCounter.WithLabelValues(string(mode)).Add(float64(n))
}

func AddRetentionDeleted(category string, n int64) {
	Init()
	retentionDeleteCounter.WithLabelValues(category).Add(float64(n))
}
