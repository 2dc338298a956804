package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	escrowTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "transitions_total",
		Help:      "Total transition requests by event and outcome.",
	}, []string{"event", "outcome"}) // "applied", "noop", "rejected", "conflict", "inconsistent"

	escrowCommitAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "commit_attempts",
		Help:      "Attempts needed to resolve one transition request.",
		Buckets:   []float64{1, 2, 3, 4, 5, 8},
	})

	escrowInconsistentState = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "inconsistent_state_total",
		Help:      "Transitions abandoned after exhausting commit attempts. Each one needs operator remediation.",
	})

	escrowCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "created_total",
		Help:      "Total escrow transactions created.",
	})

	escrowAutoCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "auto_completed_total",
		Help:      "Total transactions completed by the approval timer.",
	})

	escrowNotifyFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "notify_failures_total",
		Help:      "Committed transitions whose downstream notification failed.",
	})

	escrowDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigescrow",
		Subsystem: "escrow",
		Name:      "duration_seconds",
		Help:      "Time from escrow creation to a terminal status in seconds.",
		Buckets:   []float64{60, 600, 3600, 6 * 3600, 86400, 3 * 86400, 7 * 86400, 30 * 86400},
	})
)

func init() {
	prometheus.MustRegister(
		escrowTransitions,
		escrowCommitAttempts,
		escrowInconsistentState,
		escrowCreated,
		escrowAutoCompleted,
		escrowNotifyFailures,
		escrowDuration,
	)
}
