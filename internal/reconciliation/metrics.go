package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileProjectionDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "projection_drift",
		Help:      "Jobs whose projected status disagrees with their escrow transaction in the last run.",
	})

	reconcileStalePayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "stale_payments",
		Help:      "Transactions left in pending_payment past the stale threshold in the last run.",
	})

	reconcileStaleDisputes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "stale_disputes",
		Help:      "Disputes unresolved past the stale threshold in the last run.",
	})

	reconcileOverdueApprovals = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "overdue_approvals",
		Help:      "pending_approval transactions past deadline plus grace in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "gigescrow",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileProjectionDrift,
		reconcileStalePayments,
		reconcileStaleDisputes,
		reconcileOverdueApprovals,
		reconcileDuration,
		reconcileErrors,
	)
}
