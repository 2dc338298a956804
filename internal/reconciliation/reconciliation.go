// Package reconciliation audits persisted escrow state for conditions the
// transition path should never leave behind: a job projection that
// disagrees with its escrow transaction, and transactions parked in a
// status longer than the business allows. It reports; it never writes.
package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
)

// Defaults for Runner thresholds.
const (
	DefaultStalePaymentAge  = 24 * time.Hour
	DefaultStaleDisputeAge  = 7 * 24 * time.Hour
	DefaultApprovalGrace    = 10 * time.Minute
	DefaultBatchSize        = 500
	maxReportedDriftSamples = 20
)

// Store is the read surface the runner needs. Both escrow stores satisfy it.
type Store interface {
	ListByStatus(ctx context.Context, status escrow.Status, changedBefore time.Time, limit int) ([]*escrow.Transaction, error)
	ListApprovalDue(ctx context.Context, before time.Time, limit int) ([]*escrow.Transaction, error)
	JobStatus(ctx context.Context, jobID string) (escrow.JobStatus, error)
}

// Drift is one job whose projection disagrees with its transaction.
type Drift struct {
	JobID         string           `json:"jobId"`
	TransactionID string           `json:"transactionId"`
	EscrowStatus  escrow.Status    `json:"escrowStatus"`
	Expected      escrow.JobStatus `json:"expectedJobStatus"`
	Actual        escrow.JobStatus `json:"actualJobStatus"`
}

// Report summarizes one reconciliation run.
type Report struct {
	ProjectionDrift  int       `json:"projectionDrift"`
	DriftSamples     []Drift   `json:"driftSamples,omitempty"`
	StalePayments    int       `json:"stalePayments"`
	StaleDisputes    int       `json:"staleDisputes"`
	OverdueApprovals int       `json:"overdueApprovals"`
	Healthy          bool      `json:"healthy"`
	DurationMs       int64     `json:"durationMs"`
	Timestamp        time.Time `json:"timestamp"`
}

// Runner performs reconciliation checks against a store.
type Runner struct {
	store           Store
	logger          *slog.Logger
	stalePaymentAge time.Duration
	staleDisputeAge time.Duration
	approvalGrace   time.Duration
	batch           int
	now             func() time.Time
}

// NewRunner creates a runner with default thresholds.
func NewRunner(store Store, logger *slog.Logger) *Runner {
	return &Runner{
		store:           store,
		logger:          logger,
		stalePaymentAge: DefaultStalePaymentAge,
		staleDisputeAge: DefaultStaleDisputeAge,
		approvalGrace:   DefaultApprovalGrace,
		batch:           DefaultBatchSize,
		now:             time.Now,
	}
}

// WithApprovalGrace sets how long past its deadline a pending_approval
// transaction may sit before it counts as overdue. It should exceed the
// approval sweep interval.
func (r *Runner) WithApprovalGrace(d time.Duration) *Runner {
	if d > 0 {
		r.approvalGrace = d
	}
	return r
}

// WithStaleAges sets the age thresholds for unpaid and disputed transactions.
func (r *Runner) WithStaleAges(payment, dispute time.Duration) *Runner {
	if payment > 0 {
		r.stalePaymentAge = payment
	}
	if dispute > 0 {
		r.staleDisputeAge = dispute
	}
	return r
}

// projected lists the statuses whose job projection is checked. Terminal
// transactions are excluded; they grow without bound and cannot change.
var projected = []escrow.Status{
	escrow.StatusPendingPayment,
	escrow.StatusFundsHeld,
	escrow.StatusInProgress,
	escrow.StatusPendingApproval,
	escrow.StatusDisputed,
}

// RunAll executes every check and updates the reconciliation gauges. Check
// errors are joined; the report still carries whatever completed.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{Timestamp: start.UTC()}
	var errs []error

	if err := r.checkProjection(ctx, start, report); err != nil {
		errs = append(errs, fmt.Errorf("projection check: %w", err))
	}

	stale, err := r.store.ListByStatus(ctx, escrow.StatusPendingPayment, start.Add(-r.stalePaymentAge), r.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("stale payment check: %w", err))
	}
	report.StalePayments = len(stale)

	stale, err = r.store.ListByStatus(ctx, escrow.StatusDisputed, start.Add(-r.staleDisputeAge), r.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("stale dispute check: %w", err))
	}
	report.StaleDisputes = len(stale)

	overdue, err := r.store.ListApprovalDue(ctx, start.Add(-r.approvalGrace), r.batch)
	if err != nil {
		errs = append(errs, fmt.Errorf("overdue approval check: %w", err))
	}
	report.OverdueApprovals = len(overdue)

	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	report.Healthy = len(errs) == 0 && report.ProjectionDrift == 0 && report.OverdueApprovals == 0

	reconcileProjectionDrift.Set(float64(report.ProjectionDrift))
	reconcileStalePayments.Set(float64(report.StalePayments))
	reconcileStaleDisputes.Set(float64(report.StaleDisputes))
	reconcileOverdueApprovals.Set(float64(report.OverdueApprovals))
	reconcileDuration.Observe(elapsed.Seconds())
	if len(errs) > 0 {
		reconcileErrors.Add(float64(len(errs)))
	}

	if report.ProjectionDrift > 0 || report.OverdueApprovals > 0 {
		r.logger.Error("escrow reconciliation found inconsistencies",
			"projectionDrift", report.ProjectionDrift,
			"overdueApprovals", report.OverdueApprovals)
	} else {
		r.logger.Debug("escrow reconciliation clean",
			"stalePayments", report.StalePayments,
			"staleDisputes", report.StaleDisputes)
	}

	return report, errors.Join(errs...)
}

func (r *Runner) checkProjection(ctx context.Context, now time.Time, report *Report) error {
	for _, status := range projected {
		txs, err := r.store.ListByStatus(ctx, status, now, r.batch)
		if err != nil {
			return err
		}
		for _, tx := range txs {
			actual, err := r.store.JobStatus(ctx, tx.JobID)
			if err != nil && !errors.Is(err, escrow.ErrTransactionNotFound) {
				return err
			}
			expected := escrow.JobStatusFor(tx.Status)
			if actual == expected {
				continue
			}
			report.ProjectionDrift++
			if len(report.DriftSamples) < maxReportedDriftSamples {
				report.DriftSamples = append(report.DriftSamples, Drift{
					JobID:         tx.JobID,
					TransactionID: tx.ID,
					EscrowStatus:  tx.Status,
					Expected:      expected,
					Actual:        actual,
				})
			}
			r.logger.Error("job projection disagrees with escrow transaction",
				"jobId", tx.JobID, "transactionId", tx.ID,
				"escrowStatus", tx.Status, "expected", expected, "actual", actual)
		}
	}
	return nil
}
