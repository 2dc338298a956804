package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/commission"
)

// JobStatusFor returns the job projection for an escrow status.
func JobStatusFor(s Status) JobStatus {
	switch s {
	case StatusPendingPayment:
		return JobAwaitingPayment
	case StatusFundsHeld:
		return JobFunded
	case StatusInProgress:
		return JobInProgress
	case StatusPendingApproval:
		return JobDelivered
	case StatusDisputed:
		return JobDisputed
	case StatusCompleted:
		return JobCompleted
	case StatusRefunded:
		return JobCancelled
	case StatusFailed:
		return JobPaymentFailed
	default:
		return ""
	}
}

// Bridge commits applied decisions. The escrow status CAS, the job
// projection and the audit entry land in one unit of work or not at all.
type Bridge struct {
	store          Store
	calc           *commission.Calculator
	approvalWindow time.Duration
	now            func() time.Time
}

// NewBridge creates a bridge writing through store.
func NewBridge(store Store, calc *commission.Calculator, approvalWindow time.Duration) *Bridge {
	return &Bridge{
		store:          store,
		calc:           calc,
		approvalWindow: approvalWindow,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Commit writes an applied decision for tx. It returns ErrPersistenceConflict
// when the stored status no longer matches d.From; the caller re-reads and
// decides again. Any other error means nothing was written.
func (b *Bridge) Commit(ctx context.Context, tx *Transaction, d Decision, req TransitionRequest) (*Transaction, *AuditEntry, error) {
	if d.Outcome != OutcomeApplied {
		return nil, nil, fmt.Errorf("commit called with %s decision", d.Outcome)
	}
	if tx.Status != d.From {
		return nil, nil, ErrPersistenceConflict
	}

	now := b.now()
	fields := TransitionFields{
		ChangedAt:          now,
		ExternalPaymentRef: req.PaymentRef,
		RefundAmount:       tx.RefundAmount,
	}

	switch d.To {
	case StatusPendingApproval:
		deadline := now.Add(b.approvalWindow)
		fields.ApprovalDeadline = &deadline
	case StatusRefunded:
		refund, err := b.calc.ClientRefund(tx.BasePrice)
		if err != nil {
			return nil, nil, fmt.Errorf("compute refund: %w", err)
		}
		fields.RefundAmount = refund.Refund
	}
	if d.To.IsTerminal() {
		fields.CompletedAt = &now
	}

	entry := &AuditEntry{
		TransactionID:   tx.ID,
		JobID:           tx.JobID,
		Event:           d.Event,
		Source:          req.Source,
		FromStatus:      d.From,
		ToStatus:        d.To,
		Message:         auditMessage(d, req, fields),
		ExternalEventID: req.ExternalEventID,
		CreatedAt:       now,
	}

	err := b.store.WithinUnit(ctx, func(u Unit) error {
		ok, err := u.ConditionalUpdate(ctx, tx.ID, d.From, d.To, fields)
		if err != nil {
			return fmt.Errorf("update escrow status: %w", err)
		}
		if !ok {
			return ErrPersistenceConflict
		}
		if err := u.UpdateJobStatus(ctx, tx.JobID, JobStatusFor(d.To)); err != nil {
			return fmt.Errorf("update job status: %w", err)
		}
		if err := u.AppendAuditLog(ctx, entry); err != nil {
			return fmt.Errorf("append audit log: %w", err)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrPersistenceConflict) {
			return nil, nil, ErrPersistenceConflict
		}
		return nil, nil, err
	}

	updated := *tx
	updated.Status = d.To
	updated.StatusChangedAt = now
	updated.ApprovalDeadline = fields.ApprovalDeadline
	updated.RefundAmount = fields.RefundAmount
	if fields.CompletedAt != nil {
		updated.CompletedAt = fields.CompletedAt
	}
	if fields.ExternalPaymentRef != "" {
		updated.ExternalPaymentRef = fields.ExternalPaymentRef
	}
	return &updated, entry, nil
}

func auditMessage(d Decision, req TransitionRequest, fields TransitionFields) string {
	var msg string
	switch d.Event {
	case EventPaymentConfirmed:
		msg = "Payment confirmed; funds held in escrow"
	case EventPaymentExpiredOrFailed:
		msg = "Payment expired or failed"
	case EventWorkStarted:
		msg = "Provider started work"
	case EventDeliverySubmitted:
		msg = fmt.Sprintf("Provider submitted delivery; approval due by %s", fields.ApprovalDeadline.Format(time.RFC3339))
	case EventClientApproved:
		msg = "Client approved delivery; funds released to provider"
	case EventApprovalDeadlineElapsed:
		msg = "Approval window elapsed; funds released to provider"
	case EventDisputeRaised:
		msg = "Dispute raised"
	case EventDisputeResolvedFavorClient:
		msg = fmt.Sprintf("Dispute resolved in favor of client; %d refunded", fields.RefundAmount)
	case EventDisputeResolvedFavorProvider:
		msg = "Dispute resolved in favor of provider; funds released"
	case EventCancellationBeforeWork:
		msg = fmt.Sprintf("Cancelled before work started; %d refunded", fields.RefundAmount)
	default:
		msg = string(d.Event)
	}
	if req.Message != "" {
		msg += ": " + req.Message
	}
	return msg
}
