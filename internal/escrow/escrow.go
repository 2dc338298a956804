// Package escrow holds client funds in trust for marketplace jobs.
//
// Flow:
//  1. Client accepts a priced offer → transaction created in pending_payment
//  2. Payment processor confirms checkout → funds_held
//  3. Provider starts and delivers → in_progress → pending_approval
//  4. Client approves (or the approval window elapses) → completed
//  5. Either party disputes → disputed, resolved by an admin to refunded or completed
//
// Every status change is a compare-and-swap on the persisted status, committed
// together with the job status projection and one audit entry.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/gigescrow/internal/pagination"
)

var (
	ErrTransactionNotFound = errors.New("escrow transaction not found")
	ErrTransactionExists   = errors.New("job already has an escrow transaction")
	ErrUnauthorized        = errors.New("not authorized for this escrow operation")
	ErrInvalidRequest      = errors.New("invalid escrow request")
	ErrUnknownEvent        = errors.New("unknown escrow event")

	// ErrInvalidTransition is surfaced to operators: the event would skip or
	// regress the lifecycle. The transaction is left unchanged.
	ErrInvalidTransition = errors.New("invalid escrow transition")
	ErrTerminal          = fmt.Errorf("%w: transaction is in a terminal state", ErrInvalidTransition)
	ErrDuplicatePayment  = fmt.Errorf("%w: second payment captured for funded transaction", ErrInvalidTransition)

	// ErrStaleTransition marks an event that was already applied or has been
	// overtaken. It is a no-op reason, never returned as a failure.
	ErrStaleTransition = errors.New("stale escrow transition")
	ErrDuplicateEvent  = fmt.Errorf("%w: event already applied", ErrStaleTransition)

	// ErrPersistenceConflict means a concurrent writer won the status CAS.
	ErrPersistenceConflict = errors.New("escrow persistence conflict")

	// ErrInconsistentState means the atomic escrow+job+audit commit could not
	// be completed within the configured attempts. Requires operator remediation.
	ErrInconsistentState = errors.New("escrow inconsistent state")
)

// Status is the escrow lifecycle state.
type Status string

const (
	StatusPendingPayment  Status = "pending_payment"
	StatusFundsHeld       Status = "funds_held"
	StatusInProgress      Status = "in_progress"
	StatusPendingApproval Status = "pending_approval"
	StatusDisputed        Status = "disputed"
	StatusCompleted       Status = "completed" // terminal
	StatusRefunded        Status = "refunded"  // terminal
	StatusFailed          Status = "failed"    // terminal
)

// IsTerminal reports whether no further transition is permitted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPendingPayment, StatusFundsHeld, StatusInProgress, StatusPendingApproval,
		StatusDisputed, StatusCompleted, StatusRefunded, StatusFailed:
		return true
	}
	return false
}

// Event is an internal transition trigger.
type Event string

const (
	EventPaymentConfirmed             Event = "payment_confirmed"
	EventPaymentExpiredOrFailed       Event = "payment_expired_or_failed"
	EventWorkStarted                  Event = "work_started"
	EventDeliverySubmitted            Event = "delivery_submitted"
	EventClientApproved               Event = "client_approved"
	EventApprovalDeadlineElapsed      Event = "approval_deadline_elapsed"
	EventDisputeRaised                Event = "dispute_raised"
	EventDisputeResolvedFavorClient   Event = "dispute_resolved_favor_client"
	EventDisputeResolvedFavorProvider Event = "dispute_resolved_favor_provider"
	EventCancellationBeforeWork       Event = "cancellation_before_work"
)

// JobStatus is the job's projected status, derived from the escrow status.
type JobStatus string

const (
	JobAwaitingPayment JobStatus = "awaiting_payment"
	JobFunded          JobStatus = "funded"
	JobInProgress      JobStatus = "in_progress"
	JobDelivered       JobStatus = "delivered"
	JobDisputed        JobStatus = "disputed"
	JobCompleted       JobStatus = "completed"
	JobCancelled       JobStatus = "cancelled"
	JobPaymentFailed   JobStatus = "payment_failed"
)

// Audit sources.
const (
	SourceStripe        = "webhook:stripe"
	SourceAdmin         = "admin"
	SourceApprovalTimer = "system:approval_timer"
)

// UserSource returns the audit source for an in-app action by userID.
func UserSource(userID string) string {
	return "user:" + userID
}

// Transaction is the escrow record for one job. Money is in minor units.
type Transaction struct {
	ID                 string     `json:"id"`
	JobID              string     `json:"jobId"`
	ClientID           string     `json:"clientId"`
	ProviderID         string     `json:"providerId"`
	Currency           string     `json:"currency"`
	BasePrice          int64      `json:"basePrice"`
	ClientFee          int64      `json:"clientFee"`
	TotalCharged       int64      `json:"totalCharged"`
	ProviderFee        int64      `json:"providerFee"`
	NetPayout          int64      `json:"netPayout"`
	RefundAmount       int64      `json:"refundAmount,omitempty"`
	Status             Status     `json:"status"`
	ExternalPaymentRef string     `json:"externalPaymentRef,omitempty"`
	ApprovalDeadline   *time.Time `json:"approvalDeadline,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	StatusChangedAt    time.Time  `json:"statusChangedAt"`
	CompletedAt        *time.Time `json:"completedAt,omitempty"`
}

// IsTerminal returns true if the transaction can no longer change.
func (t *Transaction) IsTerminal() bool {
	return t.Status.IsTerminal()
}

// AuditEntry is an append-only record of one accepted transition.
type AuditEntry struct {
	ID              int64     `json:"id"`
	TransactionID   string    `json:"transactionId"`
	JobID           string    `json:"jobId"`
	Event           Event     `json:"event"`
	Source          string    `json:"source"`
	FromStatus      Status    `json:"fromStatus,omitempty"`
	ToStatus        Status    `json:"toStatus"`
	Message         string    `json:"message"`
	ExternalEventID string    `json:"externalEventId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// TransitionFields are written in the same guarded update as the status.
// ApprovalDeadline, CompletedAt and RefundAmount overwrite the stored values;
// an empty ExternalPaymentRef keeps the stored reference.
type TransitionFields struct {
	ChangedAt          time.Time
	ExternalPaymentRef string
	ApprovalDeadline   *time.Time
	CompletedAt        *time.Time
	RefundAmount       int64
}

// Store is the persistence gateway for transactions, job projections and
// the audit log.
type Store interface {
	// Create inserts a new transaction, its creation audit entry and the
	// initial job projection as one unit.
	Create(ctx context.Context, tx *Transaction, entry *AuditEntry) error
	Get(ctx context.Context, id string) (*Transaction, error)
	GetByJob(ctx context.Context, jobID string) (*Transaction, error)
	// AttachPaymentRef records the processor reference while the
	// transaction is still pending_payment.
	AttachPaymentRef(ctx context.Context, id, ref string) error
	ListApprovalDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error)
	// ListByStatus returns transactions in status last changed at or before
	// changedBefore, oldest first.
	ListByStatus(ctx context.Context, status Status, changedBefore time.Time, limit int) ([]*Transaction, error)
	// ListPage returns up to limit transactions in status ordered by
	// (status_changed_at, id), starting strictly after the cursor.
	ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Transaction, error)
	JobStatus(ctx context.Context, jobID string) (JobStatus, error)
	ListAudit(ctx context.Context, transactionID string) ([]*AuditEntry, error)
	// WithinUnit runs fn atomically: either every write made through the
	// Unit is committed or none is.
	WithinUnit(ctx context.Context, fn func(Unit) error) error
}

// Unit is the write surface available inside one atomic commit.
type Unit interface {
	// ConditionalUpdate moves the transaction from expected to next and
	// reports false, without error, if the stored status is not expected.
	ConditionalUpdate(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error)
	AppendAuditLog(ctx context.Context, entry *AuditEntry) error
	UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error
}

// Notifier receives committed transitions. Implementations must not block
// for long; failures are logged by the caller and never undo a commit.
type Notifier interface {
	TransitionCommitted(ctx context.Context, tx *Transaction, entry *AuditEntry) error
}

// CreateRequest contains the parameters for accepting a priced offer.
type CreateRequest struct {
	JobID      string `json:"jobId"`
	ClientID   string `json:"clientId"`
	ProviderID string `json:"providerId"`
	BasePrice  int64  `json:"basePrice"`
}

// TransitionRequest asks the service to apply one event to a job's escrow.
type TransitionRequest struct {
	JobID           string
	Event           Event
	Source          string
	Message         string
	ExternalEventID string
	// PaymentRef is the processor reference carried by payment events.
	PaymentRef string
}

// Result reports how a transition request was resolved.
type Result struct {
	Decision    Decision     `json:"decision"`
	Transaction *Transaction `json:"transaction"`
	Attempts    int          `json:"attempts"`
}

// Applied reports whether the request changed persisted state.
func (r *Result) Applied() bool {
	return r != nil && r.Decision.Outcome == OutcomeApplied
}
