package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mbd888/gigescrow/internal/commission"
	"github.com/mbd888/gigescrow/internal/idgen"
	"github.com/mbd888/gigescrow/internal/pagination"
	"github.com/mbd888/gigescrow/internal/retry"
	"github.com/mbd888/gigescrow/internal/traces"
)

// DefaultApprovalWindow is how long a client has to approve a delivery
// before funds are released automatically.
const DefaultApprovalWindow = 72 * time.Hour

// Service implements escrow business logic.
type Service struct {
	store    Store
	calc     *commission.Calculator
	bridge   *Bridge
	notifier Notifier
	checkout PaymentInitiator
	policy   retry.Policy
	logger   *slog.Logger
}

// NewService creates a new escrow service.
func NewService(store Store, calc *commission.Calculator, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		calc:   calc,
		bridge: NewBridge(store, calc, DefaultApprovalWindow),
		policy: retry.Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second},
		logger: logger,
	}
}

// WithNotifier adds a downstream notifier for committed transitions.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithCheckout adds a payment initiator for hosted checkout.
func (s *Service) WithCheckout(p PaymentInitiator) *Service {
	s.checkout = p
	return s
}

// WithApprovalWindow overrides the client approval window.
func (s *Service) WithApprovalWindow(d time.Duration) *Service {
	if d > 0 {
		s.bridge.approvalWindow = d
	}
	return s
}

// WithCommitPolicy overrides the bounded retry used for each transition.
func (s *Service) WithCommitPolicy(p retry.Policy) *Service {
	s.policy = p
	return s
}

// Quote returns the fee breakdown for a base price.
func (s *Service) Quote(basePrice int64) (commission.Quote, error) {
	return s.calc.Quote(basePrice)
}

// Create opens an escrow transaction in pending_payment for an accepted offer.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Transaction, error) {
	req.JobID = strings.TrimSpace(req.JobID)
	req.ClientID = strings.TrimSpace(req.ClientID)
	req.ProviderID = strings.TrimSpace(req.ProviderID)

	if req.JobID == "" || req.ClientID == "" || req.ProviderID == "" {
		return nil, fmt.Errorf("%w: job, client and provider ids are required", ErrInvalidRequest)
	}
	if req.ClientID == req.ProviderID {
		return nil, fmt.Errorf("%w: client and provider must differ", ErrInvalidRequest)
	}

	quote, err := s.calc.Quote(req.BasePrice)
	if err != nil {
		return nil, err
	}
	if quote.Provider.NetPayout < 0 {
		return nil, fmt.Errorf("%w: base price %d does not cover the provider fee %d",
			commission.ErrInvalidAmount, req.BasePrice, quote.Provider.ProviderFee)
	}

	now := time.Now().UTC()
	tx := &Transaction{
		ID:              idgen.WithPrefix("esc_"),
		JobID:           req.JobID,
		ClientID:        req.ClientID,
		ProviderID:      req.ProviderID,
		Currency:        quote.Currency,
		BasePrice:       req.BasePrice,
		ClientFee:       quote.Client.ClientFee,
		TotalCharged:    quote.Client.TotalCharged,
		ProviderFee:     quote.Provider.ProviderFee,
		NetPayout:       quote.Provider.NetPayout,
		Status:          StatusPendingPayment,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	entry := &AuditEntry{
		TransactionID: tx.ID,
		JobID:         tx.JobID,
		Source:        UserSource(req.ClientID),
		ToStatus:      StatusPendingPayment,
		Message:       fmt.Sprintf("Offer accepted; awaiting payment of %d %s", tx.TotalCharged, tx.Currency),
		CreatedAt:     now,
	}

	if err := s.store.Create(ctx, tx, entry); err != nil {
		return nil, err
	}
	escrowCreated.Inc()
	s.logger.Info("escrow created",
		"transactionId", tx.ID, "jobId", tx.JobID, "totalCharged", tx.TotalCharged, "currency", tx.Currency)
	return tx, nil
}

// Get returns a transaction by id.
func (s *Service) Get(ctx context.Context, id string) (*Transaction, error) {
	return s.store.Get(ctx, id)
}

// GetByJob returns the transaction for a job.
func (s *Service) GetByJob(ctx context.Context, jobID string) (*Transaction, error) {
	return s.store.GetByJob(ctx, jobID)
}

// Audit returns the audit trail for a job's transaction, oldest first.
func (s *Service) Audit(ctx context.Context, jobID string) ([]*AuditEntry, error) {
	tx, err := s.store.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return s.store.ListAudit(ctx, tx.ID)
}

// Page is one page of a status listing.
type Page struct {
	Transactions []*Transaction `json:"transactions"`
	NextCursor   string         `json:"nextCursor,omitempty"`
	HasMore      bool           `json:"hasMore"`
}

// ListByStatus pages through transactions in status, oldest change first.
// cursor is the NextCursor of the previous page or empty.
func (s *Service) ListByStatus(ctx context.Context, status Status, cursor string, limit int) (*Page, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidRequest, status)
	}
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}

	txs, err := s.store.ListPage(ctx, status, after, limit+1)
	if err != nil {
		return nil, err
	}
	txs, next, more := pagination.ComputePage(txs, limit, func(t *Transaction) (time.Time, string) {
		return t.StatusChangedAt, t.ID
	})
	if txs == nil {
		txs = []*Transaction{}
	}
	return &Page{Transactions: txs, NextCursor: next, HasMore: more}, nil
}

// InitiateCheckout opens a hosted payment for the client and records the
// processor reference on the transaction.
func (s *Service) InitiateCheckout(ctx context.Context, jobID, callerID string) (*Checkout, error) {
	if s.checkout == nil {
		return nil, ErrCheckoutUnavailable
	}
	tx, err := s.store.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if tx.ClientID != callerID {
		return nil, ErrUnauthorized
	}
	if tx.Status != StatusPendingPayment {
		return nil, fmt.Errorf("%w: checkout requires %s, transaction is %s",
			ErrInvalidTransition, StatusPendingPayment, tx.Status)
	}

	co, err := s.checkout.Initiate(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("initiate checkout: %w", err)
	}
	if err := s.store.AttachPaymentRef(ctx, tx.ID, co.PaymentRef); err != nil {
		return nil, err
	}
	s.logger.Info("checkout initiated", "transactionId", tx.ID, "jobId", tx.JobID, "paymentRef", co.PaymentRef)
	return co, nil
}

// Act applies an in-app action on behalf of one of the parties. Providers
// start and deliver work, clients approve or cancel, either may dispute.
func (s *Service) Act(ctx context.Context, jobID, callerID string, ev Event, message string) (*Result, error) {
	tx, err := s.store.GetByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !mayAct(tx, callerID, ev) {
		return nil, ErrUnauthorized
	}
	return s.Apply(ctx, TransitionRequest{
		JobID:   jobID,
		Event:   ev,
		Source:  UserSource(callerID),
		Message: message,
	})
}

func mayAct(tx *Transaction, callerID string, ev Event) bool {
	if callerID == "" {
		return false
	}
	switch ev {
	case EventWorkStarted, EventDeliverySubmitted:
		return callerID == tx.ProviderID
	case EventClientApproved, EventCancellationBeforeWork:
		return callerID == tx.ClientID
	case EventDisputeRaised:
		return callerID == tx.ClientID || callerID == tx.ProviderID
	default:
		return false
	}
}

// Resolve settles a dispute. favor is "client" (refund) or "provider" (release).
func (s *Service) Resolve(ctx context.Context, jobID, favor, note string) (*Result, error) {
	var ev Event
	switch favor {
	case "client":
		ev = EventDisputeResolvedFavorClient
	case "provider":
		ev = EventDisputeResolvedFavorProvider
	default:
		return nil, fmt.Errorf("%w: favor must be client or provider", ErrInvalidRequest)
	}
	return s.Apply(ctx, TransitionRequest{JobID: jobID, Event: ev, Source: SourceAdmin, Message: note})
}

// Apply evaluates one event against the persisted transaction and commits
// it if the state machine accepts it. Each attempt re-reads the transaction,
// so a lost compare-and-swap is re-decided against the winner's state.
//
// NoOp decisions return a nil error. Rejected decisions return the reason
// (ErrInvalidTransition or ErrUnknownEvent). Exhausting the commit policy
// after a failed atomic commit returns ErrInconsistentState.
func (s *Service) Apply(ctx context.Context, req TransitionRequest) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Apply",
		traces.JobID(req.JobID), traces.Event(string(req.Event)), traces.ExternalEventID(req.ExternalEventID))
	defer span.End()

	if req.JobID == "" {
		return nil, fmt.Errorf("%w: job id is required", ErrInvalidRequest)
	}

	res := &Result{}
	var (
		entry        *AuditEntry
		commitFailed bool
		lastCommit   error
	)
	started := s.bridge.now().Truncate(time.Microsecond)

	attempts, err := s.policy.Run(ctx, func(attempt int) error {
		tx, err := s.store.GetByJob(ctx, req.JobID)
		if err != nil {
			if errors.Is(err, ErrTransactionNotFound) {
				return retry.Permanent(err)
			}
			return fmt.Errorf("read transaction: %w", err)
		}

		d := decide(tx, req)
		res.Decision = d
		res.Transaction = tx

		switch d.Outcome {
		case OutcomeNoOp:
			return nil
		case OutcomeRejected:
			return retry.Permanent(d.Reason)
		}

		if req.PaymentRef != "" && tx.ExternalPaymentRef != "" && req.PaymentRef != tx.ExternalPaymentRef {
			s.logger.Warn("payment confirmed for a superseded checkout session",
				"transactionId", tx.ID, "jobId", tx.JobID, "paymentRef", req.PaymentRef, "currentRef", tx.ExternalPaymentRef)
		}

		updated, e, err := s.bridge.Commit(ctx, tx, d, req)
		if err != nil {
			if !errors.Is(err, ErrPersistenceConflict) {
				commitFailed = true
				lastCommit = err
			}
			s.logger.Debug("escrow commit attempt failed",
				"jobId", req.JobID, "event", req.Event, "attempt", attempt, "error", err)
			return err
		}
		res.Transaction = updated
		entry = e
		return nil
	})
	res.Attempts = attempts
	escrowCommitAttempts.Observe(float64(attempts))
	span.SetAttributes(traces.Attempts(attempts))
	if res.Transaction != nil {
		span.SetAttributes(traces.TransactionID(res.Transaction.ID))
	}

	if err != nil {
		traces.RecordError(span, err)
		return s.applyFailed(ctx, req, res, err, commitFailed, lastCommit)
	}

	// A commit reported as failed may still have landed. The re-read then
	// sees this request's own transition as a duplicate.
	if commitFailed && res.Decision.Outcome == OutcomeNoOp {
		if e := s.committedEarlier(ctx, res.Transaction, req, started); e != nil {
			s.logger.Warn("escrow commit reported failure but was persisted",
				"transactionId", e.TransactionID, "jobId", req.JobID, "event", req.Event, "error", lastCommit)
			res.Decision = Decision{Outcome: OutcomeApplied, Event: req.Event, From: e.FromStatus, To: e.ToStatus}
			entry = e
		}
	}

	span.SetAttributes(traces.Outcome(res.Decision.Outcome.String()))
	escrowTransitions.WithLabelValues(string(req.Event), res.Decision.Outcome.String()).Inc()

	switch res.Decision.Outcome {
	case OutcomeNoOp:
		s.logger.Info("escrow event ignored",
			"jobId", req.JobID, "event", req.Event, "status", res.Decision.From,
			"source", req.Source, "reason", res.Decision.Reason)
	case OutcomeApplied:
		tx := res.Transaction
		s.logger.Info("escrow transition applied",
			"transactionId", tx.ID, "jobId", tx.JobID, "event", req.Event,
			"from", res.Decision.From, "to", res.Decision.To, "source", req.Source, "attempts", attempts)
		if tx.Status.IsTerminal() {
			escrowDuration.Observe(tx.StatusChangedAt.Sub(tx.CreatedAt).Seconds())
		}
		s.notify(ctx, tx, entry)
	}
	return res, nil
}

func (s *Service) applyFailed(ctx context.Context, req TransitionRequest, res *Result, err error, commitFailed bool, lastCommit error) (*Result, error) {
	switch {
	case errors.Is(err, ErrTransactionNotFound):
		return nil, err

	case res.Decision.Outcome == OutcomeRejected && !retry.IsExhausted(err):
		escrowTransitions.WithLabelValues(string(req.Event), OutcomeRejected.String()).Inc()
		s.logger.Warn("escrow transition rejected",
			"jobId", req.JobID, "event", req.Event, "status", res.Decision.From,
			"source", req.Source, "error", err)
		return res, err

	case retry.IsExhausted(err) && commitFailed:
		escrowTransitions.WithLabelValues(string(req.Event), "inconsistent").Inc()
		escrowInconsistentState.Inc()
		s.logger.Error("escrow commit abandoned, operator remediation required",
			"jobId", req.JobID, "event", req.Event, "attempts", res.Attempts,
			"source", req.Source, "externalEventId", req.ExternalEventID, "error", lastCommit)
		return res, fmt.Errorf("%w: job %s event %s after %d attempts: %v",
			ErrInconsistentState, req.JobID, req.Event, res.Attempts, lastCommit)

	case retry.IsExhausted(err) && errors.Is(err, ErrPersistenceConflict):
		escrowTransitions.WithLabelValues(string(req.Event), "conflict").Inc()
		s.logger.Warn("escrow transition lost every compare-and-swap",
			"jobId", req.JobID, "event", req.Event, "attempts", res.Attempts)
		return res, fmt.Errorf("%w: job %s event %s after %d attempts",
			ErrPersistenceConflict, req.JobID, req.Event, res.Attempts)

	default:
		if ctx.Err() == nil {
			s.logger.Warn("escrow transition failed", "jobId", req.JobID, "event", req.Event, "error", err)
		}
		return res, err
	}
}

// committedEarlier returns the audit entry this request wrote during an
// attempt whose commit reported an error, or nil.
func (s *Service) committedEarlier(ctx context.Context, tx *Transaction, req TransitionRequest, since time.Time) *AuditEntry {
	if tx == nil {
		return nil
	}
	entries, err := s.store.ListAudit(ctx, tx.ID)
	if err != nil {
		s.logger.Warn("failed to read audit log after commit error", "transactionId", tx.ID, "error", err)
		return nil
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if e.CreatedAt.Before(since) {
			break
		}
		if e.Event == req.Event && e.Source == req.Source &&
			e.ExternalEventID == req.ExternalEventID && e.ToStatus == tx.Status {
			return e
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, tx *Transaction, entry *AuditEntry) {
	if s.notifier == nil || entry == nil {
		return
	}
	if err := s.notifier.TransitionCommitted(ctx, tx, entry); err != nil {
		escrowNotifyFailures.Inc()
		s.logger.Warn("escrow notification failed",
			"transactionId", tx.ID, "jobId", tx.JobID, "event", entry.Event, "error", err)
	}
}

// decide runs the state machine and then applies the payment reference
// rules: an expiry for a checkout session other than the current one is
// stale, and a confirmation carrying a different reference after funds are
// already held means a second payment was captured.
func decide(tx *Transaction, req TransitionRequest) Decision {
	d := Decide(tx.Status, req.Event)
	if req.PaymentRef == "" || tx.ExternalPaymentRef == "" || req.PaymentRef == tx.ExternalPaymentRef {
		return d
	}

	switch req.Event {
	case EventPaymentExpiredOrFailed:
		if d.Outcome == OutcomeApplied {
			d.Outcome = OutcomeNoOp
			d.To = d.From
			d.Reason = fmt.Errorf("%w: payment %s is not the current payment %s",
				ErrStaleTransition, req.PaymentRef, tx.ExternalPaymentRef)
		}
	case EventPaymentConfirmed:
		if d.Outcome == OutcomeNoOp {
			d.Outcome = OutcomeRejected
			d.Reason = fmt.Errorf("%w: payment %s received, transaction already paid by %s",
				ErrDuplicatePayment, req.PaymentRef, tx.ExternalPaymentRef)
		}
	}
	return d
}
