// Package webhooks ingests payment processor notifications.
//
// Stripe delivers checkout events at least once and in no particular order.
// The Ingestor verifies the signature, maps the processor vocabulary onto
// escrow events and hands them to escrow.Service.Apply, which owns
// idempotency and ordering. Nothing here writes escrow state directly.
package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/gigescrow/internal/dedup"
	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/logging"
	"github.com/mbd888/gigescrow/internal/traces"
)

var (
	// ErrSignatureInvalid means the payload was not signed with the shared
	// secret or the timestamp is outside tolerance. Nothing was read or written.
	ErrSignatureInvalid = errors.New("webhook signature invalid")
	// ErrUnknownEventType is an event type this service does not handle.
	ErrUnknownEventType = errors.New("unknown webhook event type")
	// ErrIrrelevantEvent is a handled type that does not belong to an escrow
	// payment of this service.
	ErrIrrelevantEvent = errors.New("irrelevant webhook event")
)

// Checkout session event types.
const (
	TypeSessionCompleted           stripe.EventType = "checkout.session.completed"
	TypeSessionAsyncPaymentSuccess stripe.EventType = "checkout.session.async_payment_succeeded"
	TypeSessionAsyncPaymentFailed  stripe.EventType = "checkout.session.async_payment_failed"
	TypeSessionExpired             stripe.EventType = "checkout.session.expired"
)

var webhookEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigescrow",
	Subsystem: "webhook",
	Name:      "events_total",
	Help:      "Processor webhook events by type and disposition.",
}, []string{"type", "disposition"})

func init() {
	prometheus.MustRegister(webhookEvents)
}

// Disposition is what happened to one delivered event.
type Disposition string

const (
	DispositionApplied   Disposition = "applied"
	DispositionNoOp      Disposition = "noop"
	DispositionDuplicate Disposition = "duplicate"
	DispositionIgnored   Disposition = "ignored"
	DispositionRejected  Disposition = "rejected"
	DispositionFailed    Disposition = "failed"
	DispositionForged    Disposition = "invalid_signature"
)

// Result describes how an event was handled.
type Result struct {
	EventID     string
	Type        stripe.EventType
	JobID       string
	Event       escrow.Event
	Disposition Disposition
	Decision    *escrow.Decision
}

// Applier is the part of escrow.Service the ingestor drives.
type Applier interface {
	GetByJob(ctx context.Context, jobID string) (*escrow.Transaction, error)
	Apply(ctx context.Context, req escrow.TransitionRequest) (*escrow.Result, error)
}

// Ingestor turns verified processor events into escrow transitions.
type Ingestor struct {
	secret  string
	escrow  Applier
	seen    dedup.Cache
	logger  *slog.Logger
	options webhook.ConstructEventOptions
}

// NewIngestor creates an ingestor verifying payloads with secret.
func NewIngestor(secret string, applier Applier, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		secret: secret,
		escrow: applier,
		logger: logger,
		options: webhook.ConstructEventOptions{
			Tolerance:                webhook.DefaultTolerance,
			IgnoreAPIVersionMismatch: true,
		},
	}
}

// WithDedup adds a processed-event cache that short-circuits redeliveries.
func (i *Ingestor) WithDedup(c dedup.Cache) *Ingestor {
	i.seen = c
	return i
}

// Ingest verifies and processes one delivery. The returned error classifies
// the outcome for the transport:
//
//   - ErrSignatureInvalid: reject, nothing happened.
//   - ErrUnknownEventType, ErrIrrelevantEvent, escrow.ErrInvalidTransition:
//     acknowledge; redelivery would not change the outcome.
//   - anything else (escrow.ErrInconsistentState, escrow.ErrPersistenceConflict,
//     store failures): do not acknowledge so the processor redelivers.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*Result, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, i.secret, i.options)
	if err != nil {
		webhookEvents.WithLabelValues("unverified", string(DispositionForged)).Inc()
		return &Result{Disposition: DispositionForged}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	ctx, span := traces.StartSpan(ctx, "webhooks.Ingest",
		traces.ExternalEventID(evt.ID), traces.WebhookType(string(evt.Type)))
	defer span.End()

	res := &Result{EventID: evt.ID, Type: evt.Type}
	err = i.ingest(ctx, evt, res)
	if err != nil && res.Disposition == DispositionFailed {
		traces.RecordError(span, err)
	}
	span.SetAttributes(traces.Outcome(string(res.Disposition)))
	webhookEvents.WithLabelValues(string(evt.Type), string(res.Disposition)).Inc()

	if res.Disposition != DispositionFailed && res.Disposition != DispositionDuplicate {
		i.markSeen(ctx, evt.ID)
	}
	return res, err
}

func (i *Ingestor) ingest(ctx context.Context, evt stripe.Event, res *Result) error {
	logger := i.logger.With("eventId", evt.ID, "type", evt.Type)

	if i.seen != nil && evt.ID != "" {
		seen, err := i.seen.Seen(ctx, evt.ID)
		if err != nil {
			logger.Warn("processed-event lookup failed, processing anyway", "error", err)
		} else if seen {
			res.Disposition = DispositionDuplicate
			logger.Debug("webhook event already processed")
			return nil
		}
	}

	ev, ok := eventFor(evt.Type)
	if !ok {
		res.Disposition = DispositionIgnored
		logger.Debug("ignoring webhook event type")
		return fmt.Errorf("%w: %s", ErrUnknownEventType, evt.Type)
	}
	res.Event = ev

	var sess stripe.CheckoutSession
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		res.Disposition = DispositionIgnored
		return fmt.Errorf("%w: event has no checkout session", ErrIrrelevantEvent)
	}
	if err := json.Unmarshal(evt.Data.Raw, &sess); err != nil {
		res.Disposition = DispositionIgnored
		logger.Warn("malformed checkout session in webhook", "error", err)
		return fmt.Errorf("%w: decode checkout session: %v", ErrIrrelevantEvent, err)
	}

	// A completed session with a delayed payment method is not paid yet;
	// the async_payment_* event that follows decides it.
	if evt.Type == TypeSessionCompleted &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		res.Disposition = DispositionIgnored
		logger.Info("checkout completed without payment, awaiting async result",
			"sessionId", sess.ID, "paymentStatus", sess.PaymentStatus)
		return nil
	}

	meta, err := escrowMetadata(sess.Metadata)
	if err != nil {
		res.Disposition = DispositionIgnored
		logger.Debug("ignoring non-escrow checkout session", "sessionId", sess.ID, "reason", err)
		return err
	}
	res.JobID = meta.jobID
	ctx = logging.WithJob(ctx, meta.jobID)
	logger = logger.With("jobId", meta.jobID)

	tx, err := i.escrow.GetByJob(ctx, meta.jobID)
	if err != nil {
		if errors.Is(err, escrow.ErrTransactionNotFound) {
			res.Disposition = DispositionIgnored
			logger.Warn("webhook for job without escrow transaction", "sessionId", sess.ID)
			return fmt.Errorf("%w: no escrow transaction for job %s", ErrIrrelevantEvent, meta.jobID)
		}
		res.Disposition = DispositionFailed
		return fmt.Errorf("read escrow transaction: %w", err)
	}
	if tx.ClientID != meta.clientID || tx.ProviderID != meta.providerID {
		res.Disposition = DispositionIgnored
		logger.Warn("webhook parties do not match escrow transaction",
			"sessionId", sess.ID, "transactionId", tx.ID)
		return fmt.Errorf("%w: parties do not match transaction %s", ErrIrrelevantEvent, tx.ID)
	}

	out, err := i.escrow.Apply(ctx, escrow.TransitionRequest{
		JobID:           meta.jobID,
		Event:           ev,
		Source:          escrow.SourceStripe,
		Message:         fmt.Sprintf("%s (session %s)", evt.Type, sess.ID),
		ExternalEventID: evt.ID,
		PaymentRef:      sess.ID,
	})
	if out != nil {
		d := out.Decision
		res.Decision = &d
	}

	switch {
	case err == nil && out.Applied():
		res.Disposition = DispositionApplied
		return nil
	case err == nil:
		res.Disposition = DispositionNoOp
		return nil
	case errors.Is(err, escrow.ErrDuplicatePayment):
		res.Disposition = DispositionRejected
		logger.Error("second payment captured for funded escrow, refund required",
			"sessionId", sess.ID, "transactionId", tx.ID, "error", err)
		return err
	case errors.Is(err, escrow.ErrInvalidTransition):
		res.Disposition = DispositionRejected
		logger.Warn("webhook event rejected by escrow state machine", "error", err)
		return err
	default:
		res.Disposition = DispositionFailed
		return err
	}
}

func (i *Ingestor) markSeen(ctx context.Context, id string) {
	if i.seen == nil || id == "" {
		return
	}
	if err := i.seen.Mark(ctx, id); err != nil {
		i.logger.Warn("failed to record processed webhook event", "eventId", id, "error", err)
	}
}

func eventFor(t stripe.EventType) (escrow.Event, bool) {
	switch t {
	case TypeSessionCompleted, TypeSessionAsyncPaymentSuccess:
		return escrow.EventPaymentConfirmed, true
	case TypeSessionExpired, TypeSessionAsyncPaymentFailed:
		return escrow.EventPaymentExpiredOrFailed, true
	default:
		return "", false
	}
}

type sessionMeta struct {
	jobID      string
	clientID   string
	providerID string
}

func escrowMetadata(m map[string]string) (sessionMeta, error) {
	if m[escrow.MetaPaymentType] != escrow.PaymentTypeEscrow {
		return sessionMeta{}, fmt.Errorf("%w: payment_type %q", ErrIrrelevantEvent, m[escrow.MetaPaymentType])
	}
	meta := sessionMeta{
		jobID:      m[escrow.MetaJobID],
		clientID:   m[escrow.MetaClientID],
		providerID: m[escrow.MetaProviderID],
	}
	if meta.jobID == "" || meta.clientID == "" || meta.providerID == "" {
		return sessionMeta{}, fmt.Errorf("%w: escrow metadata incomplete", ErrIrrelevantEvent)
	}
	return meta, nil
}
