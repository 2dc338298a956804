// Package notify publishes committed escrow transitions to downstream
// consumers (job notifications, payouts, analytics).
//
// Publishing is best-effort: the transition is already committed when a
// message is sent, and a failed publish never undoes it.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/gigescrow/internal/escrow"
)

var notifyPublished = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "gigescrow",
	Subsystem: "notify",
	Name:      "published_total",
	Help:      "Transition events handed to the publisher, by result.",
}, []string{"result"})

func init() {
	prometheus.MustRegister(notifyPublished)
}

// TransitionEvent is the message body for one committed transition.
type TransitionEvent struct {
	ID              string           `json:"id"`
	TransactionID   string           `json:"transactionId"`
	JobID           string           `json:"jobId"`
	ClientID        string           `json:"clientId"`
	ProviderID      string           `json:"providerId"`
	Event           escrow.Event     `json:"event"`
	Source          string           `json:"source"`
	FromStatus      escrow.Status    `json:"fromStatus"`
	ToStatus        escrow.Status    `json:"toStatus"`
	JobStatus       escrow.JobStatus `json:"jobStatus"`
	Currency        string           `json:"currency"`
	TotalCharged    int64            `json:"totalCharged"`
	NetPayout       int64            `json:"netPayout"`
	RefundAmount    int64            `json:"refundAmount,omitempty"`
	ExternalEventID string           `json:"externalEventId,omitempty"`
	OccurredAt      time.Time        `json:"occurredAt"`
}

// NewTransitionEvent builds the message for a committed audit entry. The id
// is stable per entry so consumers can deduplicate.
func NewTransitionEvent(tx *escrow.Transaction, entry *escrow.AuditEntry) TransitionEvent {
	return TransitionEvent{
		ID:              tx.ID + ":" + strconv.FormatInt(entry.ID, 10),
		TransactionID:   tx.ID,
		JobID:           tx.JobID,
		ClientID:        tx.ClientID,
		ProviderID:      tx.ProviderID,
		Event:           entry.Event,
		Source:          entry.Source,
		FromStatus:      entry.FromStatus,
		ToStatus:        entry.ToStatus,
		JobStatus:       escrow.JobStatusFor(entry.ToStatus),
		Currency:        tx.Currency,
		TotalCharged:    tx.TotalCharged,
		NetPayout:       tx.NetPayout,
		RefundAmount:    tx.RefundAmount,
		ExternalEventID: entry.ExternalEventID,
		OccurredAt:      entry.CreatedAt,
	}
}

// Publisher delivers one keyed message. Messages sharing a key keep order.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
	Close() error
}

// TransitionNotifier adapts a Publisher to escrow.Notifier.
type TransitionNotifier struct {
	pub     Publisher
	timeout time.Duration
	logger  *slog.Logger
}

// NewTransitionNotifier creates a notifier. Each publish is bounded by timeout.
func NewTransitionNotifier(pub Publisher, timeout time.Duration, logger *slog.Logger) *TransitionNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TransitionNotifier{pub: pub, timeout: timeout, logger: logger}
}

// TransitionCommitted publishes the transition keyed by job id.
func (n *TransitionNotifier) TransitionCommitted(ctx context.Context, tx *escrow.Transaction, entry *escrow.AuditEntry) error {
	payload, err := json.Marshal(NewTransitionEvent(tx, entry))
	if err != nil {
		notifyPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal transition event: %w", err)
	}

	// The request that committed the transition may be about to finish;
	// the publish gets its own deadline.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
	defer cancel()

	if err := n.pub.Publish(pctx, tx.JobID, payload); err != nil {
		notifyPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("publish transition %s for job %s: %w", entry.Event, tx.JobID, err)
	}
	notifyPublished.WithLabelValues("ok").Inc()
	n.logger.Debug("transition published", "jobId", tx.JobID, "event", entry.Event, "to", entry.ToStatus)
	return nil
}

// Fanout hands each transition to every notifier in order. Errors are
// joined; one failing notifier does not stop the rest.
type Fanout []escrow.Notifier

func (f Fanout) TransitionCommitted(ctx context.Context, tx *escrow.Transaction, entry *escrow.AuditEntry) error {
	var errs []error
	for _, n := range f {
		if err := n.TransitionCommitted(ctx, tx, entry); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Message is a published message held by MemoryPublisher.
type Message struct {
	Key     string
	Payload []byte
}

// MemoryPublisher records messages in memory for development and tests.
type MemoryPublisher struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned by every Publish.
	Err error
}

// NewMemoryPublisher creates an empty in-memory publisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.messages = append(m.messages, Message{Key: key, Payload: append([]byte(nil), payload...)})
	return nil
}

// Messages returns a copy of everything published so far.
func (m *MemoryPublisher) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

func (m *MemoryPublisher) Close() error { return nil }
