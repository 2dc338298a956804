package escrow

import (
	"encoding/json"
	"fmt"
	"slices"
)

// Outcome classifies a transition decision.
type Outcome int

const (
	OutcomeApplied Outcome = iota + 1
	OutcomeNoOp
	OutcomeRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeNoOp:
		return "noop"
	case OutcomeRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the outcome by name.
func (o Outcome) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.String())
}

// Decision is the result of evaluating one event against a status.
// For Applied, From is the expected stored status and To the new one.
// For NoOp and Rejected, To equals From and Reason explains why.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Event   Event   `json:"event"`
	From    Status  `json:"from"`
	To      Status  `json:"to"`
	Reason  error   `json:"-"`
}

// MarshalJSON includes the reason text.
func (d Decision) MarshalJSON() ([]byte, error) {
	type plain Decision
	out := struct {
		plain
		Reason string `json:"reason,omitempty"`
	}{plain: plain(d)}
	if d.Reason != nil {
		out.Reason = d.Reason.Error()
	}
	return json.Marshal(out)
}

type transition struct {
	from []Status
	to   Status
	// supersededBy lists statuses where the event was overtaken by another
	// outcome without its target ever being reached, e.g. a payment expiry
	// after the payment was confirmed.
	supersededBy []Status
}

var transitions = map[Event]transition{
	EventPaymentConfirmed: {
		from: []Status{StatusPendingPayment},
		to:   StatusFundsHeld,
	},
	EventPaymentExpiredOrFailed: {
		from: []Status{StatusPendingPayment},
		to:   StatusFailed,
		supersededBy: []Status{
			StatusFundsHeld, StatusInProgress, StatusPendingApproval, StatusDisputed, StatusCompleted, StatusRefunded,
		},
	},
	EventWorkStarted: {
		from: []Status{StatusFundsHeld},
		to:   StatusInProgress,
	},
	EventDeliverySubmitted: {
		from: []Status{StatusInProgress},
		to:   StatusPendingApproval,
	},
	EventClientApproved: {
		from: []Status{StatusPendingApproval},
		to:   StatusCompleted,
	},
	EventApprovalDeadlineElapsed: {
		from:         []Status{StatusPendingApproval},
		to:           StatusCompleted,
		supersededBy: []Status{StatusDisputed, StatusRefunded},
	},
	EventDisputeRaised: {
		from: []Status{StatusInProgress, StatusPendingApproval},
		to:   StatusDisputed,
	},
	EventDisputeResolvedFavorClient: {
		from: []Status{StatusDisputed},
		to:   StatusRefunded,
	},
	EventDisputeResolvedFavorProvider: {
		from: []Status{StatusDisputed},
		to:   StatusCompleted,
	},
	EventCancellationBeforeWork: {
		from: []Status{StatusFundsHeld},
		to:   StatusRefunded,
	},
}

// passedTarget maps a status T to the statuses that can only be reached by
// going through T. A transaction in one of them has already been in T.
var passedTarget = buildPassedTargets(StatusPendingPayment)

func buildPassedTargets(initial Status) map[Status][]Status {
	edges := make(map[Status][]Status)
	statuses := []Status{initial}
	for _, t := range transitions {
		for _, from := range t.from {
			edges[from] = append(edges[from], t.to)
			statuses = append(statuses, from)
		}
		statuses = append(statuses, t.to)
	}

	reachable := func(start, avoid Status) map[Status]bool {
		seen := map[Status]bool{start: true}
		queue := []Status{start}
		for len(queue) > 0 {
			st := queue[0]
			queue = queue[1:]
			for _, next := range edges[st] {
				if next == avoid || seen[next] {
					continue
				}
				seen[next] = true
				queue = append(queue, next)
			}
		}
		return seen
	}

	out := make(map[Status][]Status)
	for _, target := range statuses {
		if _, done := out[target]; done || target == initial {
			continue
		}
		without := reachable(initial, target)
		out[target] = []Status{}
		for st := range reachable(target, "") {
			if st != target && !without[st] {
				out[target] = append(out[target], st)
			}
		}
	}
	return out
}

// Known reports whether ev is part of the transition table.
func (ev Event) Known() bool {
	_, ok := transitions[ev]
	return ok
}

// Target returns the status ev moves a transaction to.
func (ev Event) Target() (Status, bool) {
	t, ok := transitions[ev]
	return t.to, ok
}

// Decide evaluates ev against the current persisted status. It is pure: the
// caller commits an Applied decision with a CAS on From. An event whose
// target the transaction has already reached or passed is a NoOp; one that
// would regress or skip a status is Rejected.
func Decide(current Status, ev Event) Decision {
	d := Decision{Event: ev, From: current, To: current}

	t, ok := transitions[ev]
	if !ok {
		d.Outcome = OutcomeRejected
		d.Reason = fmt.Errorf("%w: %q", ErrUnknownEvent, ev)
		return d
	}

	switch {
	case slices.Contains(t.from, current):
		d.Outcome = OutcomeApplied
		d.To = t.to
	case current == t.to:
		d.Outcome = OutcomeNoOp
		d.Reason = ErrDuplicateEvent
	case slices.Contains(passedTarget[t.to], current):
		d.Outcome = OutcomeNoOp
		d.Reason = fmt.Errorf("%w: %s already passed %s", ErrDuplicateEvent, current, t.to)
	case slices.Contains(t.supersededBy, current):
		d.Outcome = OutcomeNoOp
		d.Reason = fmt.Errorf("%w: %s overtaken by %s", ErrStaleTransition, ev, current)
	case current.IsTerminal():
		d.Outcome = OutcomeRejected
		d.Reason = fmt.Errorf("%w: %s received in %s", ErrTerminal, ev, current)
	default:
		d.Outcome = OutcomeRejected
		d.Reason = fmt.Errorf("%w: %s not allowed from %s", ErrInvalidTransition, ev, current)
	}
	return d
}
