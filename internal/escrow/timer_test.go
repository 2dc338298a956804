package escrow

import (
	"context"
	"testing"
	"time"

	"github.com/mbd888/gigescrow/internal/logging"
)

func TestTimer_SweepCompletesElapsedApprovals(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store).WithApprovalWindow(time.Hour)
	tx := createTestEscrow(t, svc)
	advance(t, svc, StatusPendingApproval)
	ctx := context.Background()

	timer := NewTimer(svc, store, time.Minute, logging.Discard())

	if n := timer.Sweep(ctx, time.Now().UTC()); n != 0 {
		t.Fatalf("nothing is due yet, completed %d", n)
	}

	if n := timer.Sweep(ctx, time.Now().UTC().Add(2*time.Hour)); n != 1 {
		t.Fatalf("expected 1 auto-completion, got %d", n)
	}

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	entries, _ := store.ListAudit(ctx, tx.ID)
	last := entries[len(entries)-1]
	if last.Source != SourceApprovalTimer || last.Event != EventApprovalDeadlineElapsed {
		t.Errorf("unexpected audit entry %+v", last)
	}

	if n := timer.Sweep(ctx, time.Now().UTC().Add(2*time.Hour)); n != 0 {
		t.Errorf("completed transactions must not be swept again, got %d", n)
	}
}

func TestTimer_DisputedTransactionIsNotReleased(t *testing.T) {
	store := NewMemoryStore()
	svc := newTestService(t, store).WithApprovalWindow(time.Hour)
	tx := createTestEscrow(t, svc)
	advance(t, svc, StatusPendingApproval)
	ctx := context.Background()

	if _, err := svc.Act(ctx, testJob, testClient, EventDisputeRaised, "missing files"); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	timer := NewTimer(svc, store, time.Minute, logging.Discard())
	if n := timer.Sweep(ctx, time.Now().UTC().Add(2*time.Hour)); n != 0 {
		t.Fatalf("disputed escrow was auto-completed")
	}
	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusDisputed {
		t.Errorf("expected disputed, got %s", got.Status)
	}
}

func TestTimer_ElapsedAfterDisputeIsNoOp(t *testing.T) {
	svc := newTestService(t, NewMemoryStore())
	createTestEscrow(t, svc)
	advance(t, svc, StatusPendingApproval)
	ctx := context.Background()

	if _, err := svc.Act(ctx, testJob, testProvider, EventDisputeRaised, ""); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	// A sweep that listed the transaction before the dispute committed.
	res, err := svc.Apply(ctx, TransitionRequest{
		JobID: testJob, Event: EventApprovalDeadlineElapsed, Source: SourceApprovalTimer,
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if res.Decision.Outcome != OutcomeNoOp || res.Transaction.Status != StatusDisputed {
		t.Fatalf("expected noop at disputed, got %s at %s", res.Decision.Outcome, res.Transaction.Status)
	}
}

func TestTimer_StartStop(t *testing.T) {
	store := NewMemoryStore()
	timer := NewTimer(newTestService(t, store), store, 10*time.Millisecond, logging.Discard())

	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for !timer.Running() && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if !timer.Running() {
		t.Fatal("timer did not start")
	}

	timer.Stop()
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
	if timer.Running() {
		t.Error("timer still reports running")
	}
}

func TestTimer_StopsOnContextCancel(t *testing.T) {
	store := NewMemoryStore()
	timer := NewTimer(newTestService(t, store), store, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		timer.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not exit on cancel")
	}
}
