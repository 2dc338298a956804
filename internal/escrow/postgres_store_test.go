//go:build integration

package escrow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mbd888/gigescrow/internal/testutil"
)

func setupPostgresService(t *testing.T) (*Service, *PostgresStore, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	store := NewPostgresStore(db)
	return newTestService(t, store), store, cleanup
}

func TestPostgresStore_CreateAndGet(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	tx := createTestEscrow(t, svc)

	got, err := store.Get(ctx, tx.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.JobID != testJob || got.TotalCharged != 11000 || got.NetPayout != 9500 {
		t.Errorf("unexpected transaction %+v", got)
	}
	byJob, err := store.GetByJob(ctx, testJob)
	if err != nil || byJob.ID != tx.ID {
		t.Fatalf("get by job: %v %+v", err, byJob)
	}
	js, err := store.JobStatus(ctx, testJob)
	if err != nil || js != JobAwaitingPayment {
		t.Errorf("job status %s (%v)", js, err)
	}

	if _, err := store.Get(ctx, "esc_missing"); !errors.Is(err, ErrTransactionNotFound) {
		t.Errorf("expected not found, got %v", err)
	}

	_, err = svc.Create(ctx, CreateRequest{JobID: testJob, ClientID: testClient, ProviderID: testProvider, BasePrice: 1})
	if !errors.Is(err, ErrTransactionExists) {
		t.Errorf("expected ErrTransactionExists, got %v", err)
	}
}

func TestPostgresStore_FullLifecycle(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	tx := createTestEscrow(t, svc)
	if err := store.AttachPaymentRef(ctx, tx.ID, testRef); err != nil {
		t.Fatalf("attach: %v", err)
	}
	advance(t, svc, StatusPendingApproval)

	due, err := store.ListApprovalDue(ctx, time.Now().Add(DefaultApprovalWindow+time.Hour), 10)
	if err != nil || len(due) != 1 {
		t.Fatalf("expected one due transaction, got %d (%v)", len(due), err)
	}

	mustApply(t, svc, EventClientApproved, "")

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil || got.ApprovalDeadline != nil {
		t.Errorf("unexpected final state %+v", got)
	}
	if got.ExternalPaymentRef != testRef {
		t.Errorf("payment ref %q lost", got.ExternalPaymentRef)
	}
	js, _ := store.JobStatus(ctx, testJob)
	if js != JobCompleted {
		t.Errorf("job status %s", js)
	}

	entries, err := store.ListAudit(ctx, tx.ID)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 5 {
		t.Fatalf("expected 5 audit entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].FromStatus != entries[i-1].ToStatus {
			t.Errorf("audit chain broken at %d: %s -> %s", i, entries[i-1].ToStatus, entries[i].FromStatus)
		}
	}
}

func TestPostgresStore_ConditionalUpdateLosesToConcurrentWriter(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()
	tx := createTestEscrow(t, svc)

	err := store.WithinUnit(ctx, func(u Unit) error {
		ok, err := u.ConditionalUpdate(ctx, tx.ID, StatusFundsHeld, StatusInProgress, TransitionFields{ChangedAt: time.Now()})
		if err != nil {
			return err
		}
		if ok {
			t.Error("update from a stale expected status must not apply")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unit: %v", err)
	}
}

func TestPostgresStore_FailedUnitRollsBack(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()
	tx := createTestEscrow(t, svc)

	boom := errors.New("boom")
	err := store.WithinUnit(ctx, func(u Unit) error {
		ok, err := u.ConditionalUpdate(ctx, tx.ID, StatusPendingPayment, StatusFundsHeld, TransitionFields{ChangedAt: time.Now()})
		if err != nil || !ok {
			t.Fatalf("update: %v %v", ok, err)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, _ := store.Get(ctx, tx.ID)
	if got.Status != StatusPendingPayment {
		t.Errorf("rolled back unit left status %s", got.Status)
	}
}

func TestPostgresStore_ConcurrentDuplicatesApplyOnce(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	tx := createTestEscrow(t, svc)

	const workers = 10
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Apply(context.Background(), TransitionRequest{
				JobID: testJob, Event: EventPaymentConfirmed, Source: SourceStripe, PaymentRef: testRef,
			})
			if err != nil {
				t.Errorf("apply: %v", err)
				return
			}
			if res.Applied() {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if applied != 1 {
		t.Fatalf("expected exactly one applied delivery, got %d", applied)
	}
	entries, _ := store.ListAudit(context.Background(), tx.ID)
	if len(entries) != 2 {
		t.Errorf("expected 2 audit entries, got %d", len(entries))
	}
}

func TestPostgresStore_ListPageAndByStatus(t *testing.T) {
	svc, store, cleanup := setupPostgresService(t)
	defer cleanup()
	ctx := context.Background()

	for _, job := range []string{"job_a", "job_b", "job_c"} {
		if _, err := svc.Create(ctx, CreateRequest{
			JobID: job, ClientID: testClient, ProviderID: testProvider, BasePrice: 5000,
		}); err != nil {
			t.Fatalf("create %s: %v", job, err)
		}
	}

	first, err := svc.ListByStatus(ctx, StatusPendingPayment, "", 2)
	if err != nil || len(first.Transactions) != 2 || !first.HasMore {
		t.Fatalf("first page: %v %+v", err, first)
	}
	second, err := svc.ListByStatus(ctx, StatusPendingPayment, first.NextCursor, 2)
	if err != nil || len(second.Transactions) != 1 || second.HasMore {
		t.Fatalf("second page: %v %+v", err, second)
	}
	for _, tx := range first.Transactions {
		if tx.ID == second.Transactions[0].ID {
			t.Errorf("transaction %s returned on both pages", tx.ID)
		}
	}

	old, err := store.ListByStatus(ctx, StatusPendingPayment, time.Now().Add(-time.Hour), 10)
	if err != nil || len(old) != 0 {
		t.Errorf("nothing changed an hour ago: %v %d", err, len(old))
	}
	recent, err := store.ListByStatus(ctx, StatusPendingPayment, time.Now().Add(time.Minute), 10)
	if err != nil || len(recent) != 3 {
		t.Errorf("expected 3 recent transactions: %v %d", err, len(recent))
	}
}
