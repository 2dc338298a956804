package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/pagination"
)

// MemoryStore is an in-memory escrow store for demo/development mode and tests.
// A unit of work holds the store lock for its whole duration and its writes
// are staged, so a failing unit leaves nothing behind.
type MemoryStore struct {
	mu          sync.Mutex
	txs         map[string]*Transaction
	byJob       map[string]string
	jobs        map[string]JobStatus
	audit       map[string][]*AuditEntry
	nextAuditID int64
}

// NewMemoryStore creates a new in-memory escrow store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		txs:   make(map[string]*Transaction),
		byJob: make(map[string]string),
		jobs:  make(map[string]JobStatus),
		audit: make(map[string][]*AuditEntry),
	}
}

func (m *MemoryStore) Create(ctx context.Context, tx *Transaction, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byJob[tx.JobID]; ok {
		return ErrTransactionExists
	}
	if _, ok := m.txs[tx.ID]; ok {
		return ErrTransactionExists
	}

	cp := *tx
	m.txs[tx.ID] = &cp
	m.byJob[tx.JobID] = tx.ID
	m.jobs[tx.JobID] = JobStatusFor(tx.Status)
	m.appendAuditLocked(entry)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) GetByJob(ctx context.Context, jobID string) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byJob[jobID]
	if !ok {
		return nil, ErrTransactionNotFound
	}
	cp := *m.txs[id]
	return &cp, nil
}

func (m *MemoryStore) AttachPaymentRef(ctx context.Context, id, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[id]
	if !ok {
		return ErrTransactionNotFound
	}
	if tx.Status != StatusPendingPayment {
		return fmt.Errorf("%w: transaction is %s", ErrPersistenceConflict, tx.Status)
	}
	cp := *tx
	cp.ExternalPaymentRef = ref
	m.txs[id] = &cp
	return nil
}

func (m *MemoryStore) ListApprovalDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status != StatusPendingApproval || tx.ApprovalDeadline == nil || tx.ApprovalDeadline.After(before) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].ApprovalDeadline.Before(*result[j].ApprovalDeadline)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListByStatus returns transactions in status whose last change is at or
// before changedBefore, oldest first.
func (m *MemoryStore) ListByStatus(ctx context.Context, status Status, changedBefore time.Time, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status != status || tx.StatusChangedAt.After(changedBefore) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StatusChangedAt.Before(result[j].StatusChangedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListAudit(ctx context.Context, transactionID string) ([]*AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := m.audit[transactionID]
	result := make([]*AuditEntry, 0, len(entries))
	for _, e := range entries {
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// ListPage returns a keyset page of transactions in status.
func (m *MemoryStore) ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*Transaction
	for _, tx := range m.txs {
		if tx.Status != status || !after.After(tx.StatusChangedAt, tx.ID) {
			continue
		}
		cp := *tx
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].StatusChangedAt.Equal(result[j].StatusChangedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].StatusChangedAt.Before(result[j].StatusChangedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// JobStatus returns the projected status of a job.
func (m *MemoryStore) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.jobs[jobID]
	if !ok {
		return "", ErrTransactionNotFound
	}
	return st, nil
}

func (m *MemoryStore) WithinUnit(ctx context.Context, fn func(Unit) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u := &memoryUnit{
		store: m,
		txs:   make(map[string]*Transaction),
		jobs:  make(map[string]JobStatus),
	}
	if err := fn(u); err != nil {
		return err
	}

	for id, tx := range u.txs {
		m.txs[id] = tx
	}
	for jobID, st := range u.jobs {
		m.jobs[jobID] = st
	}
	for _, e := range u.audit {
		m.appendAuditLocked(e)
	}
	return nil
}

func (m *MemoryStore) appendAuditLocked(entry *AuditEntry) {
	m.nextAuditID++
	entry.ID = m.nextAuditID
	cp := *entry
	m.audit[entry.TransactionID] = append(m.audit[entry.TransactionID], &cp)
}

// memoryUnit stages writes until the enclosing WithinUnit returns nil.
type memoryUnit struct {
	store *MemoryStore
	txs   map[string]*Transaction
	jobs  map[string]JobStatus
	audit []*AuditEntry
}

func (u *memoryUnit) ConditionalUpdate(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error) {
	current, ok := u.txs[id]
	if !ok {
		current, ok = u.store.txs[id]
	}
	if !ok {
		return false, ErrTransactionNotFound
	}
	if current.Status != expected {
		return false, nil
	}

	cp := *current
	cp.Status = next
	cp.StatusChangedAt = fields.ChangedAt
	cp.ApprovalDeadline = fields.ApprovalDeadline
	cp.RefundAmount = fields.RefundAmount
	if fields.CompletedAt != nil {
		cp.CompletedAt = fields.CompletedAt
	}
	if fields.ExternalPaymentRef != "" {
		cp.ExternalPaymentRef = fields.ExternalPaymentRef
	}
	u.txs[id] = &cp
	return true, nil
}

func (u *memoryUnit) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	if entry.TransactionID == "" {
		return fmt.Errorf("audit entry without transaction id")
	}
	u.audit = append(u.audit, entry)
	return nil
}

func (u *memoryUnit) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	if _, ok := u.store.jobs[jobID]; !ok {
		return fmt.Errorf("job %s: %w", jobID, ErrTransactionNotFound)
	}
	u.jobs[jobID] = status
	return nil
}
