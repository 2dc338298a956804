package escrow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mbd888/gigescrow/internal/pagination"
)

// PostgresStore persists escrow data in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const transactionColumns = `id, job_id, client_id, provider_id, currency,
		       base_price, client_fee, total_charged, provider_fee, net_payout, refund_amount,
		       status, external_payment_ref, approval_deadline,
		       created_at, status_changed_at, completed_at`

const auditColumns = `id, transaction_id, job_id, event, source, from_status, to_status,
		       message, external_event_id, created_at`

func (p *PostgresStore) Create(ctx context.Context, t *Transaction, entry *AuditEntry) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO escrow_transactions (
			id, job_id, client_id, provider_id, currency,
			base_price, client_fee, total_charged, provider_fee, net_payout, refund_amount,
			status, external_payment_ref, approval_deadline,
			created_at, status_changed_at, completed_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11,
			$12, $13, $14,
			$15, $16, $17
		)`,
		t.ID, t.JobID, t.ClientID, t.ProviderID, t.Currency,
		t.BasePrice, t.ClientFee, t.TotalCharged, t.ProviderFee, t.NetPayout, t.RefundAmount,
		string(t.Status), nullString(t.ExternalPaymentRef), nullTime(t.ApprovalDeadline),
		t.CreatedAt, t.StatusChangedAt, nullTime(t.CompletedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrTransactionExists
		}
		return err
	}

	_, err = dbTx.ExecContext(ctx, `
		INSERT INTO jobs (id, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		t.JobID, string(JobStatusFor(t.Status)), t.CreatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertAudit(ctx, dbTx, entry); err != nil {
		return err
	}
	return dbTx.Commit()
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE id = $1`, id)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) GetByJob(ctx context.Context, jobID string) (*Transaction, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM escrow_transactions WHERE job_id = $1`, jobID)

	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransactionNotFound
	}
	return t, err
}

func (p *PostgresStore) AttachPaymentRef(ctx context.Context, id, ref string) error {
	result, err := p.db.ExecContext(ctx, `
		UPDATE escrow_transactions SET external_payment_ref = $1
		WHERE id = $2 AND status = $3`,
		ref, id, string(StatusPendingPayment),
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: transaction left %s", ErrPersistenceConflict, StatusPendingPayment)
	}
	return nil
}

func (p *PostgresStore) ListApprovalDue(ctx context.Context, before time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status = $1
		  AND approval_deadline <= $2
		ORDER BY approval_deadline ASC
		LIMIT $3`, string(StatusPendingApproval), before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListByStatus returns transactions in status whose last change is at or
// before changedBefore, oldest first.
func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, changedBefore time.Time, limit int) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+`
		FROM escrow_transactions
		WHERE status = $1
		  AND status_changed_at <= $2
		ORDER BY status_changed_at ASC
		LIMIT $3`, string(status), changedBefore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

// ListPage returns a keyset page of transactions in status.
func (p *PostgresStore) ListPage(ctx context.Context, status Status, after *pagination.Cursor, limit int) ([]*Transaction, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM escrow_transactions
			WHERE status = $1
			ORDER BY status_changed_at ASC, id ASC
			LIMIT $2`, string(status), limit)
	} else {
		rows, err = p.db.QueryContext(ctx, `
			SELECT `+transactionColumns+`
			FROM escrow_transactions
			WHERE status = $1
			  AND (status_changed_at, id) > ($2, $3)
			ORDER BY status_changed_at ASC, id ASC
			LIMIT $4`, string(status), after.At, after.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListAudit(ctx context.Context, transactionID string) ([]*AuditEntry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+auditColumns+`
		FROM escrow_audit_log
		WHERE transaction_id = $1
		ORDER BY id ASC`, transactionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*AuditEntry
	for rows.Next() {
		var (
			e          AuditEntry
			event      sql.NullString
			fromStatus sql.NullString
			toStatus   string
			extEventID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.JobID, &event, &e.Source, &fromStatus, &toStatus,
			&e.Message, &extEventID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Event = Event(event.String)
		e.FromStatus = Status(fromStatus.String)
		e.ToStatus = Status(toStatus)
		e.ExternalEventID = extEventID.String
		result = append(result, &e)
	}
	return result, rows.Err()
}

// JobStatus returns the projected status of a job.
func (p *PostgresStore) JobStatus(ctx context.Context, jobID string) (JobStatus, error) {
	var st string
	err := p.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrTransactionNotFound
	}
	return JobStatus(st), err
}

func (p *PostgresStore) WithinUnit(ctx context.Context, fn func(Unit) error) error {
	dbTx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = dbTx.Rollback() }()

	if err := fn(&postgresUnit{tx: dbTx}); err != nil {
		return err
	}
	return dbTx.Commit()
}

type postgresUnit struct {
	tx *sql.Tx
}

// ConditionalUpdate is the compare-and-swap: the row is only written when
// its status still equals expected.
func (u *postgresUnit) ConditionalUpdate(ctx context.Context, id string, expected, next Status, fields TransitionFields) (bool, error) {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE escrow_transactions SET
			status = $1,
			status_changed_at = $2,
			approval_deadline = $3,
			refund_amount = $4,
			completed_at = COALESCE($5, completed_at),
			external_payment_ref = COALESCE(NULLIF($6, ''), external_payment_ref)
		WHERE id = $7 AND status = $8`,
		string(next), fields.ChangedAt, nullTime(fields.ApprovalDeadline), fields.RefundAmount,
		nullTime(fields.CompletedAt), fields.ExternalPaymentRef,
		id, string(expected),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (u *postgresUnit) AppendAuditLog(ctx context.Context, entry *AuditEntry) error {
	return insertAudit(ctx, u.tx, entry)
}

func (u *postgresUnit) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus) error {
	result, err := u.tx.ExecContext(ctx, `
		UPDATE jobs SET status = $1, updated_at = NOW() WHERE id = $2`,
		string(status), jobID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("job %s: %w", jobID, ErrTransactionNotFound)
	}
	return nil
}

func insertAudit(ctx context.Context, tx *sql.Tx, e *AuditEntry) error {
	return tx.QueryRowContext(ctx, `
		INSERT INTO escrow_audit_log (
			transaction_id, job_id, event, source, from_status, to_status,
			message, external_event_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id`,
		e.TransactionID, e.JobID, nullString(string(e.Event)), e.Source,
		nullString(string(e.FromStatus)), string(e.ToStatus),
		e.Message, nullString(e.ExternalEventID), e.CreatedAt,
	).Scan(&e.ID)
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTransaction(s scanner) (*Transaction, error) {
	t := &Transaction{}
	var (
		status           string
		paymentRef       sql.NullString
		approvalDeadline sql.NullTime
		completedAt      sql.NullTime
	)

	err := s.Scan(
		&t.ID, &t.JobID, &t.ClientID, &t.ProviderID, &t.Currency,
		&t.BasePrice, &t.ClientFee, &t.TotalCharged, &t.ProviderFee, &t.NetPayout, &t.RefundAmount,
		&status, &paymentRef, &approvalDeadline,
		&t.CreatedAt, &t.StatusChangedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Status = Status(status)
	t.ExternalPaymentRef = paymentRef.String
	if approvalDeadline.Valid {
		t.ApprovalDeadline = &approvalDeadline.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
