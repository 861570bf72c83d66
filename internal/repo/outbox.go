package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"reqflow/internal/domain"
)

const outboxColumns = `id,event_type,program_id,COALESCE(request_id,''),payload_json,status,retry_count,max_retries,COALESCE(last_error,''),next_retry_at,lease_until,sent_at,created_at`

func scanOutbox(row scanner) (domain.OutboxEvent, error) {
	var ev domain.OutboxEvent
	var payload string
	var nextRetry, lease, sent sql.NullString
	err := row.Scan(&ev.ID, &ev.EventType, &ev.ProgramID, &ev.RequestID, &payload, &ev.Status, &ev.RetryCount, &ev.MaxRetries, &ev.LastError, &nextRetry, &lease, &sent, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ev, fmt.Errorf("outbox event: %w", ErrNotFound)
	}
	if err != nil {
		return ev, err
	}
	ev.Payload = []byte(payload)
	ev.NextRetryAt = stringPtr(nextRetry)
	ev.LeaseUntil = stringPtr(lease)
	ev.SentAt = stringPtr(sent)
	return ev, nil
}

func (r Repo) InsertOutbox(ctx context.Context, tx *sql.Tx, ev domain.OutboxEvent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO outbox_events(id,event_type,program_id,request_id,payload_json,status,retry_count,max_retries,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		ev.ID, ev.EventType, ev.ProgramID, nullable(ev.RequestID), string(ev.Payload), ev.Status, ev.RetryCount, ev.MaxRetries, ev.CreatedAt)
	return err
}

func (r Repo) GetOutbox(ctx context.Context, id string) (domain.OutboxEvent, error) {
	return scanOutbox(r.DB.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE id=?`, id))
}

// DueOutbox lists pending events whose retry time has come and that no
// dispatcher currently holds a lease on, in commit order.
func (r Repo) DueOutbox(ctx context.Context, now string, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+outboxColumns+` FROM outbox_events
WHERE status='pending' AND (next_retry_at IS NULL OR next_retry_at<=?) AND (lease_until IS NULL OR lease_until<=?)
ORDER BY rowid ASC LIMIT ?`, now, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// ClaimOutbox takes a delivery lease on a pending event. retryCount is the
// value the caller read; the claim fails when another worker recorded an
// attempt since, pushed the retry time past now, or holds a live lease.
func (r Repo) ClaimOutbox(ctx context.Context, id string, retryCount int, now, leaseUntil string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox_events SET lease_until=?
WHERE id=? AND status='pending' AND retry_count=? AND (next_retry_at IS NULL OR next_retry_at<=?) AND (lease_until IS NULL OR lease_until<=?)`,
		leaseUntil, id, retryCount, now, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// MarkOutboxSent records a delivery made under a claim taken at retryCount.
func (r Repo) MarkOutboxSent(ctx context.Context, id string, retryCount int, sentAt string) error {
	return r.execPending(ctx, `UPDATE outbox_events SET status='sent', sent_at=?, lease_until=NULL, next_retry_at=NULL WHERE id=? AND status='pending' AND retry_count=?`,
		sentAt, id, retryCount)
}

// MarkOutboxRetry records failed attempt number attempts. The row must still
// hold attempts-1, so concurrent workers cannot overwrite each other's count.
func (r Repo) MarkOutboxRetry(ctx context.Context, id string, attempts int, nextRetryAt, lastError string) error {
	return r.execPending(ctx, `UPDATE outbox_events SET retry_count=?, next_retry_at=?, last_error=?, lease_until=NULL WHERE id=? AND status='pending' AND retry_count=?`,
		attempts, nextRetryAt, lastError, id, attempts-1)
}

// MarkOutboxFailed is MarkOutboxRetry for the last allowed attempt.
func (r Repo) MarkOutboxFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return r.execPending(ctx, `UPDATE outbox_events SET status='failed', retry_count=?, last_error=?, lease_until=NULL, next_retry_at=NULL WHERE id=? AND status='pending' AND retry_count=?`,
		attempts, lastError, id, attempts-1)
}

func (r Repo) execPending(ctx context.Context, query string, args ...any) error {
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("outbox event changed since it was claimed: %w", ErrConflict)
	}
	return nil
}

// RequeueOutbox returns a failed event to pending with a fresh retry budget.
// Only failed events qualify; sent events never go back to pending.
func (r Repo) RequeueOutbox(ctx context.Context, id string) (domain.OutboxEvent, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE outbox_events SET status='pending', retry_count=0, next_retry_at=NULL, lease_until=NULL WHERE id=? AND status='failed'`, id)
	if err != nil {
		return domain.OutboxEvent{}, err
	}
	n, _ := res.RowsAffected()
	ev, err := r.GetOutbox(ctx, id)
	if err != nil {
		return ev, err
	}
	if n == 0 {
		return ev, fmt.Errorf("outbox event %s is %s, not failed: %w", id, ev.Status, ErrConflict)
	}
	return ev, nil
}

type OutboxFilters struct {
	ProgramID string
	RequestID string
	Status    domain.OutboxStatus
	Limit     int

	// CursorID resumes after this row in commit order.
	CursorID string
}

func (r Repo) ListOutbox(ctx context.Context, f OutboxFilters) ([]domain.OutboxEvent, error) {
	var clauses []string
	var args []any
	if f.ProgramID != "" {
		clauses = append(clauses, "program_id=?")
		args = append(args, f.ProgramID)
	}
	if f.RequestID != "" {
		clauses = append(clauses, "request_id=?")
		args = append(args, f.RequestID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorID != "" {
		clauses = append(clauses, "rowid < (SELECT rowid FROM outbox_events WHERE id=?)")
		args = append(args, f.CursorID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + outboxColumns + ` FROM outbox_events ` + whereClause(clauses) + ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEvent
	for rows.Next() {
		ev, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) CountOutboxByStatus(ctx context.Context, programID string) (map[domain.OutboxStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM outbox_events WHERE program_id=? GROUP BY status`, programID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[domain.OutboxStatus]int{}
	for rows.Next() {
		var s domain.OutboxStatus
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		res[s] = n
	}
	return res, rows.Err()
}
