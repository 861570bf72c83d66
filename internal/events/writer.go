// Package events records the side effects of a committed mutation: the audit
// entry and the outbound event queued for delivery.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"reqflow/internal/domain"
	"reqflow/internal/logger"
	"reqflow/internal/observability"
	"reqflow/internal/repo"
)

const DefaultMaxRetries = 3

type Writer struct {
	Repo       repo.Repo
	Now        func() time.Time
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	MaxRetries int
}

// Record describes one mutation. Type is the outbound event; Action
// defaults to it for the audit entry.
type Record struct {
	Type       domain.EventType
	Action     string
	ProgramID  string
	RequestID  string
	EntityType string
	EntityID   string
	Actor      domain.Principal
	Before     map[string]any
	After      map[string]any
	Metadata   map[string]any
	Data       map[string]any

	// AuditOnly skips the outbox, for administrative changes the
	// automation consumer does not subscribe to.
	AuditOnly bool
}

// Result carries the ids of what was written; empty on failure.
type Result struct {
	AuditID  string
	OutboxID string
}

// Append writes the audit entry and enqueues the outbound event inside tx.
// Each write is isolated in its own savepoint: a failure is logged and
// rolled back on its own, and never fails the caller's mutation.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) Result {
	now := w.now()
	var res Result

	entry := domain.AuditEntry{
		ID:          domain.NewID(),
		Action:      rec.Action,
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		RequestID:   rec.RequestID,
		ProgramID:   rec.ProgramID,
		PerformedBy: rec.Actor.ID,
		Before:      rec.Before,
		After:       rec.After,
		Metadata:    rec.Metadata,
		CreatedAt:   repo.Timestamp(now),
	}
	if entry.Action == "" {
		entry.Action = string(rec.Type)
	}
	if err := w.isolated(ctx, tx, "audit_write", func() error {
		return w.Repo.InsertAudit(ctx, tx, entry)
	}); err != nil {
		w.failed(ctx, "audit", rec, err)
	} else {
		res.AuditID = entry.ID
	}

	if rec.AuditOnly {
		return res
	}
	ev, err := w.outboxEvent(rec, now)
	if err == nil {
		err = w.isolated(ctx, tx, "outbox_write", func() error {
			return w.Repo.InsertOutbox(ctx, tx, ev)
		})
	}
	if err != nil {
		w.failed(ctx, "outbox", rec, err)
	} else {
		res.OutboxID = ev.ID
	}
	return res
}

func (w Writer) outboxEvent(rec Record, now time.Time) (domain.OutboxEvent, error) {
	id := domain.NewID()
	data := rec.Data
	if data == nil {
		data = map[string]any{}
	}
	payload, err := json.Marshal(domain.EventPayload{
		EventID:     id,
		EventType:   rec.Type,
		ProgramID:   rec.ProgramID,
		RequestID:   rec.RequestID,
		Data:        data,
		PerformedBy: domain.Actor{UserID: rec.Actor.ID, Name: rec.Actor.Name},
		Timestamp:   now.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return domain.OutboxEvent{}, fmt.Errorf("marshal event payload: %w", err)
	}
	maxRetries := w.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return domain.OutboxEvent{
		ID:         id,
		EventType:  rec.Type,
		ProgramID:  rec.ProgramID,
		RequestID:  rec.RequestID,
		Payload:    payload,
		Status:     domain.OutboxPending,
		MaxRetries: maxRetries,
		CreatedAt:  repo.Timestamp(now),
	}, nil
}

// isolated runs fn inside a named savepoint of tx so that its failure
// leaves the rest of the transaction intact.
func (w Writer) isolated(ctx context.Context, tx *sql.Tx, name string, fn func() error) error {
	if tx == nil {
		return fn()
	}
	if _, err := tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("savepoint %s: %w", name, err)
	}
	if err := fn(); err != nil {
		if _, rbErr := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint: %v)", err, rbErr)
		}
		_, _ = tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name)
		return err
	}
	if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint %s: %w", name, err)
	}
	return nil
}

func (w Writer) failed(ctx context.Context, kind string, rec Record, err error) {
	w.Metrics.HousekeepingFailed(ctx, kind)
	logger.FromContext(ctx, w.Logger).WarnContext(ctx, "housekeeping write failed",
		"kind", kind,
		"event_type", string(rec.Type),
		"program_id", rec.ProgramID,
		"request_id", rec.RequestID,
		"error", err,
	)
}

func (w Writer) now() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now()
}
