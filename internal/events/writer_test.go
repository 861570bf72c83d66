package events

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqflow/internal/db"
	"reqflow/internal/domain"
	"reqflow/internal/logger"
	"reqflow/internal/migrate"
	"reqflow/internal/repo"
)

func newWriter(t *testing.T, logs *bytes.Buffer) Writer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Writer{
		Repo:   repo.Repo{DB: conn},
		Now:    func() time.Time { return time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC) },
		Logger: logger.NewWith(logs, "debug", "json"),
	}
}

func record() Record {
	return Record{
		Type:       domain.EventRequestCreated,
		ProgramID:  domain.NewID(),
		RequestID:  domain.NewID(),
		EntityType: "request",
		Actor:      domain.Principal{ID: domain.NewID(), Name: "Rae"},
		After:      map[string]any{"status": "draft"},
		Data:       map[string]any{"title": "Chair"},
	}
}

func TestAppendWritesAuditAndOutbox(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	w := newWriter(t, &logs)
	rec := record()

	tx, err := w.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	res := w.Append(ctx, tx, rec)
	require.NoError(t, tx.Commit())

	assert.NotEmpty(t, res.AuditID)
	require.NotEmpty(t, res.OutboxID)

	ev, err := w.Repo.GetOutbox(ctx, res.OutboxID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, ev.Status)
	assert.Equal(t, DefaultMaxRetries, ev.MaxRetries)

	var payload domain.EventPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, res.OutboxID, payload.EventID)
	assert.Equal(t, domain.EventRequestCreated, payload.EventType)
	assert.Equal(t, "Rae", payload.PerformedBy.Name)
	assert.Equal(t, "Chair", payload.Data["title"])

	entries, err := w.Repo.ListAudit(ctx, repo.AuditFilters{RequestID: rec.RequestID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "request.created", entries[0].Action)
	assert.Empty(t, logs.String())
}

func TestAppendAuditOnly(t *testing.T) {
	var logs bytes.Buffer
	w := newWriter(t, &logs)
	rec := record()
	rec.Action = "membership.granted"
	rec.AuditOnly = true
	res := w.Append(context.Background(), nil, rec)
	assert.NotEmpty(t, res.AuditID)
	assert.Empty(t, res.OutboxID)
}

func TestAppendIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	w := newWriter(t, &logs)
	_, err := w.Repo.DB.ExecContext(ctx, `DROP TABLE audit_log`)
	require.NoError(t, err)

	tx, err := w.Repo.DB.BeginTx(ctx, nil)
	require.NoError(t, err)
	_, err = tx.ExecContext(ctx, `INSERT INTO programs(id,name,is_active,created_at) VALUES ('p','Kept',1,'2026-02-01T12:00:00Z')`)
	require.NoError(t, err)
	res := w.Append(ctx, tx, record())
	require.NoError(t, tx.Commit())

	assert.Empty(t, res.AuditID)
	assert.NotEmpty(t, res.OutboxID)
	assert.Contains(t, logs.String(), "housekeeping write failed")
	assert.Contains(t, logs.String(), `"kind":"audit"`)

	var n int
	require.NoError(t, w.Repo.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM programs WHERE id='p'`).Scan(&n))
	assert.Equal(t, 1, n, "the surrounding mutation still commits")
}
