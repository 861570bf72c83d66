package repo

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqflow/internal/db"
	"reqflow/internal/domain"
	"reqflow/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	return Repo{DB: conn}
}

func seedProgram(t *testing.T, r Repo) domain.Program {
	t.Helper()
	p := domain.Program{ID: domain.NewID(), Name: "Intake", IsActive: true, CreatedAt: "2026-01-01T00:00:00Z"}
	require.NoError(t, r.InsertProgram(context.Background(), nil, p))
	return p
}

func TestRequestVersionGuard(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	p := seedProgram(t, r)

	req := domain.Request{
		ID: domain.NewID(), ProgramID: p.ID, Title: "Laptop", Status: domain.StatusDraft,
		CreatedBy: domain.NewID(), Fields: map[string]any{"cost": 1200.0}, Version: 1,
		CreatedAt: "2026-01-01T00:00:00Z", UpdatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertRequest(ctx, nil, req))

	require.NoError(t, r.UpdateRequestStatus(ctx, nil, req.ID, domain.StatusDraft, domain.StatusSubmitted, 1, "2026-01-01T00:01:00Z"))

	err := r.UpdateRequestStatus(ctx, nil, req.ID, domain.StatusDraft, domain.StatusSubmitted, 1, "2026-01-01T00:02:00Z")
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := r.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
	assert.Equal(t, 2, got.Version)
	assert.Equal(t, 1200.0, got.Fields["cost"])

	_, err = r.GetRequest(ctx, domain.NewID())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestListRequestsCursor(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	p := seedProgram(t, r)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ts := Timestamp(base.Add(time.Duration(i) * time.Minute))
		require.NoError(t, r.InsertRequest(ctx, nil, domain.Request{
			ID: domain.NewID(), ProgramID: p.ID, Title: "r", Status: domain.StatusDraft,
			CreatedBy: "u", Version: 1, CreatedAt: ts, UpdatedAt: ts,
		}))
	}
	first, err := r.ListRequests(ctx, RequestFilters{ProgramID: p.ID, Limit: 3})
	require.NoError(t, err)
	require.Len(t, first, 3)
	last := first[len(first)-1]
	rest, err := r.ListRequests(ctx, RequestFilters{ProgramID: p.ID, Limit: 3, CursorCreatedAt: last.CreatedAt, CursorID: last.ID})
	require.NoError(t, err)
	assert.Len(t, rest, 2)
	assert.True(t, rest[0].CreatedAt < last.CreatedAt)
}

func TestGrantMembershipReplacesActive(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	p := seedProgram(t, r)
	user := domain.NewID()

	grant := func(role domain.Role, at string) {
		tx, err := r.DB.BeginTx(ctx, nil)
		require.NoError(t, err)
		defer tx.Rollback()
		require.NoError(t, r.GrantMembership(ctx, tx, domain.Membership{ID: domain.NewID(), UserID: user, ProgramID: p.ID, Role: role, CreatedAt: at}))
		require.NoError(t, tx.Commit())
	}
	grant(domain.RoleClient, "2026-01-01T00:00:00Z")
	grant(domain.RoleManager, "2026-01-02T00:00:00Z")

	m, err := r.ActiveMembership(ctx, user, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, m.Role)

	all, err := r.ListMemberships(ctx, p.ID, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	active, err := r.ListMemberships(ctx, p.ID, false)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	_, err = r.DeactivateMembership(ctx, nil, user, p.ID, "2026-01-03T00:00:00Z")
	require.NoError(t, err)
	_, err = r.ActiveMembership(ctx, user, p.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOutboxLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	ev := domain.OutboxEvent{
		ID: domain.NewID(), EventType: domain.EventRequestCreated, ProgramID: domain.NewID(),
		Payload: []byte(`{"eventType":"request.created"}`), Status: domain.OutboxPending, MaxRetries: 3,
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertOutbox(ctx, nil, ev))

	due, err := r.DueOutbox(ctx, "2026-01-01T00:00:05Z", 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	ok, err := r.ClaimOutbox(ctx, ev.ID, 0, "2026-01-01T00:00:05Z", "2026-01-01T00:01:05Z")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.ClaimOutbox(ctx, ev.ID, 0, "2026-01-01T00:00:06Z", "2026-01-01T00:01:06Z")
	require.NoError(t, err)
	assert.False(t, ok, "live lease must block a second claim")

	require.NoError(t, r.MarkOutboxRetry(ctx, ev.ID, 1, "2026-01-01T00:00:10Z", "boom"))
	due, err = r.DueOutbox(ctx, "2026-01-01T00:00:06Z", 10)
	require.NoError(t, err)
	assert.Empty(t, due)

	require.NoError(t, r.MarkOutboxSent(ctx, ev.ID, 1, "2026-01-01T00:00:11Z"))
	_, err = r.RequeueOutbox(ctx, ev.ID)
	assert.True(t, errors.Is(err, ErrConflict), "sent events never return to pending")
	err = r.MarkOutboxFailed(ctx, ev.ID, 2, "late")
	assert.True(t, errors.Is(err, ErrConflict))

	got, err := r.GetOutbox(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxSent, got.Status)
	require.NotNil(t, got.SentAt)
}

func TestStaleClaimCannotLoseAnAttempt(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	ev := domain.OutboxEvent{
		ID: domain.NewID(), EventType: domain.EventRequestStatusChanged, ProgramID: domain.NewID(),
		Payload: []byte(`{}`), Status: domain.OutboxPending, MaxRetries: 3, CreatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertOutbox(ctx, nil, ev))

	due, err := r.DueOutbox(ctx, "2026-01-01T00:00:05Z", 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	snapshot := due[0]

	ok, err := r.ClaimOutbox(ctx, ev.ID, 0, "2026-01-01T00:00:05Z", "2026-01-01T00:01:05Z")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, r.MarkOutboxRetry(ctx, ev.ID, 1, "2026-01-01T01:00:05Z", "first"))

	ok, err = r.ClaimOutbox(ctx, ev.ID, snapshot.RetryCount, "2026-01-01T00:00:06Z", "2026-01-01T00:01:06Z")
	require.NoError(t, err)
	assert.False(t, ok, "claim from a stale snapshot must fail")

	err = r.MarkOutboxRetry(ctx, ev.ID, snapshot.RetryCount+1, "2026-01-01T00:00:16Z", "second")
	assert.True(t, errors.Is(err, ErrConflict))
	err = r.MarkOutboxSent(ctx, ev.ID, snapshot.RetryCount, "2026-01-01T00:00:07Z")
	assert.True(t, errors.Is(err, ErrConflict))

	ok, err = r.ClaimOutbox(ctx, ev.ID, 1, "2026-01-01T00:30:00Z", "2026-01-01T00:31:00Z")
	require.NoError(t, err)
	assert.False(t, ok, "claim before next_retry_at must fail")

	got, err := r.GetOutbox(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, "first", got.LastError)
	require.NotNil(t, got.NextRetryAt)
	assert.Equal(t, "2026-01-01T01:00:05Z", *got.NextRetryAt)
}

func TestRequeueFailedOutbox(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	ev := domain.OutboxEvent{
		ID: domain.NewID(), EventType: domain.EventRequestStatusChanged, ProgramID: domain.NewID(),
		Payload: []byte(`{}`), Status: domain.OutboxPending, MaxRetries: 3, CreatedAt: "2026-01-01T00:00:00Z",
	}
	require.NoError(t, r.InsertOutbox(ctx, nil, ev))
	require.NoError(t, r.MarkOutboxFailed(ctx, ev.ID, 1, "gone"))

	got, err := r.RequeueOutbox(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Equal(t, "gone", got.LastError)

	_, err = r.RequeueOutbox(ctx, domain.NewID())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAuditFilters(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	prog, req, actor := domain.NewID(), domain.NewID(), domain.NewID()
	for i, action := range []string{"request.created", "request.status_changed", "request.status_changed"} {
		require.NoError(t, r.InsertAudit(ctx, nil, domain.AuditEntry{
			ID: domain.NewID(), Action: action, EntityType: "request", EntityID: req, RequestID: req,
			ProgramID: prog, PerformedBy: actor, After: map[string]any{"i": float64(i)},
			CreatedAt: Timestamp(time.Date(2026, 1, 1, 0, i, 0, 0, time.UTC)),
		}))
	}
	all, err := r.ListAudit(ctx, AuditFilters{ProgramID: prog})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, float64(2), all[0].After["i"])

	changed, err := r.ListAudit(ctx, AuditFilters{ProgramID: prog, Action: "request.status_changed", Since: "2026-01-01T00:02:00Z"})
	require.NoError(t, err)
	assert.Len(t, changed, 1)
}

func TestUpdateRequestStatusConflictWithMock(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE requests SET status=?, version=version+1, updated_at=? WHERE id=? AND status=? AND version=?`)).
		WithArgs(domain.StatusApproved, "now", "req", domain.StatusInReview, 4).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = r.UpdateRequestStatus(context.Background(), nil, "req", domain.StatusInReview, domain.StatusApproved, 4, "now")
	assert.True(t, errors.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimOutboxPropagatesDBError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()
	r := Repo{DB: conn}

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE outbox_events SET lease_until=?`)).
		WillReturnError(errors.New("database is locked"))

	ok, err := r.ClaimOutbox(context.Background(), "ev", 0, "t0", "t1")
	assert.False(t, ok)
	assert.EqualError(t, err, "database is locked")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSameInstantRowsKeepCommitOrder(t *testing.T) {
	ctx := context.Background()
	r := newTestRepo(t)
	prog, req := domain.NewID(), domain.NewID()
	const at = "2026-01-01T00:00:00Z"
	var ids []string
	for i := 0; i < 8; i++ {
		id := domain.NewID()
		ids = append(ids, id)
		require.NoError(t, r.InsertAudit(ctx, nil, domain.AuditEntry{
			ID: id, Action: "request.status_changed", EntityType: "request", EntityID: req, RequestID: req,
			ProgramID: prog, PerformedBy: "u", After: map[string]any{"i": float64(i)}, CreatedAt: at,
		}))
		require.NoError(t, r.InsertOutbox(ctx, nil, domain.OutboxEvent{
			ID: id, EventType: domain.EventRequestStatusChanged, ProgramID: prog, RequestID: req,
			Payload: []byte(`{}`), Status: domain.OutboxPending, MaxRetries: 3, CreatedAt: at,
		}))
	}

	audit, err := r.ListAudit(ctx, AuditFilters{RequestID: req, Limit: 5})
	require.NoError(t, err)
	require.Len(t, audit, 5)
	for i, a := range audit {
		assert.Equal(t, ids[len(ids)-1-i], a.ID)
	}
	rest, err := r.ListAudit(ctx, AuditFilters{RequestID: req, CursorID: audit[4].ID})
	require.NoError(t, err)
	require.Len(t, rest, 3)
	assert.Equal(t, ids[2], rest[0].ID)
	assert.Equal(t, ids[0], rest[2].ID)

	due, err := r.DueOutbox(ctx, at, 10)
	require.NoError(t, err)
	require.Len(t, due, len(ids))
	for i, ev := range due {
		assert.Equal(t, ids[i], ev.ID)
	}
	listed, err := r.ListOutbox(ctx, OutboxFilters{ProgramID: prog, Limit: 2})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, ids[7], listed[0].ID)
	assert.Equal(t, ids[6], listed[1].ID)
}
