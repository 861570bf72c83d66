package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reqflow/internal/config"
	"reqflow/internal/db"
	"reqflow/internal/domain"
	"reqflow/internal/engine"
	"reqflow/internal/engine/auth"
	"reqflow/internal/logger"
	"reqflow/internal/migrate"
	"reqflow/internal/repo"
)

type testEnv struct {
	Engine  engine.Engine
	Ctx     context.Context
	Program domain.Program
	Admin   domain.Principal
	Manager domain.Principal
	Member  domain.Principal
	Client  domain.Principal
	Other   domain.Principal
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	if err := migrate.Migrate(ctx, conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Logger = logger.Discard()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tick := 0
	eng.Now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}

	env := testEnv{
		Engine:  eng,
		Ctx:     ctx,
		Admin:   domain.Principal{ID: domain.NewID(), Name: "Ada Admin", Role: domain.RoleAdmin},
		Manager: domain.Principal{ID: domain.NewID(), Name: "Max Manager", Role: domain.RoleManager},
		Member:  domain.Principal{ID: domain.NewID(), Name: "Tess Team", Role: domain.RoleTeamMember},
		Client:  domain.Principal{ID: domain.NewID(), Name: "Cleo Client", Role: domain.RoleClient},
		Other:   domain.Principal{ID: domain.NewID(), Name: "Otto Other", Role: domain.RoleClient},
	}
	env.Program, err = eng.CreateProgram(ctx, env.Admin, "Procurement", "hardware requests")
	if err != nil {
		t.Fatalf("create program: %v", err)
	}
	for _, grant := range []struct {
		p    domain.Principal
		role domain.Role
	}{
		{env.Manager, domain.RoleManager},
		{env.Member, domain.RoleTeamMember},
		{env.Client, domain.RoleClient},
		{env.Other, domain.RoleClient},
	} {
		if _, err := eng.GrantMembership(ctx, env.Admin, env.Program.ID, grant.p.ID, grant.role); err != nil {
			t.Fatalf("grant %s: %v", grant.role, err)
		}
	}
	return env
}

func (env testEnv) newRequest(t *testing.T, by domain.Principal) domain.Request {
	t.Helper()
	req, err := env.Engine.CreateRequest(env.Ctx, by, engine.RequestCreateOptions{
		ProgramID: env.Program.ID,
		Title:     "New laptop",
		Fields:    map[string]any{"cost": 1800.0},
	})
	require.NoError(t, err)
	return req
}

func (env testEnv) move(t *testing.T, p domain.Principal, id string, to domain.Status) domain.Request {
	t.Helper()
	req, err := env.Engine.Transition(env.Ctx, p, engine.TransitionOptions{RequestID: id, To: to})
	require.NoError(t, err)
	require.Equal(t, to, req.Status)
	return req
}

func (env testEnv) counts(t *testing.T, requestID string) (audit, outbox int) {
	t.Helper()
	a, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{RequestID: requestID})
	require.NoError(t, err)
	o, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: requestID})
	require.NoError(t, err)
	return len(a), len(o)
}

func TestFullLifecycle(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	assert.Equal(t, domain.StatusDraft, req.Status)
	assert.Equal(t, 1, req.Version)

	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	env.move(t, env.Manager, req.ID, domain.StatusInReview)
	env.move(t, env.Manager, req.ID, domain.StatusApproved)
	done := env.move(t, env.Admin, req.ID, domain.StatusCompleted)
	assert.Equal(t, 5, done.Version)

	stored, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)

	audit, outbox := env.counts(t, req.ID)
	assert.Equal(t, 5, audit)
	assert.Equal(t, 5, outbox)
}

func TestManagerMovesSubmittedToInReview(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	auditBefore, outboxBefore := env.counts(t, req.ID)

	env.move(t, env.Manager, req.ID, domain.StatusInReview)

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{RequestID: req.ID, Action: string(domain.EventRequestStatusChanged)})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	latest := entries[0]
	assert.Equal(t, "submitted", latest.Before["status"])
	assert.Equal(t, "in_review", latest.After["status"])
	assert.Equal(t, env.Manager.ID, latest.PerformedBy)

	events, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: req.ID, Status: domain.OutboxPending})
	require.NoError(t, err)
	var changed []domain.OutboxEvent
	for _, ev := range events {
		if ev.EventType == domain.EventRequestStatusChanged {
			changed = append(changed, ev)
		}
	}
	require.Len(t, changed, 2)

	var payload domain.EventPayload
	require.NoError(t, json.Unmarshal(changed[0].Payload, &payload))
	assert.Equal(t, changed[0].ID, payload.EventID)
	assert.Equal(t, env.Program.ID, payload.ProgramID)
	assert.Equal(t, req.ID, payload.RequestID)
	assert.Equal(t, env.Manager.ID, payload.PerformedBy.UserID)
	assert.Equal(t, "Max Manager", payload.PerformedBy.Name)
	assert.NotEmpty(t, payload.Timestamp)

	auditAfter, outboxAfter := env.counts(t, req.ID)
	assert.Equal(t, auditBefore+1, auditAfter)
	assert.Equal(t, outboxBefore+1, outboxAfter)
}

func TestTeamMemberCannotReview(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	auditBefore, outboxBefore := env.counts(t, req.ID)

	got, err := env.Engine.Transition(env.Ctx, env.Member, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusInReview})
	require.Error(t, err)
	assert.True(t, auth.IsForbidden(err, auth.CodeRoleForbidden))
	assert.Equal(t, domain.Request{}, got)

	auditAfter, outboxAfter := env.counts(t, req.ID)
	assert.Equal(t, auditBefore, auditAfter)
	assert.Equal(t, outboxBefore, outboxAfter)
	stored, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, stored.Status)
}

func TestRepeatedTransitionConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)

	_, err := env.Engine.Transition(env.Ctx, env.Client, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	var ce engine.ConflictError
	assert.True(t, errors.As(err, &ce))
}

func TestStaleVersionConflicts(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)

	_, err := env.Engine.Transition(env.Ctx, env.Manager, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusInReview, ExpectedVersion: 1})
	var ce engine.ConflictError
	assert.True(t, errors.As(err, &ce))

	_, err = env.Engine.Transition(env.Ctx, env.Manager, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusInReview, ExpectedVersion: 2})
	assert.NoError(t, err)
}

func TestInvalidEdgeIsForbidden(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	_, err := env.Engine.Transition(env.Ctx, env.Admin, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusApproved})
	assert.True(t, auth.IsForbidden(err, auth.CodeInvalidTransition))
}

func TestClientMustOwnResubmission(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	env.move(t, env.Manager, req.ID, domain.StatusRejected)

	_, err := env.Engine.Transition(env.Ctx, env.Other, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	assert.True(t, auth.IsForbidden(err, auth.CodeNotRequestOwner))

	allowed, err := env.Engine.AllowedTransitions(env.Ctx, env.Other, req.ID)
	require.NoError(t, err)
	assert.Empty(t, allowed)

	allowed, err = env.Engine.AllowedTransitions(env.Ctx, env.Client, req.ID)
	require.NoError(t, err)
	assert.Equal(t, []domain.Status{domain.StatusSubmitted}, allowed)

	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
}

func TestTeamMemberMaySubmitOthersDraft(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Member, req.ID, domain.StatusSubmitted)
}

func TestAdminWithoutMembership(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	env.move(t, env.Admin, req.ID, domain.StatusInReview)

	bare, err := env.Engine.CreateProgram(env.Ctx, env.Admin, "Empty", "")
	require.NoError(t, err)
	m, err := env.Engine.CheckAccess(env.Ctx, env.Admin, bare.ID, domain.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleAdmin, m.Role)
}

func TestOutsiderHasNoAccess(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	outsider := domain.Principal{ID: domain.NewID(), Role: domain.RoleManager}

	_, err := env.Engine.Transition(env.Ctx, outsider, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	assert.True(t, auth.IsForbidden(err, auth.CodeProgramAccessDenied))
	_, err = env.Engine.GetRequest(env.Ctx, outsider, req.ID)
	assert.True(t, auth.IsForbidden(err, auth.CodeProgramAccessDenied))
}

func TestRevokedMemberLosesAccess(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	_, err := env.Engine.RevokeMembership(env.Ctx, env.Admin, env.Program.ID, env.Client.ID)
	require.NoError(t, err)
	_, err = env.Engine.Transition(env.Ctx, env.Client, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	assert.True(t, auth.IsForbidden(err, auth.CodeProgramAccessDenied))
}

func TestValidationAndNotFound(t *testing.T) {
	env := newTestEnv(t)
	var ve engine.ValidationError

	_, err := env.Engine.Transition(env.Ctx, env.Manager, engine.TransitionOptions{RequestID: "nope", To: domain.StatusSubmitted})
	assert.True(t, errors.As(err, &ve))

	req := env.newRequest(t, env.Client)
	_, err = env.Engine.Transition(env.Ctx, env.Manager, engine.TransitionOptions{RequestID: req.ID, To: "archived"})
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.Transition(env.Ctx, env.Manager, engine.TransitionOptions{RequestID: domain.NewID(), To: domain.StatusSubmitted})
	assert.True(t, errors.Is(err, repo.ErrNotFound))

	_, err = env.Engine.CreateRequest(env.Ctx, env.Client, engine.RequestCreateOptions{ProgramID: env.Program.ID, Title: "  "})
	assert.True(t, errors.As(err, &ve))
}

func TestAuditFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	_, outboxBefore := env.counts(t, req.ID)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE audit_log`)
	require.NoError(t, err)

	got, err := env.Engine.Transition(env.Ctx, env.Client, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)

	stored, err := env.Engine.Repo.GetRequest(env.Ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, stored.Status)

	outbox, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: req.ID})
	require.NoError(t, err)
	assert.Len(t, outbox, outboxBefore+1, "outbox write survives a failed audit write")
}

func TestOutboxFailureDoesNotFailTransition(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)

	_, err := env.Engine.DB.ExecContext(env.Ctx, `DROP TABLE outbox_events`)
	require.NoError(t, err)

	got, err := env.Engine.Transition(env.Ctx, env.Client, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSubmitted, got.Status)

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{RequestID: req.ID, Action: string(domain.EventRequestStatusChanged)})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestUpdateAndAssign(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)

	title := "New laptop (16GB)"
	updated, err := env.Engine.UpdateRequest(env.Ctx, env.Client, engine.RequestUpdateOptions{
		RequestID: req.ID,
		Title:     &title,
		Fields:    map[string]any{"cost": 2100.0, "vendor": "acme"},
	})
	require.NoError(t, err)
	assert.Equal(t, title, updated.Title)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "acme", updated.Fields["vendor"])

	_, err = env.Engine.UpdateRequest(env.Ctx, env.Other, engine.RequestUpdateOptions{RequestID: req.ID, Fields: map[string]any{"cost": 1.0}})
	assert.True(t, auth.IsForbidden(err, auth.CodeNotRequestOwner))

	_, err = env.Engine.AssignRequest(env.Ctx, env.Member, req.ID, env.Member.ID)
	assert.True(t, auth.IsForbidden(err, auth.CodeInsufficientRole))

	_, err = env.Engine.AssignRequest(env.Ctx, env.Manager, req.ID, env.Client.ID)
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	assigned, err := env.Engine.AssignRequest(env.Ctx, env.Manager, req.ID, env.Member.ID)
	require.NoError(t, err)
	require.NotNil(t, assigned.AssignedTo)
	assert.Equal(t, env.Member.ID, *assigned.AssignedTo)

	outbox, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: req.ID})
	require.NoError(t, err)
	types := map[domain.EventType]int{}
	for _, ev := range outbox {
		types[ev.EventType]++
	}
	assert.Equal(t, 1, types[domain.EventRequestCreated])
	assert.Equal(t, 1, types[domain.EventRequestUpdated])
	assert.Equal(t, 1, types[domain.EventRequestAssigned])
}

func TestEmitCollaboratorEvent(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)

	res, err := env.Engine.Emit(env.Ctx, env.Member, engine.EmitOptions{RequestID: req.ID, Type: domain.EventCommentAdded, Data: map[string]any{"commentId": "c1"}})
	require.NoError(t, err)
	assert.NotEmpty(t, res.OutboxID)

	_, err = env.Engine.Emit(env.Ctx, env.Member, engine.EmitOptions{RequestID: req.ID, Type: domain.EventRequestStatusChanged})
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestMembershipAdministration(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.Engine.GrantMembership(env.Ctx, env.Manager, env.Program.ID, domain.NewID(), domain.RoleClient)
	assert.True(t, auth.IsForbidden(err, auth.CodeAdminRequired))

	_, err = env.Engine.GrantMembership(env.Ctx, env.Admin, env.Program.ID, domain.NewID(), domain.RoleAdmin)
	var ve engine.ValidationError
	assert.True(t, errors.As(err, &ve))

	_, err = env.Engine.GrantMembership(env.Ctx, env.Admin, env.Program.ID, env.Client.ID, domain.RoleManager)
	require.NoError(t, err)
	m, err := env.Engine.CheckAccess(env.Ctx, env.Client, env.Program.ID, domain.RoleManager)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleManager, m.Role)

	members, err := env.Engine.ListMembers(env.Ctx, env.Manager, env.Program.ID, false)
	require.NoError(t, err)
	assert.Len(t, members, 4)

	_, err = env.Engine.ListMembers(env.Ctx, env.Other, env.Program.ID, false)
	assert.True(t, auth.IsForbidden(err, auth.CodeInsufficientRole))
}

func TestRequeueOutboxRequiresFailedEvent(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	outbox, err := env.Engine.Repo.ListOutbox(env.Ctx, repo.OutboxFilters{RequestID: req.ID})
	require.NoError(t, err)
	require.Len(t, outbox, 1)
	ev := outbox[0]

	_, err = env.Engine.RequeueOutbox(env.Ctx, env.Admin, ev.ID)
	var ce engine.ConflictError
	assert.True(t, errors.As(err, &ce), "pending events cannot be requeued")

	require.NoError(t, env.Engine.Repo.MarkOutboxFailed(env.Ctx, ev.ID, 1, "consumer down"))
	_, err = env.Engine.RequeueOutbox(env.Ctx, env.Manager, ev.ID)
	assert.True(t, auth.IsForbidden(err, auth.CodeAdminRequired))

	got, err := env.Engine.RequeueOutbox(env.Ctx, env.Admin, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OutboxPending, got.Status)
	assert.Equal(t, 0, got.RetryCount)
}

func TestSummaryAndMemberships(t *testing.T) {
	env := newTestEnv(t)
	first := env.newRequest(t, env.Client)
	env.newRequest(t, env.Client)
	env.move(t, env.Client, first.ID, domain.StatusSubmitted)

	sum, err := env.Engine.Summary(env.Ctx, env.Manager, env.Program.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Requests[domain.StatusDraft])
	assert.Equal(t, 1, sum.Requests[domain.StatusSubmitted])
	assert.Equal(t, 3, sum.Outbox[domain.OutboxPending])

	_, err = env.Engine.Summary(env.Ctx, env.Member, env.Program.ID)
	assert.True(t, auth.IsForbidden(err, auth.CodeInsufficientRole))

	mine, err := env.Engine.Memberships(env.Ctx, env.Client)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, env.Program.ID, mine[0].ProgramID)
	assert.Equal(t, domain.RoleClient, mine[0].Role)

	none, err := env.Engine.Memberships(env.Ctx, env.Admin)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAuditKeepsCommitOrderWithinOneInstant(t *testing.T) {
	env := newTestEnv(t)
	frozen := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return frozen }

	req := env.newRequest(t, env.Client)
	env.move(t, env.Client, req.ID, domain.StatusSubmitted)
	env.move(t, env.Manager, req.ID, domain.StatusInReview)
	env.move(t, env.Manager, req.ID, domain.StatusApproved)
	env.move(t, env.Admin, req.ID, domain.StatusCompleted)

	entries, err := env.Engine.Repo.ListAudit(env.Ctx, repo.AuditFilters{RequestID: req.ID})
	require.NoError(t, err)
	require.Len(t, entries, 5)
	want := []domain.Status{domain.StatusCompleted, domain.StatusApproved, domain.StatusInReview, domain.StatusSubmitted, domain.StatusDraft}
	for i, status := range want {
		assert.Equal(t, string(status), entries[i].After["status"], "entry %d", i)
	}

	due, err := env.Engine.Repo.DueOutbox(env.Ctx, repo.Timestamp(frozen), 10)
	require.NoError(t, err)
	require.Len(t, due, 5)
	assert.Equal(t, domain.EventRequestCreated, due[0].EventType)
	for i := 1; i < len(due); i++ {
		var payload domain.EventPayload
		require.NoError(t, json.Unmarshal(due[i].Payload, &payload))
		assert.Equal(t, string(want[len(want)-1-i]), payload.Data["to"], "event %d", i)
	}
}

func TestRefusedCallsReturnNoRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.newRequest(t, env.Client)
	outsider := domain.Principal{ID: domain.NewID(), Role: domain.RoleManager}
	title := "Desk"

	got, err := env.Engine.Transition(env.Ctx, outsider, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted})
	require.Error(t, err)
	assert.Equal(t, domain.Request{}, got)

	got, err = env.Engine.Transition(env.Ctx, env.Client, engine.TransitionOptions{RequestID: req.ID, To: domain.StatusSubmitted, ExpectedVersion: 9})
	require.Error(t, err)
	assert.Equal(t, domain.Request{}, got)

	got, err = env.Engine.UpdateRequest(env.Ctx, env.Other, engine.RequestUpdateOptions{RequestID: req.ID, Title: &title})
	assert.True(t, auth.IsForbidden(err, auth.CodeNotRequestOwner))
	assert.Equal(t, domain.Request{}, got)

	got, err = env.Engine.AssignRequest(env.Ctx, env.Member, req.ID, env.Member.ID)
	require.Error(t, err)
	assert.Equal(t, domain.Request{}, got)
}
