package engine

import (
	"context"
	"fmt"

	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
	"reqflow/internal/events"
	"reqflow/internal/repo"
)

// GrantMembership gives userID role in programID, replacing any active
// membership the user already holds there. Admin only.
func (e Engine) GrantMembership(ctx context.Context, p domain.Principal, programID, userID string, role domain.Role) (domain.Membership, error) {
	if err := auth.RequireAdmin(p); err != nil {
		return domain.Membership{}, e.denied(ctx, err)
	}
	if err := requireID("program_id", programID); err != nil {
		return domain.Membership{}, err
	}
	if err := requireID("user_id", userID); err != nil {
		return domain.Membership{}, err
	}
	if !role.MembershipRole() {
		return domain.Membership{}, ValidationError{Field: "role", Reason: fmt.Sprintf("%q is not a program role", role)}
	}
	if _, err := e.Repo.GetProgram(ctx, programID); err != nil {
		return domain.Membership{}, err
	}
	m := domain.Membership{
		ID:        domain.NewID(),
		UserID:    userID,
		ProgramID: programID,
		Role:      role,
		IsActive:  true,
		GrantedBy: p.ID,
		CreatedAt: repo.Timestamp(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	prev, prevErr := e.Repo.ActiveMembershipTx(ctx, tx, userID, programID)
	if err := e.Repo.GrantMembership(ctx, tx, m); err != nil {
		return domain.Membership{}, fmt.Errorf("grant membership: %w", err)
	}
	rec := events.Record{
		Action:     "membership.granted",
		ProgramID:  programID,
		EntityType: "membership",
		EntityID:   m.ID,
		Actor:      p,
		After:      map[string]any{"user_id": userID, "role": string(role)},
		AuditOnly:  true,
	}
	if prevErr == nil {
		rec.Before = map[string]any{"user_id": userID, "role": string(prev.Role)}
	}
	e.writer().Append(ctx, tx, rec)
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	return m, nil
}

// RevokeMembership deactivates the active membership of userID. Admin only.
func (e Engine) RevokeMembership(ctx context.Context, p domain.Principal, programID, userID string) (domain.Membership, error) {
	if err := auth.RequireAdmin(p); err != nil {
		return domain.Membership{}, e.denied(ctx, err)
	}
	if err := requireID("program_id", programID); err != nil {
		return domain.Membership{}, err
	}
	if err := requireID("user_id", userID); err != nil {
		return domain.Membership{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Membership{}, err
	}
	defer tx.Rollback()
	now := repo.Timestamp(e.now())
	prev, err := e.Repo.DeactivateMembership(ctx, tx, userID, programID, now)
	if err != nil {
		return domain.Membership{}, err
	}
	e.writer().Append(ctx, tx, events.Record{
		Action:     "membership.revoked",
		ProgramID:  programID,
		EntityType: "membership",
		EntityID:   prev.ID,
		Actor:      p,
		Before:     map[string]any{"user_id": userID, "role": string(prev.Role)},
		AuditOnly:  true,
	})
	if err := tx.Commit(); err != nil {
		return domain.Membership{}, err
	}
	prev.IsActive = false
	prev.DeactivatedAt = &now
	return prev, nil
}

// ListMembers is visible to program managers and admins.
func (e Engine) ListMembers(ctx context.Context, p domain.Principal, programID string, includeInactive bool) ([]domain.Membership, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, programID, domain.RoleManager); err != nil {
		return nil, e.denied(ctx, err)
	}
	return e.Repo.ListMemberships(ctx, programID, includeInactive)
}

// Memberships lists the active program memberships of p itself.
func (e Engine) Memberships(ctx context.Context, p domain.Principal) ([]domain.Membership, error) {
	if err := requireID("user_id", p.ID); err != nil {
		return nil, err
	}
	items, err := e.Repo.ListUserMemberships(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []domain.Membership{}
	}
	return items, nil
}

// ProgramSummary counts requests and outbound events of a program.
type ProgramSummary struct {
	ProgramID string                      `json:"program_id"`
	Requests  map[domain.Status]int       `json:"requests"`
	Outbox    map[domain.OutboxStatus]int `json:"outbox"`
}

// Summary is visible to program managers and admins.
func (e Engine) Summary(ctx context.Context, p domain.Principal, programID string) (ProgramSummary, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, programID, domain.RoleManager); err != nil {
		return ProgramSummary{}, e.denied(ctx, err)
	}
	reqs, err := e.Repo.CountRequestsByStatus(ctx, programID)
	if err != nil {
		return ProgramSummary{}, err
	}
	out, err := e.Repo.CountOutboxByStatus(ctx, programID)
	if err != nil {
		return ProgramSummary{}, err
	}
	return ProgramSummary{ProgramID: programID, Requests: reqs, Outbox: out}, nil
}

// ListAudit reads the audit trail of a program. Managers and admins only.
func (e Engine) ListAudit(ctx context.Context, p domain.Principal, f repo.AuditFilters) ([]domain.AuditEntry, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, f.ProgramID, domain.RoleManager); err != nil {
		return nil, e.denied(ctx, err)
	}
	return e.Repo.ListAudit(ctx, f)
}

// ListOutbox shows queued and delivered events of a program. Managers and
// admins only.
func (e Engine) ListOutbox(ctx context.Context, p domain.Principal, f repo.OutboxFilters) ([]domain.OutboxEvent, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, f.ProgramID, domain.RoleManager); err != nil {
		return nil, e.denied(ctx, err)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown outbox status %q", f.Status)}
	}
	return e.Repo.ListOutbox(ctx, f)
}

// RequeueOutbox hands a failed event back to the dispatcher with a fresh
// retry budget. Admin only.
func (e Engine) RequeueOutbox(ctx context.Context, p domain.Principal, eventID string) (domain.OutboxEvent, error) {
	if err := auth.RequireAdmin(p); err != nil {
		return domain.OutboxEvent{}, e.denied(ctx, err)
	}
	if err := requireID("event_id", eventID); err != nil {
		return domain.OutboxEvent{}, err
	}
	ev, err := e.Repo.RequeueOutbox(ctx, eventID)
	if err != nil {
		if isConflict(err) {
			return domain.OutboxEvent{}, ConflictError{Reason: fmt.Sprintf("only failed events can be requeued; event is %s", ev.Status)}
		}
		return domain.OutboxEvent{}, err
	}
	e.writer().Append(ctx, nil, events.Record{
		Action:     "outbox.requeued",
		ProgramID:  ev.ProgramID,
		RequestID:  ev.RequestID,
		EntityType: "outbox_event",
		EntityID:   ev.ID,
		Actor:      p,
		Before:     map[string]any{"status": string(domain.OutboxFailed), "last_error": ev.LastError},
		After:      map[string]any{"status": string(domain.OutboxPending)},
		AuditOnly:  true,
	})
	return ev, nil
}
