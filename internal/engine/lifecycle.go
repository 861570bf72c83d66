package engine

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
	"reqflow/internal/engine/transition"
	"reqflow/internal/events"
	"reqflow/internal/observability"
	"reqflow/internal/repo"
)

// TransitionOptions are parameters for a status change.
type TransitionOptions struct {
	RequestID string
	To        domain.Status

	// ExpectedVersion, when set, must match the stored version.
	ExpectedVersion int
	Note            string
}

// Transition moves a request to opts.To on behalf of p. The status update,
// its audit entry and its outbound event commit together; audit and
// outbox failures are logged without failing the transition.
func (e Engine) Transition(ctx context.Context, p domain.Principal, opts TransitionOptions) (req domain.Request, err error) {
	ctx, span := observability.Tracer().Start(ctx, "engine.Transition", trace.WithAttributes(
		attribute.String("request.id", opts.RequestID),
		attribute.String("request.to", string(opts.To)),
		attribute.String("principal.id", p.ID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := requireID("request_id", opts.RequestID); err != nil {
		return domain.Request{}, err
	}
	if !opts.To.Valid() {
		return domain.Request{}, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.To)}
	}
	cur, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	m, err := e.Guard.CheckProgramAccess(ctx, p, cur.ProgramID)
	if err != nil {
		return domain.Request{}, e.denied(ctx, err)
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != cur.Version {
		return domain.Request{}, ConflictError{Reason: fmt.Sprintf("request is at version %d, expected %d", cur.Version, opts.ExpectedVersion)}
	}
	if cur.Status == opts.To {
		return domain.Request{}, ConflictError{Reason: fmt.Sprintf("request is already %s", cur.Status)}
	}
	if err := transition.Check(cur.Status, opts.To, m.Role); err != nil {
		code := auth.CodeRoleForbidden
		if errors.Is(err, transition.ErrInvalidTransition) {
			code = auth.CodeInvalidTransition
		}
		return domain.Request{}, e.denied(ctx, auth.ForbiddenError{Code: code, Reason: err.Error()})
	}
	if m.Role == domain.RoleClient && transition.RequiresOwnership(cur.Status, opts.To) && cur.CreatedBy != p.ID {
		return domain.Request{}, e.denied(ctx, auth.ForbiddenError{Code: auth.CodeNotRequestOwner, Reason: "only the creator can submit this request"})
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()

	now := repo.Timestamp(e.now())
	if err := e.Repo.UpdateRequestStatus(ctx, tx, cur.ID, cur.Status, opts.To, cur.Version, now); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Request{}, ConflictError{Reason: "request was modified concurrently; reload and retry"}
		}
		return domain.Request{}, err
	}
	next := cur
	next.Status = opts.To
	next.Version = cur.Version + 1
	next.UpdatedAt = now

	data := map[string]any{
		"from":  string(cur.Status),
		"to":    string(opts.To),
		"title": cur.Title,
	}
	meta := map[string]any{"role": string(m.Role)}
	if opts.Note != "" {
		data["note"] = opts.Note
		meta["note"] = opts.Note
	}
	e.writer().Append(ctx, tx, events.Record{
		Type:       domain.EventRequestStatusChanged,
		ProgramID:  cur.ProgramID,
		RequestID:  cur.ID,
		EntityType: "request",
		EntityID:   cur.ID,
		Actor:      p,
		Before:     map[string]any{"status": string(cur.Status)},
		After:      map[string]any{"status": string(opts.To)},
		Metadata:   meta,
		Data:       data,
	})
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	e.Metrics.TransitionApplied(ctx, string(cur.Status), string(opts.To))
	e.log(ctx).InfoContext(ctx, "request transitioned",
		"request_id", cur.ID,
		"program_id", cur.ProgramID,
		"from", cur.Status,
		"to", opts.To,
		"actor", p.ID,
	)
	return next, nil
}

// AllowedTransitions lists the statuses p could move the request to now.
func (e Engine) AllowedTransitions(ctx context.Context, p domain.Principal, requestID string) ([]domain.Status, error) {
	if err := requireID("request_id", requestID); err != nil {
		return nil, err
	}
	cur, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	m, err := e.Guard.CheckProgramAccess(ctx, p, cur.ProgramID)
	if err != nil {
		return nil, e.denied(ctx, err)
	}
	out := []domain.Status{}
	for _, to := range transition.AllowedTargets(cur.Status, m.Role) {
		if m.Role == domain.RoleClient && transition.RequiresOwnership(cur.Status, to) && cur.CreatedBy != p.ID {
			continue
		}
		out = append(out, to)
	}
	return out, nil
}
