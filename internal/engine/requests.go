package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
	"reqflow/internal/events"
	"reqflow/internal/repo"
)

// RequestCreateOptions are parameters for creating a request.
type RequestCreateOptions struct {
	ProgramID string
	Title     string
	Fields    map[string]any
}

// CreateRequest opens a draft request. Any active member of the program,
// or an admin, may create one.
func (e Engine) CreateRequest(ctx context.Context, p domain.Principal, opts RequestCreateOptions) (domain.Request, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, opts.ProgramID); err != nil {
		return domain.Request{}, e.denied(ctx, err)
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.Request{}, ValidationError{Field: "title", Reason: "is required"}
	}
	prog, err := e.Repo.GetProgram(ctx, opts.ProgramID)
	if err != nil {
		return domain.Request{}, err
	}
	if !prog.IsActive {
		return domain.Request{}, ConflictError{Reason: "program is not active"}
	}
	now := repo.Timestamp(e.now())
	req := domain.Request{
		ID:        domain.NewID(),
		ProgramID: prog.ID,
		Title:     title,
		Status:    domain.StatusDraft,
		CreatedBy: p.ID,
		Fields:    opts.Fields,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRequest(ctx, tx, req); err != nil {
		return domain.Request{}, fmt.Errorf("insert request: %w", err)
	}
	e.writer().Append(ctx, tx, events.Record{
		Type:       domain.EventRequestCreated,
		ProgramID:  req.ProgramID,
		RequestID:  req.ID,
		EntityType: "request",
		EntityID:   req.ID,
		Actor:      p,
		After:      map[string]any{"status": string(req.Status), "title": req.Title},
		Data:       map[string]any{"title": req.Title, "status": string(req.Status), "fields": req.Fields},
	})
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return req, nil
}

// GetRequest returns a request after checking program access.
func (e Engine) GetRequest(ctx context.Context, p domain.Principal, requestID string) (domain.Request, error) {
	if err := requireID("request_id", requestID); err != nil {
		return domain.Request{}, err
	}
	req, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if _, err := e.Guard.CheckProgramAccess(ctx, p, req.ProgramID); err != nil {
		return domain.Request{}, e.denied(ctx, err)
	}
	return req, nil
}

func (e Engine) ListRequests(ctx context.Context, p domain.Principal, f repo.RequestFilters) ([]domain.Request, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, f.ProgramID); err != nil {
		return nil, e.denied(ctx, err)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", f.Status)}
	}
	return e.Repo.ListRequests(ctx, f)
}

// RequestUpdateOptions changes descriptive data. A nil value in Fields
// removes the key.
type RequestUpdateOptions struct {
	RequestID       string
	Title           *string
	Fields          map[string]any
	ExpectedVersion int
}

// UpdateRequest edits title and fields. Managers and team members may edit
// any open request; clients only their own drafts and rejected requests.
func (e Engine) UpdateRequest(ctx context.Context, p domain.Principal, opts RequestUpdateOptions) (domain.Request, error) {
	if err := requireID("request_id", opts.RequestID); err != nil {
		return domain.Request{}, err
	}
	cur, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return domain.Request{}, err
	}
	m, err := e.Guard.CheckProgramAccess(ctx, p, cur.ProgramID)
	if err != nil {
		return domain.Request{}, e.denied(ctx, err)
	}
	if m.Role == domain.RoleClient {
		if cur.CreatedBy != p.ID {
			return domain.Request{}, e.denied(ctx, auth.ForbiddenError{Code: auth.CodeNotRequestOwner, Reason: "only the creator can edit this request"})
		}
		if cur.Status != domain.StatusDraft && cur.Status != domain.StatusRejected {
			return domain.Request{}, e.denied(ctx, auth.ForbiddenError{Code: auth.CodeInsufficientRole, Reason: "insufficient program permissions"})
		}
	}
	if cur.Status == domain.StatusCompleted {
		return domain.Request{}, ConflictError{Reason: "completed requests are read-only"}
	}
	if opts.ExpectedVersion > 0 && opts.ExpectedVersion != cur.Version {
		return domain.Request{}, ConflictError{Reason: fmt.Sprintf("request is at version %d, expected %d", cur.Version, opts.ExpectedVersion)}
	}

	next := cur
	before := map[string]any{}
	after := map[string]any{}
	if opts.Title != nil {
		title := strings.TrimSpace(*opts.Title)
		if title == "" {
			return domain.Request{}, ValidationError{Field: "title", Reason: "must not be empty"}
		}
		if title != cur.Title {
			before["title"], after["title"] = cur.Title, title
			next.Title = title
		}
	}
	if len(opts.Fields) > 0 {
		merged := map[string]any{}
		for k, v := range cur.Fields {
			merged[k] = v
		}
		for k, v := range opts.Fields {
			old, had := cur.Fields[k]
			if v == nil {
				if had {
					before[k], after[k] = old, nil
					delete(merged, k)
				}
				continue
			}
			if !had || !reflect.DeepEqual(old, v) {
				if had {
					before[k] = old
				}
				after[k] = v
				merged[k] = v
			}
		}
		next.Fields = merged
	}
	if len(after) == 0 {
		return domain.Request{}, nil
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	next.UpdatedAt = repo.Timestamp(e.now())
	if err := e.Repo.UpdateRequestDetails(ctx, tx, next, cur.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Request{}, ConflictError{Reason: "request was modified concurrently; reload and retry"}
		}
		return domain.Request{}, err
	}
	next.Version = cur.Version + 1
	e.writer().Append(ctx, tx, events.Record{
		Type:       domain.EventRequestUpdated,
		ProgramID:  cur.ProgramID,
		RequestID:  cur.ID,
		EntityType: "request",
		EntityID:   cur.ID,
		Actor:      p,
		Before:     before,
		After:      after,
		Data:       map[string]any{"changes": after},
	})
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return next, nil
}

// AssignRequest sets or clears the assignee. Program managers and admins
// only; the assignee must be an active manager or team member.
func (e Engine) AssignRequest(ctx context.Context, p domain.Principal, requestID, assigneeID string) (domain.Request, error) {
	if err := requireID("request_id", requestID); err != nil {
		return domain.Request{}, err
	}
	if assigneeID != "" {
		if err := requireID("assignee_id", assigneeID); err != nil {
			return domain.Request{}, err
		}
	}
	cur, err := e.Repo.GetRequest(ctx, requestID)
	if err != nil {
		return domain.Request{}, err
	}
	if _, err := e.Guard.CheckProgramAccess(ctx, p, cur.ProgramID, domain.RoleManager); err != nil {
		return domain.Request{}, e.denied(ctx, err)
	}
	if cur.Status == domain.StatusCompleted {
		return domain.Request{}, ConflictError{Reason: "completed requests are read-only"}
	}
	if assigneeID != "" {
		am, err := e.Repo.ActiveMembership(ctx, assigneeID, cur.ProgramID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Request{}, ValidationError{Field: "assignee_id", Reason: "is not an active member of the program"}
			}
			return domain.Request{}, err
		}
		if am.Role == domain.RoleClient {
			return domain.Request{}, ValidationError{Field: "assignee_id", Reason: "clients cannot be assigned requests"}
		}
	}
	prev := ""
	if cur.AssignedTo != nil {
		prev = *cur.AssignedTo
	}
	if prev == assigneeID {
		return domain.Request{}, nil
	}

	next := cur
	next.AssignedTo = nil
	if assigneeID != "" {
		next.AssignedTo = &assigneeID
	}
	next.UpdatedAt = repo.Timestamp(e.now())
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Request{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRequestDetails(ctx, tx, next, cur.Version); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			return domain.Request{}, ConflictError{Reason: "request was modified concurrently; reload and retry"}
		}
		return domain.Request{}, err
	}
	next.Version = cur.Version + 1
	e.writer().Append(ctx, tx, events.Record{
		Type:       domain.EventRequestAssigned,
		ProgramID:  cur.ProgramID,
		RequestID:  cur.ID,
		EntityType: "request",
		EntityID:   cur.ID,
		Actor:      p,
		Before:     map[string]any{"assigned_to": prev},
		After:      map[string]any{"assigned_to": assigneeID},
		Data:       map[string]any{"assignedTo": assigneeID, "previousAssignee": prev},
	})
	if err := tx.Commit(); err != nil {
		return domain.Request{}, err
	}
	return next, nil
}

// EmitOptions describe an event produced by a collaborating service
// (comments, attachments, reports) about a request.
type EmitOptions struct {
	RequestID string
	Type      domain.EventType
	Data      map[string]any
}

var collaboratorEvents = map[domain.EventType]bool{
	domain.EventCommentAdded:       true,
	domain.EventCommentDeleted:     true,
	domain.EventAttachmentUploaded: true,
	domain.EventAttachmentDeleted:  true,
	domain.EventReportRequested:    true,
}

// Emit records a collaborator event through the same audit and outbox path
// as lifecycle mutations. Request lifecycle events are reserved.
func (e Engine) Emit(ctx context.Context, p domain.Principal, opts EmitOptions) (events.Result, error) {
	if err := requireID("request_id", opts.RequestID); err != nil {
		return events.Result{}, err
	}
	if !collaboratorEvents[opts.Type] {
		return events.Result{}, ValidationError{Field: "event_type", Reason: fmt.Sprintf("%q cannot be emitted by collaborators", opts.Type)}
	}
	req, err := e.Repo.GetRequest(ctx, opts.RequestID)
	if err != nil {
		return events.Result{}, err
	}
	if _, err := e.Guard.CheckProgramAccess(ctx, p, req.ProgramID); err != nil {
		return events.Result{}, e.denied(ctx, err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return events.Result{}, err
	}
	defer tx.Rollback()
	res := e.writer().Append(ctx, tx, events.Record{
		Type:       opts.Type,
		ProgramID:  req.ProgramID,
		RequestID:  req.ID,
		EntityType: "request",
		EntityID:   req.ID,
		Actor:      p,
		Metadata:   opts.Data,
		Data:       opts.Data,
	})
	if err := tx.Commit(); err != nil {
		return events.Result{}, err
	}
	return res, nil
}
