package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"reqflow/internal/domain"
	"reqflow/internal/repo"
)

func (h handlers) registerHousekeeping(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-audit",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/audit",
		Summary:     "Read the program audit trail, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		RequestID string `query:"request_id"`
		ActorID   string `query:"actor_id"`
		Action    string `query:"action"`
		Since     string `query:"since"`
		Until     string `query:"until"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body AuditListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListAudit(ctx, p, repo.AuditFilters{
			ProgramID: input.ProgramID,
			RequestID: input.RequestID,
			ActorID:   input.ActorID,
			Action:    input.Action,
			Since:     input.Since,
			Until:     input.Until,
			Limit:     limit + 1,
			CursorID:  id,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		items, next := page(items, limit, func(a domain.AuditEntry) (string, string) { return a.CreatedAt, a.ID })
		return &struct {
			Body AuditListResponse `json:"body"`
		}{Body: AuditListResponse{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outbox",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/outbox",
		Summary:     "List outbound events of a program",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		Status    string `query:"status"`
		RequestID string `query:"request_id"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body OutboxListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		_, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListOutbox(ctx, p, repo.OutboxFilters{
			ProgramID: input.ProgramID,
			RequestID: input.RequestID,
			Status:    domain.OutboxStatus(input.Status),
			Limit:     limit + 1,
			CursorID:  id,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		items, next := page(items, limit, func(ev domain.OutboxEvent) (string, string) { return ev.CreatedAt, ev.ID })
		return &struct {
			Body OutboxListResponse `json:"body"`
		}{Body: OutboxListResponse{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requeue-outbox-event",
		Method:      http.MethodPost,
		Path:        "/outbox/{event_id}/requeue",
		Summary:     "Return a failed event to pending",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.OutboxEvent `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ev, err := h.e.RequeueOutbox(ctx, p, input.EventID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.OutboxEvent `json:"body"`
		}{Body: ev}, nil
	})
}
