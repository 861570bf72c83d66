package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"reqflow/internal/domain"
	"reqflow/internal/engine"
	"reqflow/internal/repo"
)

type requestPath struct {
	RequestID string `path:"request_id"`
}

func requestKey(r domain.Request) (string, string) { return r.CreatedAt, r.ID }

func (h handlers) registerRequests(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/requests",
		Summary:       "Create a draft request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProgramID string               `path:"program_id"`
		Body      CreateRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.CreateRequest(ctx, p, engine.RequestCreateOptions{
			ProgramID: input.ProgramID,
			Title:     input.Body.Title,
			Fields:    input.Body.Fields,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/requests",
		Summary:     "List requests of a program, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID  string `path:"program_id"`
		Status     string `query:"status"`
		CreatedBy  string `query:"created_by"`
		AssignedTo string `query:"assigned_to"`
		Limit      int    `query:"limit"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body RequestListResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		limit := normalizeLimit(input.Limit)
		items, err := h.e.ListRequests(ctx, p, repo.RequestFilters{
			ProgramID:       input.ProgramID,
			Status:          domain.Status(input.Status),
			CreatedBy:       input.CreatedBy,
			AssignedTo:      input.AssignedTo,
			Limit:           limit + 1,
			CursorCreatedAt: ts,
			CursorID:        id,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		items, next := page(items, limit, requestKey)
		return &struct {
			Body RequestListResponse `json:"body"`
		}{Body: RequestListResponse{Items: items, NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get request",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.GetRequest(ctx, p, input.RequestID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-request",
		Method:      http.MethodPatch,
		Path:        "/requests/{request_id}",
		Summary:     "Edit title and fields",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string               `path:"request_id"`
		Body      UpdateRequestRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.UpdateRequest(ctx, p, engine.RequestUpdateOptions{
			RequestID:       input.RequestID,
			Title:           input.Body.Title,
			Fields:          input.Body.Fields,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/transition",
		Summary:     "Move a request to another status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string            `path:"request_id"`
		Body      TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.Transition(ctx, p, engine.TransitionOptions{
			RequestID:       input.RequestID,
			To:              input.Body.To,
			ExpectedVersion: input.Body.ExpectedVersion,
			Note:            input.Body.Note,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-request-transitions",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}/transitions",
		Summary:     "Statuses the caller may move this request to",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *requestPath) (*struct {
		Body TransitionsResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.GetRequest(ctx, p, input.RequestID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		allowed, err := h.e.AllowedTransitions(ctx, p, input.RequestID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body TransitionsResponse `json:"body"`
		}{Body: TransitionsResponse{RequestID: req.ID, Status: req.Status, Allowed: allowed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "assign-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/assign",
		Summary:     "Assign a request to a program member",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		RequestID string        `path:"request_id"`
		Body      AssignRequest `json:"body"`
	}) (*struct {
		Body domain.Request `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := h.e.AssignRequest(ctx, p, input.RequestID, input.Body.AssigneeID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Request `json:"body"`
		}{Body: req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "emit-request-event",
		Method:        http.MethodPost,
		Path:          "/requests/{request_id}/events",
		Summary:       "Record a comment, attachment or report event",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RequestID string           `path:"request_id"`
		Body      EmitEventRequest `json:"body"`
	}) (*struct {
		Body EmitEventResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := h.e.Emit(ctx, p, engine.EmitOptions{
			RequestID: input.RequestID,
			Type:      input.Body.Type,
			Data:      input.Body.Data,
		})
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body EmitEventResponse `json:"body"`
		}{Body: EmitEventResponse{EventID: res.OutboxID, AuditID: res.AuditID}}, nil
	})
}
