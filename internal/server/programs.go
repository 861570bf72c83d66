package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"reqflow/internal/domain"
	"reqflow/internal/engine"
)

type programPath struct {
	ProgramID string `path:"program_id"`
}

func (h handlers) registerPrograms(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-program",
		Method:        http.MethodPost,
		Path:          "/programs",
		Summary:       "Create program",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateProgramRequest `json:"body"`
	}) (*struct {
		Body domain.Program `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := h.e.CreateProgram(ctx, p, input.Body.Name, input.Body.Description)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Program `json:"body"`
		}{Body: prog}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-program",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}",
		Summary:     "Get program",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *programPath) (*struct {
		Body domain.Program `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		prog, err := h.e.GetProgram(ctx, p, input.ProgramID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Program `json:"body"`
		}{Body: prog}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "program-summary",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/summary",
		Summary:     "Count requests and outbound events by status",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *programPath) (*struct {
		Body engine.ProgramSummary `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := h.e.Summary(ctx, p, input.ProgramID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body engine.ProgramSummary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "check-program-access",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/access",
		Summary:     "Resolve the caller's effective program role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *programPath) (*struct {
		Body AccessResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.e.CheckAccess(ctx, p, input.ProgramID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body AccessResponse `json:"body"`
		}{Body: AccessResponse{ProgramID: input.ProgramID, UserID: p.ID, Role: m.Role}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "grant-membership",
		Method:        http.MethodPost,
		Path:          "/programs/{program_id}/members",
		Summary:       "Grant or replace a program membership",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string                 `path:"program_id"`
		Body      GrantMembershipRequest `json:"body"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.e.GrantMembership(ctx, p, input.ProgramID, input.Body.UserID, input.Body.Role)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-membership",
		Method:      http.MethodDelete,
		Path:        "/programs/{program_id}/members/{user_id}",
		Summary:     "Deactivate a program membership",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProgramID string `path:"program_id"`
		UserID    string `path:"user_id"`
	}) (*struct {
		Body domain.Membership `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, err := h.e.RevokeMembership(ctx, p, input.ProgramID, input.UserID)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		return &struct {
			Body domain.Membership `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-memberships",
		Method:      http.MethodGet,
		Path:        "/programs/{program_id}/members",
		Summary:     "List program memberships",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProgramID       string `path:"program_id"`
		IncludeInactive bool   `query:"include_inactive"`
	}) (*struct {
		Body []domain.Membership `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := h.e.ListMembers(ctx, p, input.ProgramID, input.IncludeInactive)
		if err != nil {
			return nil, h.handleError(ctx, err)
		}
		if items == nil {
			items = []domain.Membership{}
		}
		return &struct {
			Body []domain.Membership `json:"body"`
		}{Body: items}, nil
	})
}
