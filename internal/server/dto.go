package server

import (
	"reqflow/internal/domain"
)

// Request payloads

type CreateProgramRequest struct {
	Name        string `json:"name" minLength:"1" maxLength:"200"`
	Description string `json:"description,omitempty"`
}

type GrantMembershipRequest struct {
	UserID string      `json:"user_id" pattern:"^[0-9a-f]{24}$"`
	Role   domain.Role `json:"role" enum:"manager,team_member,client"`
}

type CreateRequestRequest struct {
	Title  string         `json:"title" minLength:"1" maxLength:"300"`
	Fields map[string]any `json:"fields,omitempty"`
}

type UpdateRequestRequest struct {
	Title           *string        `json:"title,omitempty"`
	Fields          map[string]any `json:"fields,omitempty"`
	ExpectedVersion int            `json:"expected_version,omitempty" minimum:"0"`
}

type TransitionRequest struct {
	To              domain.Status `json:"to" enum:"draft,submitted,in_review,approved,rejected,completed"`
	ExpectedVersion int           `json:"expected_version,omitempty" minimum:"0"`
	Note            string        `json:"note,omitempty" maxLength:"2000"`
}

type AssignRequest struct {
	AssigneeID string `json:"assignee_id" pattern:"^[0-9a-f]{24}$"`
}

type EmitEventRequest struct {
	Type domain.EventType `json:"type"`
	Data map[string]any   `json:"data,omitempty"`
}

// Response payloads

type MeResponse struct {
	ID          string              `json:"id"`
	Name        string              `json:"name,omitempty"`
	Role        domain.Role         `json:"role"`
	Memberships []domain.Membership `json:"memberships"`
}

type AccessResponse struct {
	ProgramID string      `json:"program_id"`
	UserID    string      `json:"user_id"`
	Role      domain.Role `json:"role"`
}

type RequestListResponse struct {
	Items      []domain.Request `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type AuditListResponse struct {
	Items      []domain.AuditEntry `json:"items"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type OutboxListResponse struct {
	Items      []domain.OutboxEvent `json:"items"`
	NextCursor string               `json:"next_cursor,omitempty"`
}

type TransitionsResponse struct {
	RequestID string          `json:"request_id"`
	Status    domain.Status   `json:"status"`
	Allowed   []domain.Status `json:"allowed"`
}

type EmitEventResponse struct {
	EventID string `json:"event_id,omitempty"`
	AuditID string `json:"audit_id,omitempty"`
}
