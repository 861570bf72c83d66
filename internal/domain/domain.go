package domain

import "encoding/json"

// Status is the lifecycle state of a request.
type Status string

const (
	StatusDraft     Status = "draft"
	StatusSubmitted Status = "submitted"
	StatusInReview  Status = "in_review"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCompleted Status = "completed"
)

var Statuses = []Status{StatusDraft, StatusSubmitted, StatusInReview, StatusApproved, StatusRejected, StatusCompleted}

func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Role is either a global role (admin) or a program membership role.
type Role string

const (
	RoleAdmin      Role = "admin"
	RoleManager    Role = "manager"
	RoleTeamMember Role = "team_member"
	RoleClient     Role = "client"
)

var Roles = []Role{RoleAdmin, RoleManager, RoleTeamMember, RoleClient}

func (r Role) Valid() bool {
	for _, v := range Roles {
		if r == v {
			return true
		}
	}
	return false
}

// MembershipRole reports whether r may be stored on a program membership.
func (r Role) MembershipRole() bool {
	return r == RoleManager || r == RoleTeamMember || r == RoleClient
}

// Principal is an authenticated caller. Role is the global role only;
// program roles are resolved per call from memberships.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role Role   `json:"role" enum:"admin,manager,team_member,client"`
}

func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

type Program struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Request struct {
	ID         string         `json:"id"`
	ProgramID  string         `json:"program_id"`
	Title      string         `json:"title"`
	Status     Status         `json:"status" enum:"draft,submitted,in_review,approved,rejected,completed"`
	CreatedBy  string         `json:"created_by"`
	AssignedTo *string        `json:"assigned_to,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Version    int            `json:"version"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

type Membership struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	ProgramID     string  `json:"program_id"`
	Role          Role    `json:"role" enum:"admin,manager,team_member,client"`
	IsActive      bool    `json:"is_active"`
	GrantedBy     string  `json:"granted_by,omitempty"`
	CreatedAt     string  `json:"created_at,omitempty" format:"date-time"`
	DeactivatedAt *string `json:"deactivated_at,omitempty" format:"date-time"`
}

type AuditEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	RequestID   string         `json:"request_id,omitempty"`
	ProgramID   string         `json:"program_id"`
	PerformedBy string         `json:"performed_by"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at" format:"date-time"`
}

type OutboxStatus string

const (
	OutboxPending OutboxStatus = "pending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

func (s OutboxStatus) Valid() bool {
	return s == OutboxPending || s == OutboxSent || s == OutboxFailed
}

type OutboxEvent struct {
	ID          string          `json:"id"`
	EventType   EventType       `json:"event_type"`
	ProgramID   string          `json:"program_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      OutboxStatus    `json:"status" enum:"pending,sent,failed"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *string         `json:"next_retry_at,omitempty" format:"date-time"`
	LeaseUntil  *string         `json:"lease_until,omitempty" format:"date-time"`
	SentAt      *string         `json:"sent_at,omitempty" format:"date-time"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
}

// Actor identifies who performed an action in a delivered event.
type Actor struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
}

// EventPayload is the body delivered to the automation consumer.
type EventPayload struct {
	EventID     string         `json:"eventId"`
	EventType   EventType      `json:"eventType"`
	ProgramID   string         `json:"programId"`
	RequestID   string         `json:"requestId,omitempty"`
	Data        map[string]any `json:"data"`
	PerformedBy Actor          `json:"performedBy"`
	Timestamp   string         `json:"timestamp"`
}
