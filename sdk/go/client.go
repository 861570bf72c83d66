package reqflowsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal reqflow HTTP API client. DevPrincipal is sent as
// X-Principal-* headers when no token is set; servers only honour these
// without a configured JWT secret.
type Client struct {
	BaseURL      string
	BasePath     string
	BearerToken  string
	DevPrincipal *Principal
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v1",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	Role string `json:"role"`

	// Memberships is filled by Me only.
	Memberships []Membership `json:"memberships,omitempty"`
}

type Program struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	IsActive    bool   `json:"is_active"`
	CreatedAt   string `json:"created_at"`
}

type Membership struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ProgramID string `json:"program_id"`
	Role      string `json:"role"`
	IsActive  bool   `json:"is_active"`
}

// Request represents the API request model.
type Request struct {
	ID         string         `json:"id"`
	ProgramID  string         `json:"program_id"`
	Title      string         `json:"title"`
	Status     string         `json:"status"`
	CreatedBy  string         `json:"created_by"`
	AssignedTo *string        `json:"assigned_to,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	Version    int            `json:"version"`
	CreatedAt  string         `json:"created_at"`
	UpdatedAt  string         `json:"updated_at"`
}

// AuditEntry is one row of the append-only audit trail.
type AuditEntry struct {
	ID          string         `json:"id"`
	Action      string         `json:"action"`
	EntityType  string         `json:"entity_type"`
	EntityID    string         `json:"entity_id"`
	RequestID   string         `json:"request_id,omitempty"`
	ProgramID   string         `json:"program_id,omitempty"`
	PerformedBy string         `json:"performed_by"`
	Before      map[string]any `json:"before,omitempty"`
	After       map[string]any `json:"after,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   string         `json:"created_at"`
}

type OutboxEvent struct {
	ID          string          `json:"id"`
	EventType   string          `json:"event_type"`
	ProgramID   string          `json:"program_id"`
	RequestID   string          `json:"request_id,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	Status      string          `json:"status"`
	RetryCount  int             `json:"retry_count"`
	MaxRetries  int             `json:"max_retries"`
	LastError   string          `json:"last_error,omitempty"`
	NextRetryAt *string         `json:"next_retry_at,omitempty"`
	SentAt      *string         `json:"sent_at,omitempty"`
	CreatedAt   string          `json:"created_at"`
}

// APIError wraps non-2xx responses. Code carries the error envelope code,
// e.g. role_forbidden or program_access_denied.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListOptions narrows list calls. Empty fields are not sent.
type ListOptions struct {
	Status    string
	RequestID string
	ActorID   string
	Limit     int
	Cursor    string
}

func (o ListOptions) query() string {
	v := url.Values{}
	if o.Status != "" {
		v.Set("status", o.Status)
	}
	if o.RequestID != "" {
		v.Set("request_id", o.RequestID)
	}
	if o.ActorID != "" {
		v.Set("actor_id", o.ActorID)
	}
	if o.Limit > 0 {
		v.Set("limit", fmt.Sprint(o.Limit))
	}
	if o.Cursor != "" {
		v.Set("cursor", o.Cursor)
	}
	if len(v) == 0 {
		return ""
	}
	return "?" + v.Encode()
}

type RequestPage struct {
	Items      []Request `json:"items"`
	NextCursor string    `json:"next_cursor"`
}

type AuditPage struct {
	Items      []AuditEntry `json:"items"`
	NextCursor string       `json:"next_cursor"`
}

// Summary counts a program's requests and outbound events by status.
type Summary struct {
	ProgramID string         `json:"program_id"`
	Requests  map[string]int `json:"requests"`
	Outbox    map[string]int `json:"outbox"`
}

type OutboxPage struct {
	Items      []OutboxEvent `json:"items"`
	NextCursor string        `json:"next_cursor"`
}

func (c *Client) Me(ctx context.Context) (Principal, error) {
	var resp Principal
	err := c.do(ctx, http.MethodGet, "me", nil, &resp)
	return resp, err
}

func (c *Client) CreateProgram(ctx context.Context, name, description string) (Program, error) {
	var resp Program
	err := c.do(ctx, http.MethodPost, "programs", map[string]any{"name": name, "description": description}, &resp)
	return resp, err
}

// GrantMembership adds userID to a program, replacing any active membership.
func (c *Client) GrantMembership(ctx context.Context, programID, userID, role string) (Membership, error) {
	var resp Membership
	err := c.do(ctx, http.MethodPost, "programs/"+url.PathEscape(programID)+"/members", map[string]any{
		"user_id": userID,
		"role":    role,
	}, &resp)
	return resp, err
}

// CreateRequest opens a draft request in a program.
func (c *Client) CreateRequest(ctx context.Context, programID, title string, fields map[string]any) (Request, error) {
	body := map[string]any{"title": title}
	if len(fields) > 0 {
		body["fields"] = fields
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "programs/"+url.PathEscape(programID)+"/requests", body, &resp)
	return resp, err
}

func (c *Client) GetRequest(ctx context.Context, requestID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID), nil, &resp)
	return resp, err
}

func (c *Client) ListRequests(ctx context.Context, programID string, opts ListOptions) (RequestPage, error) {
	var resp RequestPage
	err := c.do(ctx, http.MethodGet, "programs/"+url.PathEscape(programID)+"/requests"+opts.query(), nil, &resp)
	return resp, err
}

// Transition moves a request to status to. A positive expectedVersion makes
// the call fail with 409 when the request changed in between.
func (c *Client) Transition(ctx context.Context, requestID, to string, expectedVersion int, note string) (Request, error) {
	body := map[string]any{"to": to}
	if expectedVersion > 0 {
		body["expected_version"] = expectedVersion
	}
	if note != "" {
		body["note"] = note
	}
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(requestID)+"/transition", body, &resp)
	return resp, err
}

// AllowedTransitions lists the statuses the caller may move the request to.
func (c *Client) AllowedTransitions(ctx context.Context, requestID string) ([]string, error) {
	var resp struct {
		Allowed []string `json:"allowed"`
	}
	err := c.do(ctx, http.MethodGet, "requests/"+url.PathEscape(requestID)+"/transitions", nil, &resp)
	return resp.Allowed, err
}

func (c *Client) Assign(ctx context.Context, requestID, assigneeID string) (Request, error) {
	var resp Request
	err := c.do(ctx, http.MethodPost, "requests/"+url.PathEscape(requestID)+"/assign", map[string]any{"assignee_id": assigneeID}, &resp)
	return resp, err
}

func (c *Client) ListAudit(ctx context.Context, programID string, opts ListOptions) (AuditPage, error) {
	var resp AuditPage
	err := c.do(ctx, http.MethodGet, "programs/"+url.PathEscape(programID)+"/audit"+opts.query(), nil, &resp)
	return resp, err
}

func (c *Client) ListOutbox(ctx context.Context, programID string, opts ListOptions) (OutboxPage, error) {
	var resp OutboxPage
	err := c.do(ctx, http.MethodGet, "programs/"+url.PathEscape(programID)+"/outbox"+opts.query(), nil, &resp)
	return resp, err
}

func (c *Client) Summary(ctx context.Context, programID string) (Summary, error) {
	var resp Summary
	err := c.do(ctx, http.MethodGet, "programs/"+url.PathEscape(programID)+"/summary", nil, &resp)
	return resp, err
}

// RequeueOutbox returns a failed event to pending. Admin only.
func (c *Client) RequeueOutbox(ctx context.Context, eventID string) (OutboxEvent, error) {
	var resp OutboxEvent
	err := c.do(ctx, http.MethodPost, "outbox/"+url.PathEscape(eventID)+"/requeue", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.DevPrincipal != nil:
		req.Header.Set("X-Principal-Id", c.DevPrincipal.ID)
		req.Header.Set("X-Principal-Name", c.DevPrincipal.Name)
		req.Header.Set("X-Principal-Role", c.DevPrincipal.Role)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if c.BasePath != "" {
		base += "/" + strings.Trim(c.BasePath, "/")
	}
	return base
}
