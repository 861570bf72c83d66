package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reqflow/internal/config"
	"reqflow/internal/domain"
	"reqflow/internal/engine/auth"
	"reqflow/internal/events"
	"reqflow/internal/logger"
	"reqflow/internal/observability"
	"reqflow/internal/repo"
)

// ValidationError reports malformed input.
type ValidationError = domain.ValidationError

// ConflictError reports that the requested change does not apply to the
// current state of the entity, either because it already happened or
// because another writer got there first.
type ConflictError struct {
	Reason string
}

func (e ConflictError) Error() string {
	return e.Reason
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Guard   auth.Guard
	Config  *config.Config
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	maxRetries := events.DefaultMaxRetries
	if cfg != nil && cfg.Outbox.MaxRetries > 0 {
		maxRetries = cfg.Outbox.MaxRetries
	}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{Repo: r, MaxRetries: maxRetries},
		Guard:  auth.Guard{Memberships: r},
		Config: cfg,
		Logger: slog.Default(),
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log(ctx context.Context) *slog.Logger {
	return logger.FromContext(ctx, e.Logger)
}

// writer returns the events writer sharing the engine clock and telemetry.
func (e Engine) writer() events.Writer {
	w := e.Events
	if w.Repo.DB == nil {
		w.Repo = e.Repo
	}
	w.Now = e.now
	if w.Logger == nil {
		w.Logger = e.Logger
	}
	if w.Metrics == nil {
		w.Metrics = e.Metrics
	}
	return w
}

// denied records a denial before handing it back to the caller.
func (e Engine) denied(ctx context.Context, err error) error {
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		e.Metrics.Denied(ctx, fe.Code)
		e.log(ctx).DebugContext(ctx, "operation denied", "code", fe.Code, "reason", fe.Reason)
	}
	return err
}

func isConflict(err error) bool {
	return errors.Is(err, repo.ErrConflict)
}

func requireID(field, id string) error {
	if !domain.ValidID(id) {
		return ValidationError{Field: field, Reason: "must be a 24 character hex id"}
	}
	return nil
}

// CreateProgram registers a new program. Admin only.
func (e Engine) CreateProgram(ctx context.Context, p domain.Principal, name, description string) (domain.Program, error) {
	if err := auth.RequireAdmin(p); err != nil {
		return domain.Program{}, e.denied(ctx, err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Program{}, ValidationError{Field: "name", Reason: "is required"}
	}
	prog := domain.Program{
		ID:          domain.NewID(),
		Name:        name,
		Description: description,
		IsActive:    true,
		CreatedAt:   repo.Timestamp(e.now()),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Program{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProgram(ctx, tx, prog); err != nil {
		return domain.Program{}, fmt.Errorf("insert program: %w", err)
	}
	e.writer().Append(ctx, tx, events.Record{
		Action:     "program.created",
		ProgramID:  prog.ID,
		EntityType: "program",
		EntityID:   prog.ID,
		Actor:      p,
		After:      map[string]any{"name": prog.Name},
		AuditOnly:  true,
	})
	if err := tx.Commit(); err != nil {
		return domain.Program{}, err
	}
	return prog, nil
}

// GetProgram returns a program the principal has access to.
func (e Engine) GetProgram(ctx context.Context, p domain.Principal, programID string) (domain.Program, error) {
	if _, err := e.Guard.CheckProgramAccess(ctx, p, programID); err != nil {
		return domain.Program{}, e.denied(ctx, err)
	}
	return e.Repo.GetProgram(ctx, programID)
}

// CheckAccess exposes the Access Guard to callers outside the engine.
func (e Engine) CheckAccess(ctx context.Context, p domain.Principal, programID string, required ...domain.Role) (domain.Membership, error) {
	m, err := e.Guard.CheckProgramAccess(ctx, p, programID, required...)
	if err != nil {
		return domain.Membership{}, e.denied(ctx, err)
	}
	return m, nil
}
