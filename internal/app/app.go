// Package app assembles the engine, HTTP API and outbox dispatcher from a
// workspace and its config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"reqflow/internal/config"
	"reqflow/internal/db"
	"reqflow/internal/engine"
	"reqflow/internal/migrate"
	"reqflow/internal/observability"
	"reqflow/internal/outbox"
	"reqflow/internal/repo"
	"reqflow/internal/server"
)

// ErrNoWebhook is returned when a dispatcher is requested without a
// configured consumer.
var ErrNoWebhook = errors.New("webhook.url is not configured")

// App holds the long-lived components shared by `rf serve` and the CLI.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Engine engine.Engine
	Logger *slog.Logger

	metricsHandler http.Handler
	redis          *outbox.RedisLocker
	shutdown       []func(context.Context) error
}

// Open opens (and migrates) the workspace database and builds the engine.
func Open(ctx context.Context, workspace string, cfg *config.Config, log *slog.Logger) (*App, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	conn, err := db.Open(db.Config{Workspace: workspace, Path: cfg.Database.Path})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, cfg)
	e.Logger = log
	return &App{Config: cfg, DB: conn, Engine: e, Logger: log}, nil
}

// EnableTelemetry installs the Prometheus meter provider and, when an OTLP
// endpoint is configured, the trace exporter. Engine metrics are wired in.
func (a *App) EnableTelemetry(ctx context.Context) error {
	handler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	a.metricsHandler = handler
	a.shutdown = append(a.shutdown, shutdownMetrics)
	m, err := observability.NewMetrics(nil)
	if err != nil {
		return err
	}
	a.Engine.Metrics = m

	name := a.Config.Telemetry.ServiceName
	if name == "" {
		name = "reqflow"
	}
	shutdownTracing, err := observability.InitTracing(ctx, name, a.Config.Telemetry.OTLPEndpoint)
	if err != nil {
		return err
	}
	a.shutdown = append(a.shutdown, shutdownTracing)
	return nil
}

// Handler builds the HTTP API.
func (a *App) Handler() (http.Handler, error) {
	return server.New(server.Config{
		Engine:   a.Engine,
		BasePath: a.Config.Server.BasePath,
		Auth: server.AuthConfig{
			JWTSecret: a.Config.Auth.JWTSecret,
			Issuer:    a.Config.Auth.Issuer,
			Logger:    a.Logger,
		},
		RateLimit: server.RateLimitConfig{RPS: a.Config.RateLimit.RPS, Burst: a.Config.RateLimit.Burst},
		Metrics:   a.metricsHandler,
		Logger:    a.Logger,
	})
}

// NewDispatcher builds the outbox dispatcher for the configured webhook.
// With redis.addr set, cycles are additionally guarded by a Redis lock so
// several servers can share one database.
func (a *App) NewDispatcher() (*outbox.Dispatcher, error) {
	cfg := a.Config
	if cfg.Webhook.URL == "" {
		return nil, ErrNoWebhook
	}
	d := outbox.New(repo.Repo{DB: a.DB}, outbox.NewWebhookDeliverer(cfg.Webhook.URL, cfg.Webhook.Secret, cfg.Outbox.Timeout), outbox.Options{
		Interval:    cfg.Outbox.Interval,
		Timeout:     cfg.Outbox.Timeout,
		Lease:       cfg.Outbox.Lease,
		LockTTL:     cfg.Redis.LockTTL,
		BackoffBase: cfg.Outbox.BackoffBase,
		BackoffMax:  cfg.Outbox.BackoffMax,
		BatchSize:   cfg.Outbox.BatchSize,
		RatePerSec:  cfg.Outbox.RatePerSec,
	})
	d.Logger = a.Logger.With("component", "outbox")
	d.Metrics = a.Engine.Metrics
	if cfg.Redis.Addr != "" {
		if a.redis == nil {
			a.redis = outbox.NewRedisLocker(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		}
		d.Locker = a.redis
	}
	return d, nil
}

// Close flushes telemetry and closes the database.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.shutdown) - 1; i >= 0; i-- {
		if err := a.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.DB.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
