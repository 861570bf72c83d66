package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"reqflow/internal/app"
	"reqflow/internal/config"
	"reqflow/internal/db"
	"reqflow/internal/domain"
	"reqflow/internal/logger"
	"reqflow/internal/migrate"
	"reqflow/internal/server"
)

// localAdminID is the principal the CLI acts as when --as-id is not given.
const localAdminID = "000000000000000000000001"

var rootCmd = &cobra.Command{
	Use:   "rf",
	Short: "reqflow CLI",
	Long: `reqflow runs programs of requests through a review lifecycle.
- Programs group requests; people join a program as manager, team_member or client.
- Requests move draft -> submitted -> in_review -> approved -> completed; rejected requests may be resubmitted.
- Every change is written to the audit trail and to an outbox of events for webhook delivery.
- 'rf serve' exposes the HTTP API and runs the outbox dispatcher; the other commands work on the workspace database directly.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("REQFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.String("config", "", "config file (default <workspace>/reqflow.yml)")
	flags.Bool("json", false, "output JSON")
	flags.String("as-id", localAdminID, "principal id the command runs as")
	flags.String("as-name", "local", "principal display name")
	flags.String("as-role", string(domain.RoleAdmin), "principal global role")
	for _, name := range []string{"workspace", "config", "json", "as-id", "as-name", "as-role"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(programCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(outboxCmd())
	rootCmd.AddCommand(tokenCmd())
}

func serveCmd() *cobra.Command {
	var noDispatch bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
			}
			log := newLogger(cfg)
			ctx := cmd.Context()
			a, err := app.Open(ctx, viper.GetString("workspace"), cfg, log)
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := a.Close(closeCtx); err != nil {
					log.Error("shutdown failed", "error", err)
				}
			}()
			if err := a.EnableTelemetry(ctx); err != nil {
				return err
			}
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				log.Warn("auth.jwt_secret is empty; X-Principal-* headers are trusted")
			}

			if cfg.Outbox.Enabled && !noDispatch {
				d, err := a.NewDispatcher()
				switch {
				case errors.Is(err, app.ErrNoWebhook):
					log.Warn("outbox dispatcher disabled", "reason", err.Error())
				case err != nil:
					return err
				default:
					if err := d.Start(ctx); err != nil {
						return err
					}
					defer d.Stop()
				}
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			log.Info("serving reqflow API", "addr", cfg.Server.Addr, "base_path", cfg.Server.BasePath)
			return runServer(ctx, srv, 5*time.Second)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().BoolVar(&noDispatch, "no-dispatch", false, "do not run the outbox dispatcher")
	return cmd
}

// runServer serves until ctx ends or the listener fails, then drains
// in-flight requests for at most grace.
func runServer(ctx context.Context, srv *http.Server, grace time.Duration) error {
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the workspace database",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				file := db.Config{Workspace: viper.GetString("workspace"), Path: a.Config.Database.Path}.File()
				version, err := migrate.Version(ctx, a.DB)
				if err != nil {
					return err
				}
				if isJSON() {
					return printJSON(map[string]any{"database": file, "schema_version": version})
				}
				fmt.Printf("database %s is at schema version %d\n", file, version)
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Inspect workspace configuration"}
	c.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default reqflow.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			shown := *cfg
			if shown.Auth.JWTSecret != "" {
				shown.Auth.JWTSecret = "********"
			}
			if shown.Webhook.Secret != "" {
				shown.Webhook.Secret = "********"
			}
			if shown.Redis.Password != "" {
				shown.Redis.Password = "********"
			}
			if isJSON() {
				return printJSON(shown)
			}
			return yaml.NewEncoder(os.Stdout).Encode(shown)
		},
	})
	c.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return c
}

func tokenCmd() *cobra.Command {
	var id, name, role string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if id == "" {
				id = domain.NewID()
			}
			p := domain.Principal{ID: id, Name: name, Role: domain.Role(role)}
			if !domain.ValidID(p.ID) {
				return domain.ValidationError{Field: "id", Reason: "must be a 24 character hex id"}
			}
			if !p.Role.Valid() {
				return domain.ValidationError{Field: "role", Reason: "unknown role"}
			}
			tok, err := server.SignToken(cfg.Auth.JWTSecret, cfg.Auth.Issuer, p, ttl)
			if err != nil {
				return err
			}
			if isJSON() {
				return printJSON(map[string]any{"token": tok, "principal": p, "expires_in": ttl.String()})
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "principal id (random when empty)")
	cmd.Flags().StringVar(&name, "name", "", "principal name")
	cmd.Flags().StringVar(&role, "role", string(domain.RoleClient), "global role")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

// --- helpers ---

// loadConfig reads reqflow.yml (or --config) and overlays REQFLOW_* env vars.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.Load(viper.GetString("workspace"))
	}
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyOverrides(cfg *config.Config) {
	strs := map[string]*string{
		"server.addr":             &cfg.Server.Addr,
		"server.base_path":        &cfg.Server.BasePath,
		"auth.jwt_secret":         &cfg.Auth.JWTSecret,
		"auth.issuer":             &cfg.Auth.Issuer,
		"log.level":               &cfg.Log.Level,
		"log.format":              &cfg.Log.Format,
		"database.path":           &cfg.Database.Path,
		"webhook.url":             &cfg.Webhook.URL,
		"webhook.secret":          &cfg.Webhook.Secret,
		"redis.addr":              &cfg.Redis.Addr,
		"redis.password":          &cfg.Redis.Password,
		"telemetry.service_name":  &cfg.Telemetry.ServiceName,
		"telemetry.otlp_endpoint": &cfg.Telemetry.OTLPEndpoint,
	}
	for key, dst := range strs {
		if viper.IsSet(key) {
			*dst = viper.GetString(key)
		}
	}
	durations := map[string]*time.Duration{
		"outbox.interval":     &cfg.Outbox.Interval,
		"outbox.timeout":      &cfg.Outbox.Timeout,
		"outbox.lease":        &cfg.Outbox.Lease,
		"outbox.backoff_base": &cfg.Outbox.BackoffBase,
		"outbox.backoff_max":  &cfg.Outbox.BackoffMax,
	}
	for key, dst := range durations {
		if viper.IsSet(key) {
			*dst = viper.GetDuration(key)
		}
	}
	ints := map[string]*int{
		"outbox.max_retries": &cfg.Outbox.MaxRetries,
		"outbox.batch_size":  &cfg.Outbox.BatchSize,
		"rate_limit.burst":   &cfg.RateLimit.Burst,
	}
	for key, dst := range ints {
		if viper.IsSet(key) {
			*dst = viper.GetInt(key)
		}
	}
	if viper.IsSet("rate_limit.rps") {
		cfg.RateLimit.RPS = viper.GetFloat64("rate_limit.rps")
	}
	if viper.IsSet("outbox.enabled") {
		cfg.Outbox.Enabled = viper.GetBool("outbox.enabled")
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	return logger.NewWith(os.Stderr, cfg.Log.Level, cfg.Log.Format)
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, viper.GetString("workspace"), cfg, newLogger(cfg))
	if err != nil {
		return err
	}
	defer a.Close(context.WithoutCancel(ctx))
	return fn(ctx, a)
}

// principal is the caller the CLI acts as. It goes through the same access
// checks as an API caller.
func principal() (domain.Principal, error) {
	p := domain.Principal{
		ID:   viper.GetString("as-id"),
		Name: viper.GetString("as-name"),
		Role: domain.Role(viper.GetString("as-role")),
	}
	if !domain.ValidID(p.ID) {
		return domain.Principal{}, domain.ValidationError{Field: "as-id", Reason: "must be a 24 character hex id"}
	}
	if !p.Role.Valid() {
		return domain.Principal{}, domain.ValidationError{Field: "as-role", Reason: "unknown role"}
	}
	return p, nil
}

// printJSONOrTable renders v as JSON with --json, otherwise as a table.
func printJSONOrTable(v any, header table.Row, rows []table.Row) error {
	if isJSON() {
		return printJSON(v)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(header)
	tw.AppendRows(rows)
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func isJSON() bool {
	return viper.GetBool("json")
}
