package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".reqflow"
	fileName = "reqflow.db"
)

type Config struct {
	Workspace string

	// Path overrides the workspace-derived database file.
	Path string
}

// File is the database file Open will use.
func (c Config) File() string {
	if c.Path != "" {
		return c.Path
	}
	return Path(c.Workspace)
}

// EnsureWorkspace creates <workspace>/.reqflow and returns its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(orDot(workspace), stateDir)
	return dir, os.MkdirAll(dir, 0o755)
}

// Open opens the SQLite database. Foreign keys are enforced, the journal is
// WAL and writers wait up to five seconds for the lock, so the API and the
// outbox dispatcher can share one file.
func Open(cfg Config) (*sql.DB, error) {
	file := cfg.File()
	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + file + "?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	return sql.Open("sqlite", dsn)
}

// Path returns the default database file of a workspace.
func Path(workspace string) string {
	return filepath.Join(orDot(workspace), stateDir, fileName)
}

func orDot(workspace string) string {
	if workspace == "" {
		return "."
	}
	return workspace
}
