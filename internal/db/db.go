package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// The ledger keeps all of its state in one SQLite file under
// <workspace>/.opsledger. The event log is append-heavy and the HTTP
// server shares the handle with the projector loop, so the connection
// opens in WAL mode with a busy timeout instead of failing fast on
// contention.

const (
	workspaceDir  = ".opsledger"
	defaultDBName = "opsledger.db"
	busyTimeoutMS = 5000
)

type Config struct {
	Workspace string
	// Name overrides the database filename. Empty means opsledger.db.
	Name string
}

func (c Config) filename() string {
	if c.Name != "" {
		return c.Name
	}
	return defaultDBName
}

func (c Config) path() string {
	workspace := c.Workspace
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, c.filename())
}

// EnsureWorkspace creates the workspace state directory if missing.
func EnsureWorkspace(workspace string) (string, error) {
	path := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}

// Open creates the workspace directory if needed and opens the database
// with foreign keys, WAL journaling and a busy timeout.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf(
		"file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)",
		cfg.path(), busyTimeoutMS,
	)
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	return Config{Workspace: workspace}.path()
}
