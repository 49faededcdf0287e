// Package db opens the per-workspace SQLite database backing the
// consensus engine. All state lives in .quorum/quorum.db next to the
// project being voted on.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	workspaceDir = ".quorum"
	databaseFile = "quorum.db"
)

type Config struct {
	Workspace string
}

// EnsureWorkspace creates the .quorum directory if missing and returns
// its path.
func EnsureWorkspace(workspace string) (string, error) {
	dir := filepath.Join(workspace, workspaceDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// Open opens the workspace database. Foreign keys are required by the
// settlement cascade (deleting a user removes their votes, accuracy
// rows and eligibility); WAL plus a busy timeout keeps concurrent vote
// writers from tripping over SQLITE_BUSY.
func Open(cfg Config) (*sql.DB, error) {
	if _, err := EnsureWorkspace(cfg.Workspace); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf(
		"file:%s?cache=shared&_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		Path(cfg.Workspace))
	return sql.Open("sqlite", dsn)
}

// Path returns the database file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, workspaceDir, databaseFile)
}
