// Package db opens the SQLite store that backs a taskflow workspace.
// State lives under <workspace>/.taskflow/ so the workspace root stays
// clean for the user's own files.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const (
	stateDir = ".taskflow"
	dbFile   = "taskflow.db"
)

// Path returns the database file location for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, stateDir, dbFile)
}

// Open creates the workspace state directory when missing and opens the
// database with foreign keys enforced. Writers block up to five seconds
// on a locked database instead of failing outright.
func Open(workspace string) (*sql.DB, error) {
	if workspace == "" {
		workspace = "."
	}
	if err := os.MkdirAll(filepath.Join(workspace, stateDir), 0o755); err != nil {
		return nil, fmt.Errorf("workspace %s: %w", workspace, err)
	}
	dsn := "file:" + Path(workspace) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", Path(workspace), err)
	}
	return conn, nil
}
