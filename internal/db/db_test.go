package db_test

import (
	"os"
	"path/filepath"
	"testing"

	"taskflow/internal/db"
)

func TestOpenCreatesStateDir(t *testing.T) {
	workspace := filepath.Join(t.TempDir(), "project")
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		t.Fatal(err)
	}
	conn, err := db.Open(workspace)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()
	if err := conn.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workspace, ".taskflow")); err != nil {
		t.Fatalf("state dir missing: %v", err)
	}
	want := filepath.Join(workspace, ".taskflow", "taskflow.db")
	if got := db.Path(workspace); got != want {
		t.Fatalf("path = %s, want %s", got, want)
	}
}
