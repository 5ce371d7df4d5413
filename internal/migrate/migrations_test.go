package migrate_test

import (
	"testing"

	"taskflow/internal/db"
	"taskflow/internal/migrate"
)

func TestMigrateRecordsLedgerAndIsIdempotent(t *testing.T) {
	conn, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	var applied int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("read ledger: %v", err)
	}
	if applied == 0 {
		t.Fatalf("ledger empty after migrate")
	}
	var name string
	if err := conn.QueryRow(`SELECT name FROM schema_migrations WHERE version = 1`).Scan(&name); err != nil {
		t.Fatalf("read version 1: %v", err)
	}
	if name != "0001_init.sql" {
		t.Fatalf("version 1 name = %s", name)
	}

	// a second run applies nothing
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	var again int
	if err := conn.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&again); err != nil {
		t.Fatalf("re-read ledger: %v", err)
	}
	if again != applied {
		t.Fatalf("ledger grew from %d to %d on rerun", applied, again)
	}

	// the schema is usable
	if _, err := conn.Exec(`SELECT id FROM work_items LIMIT 1`); err != nil {
		t.Fatalf("work_items missing: %v", err)
	}
}
