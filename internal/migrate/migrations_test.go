package migrate_test

import (
	"testing"

	"growline/internal/db"
	"growline/internal/migrate"
)

func TestMigrateIsRepeatable(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("first migrate: %v", err)
	}
	v, err := migrate.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v < 1 {
		t.Fatalf("schema version = %d", v)
	}

	// A second run must skip everything already applied.
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v2, err := migrate.SchemaVersion(conn)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v2 != v {
		t.Fatalf("version moved from %d to %d on a no-op run", v, v2)
	}

	if _, err := conn.Exec(`INSERT INTO facilities(id, created_at) VALUES ('fac-1','2025-03-01T00:00:00Z')`); err != nil {
		t.Fatalf("schema unusable after migrate: %v", err)
	}
}
