package migrate

import (
	"testing"

	"escrowline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	defer conn.Close()

	if err := Migrate(conn); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := Migrate(conn); err != nil {
		t.Fatalf("second run: %v", err)
	}

	var version int
	if err := conn.QueryRow(`SELECT version FROM schema_version`).Scan(&version); err != nil {
		t.Fatalf("read version: %v", err)
	}
	if version < 2 {
		t.Fatalf("schema version = %d, want at least 2", version)
	}

	// The session revision column from 0002 must exist and default to 0.
	var rev int64
	if _, err := conn.Exec(
		`INSERT INTO sessions(party_id, state, created_at, updated_at) VALUES ('p1','idle','t','t')`); err != nil {
		t.Fatalf("insert session: %v", err)
	}
	if err := conn.QueryRow(`SELECT rev FROM sessions WHERE party_id='p1'`).Scan(&rev); err != nil {
		t.Fatalf("read rev: %v", err)
	}
	if rev != 0 {
		t.Fatalf("rev = %d, want 0", rev)
	}
}
