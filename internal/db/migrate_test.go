package db

import (
	"io/fs"
	"path/filepath"
	"strings"
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "mapper.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateUpCreatesSchema(t *testing.T) {
	db := testDB(t)
	if err := db.MigrateUp(); err != nil {
		t.Fatal(err)
	}

	for _, table := range []string{"map_sessions", "map_chunks", "map_loop_edges"} {
		var name string
		err := db.QueryRow(
			`SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`, table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing after migration: %v", table, err)
		}
	}

	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version == 0 || dirty {
		t.Fatalf("version = %d dirty = %v", version, dirty)
	}
}

func TestMigrateUpIdempotent(t *testing.T) {
	db := testDB(t)
	if err := db.MigrateUp(); err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateUp(); err != nil {
		t.Fatalf("second MigrateUp: %v", err)
	}
}

func TestMigrateDownRollsBack(t *testing.T) {
	db := testDB(t)
	if err := db.MigrateUp(); err != nil {
		t.Fatal(err)
	}
	if err := db.MigrateDown(); err != nil {
		t.Fatal(err)
	}

	var count int
	err := db.QueryRow(
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'map_%'`,
	).Scan(&count)
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Fatalf("%d map_ tables left after rollback", count)
	}
}

func TestMigrateVersionFresh(t *testing.T) {
	db := testDB(t)
	version, dirty, err := db.MigrateVersion()
	if err != nil {
		t.Fatal(err)
	}
	if version != 0 || dirty {
		t.Fatalf("fresh db version = %d dirty = %v", version, dirty)
	}
}

// Every up migration must ship a matching down migration.
func TestEmbeddedMigrationsPaired(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, e := range entries {
		name := e.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("unexpected migration file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatal("no migrations embedded")
	}
	for base := range ups {
		if !downs[base] {
			t.Errorf("migration %s has no down file", base)
		}
	}
	for base := range downs {
		if !ups[base] {
			t.Errorf("migration %s has no up file", base)
		}
	}
}
