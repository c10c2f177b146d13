package db

import (
	"path/filepath"
	"testing"
	"testing/fstest"
)

var testMigrations = fstest.MapFS{
	"migrations/001_initial.sql": &fstest.MapFile{
		Data: []byte("CREATE TABLE widgets (id INTEGER PRIMARY KEY, name TEXT)"),
	},
	"migrations/002_add_color.sql": &fstest.MapFile{
		Data: []byte("ALTER TABLE widgets ADD COLUMN color TEXT"),
	},
	"migrations/notes.txt": &fstest.MapFile{
		Data: []byte("ignored"),
	},
}

func openTestDB(t *testing.T) *MigrationManager {
	t.Helper()
	sqlDB, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := sqlDB.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})
	return NewMigrationManager(sqlDB, testMigrations, "migrations")
}

func TestGetAvailableMigrationsSortedAndFiltered(t *testing.T) {
	mgr := openTestDB(t)

	available, err := mgr.GetAvailableMigrations()
	if err != nil {
		t.Fatalf("GetAvailableMigrations failed: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("Expected 2 migrations, got %d", len(available))
	}
	if available[0].Version != 1 || available[0].Name != "initial" {
		t.Errorf("Unexpected first migration: %+v", available[0])
	}
	if available[1].Version != 2 || available[1].Name != "add_color" {
		t.Errorf("Unexpected second migration: %+v", available[1])
	}
}

func TestApplyPendingMigrationsIsIdempotent(t *testing.T) {
	mgr := openTestDB(t)

	if err := mgr.ApplyPendingMigrations(); err != nil {
		t.Fatalf("First apply failed: %v", err)
	}

	applied, err := mgr.GetAppliedMigrations()
	if err != nil {
		t.Fatalf("GetAppliedMigrations failed: %v", err)
	}
	if len(applied) != 2 {
		t.Fatalf("Expected 2 applied migrations, got %d", len(applied))
	}

	// Second run must be a no-op; re-running DDL would fail.
	if err := mgr.ApplyPendingMigrations(); err != nil {
		t.Fatalf("Second apply failed: %v", err)
	}

	pending, err := mgr.GetPendingMigrations()
	if err != nil {
		t.Fatalf("GetPendingMigrations failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("Expected no pending migrations, got %d", len(pending))
	}
}

func TestMigratedSchemaIsUsable(t *testing.T) {
	mgr := openTestDB(t)
	if err := mgr.ApplyPendingMigrations(); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	if _, err := mgr.db.Exec("INSERT INTO widgets (name, color) VALUES ('gear', 'red')"); err != nil {
		t.Fatalf("Expected migrated schema to accept inserts: %v", err)
	}
}
