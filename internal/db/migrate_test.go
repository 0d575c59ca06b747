package db

import (
	"testing"
	"testing/fstest"
)

func TestLoadMigrations_SortsAndSkips(t *testing.T) {
	files := fstest.MapFS{
		"migrations/002_second.sql": {Data: []byte("SELECT 2;")},
		"migrations/001_first.sql":  {Data: []byte("SELECT 1;")},
		"migrations/README.md":      {Data: []byte("notes")},
		"migrations/draft.sql":      {Data: []byte("SELECT 0;")},
		"migrations/abc_bad.sql":    {Data: []byte("SELECT 0;")},
	}

	migs, err := LoadMigrations(files)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migs))
	}
	if migs[0].Version != 1 || migs[1].Version != 2 {
		t.Errorf("expected versions [1 2], got [%d %d]", migs[0].Version, migs[1].Version)
	}
	if migs[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected SQL %q", migs[0].SQL)
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	migs, err := LoadMigrations(embeddedMigrations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migs) == 0 || migs[0].Version != 1 {
		t.Fatalf("expected embedded core migration, got %+v", migs)
	}
}
