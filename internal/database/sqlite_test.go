package database

import (
	"path/filepath"
	"testing"
)

func TestInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "jobs.db")
	db, err := Init(path)
	if err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow(`PRAGMA journal_mode`).Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %s, want wal", mode)
	}
}
