package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedFS_ContainsMigrationSets(t *testing.T) {
	tests := []struct {
		dir  string
		want string
	}{
		{"client", "001_local_cache.sql"},
		{"client", "002_rejected_operations.sql"},
		{"server", "001_documents.sql"},
	}

	for _, tt := range tests {
		t.Run(tt.dir+"/"+tt.want, func(t *testing.T) {
			// Given: The embedded filesystem
			// When: We read the migration directory
			entries, err := FS.ReadDir(tt.dir)
			if err != nil {
				t.Fatalf("failed to read embedded dir %s: %v", tt.dir, err)
			}

			// Then: It contains the expected migration
			found := false
			for _, entry := range entries {
				if entry.Name() == tt.want {
					found = true
					break
				}
			}
			if !found {
				t.Errorf("%s not found in %s", tt.want, tt.dir)
			}
		})
	}
}

func TestEmbeddedFS_MigrationsHaveGooseDirectives(t *testing.T) {
	err := fs.WalkDir(FS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		content, err := FS.ReadFile(path)
		if err != nil {
			return err
		}
		s := string(content)
		if !strings.Contains(s, "-- +goose Up") {
			t.Errorf("%s missing '-- +goose Up' directive", path)
		}
		if !strings.Contains(s, "-- +goose Down") {
			t.Errorf("%s missing '-- +goose Down' directive", path)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("walk embedded FS: %v", err)
	}
}

func TestEmbeddedFS_ServerSchemaIsPortable(t *testing.T) {
	// The server schema runs on MySQL as well as SQLite, so it must avoid
	// SQLite-only constructs.
	content, err := FS.ReadFile("server/001_documents.sql")
	if err != nil {
		t.Fatalf("read server migration: %v", err)
	}
	for _, banned := range []string{"AUTOINCREMENT", "IF NOT EXISTS", "WITHOUT ROWID"} {
		if strings.Contains(string(content), banned) {
			t.Errorf("server migration uses non-portable %q", banned)
		}
	}
}
