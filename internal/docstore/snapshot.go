package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperengineering/formsync/internal/store"
	"github.com/pressly/goose/v3"
)

// SnapshotFile is the name of the current snapshot inside the snapshot
// directory.
const SnapshotFile = "current.db"

// ErrNoSnapshot is returned by GetSnapshotPath before the first snapshot.
var ErrNoSnapshot = errors.New("no snapshot generated yet")

// GenerateSnapshot writes a self-contained SQLite copy of every document
// to the snapshot directory, replacing the previous one atomically.
// SQLite stores are copied with VACUUM INTO; MySQL stores are exported
// row by row into a fresh SQLite file with the same schema.
func (s *Store) GenerateSnapshot(ctx context.Context) error {
	if err := os.MkdirAll(s.snapshotDir, 0755); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}
	final := filepath.Join(s.snapshotDir, SnapshotFile)
	tmp := final + ".tmp"
	_ = os.Remove(tmp)

	var err error
	if s.driver == DriverSQLite {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(tmp, "'", "''")))
	} else {
		err = s.export(ctx, tmp)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("generate snapshot: %w", err)
	}

	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace snapshot: %w", err)
	}

	now := time.Now().UTC()
	s.snapMu.Lock()
	s.lastSnapshot = &now
	s.snapMu.Unlock()
	return nil
}

// GetSnapshotPath returns the path of the current snapshot.
func (s *Store) GetSnapshotPath(ctx context.Context) (string, error) {
	path := filepath.Join(s.snapshotDir, SnapshotFile)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoSnapshot
		}
		return "", fmt.Errorf("stat snapshot: %w", err)
	}
	return path, nil
}

// LastSnapshot returns when GenerateSnapshot last succeeded in this
// process, or nil.
func (s *Store) LastSnapshot() *time.Time {
	s.snapMu.Lock()
	defer s.snapMu.Unlock()
	if s.lastSnapshot == nil {
		return nil
	}
	t := *s.lastSnapshot
	return &t
}

func (s *Store) export(ctx context.Context, path string) error {
	out, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open snapshot database: %w", err)
	}
	defer out.Close()
	out.SetMaxOpenConns(1)

	if err := store.Migrate(ctx, out, goose.DialectSQLite3, store.ServerMigrations); err != nil {
		return err
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT collection, id, status, created_at, modified_at, payload FROM documents")
	if err != nil {
		return fmt.Errorf("read documents: %w", err)
	}
	defer rows.Close()

	tx, err := out.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO documents (collection, id, status, created_at, modified_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for rows.Next() {
		var collection, id, status, created, modified, payload string
		if err := rows.Scan(&collection, &id, &status, &created, &modified, &payload); err != nil {
			return fmt.Errorf("scan document: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, collection, id, status, created, modified, payload); err != nil {
			return fmt.Errorf("copy document %s/%s: %w", collection, id, err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("read documents: %w", err)
	}
	return tx.Commit()
}
