package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/formsync/internal/types"
	_ "modernc.org/sqlite"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is the durable local cache and pending operation log.
type SQLiteStore struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStore opens (creating if needed) the local database at dbPath.
// It initializes the database with WAL mode, applies pragmas, and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// Ensure parent directory exists
	if dir := filepath.Dir(dbPath); dbPath != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// alive across calls.
	db.SetMaxOpenConns(1)

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}

	if err := RunMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{db: db, path: dbPath, now: time.Now}, nil
}

// enablePragmas sets SQLite pragmas for durability and concurrent readers.
func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=FULL",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Read returns the cached snapshot of collection, most recently modified
// first. An unknown collection yields an empty slice.
func (s *SQLiteStore) Read(ctx context.Context, collection string) ([]types.Document, error) {
	docs, err := readSnapshot(ctx, s.db, collection)
	if err != nil {
		return nil, localErr("read snapshot", err)
	}
	return docs, nil
}

// Write replaces the snapshot of collection.
func (s *SQLiteStore) Write(ctx context.Context, collection string, docs []types.Document) error {
	if err := s.writeSnapshot(ctx, s.db, collection, sortedCopy(docs)); err != nil {
		return localErr("write snapshot", err)
	}
	return nil
}

// Collections lists every collection with a snapshot or queued operations.
func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection FROM collection_snapshots
		UNION
		SELECT collection FROM pending_operations
		ORDER BY collection
	`)
	if err != nil {
		return nil, localErr("list collections", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, localErr("scan collection", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("list collections", err)
	}
	return names, nil
}

func readSnapshot(ctx context.Context, q dbtx, collection string) ([]types.Document, error) {
	var body string
	err := q.QueryRowContext(ctx,
		`SELECT body FROM collection_snapshots WHERE collection = ?`, collection).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return []types.Document{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query snapshot %q: %w", collection, err)
	}

	docs := make([]types.Document, 0)
	if err := json.Unmarshal([]byte(body), &docs); err != nil {
		return nil, fmt.Errorf("decode snapshot %q: %w", collection, err)
	}
	return docs, nil
}

func (s *SQLiteStore) writeSnapshot(ctx context.Context, q dbtx, collection string, docs []types.Document) error {
	if docs == nil {
		docs = []types.Document{}
	}
	body, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("encode snapshot %q: %w", collection, err)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO collection_snapshots (collection, body, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(collection) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at
	`, collection, string(body), types.FormatTime(s.now()))
	if err != nil {
		return fmt.Errorf("store snapshot %q: %w", collection, err)
	}
	return nil
}
