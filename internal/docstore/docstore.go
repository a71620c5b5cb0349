// Package docstore is the authoritative document store behind the formsync
// document service. It keeps every collection in one SQL table, on SQLite
// for single-node deployments or MySQL for shared ones, and implements
// remote.Store so clients on the same host can also use it directly.
package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/store"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"
	_ "modernc.org/sqlite"
)

// Supported drivers.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

// ErrUnsupportedDriver is returned by Open for an unknown driver name.
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Store is a SQL-backed remote.Store.
type Store struct {
	db          *sql.DB
	driver      string
	snapshotDir string
	logger      *slog.Logger
	hub         *hub

	snapMu       sync.Mutex
	lastSnapshot *time.Time
}

var _ remote.Store = (*Store)(nil)

type options struct {
	snapshotDir string
	retries     uint64
	retryBase   time.Duration
	logger      *slog.Logger
}

// Option configures Open.
type Option func(*options)

// WithSnapshotDir sets where GenerateSnapshot writes. Defaults to a
// "snapshots" directory next to a SQLite database, or the working directory.
func WithSnapshotDir(dir string) Option {
	return func(o *options) { o.snapshotDir = dir }
}

// WithConnectRetries sets how many times the first ping is retried, with
// exponential backoff starting at base.
func WithConnectRetries(n uint64, base time.Duration) Option {
	return func(o *options) {
		o.retries = n
		o.retryBase = base
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open connects to the database, waits for it to answer and applies the
// server migrations.
func Open(ctx context.Context, driver, dsn string, opts ...Option) (*Store, error) {
	o := options{retries: 5, retryBase: 200 * time.Millisecond, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	var (
		db      *sql.DB
		dialect goose.Dialect
		err     error
	)
	switch driver {
	case DriverSQLite:
		db, err = openSQLite(dsn)
		dialect = goose.DialectSQLite3
		if o.snapshotDir == "" {
			o.snapshotDir = filepath.Join(filepath.Dir(dsn), "snapshots")
		}
	case DriverMySQL:
		db, err = openMySQL(dsn)
		dialect = goose.DialectMySQL
		if o.snapshotDir == "" {
			o.snapshotDir = "snapshots"
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	if err != nil {
		return nil, err
	}

	logger := o.logger.With("component", "docstore", "driver", driver)
	backoff := retry.WithMaxRetries(o.retries, retry.NewExponential(o.retryBase))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			logger.Warn("database not ready", "error", err)
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", driver, err)
	}

	if err := store.Migrate(ctx, db, dialect, store.ServerMigrations); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("document store opened")
	return &Store{
		db:          db,
		driver:      driver,
		snapshotDir: o.snapshotDir,
		logger:      logger,
		hub:         newHub(),
	}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); path != ":memory:" && dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	// Matched rather than changed rows, so an update that writes identical
	// values is not mistaken for a missing document.
	cfg.ClientFoundRows = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

// Close stops every subscription and closes the database.
func (s *Store) Close() error {
	s.hub.closeAll()
	return s.db.Close()
}

// Driver returns the driver name the store was opened with.
func (s *Store) Driver() string {
	return s.driver
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Count returns the number of stored documents across all collections.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		return 0, remote.Unavailable("count", err)
	}
	return n, nil
}

// Collections returns the names of collections holding at least one
// document.
func (s *Store) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT DISTINCT collection FROM documents ORDER BY collection")
	if err != nil {
		return nil, remote.Unavailable("collections", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, remote.Unavailable("collections", err)
		}
		out = append(out, name)
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Unavailable("collections", err)
	}
	return out, nil
}

func (s *Store) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	if err := checkCollection(collection); err != nil {
		return "", err
	}
	if err := remote.CheckDocument(doc); err != nil {
		return "", err
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (collection, id, status, created_at, modified_at, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		collection, doc.ID, string(doc.Status),
		types.FormatTime(doc.CreatedAt), types.FormatTime(doc.ModifiedAt), string(doc.Payload),
	)
	if err != nil {
		if isDuplicate(err) {
			return "", fmt.Errorf("create %s: %w", doc.ID, remote.ErrAlreadyExists)
		}
		return "", remote.Unavailable("create", err)
	}

	s.hub.notify(collection)
	return doc.ID, nil
}

func (s *Store) Update(ctx context.Context, collection, id string, patch types.Patch) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	if err := remote.CheckPatch(patch); err != nil {
		return err
	}

	// Empty patch fields leave the column as it is.
	var payload, status, modified any
	if len(patch.Payload) > 0 {
		payload = string(patch.Payload)
	}
	if patch.Status != "" {
		status = string(patch.Status)
	}
	if !patch.ModifiedAt.IsZero() {
		modified = types.FormatTime(patch.ModifiedAt)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE documents
		 SET payload = COALESCE(?, payload),
		     status = COALESCE(?, status),
		     modified_at = COALESCE(?, modified_at)
		 WHERE collection = ? AND id = ?`,
		payload, status, modified, collection, id,
	)
	if err != nil {
		return remote.Unavailable("update", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return remote.Unavailable("update", err)
	}
	if n == 0 {
		return fmt.Errorf("update %s: %w", id, remote.ErrNotFound)
	}

	s.hub.notify(collection)
	return nil
}

func (s *Store) Delete(ctx context.Context, collection, id string) error {
	if err := checkCollection(collection); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM documents WHERE collection = ? AND id = ?", collection, id)
	if err != nil {
		return remote.Unavailable("delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return remote.Unavailable("delete", err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, remote.ErrNotFound)
	}

	s.hub.notify(collection)
	return nil
}

// Get returns one document.
func (s *Store) Get(ctx context.Context, collection, id string) (types.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, status, created_at, modified_at, payload
		 FROM documents WHERE collection = ? AND id = ?`, collection, id)
	doc, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Document{}, fmt.Errorf("get %s: %w", id, remote.ErrNotFound)
	}
	if err != nil {
		return types.Document{}, remote.Unavailable("get", err)
	}
	return doc, nil
}

func (s *Store) List(ctx context.Context, collection string, order types.Order) ([]types.Document, error) {
	if err := checkCollection(collection); err != nil {
		return nil, err
	}
	if !order.Valid() {
		order = types.DefaultOrder
	}

	// order is validated above; both parts come from fixed constants.
	column := "modified_at"
	if order.Field == types.OrderByCreatedAt {
		column = "created_at"
	}
	dir := "DESC"
	if order.Direction == types.Ascending {
		dir = "ASC"
	}
	query := fmt.Sprintf(
		`SELECT id, status, created_at, modified_at, payload
		 FROM documents WHERE collection = ?
		 ORDER BY %s %s, id %s`, column, dir, dir)

	rows, err := s.db.QueryContext(ctx, query, collection)
	if err != nil {
		return nil, remote.Unavailable("list", err)
	}
	defer rows.Close()

	docs := make([]types.Document, 0)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, remote.Unavailable("list", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, remote.Unavailable("list", err)
	}
	return remote.Sanitize(s.logger, collection, docs), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(sc scanner) (types.Document, error) {
	var (
		doc               types.Document
		status            string
		created, modified string
		payload           string
	)
	if err := sc.Scan(&doc.ID, &status, &created, &modified, &payload); err != nil {
		return types.Document{}, err
	}
	var err error
	if doc.CreatedAt, err = types.ParseTime(created); err != nil {
		return types.Document{}, fmt.Errorf("parse created_at of %s: %w", doc.ID, err)
	}
	if doc.ModifiedAt, err = types.ParseTime(modified); err != nil {
		return types.Document{}, fmt.Errorf("parse modified_at of %s: %w", doc.ID, err)
	}
	doc.Status = types.Status(status)
	doc.Payload = []byte(payload)
	return doc, nil
}

func checkCollection(name string) error {
	if verr := validation.ValidateCollection(name); verr != nil {
		return fmt.Errorf("%w: %s", remote.ErrInvalidDocument, verr.Error())
	}
	return nil
}

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDuplicateEntry
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
