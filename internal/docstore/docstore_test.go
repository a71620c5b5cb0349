package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/formsync/internal/connectivity"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/store"
	"github.com/hyperengineering/formsync/internal/syncengine"
	"github.com/hyperengineering/formsync/internal/types"
)

var base = time.Date(2025, 5, 6, 12, 0, 0, 0, time.UTC)

func quiet() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), DriverSQLite, filepath.Join(dir, "docs.db"),
		WithSnapshotDir(filepath.Join(dir, "snapshots")),
		WithConnectRetries(1, time.Millisecond),
		WithLogger(quiet()),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func doc(id string, minute int) types.Document {
	at := base.Add(time.Duration(minute) * time.Minute)
	return types.Document{
		ID:         id,
		Status:     types.StatusPending,
		CreatedAt:  at,
		ModifiedAt: at,
		Payload:    json.RawMessage(`{"order_code":"` + id + `"}`),
	}
}

func ids(docs []types.Document) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestCreateAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, d := range []types.Document{doc("a", 1), doc("b", 3), doc("c", 2)} {
		id, err := s.Create(ctx, "forms", d)
		if err != nil {
			t.Fatalf("Create(%s): %v", d.ID, err)
		}
		if id != d.ID {
			t.Errorf("Create returned %q, want caller id %q", id, d.ID)
		}
	}
	if _, err := s.Create(ctx, "audit_log", doc("x", 0)); err != nil {
		t.Fatalf("Create in other collection: %v", err)
	}

	tests := []struct {
		order types.Order
		want  []string
	}{
		{types.DefaultOrder, []string{"b", "c", "a"}},
		{types.Order{Field: types.OrderByCreatedAt, Direction: types.Ascending}, []string{"a", "c", "b"}},
		{types.Order{Field: "bogus"}, []string{"b", "c", "a"}},
	}
	for _, tt := range tests {
		docs, err := s.List(ctx, "forms", tt.order)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if got := ids(docs); !equal(got, tt.want) {
			t.Errorf("List(%+v) = %v, want %v", tt.order, got, tt.want)
		}
	}

	got, err := s.Get(ctx, "forms", "b")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.CreatedAt.Equal(base.Add(3*time.Minute)) || string(got.Payload) != `{"order_code":"b"}` {
		t.Errorf("Get = %+v", got)
	}

	n, err := s.Count(ctx)
	if err != nil || n != 4 {
		t.Errorf("Count = %d, %v, want 4", n, err)
	}
	colls, _ := s.Collections(ctx)
	if !equal(colls, []string{"audit_log", "forms"}) {
		t.Errorf("Collections = %v", colls)
	}
}

func TestEqualTimestampsTieBreakOnID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"m", "z", "a"} {
		if _, err := s.Create(ctx, "forms", doc(id, 0)); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	got, _ := s.List(ctx, "forms", types.DefaultOrder)
	want := append([]types.Document(nil), got...)
	types.SortDocuments(want, types.DefaultOrder)
	if !equal(ids(got), ids(want)) {
		t.Errorf("SQL order %v differs from SortDocuments %v", ids(got), ids(want))
	}
}

func TestCreate_Errors(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "forms", doc("a", 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tests := []struct {
		name       string
		collection string
		doc        types.Document
		want       error
	}{
		{"duplicate id", "forms", doc("a", 1), remote.ErrAlreadyExists},
		{"missing id", "forms", doc("", 1), remote.ErrInvalidDocument},
		{"payload not an object", "forms", types.Document{ID: "p", CreatedAt: base, ModifiedAt: base, Payload: json.RawMessage(`[1]`)}, remote.ErrInvalidDocument},
		{"bad collection", "Forms!", doc("q", 1), remote.ErrInvalidDocument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Create(ctx, tt.collection, tt.doc)
			if !errors.Is(err, tt.want) {
				t.Errorf("Create = %v, want %v", err, tt.want)
			}
			if !remote.IsPermanent(err) {
				t.Errorf("IsPermanent(%v) = false", err)
			}
		})
	}
}

func TestUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "forms", doc("a", 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// When: only the status is patched
	later := base.Add(time.Hour)
	if err := s.Update(ctx, "forms", "a", types.Patch{Status: types.StatusFinalized, ModifiedAt: later}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// Then: payload and created_at are untouched
	got, _ := s.Get(ctx, "forms", "a")
	if got.Status != types.StatusFinalized || !got.ModifiedAt.Equal(later) {
		t.Errorf("after status patch = %+v", got)
	}
	if string(got.Payload) != `{"order_code":"a"}` || !got.CreatedAt.Equal(base) {
		t.Errorf("untouched fields changed: %+v", got)
	}

	// And: writing identical values still finds the row
	if err := s.Update(ctx, "forms", "a", types.Patch{Status: types.StatusFinalized, ModifiedAt: later}); err != nil {
		t.Errorf("identical Update = %v", err)
	}

	if err := s.Update(ctx, "forms", "missing", types.Patch{Status: types.StatusPending, ModifiedAt: later}); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Update missing = %v, want ErrNotFound", err)
	}
	if err := s.Update(ctx, "forms", "a", types.Patch{ModifiedAt: later}); !errors.Is(err, remote.ErrInvalidDocument) {
		t.Errorf("empty patch = %v, want ErrInvalidDocument", err)
	}
}

func TestDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, "forms", doc("a", 0))

	if err := s.Delete(ctx, "forms", "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, "forms", "a"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("Get after delete = %v", err)
	}
	if err := s.Delete(ctx, "forms", "a"); !errors.Is(err, remote.ErrNotFound) {
		t.Errorf("second Delete = %v, want ErrNotFound", err)
	}
}

func TestClosedDatabaseIsUnavailable(t *testing.T) {
	s := newTestStore(t)
	s.db.Close()

	_, err := s.List(context.Background(), "forms", types.DefaultOrder)
	if !errors.Is(err, remote.ErrUnavailable) {
		t.Errorf("List on closed db = %v, want ErrUnavailable", err)
	}
	if !remote.IsRetryable(err) {
		t.Error("closed database error is not retryable")
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "x")
	if !errors.Is(err, ErrUnsupportedDriver) {
		t.Errorf("Open = %v, want ErrUnsupportedDriver", err)
	}
}

func TestOpen_MySQL(t *testing.T) {
	dsn := os.Getenv("FORMSYNC_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("FORMSYNC_TEST_MYSQL_DSN not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, DriverMySQL, dsn, WithSnapshotDir(t.TempDir()), WithLogger(quiet()))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	id := "mysql-" + time.Now().Format("150405.000000000")
	if _, err := s.Create(ctx, "forms", doc(id, 0)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Delete(ctx, "forms", id)
	if _, err := s.Create(ctx, "forms", doc(id, 0)); !errors.Is(err, remote.ErrAlreadyExists) {
		t.Errorf("duplicate Create = %v, want ErrAlreadyExists", err)
	}
	if err := s.GenerateSnapshot(ctx); err != nil {
		t.Errorf("GenerateSnapshot: %v", err)
	}
}

func TestSnapshot(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSnapshotPath(ctx); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("GetSnapshotPath before generate = %v, want ErrNoSnapshot", err)
	}
	if s.LastSnapshot() != nil {
		t.Error("LastSnapshot set before generate")
	}

	_, _ = s.Create(ctx, "forms", doc("a", 0))
	_, _ = s.Create(ctx, "forms", doc("b", 1))
	if err := s.GenerateSnapshot(ctx); err != nil {
		t.Fatalf("GenerateSnapshot: %v", err)
	}
	// A second run replaces the first
	if err := s.GenerateSnapshot(ctx); err != nil {
		t.Fatalf("GenerateSnapshot again: %v", err)
	}

	path, err := s.GetSnapshotPath(ctx)
	if err != nil {
		t.Fatalf("GetSnapshotPath: %v", err)
	}
	if s.LastSnapshot() == nil {
		t.Error("LastSnapshot not recorded")
	}

	snap, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open snapshot: %v", err)
	}
	defer snap.Close()
	var n int
	if err := snap.QueryRow("SELECT COUNT(*) FROM documents").Scan(&n); err != nil {
		t.Fatalf("count snapshot: %v", err)
	}
	if n != 2 {
		t.Errorf("snapshot holds %d documents, want 2", n)
	}
}

func TestSnapshot_ExportMatchesVacuum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, "forms", doc("a", 0))
	_, _ = s.Create(ctx, "audit_log", doc("e", 1))

	path := filepath.Join(t.TempDir(), "export.db")
	if err := s.export(ctx, path); err != nil {
		t.Fatalf("export: %v", err)
	}
	snap, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer snap.Close()
	var payload string
	if err := snap.QueryRow("SELECT payload FROM documents WHERE collection = 'audit_log' AND id = 'e'").Scan(&payload); err != nil {
		t.Fatalf("read export: %v", err)
	}
	if payload != `{"order_code":"e"}` {
		t.Errorf("exported payload = %s", payload)
	}
}

func TestSubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, _ = s.Create(ctx, "forms", doc("a", 0))

	updates := make(chan []string, 16)
	unsubscribe, err := s.Subscribe(ctx, "forms", types.DefaultOrder,
		func(docs []types.Document) { updates <- ids(docs) },
		func(err error) { t.Errorf("onError: %v", err) },
	)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	next := func() []string {
		t.Helper()
		select {
		case got := <-updates:
			return got
		case <-time.After(2 * time.Second):
			t.Fatal("no delivery")
			return nil
		}
	}

	// Then: the current list arrives first
	if got := next(); !equal(got, []string{"a"}) {
		t.Errorf("initial = %v", got)
	}

	// When: a document is added
	_, _ = s.Create(ctx, "forms", doc("b", 1))
	if got := next(); !equal(got, []string{"b", "a"}) {
		t.Errorf("after create = %v", got)
	}

	// Writes to other collections are not delivered
	_, _ = s.Create(ctx, "audit_log", doc("x", 2))
	select {
	case got := <-updates:
		t.Errorf("unexpected delivery %v", got)
	case <-time.After(50 * time.Millisecond):
	}

	unsubscribe()
	if s.Subscribers() != 0 {
		t.Errorf("Subscribers = %d after unsubscribe", s.Subscribers())
	}
	_, _ = s.Create(ctx, "forms", doc("c", 3))
	select {
	case got := <-updates:
		t.Errorf("delivery after unsubscribe: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribe_ReportsBrokenStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	delivered := make(chan struct{}, 4)
	failed := make(chan error, 1)
	_, err := s.Subscribe(ctx, "forms", types.DefaultOrder,
		func([]types.Document) { delivered <- struct{}{} },
		func(err error) { failed <- err },
	)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	<-delivered

	s.db.Close()
	s.hub.notify("forms")

	select {
	case err := <-failed:
		if !errors.Is(err, remote.ErrUnavailable) {
			t.Errorf("onError = %v, want ErrUnavailable", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("onError not called")
	}
	if s.Subscribers() != 0 {
		t.Error("broken subscription still registered")
	}
}

func TestEngineReplaysIntoDocstore(t *testing.T) {
	// Given: an engine whose remote is the SQL document store, offline
	rs := newTestStore(t)
	local, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "local.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer local.Close()
	monitor := connectivity.NewMonitor(false)

	type note struct {
		Text string `json:"text"`
	}
	e, err := syncengine.New[note]("notes", local, rs, monitor, syncengine.WithLogger(quiet()))
	if err != nil {
		t.Fatalf("syncengine.New: %v", err)
	}
	defer e.Close()
	ctx := context.Background()

	created, err := e.Create(ctx, note{Text: "first"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := e.Update(ctx, created.ID, note{Text: "edited"}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	// When: connectivity returns and pending writes are replayed
	monitor.SetOnline(true)
	if _, err := e.ReplayPending(ctx); err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}

	// Then: the store holds the edited document
	got, err := rs.Get(ctx, "notes", created.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got.Payload) != `{"text":"edited"}` {
		t.Errorf("payload = %s", got.Payload)
	}
}
