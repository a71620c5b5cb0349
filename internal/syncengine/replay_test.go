package syncengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/remote/remotetest"
	"github.com/hyperengineering/formsync/internal/store"
	"github.com/hyperengineering/formsync/internal/types"
)

// manualConn is a connectivity source that never fires reconnects, so a
// test decides exactly when replays run.
type manualConn struct {
	online atomic.Bool
}

func newManualConn(online bool) *manualConn {
	c := &manualConn{}
	c.online.Store(online)
	return c
}

func (c *manualConn) IsOnline() bool { return c.online.Load() }

func (c *manualConn) OnReconnect(fn func()) (cancel func()) { return func() {} }

func (c *manualConn) set(online bool) { c.online.Store(online) }

// sequentialIDs issues prefix-1, prefix-2, ...
func sequentialIDs(prefix string) func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("%s-%d", prefix, n.Add(1)) }
}

func newManualEngine(t *testing.T, local Local, rs remote.Store, conn *manualConn, opts ...Option) *Engine[formPayload] {
	t.Helper()
	opts = append([]Option{
		WithClock(stepClock()),
		WithInitialStatus(types.StatusPending),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	e, err := New[formPayload]("forms", local, rs, conn, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { e.Close() })
	return e
}

func replay(t *testing.T, e *Engine[formPayload]) ReplayResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := e.ReplayPending(ctx)
	if err != nil {
		t.Fatalf("ReplayPending: %v", err)
	}
	return res
}

func TestReplayPending_OfflineIsSkipped(t *testing.T) {
	// Given: two operations queued offline
	rs := remotetest.New()
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn)
	ctx := context.Background()
	_, _ = e.Create(ctx, formPayload{OrderCode: "A"})
	_, _ = e.Create(ctx, formPayload{OrderCode: "B"})

	// When: a replay is requested while still offline
	res := replay(t, e)

	// Then: nothing is sent and both stay queued
	if !res.Offline || res.Remaining != 2 || res.Applied != 0 {
		t.Errorf("result = %+v, want offline with 2 remaining", res)
	}
	if calls := rs.Calls(); len(calls) != 0 {
		t.Errorf("remote calls = %v, want none", callStrings(calls))
	}
}

func TestReplayPending_PreservesOperationOrder(t *testing.T) {
	// Given: create, update and delete of one record queued offline
	rs := remotetest.New()
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn, WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	rec, _ := e.Create(ctx, formPayload{OrderCode: "A"})
	if _, err := e.Update(ctx, rec.ID, formPayload{OrderCode: "A2"}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := e.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// When: replayed online
	conn.set(true)
	res := replay(t, e)

	// Then: the remote saw the operations in the order they were made
	want := []string{"create:form-1", "update:form-1", "delete:form-1"}
	if got := callStrings(rs.MutationCalls()); !equalStrings(got, want) {
		t.Errorf("mutation calls = %v, want %v", got, want)
	}
	if res.Applied != 3 || res.Remaining != 0 {
		t.Errorf("result = %+v, want 3 applied", res)
	}
	if docs := rs.Documents("forms"); len(docs) != 0 {
		t.Errorf("remote has %d documents, want 0", len(docs))
	}
}

// runSequence applies the same mutations to any engine.
func runSequence(t *testing.T, e *Engine[formPayload]) {
	t.Helper()
	ctx := context.Background()
	a, err := e.Create(ctx, formPayload{OrderCode: "A"})
	if err != nil {
		t.Fatalf("Create A: %v", err)
	}
	b, _ := e.Create(ctx, formPayload{OrderCode: "B"})
	c, _ := e.Create(ctx, formPayload{OrderCode: "C"})
	if _, err := e.Update(ctx, a.ID, formPayload{OrderCode: "A", Notes: "checked"}); err != nil {
		t.Fatalf("Update A: %v", err)
	}
	if _, err := e.UpdateStatus(ctx, b.ID, types.StatusFinalized); err != nil {
		t.Fatalf("UpdateStatus B: %v", err)
	}
	if err := e.Delete(ctx, c.ID); err != nil {
		t.Fatalf("Delete C: %v", err)
	}
	if _, err := e.UpdateStatus(ctx, b.ID, types.StatusPending); err != nil {
		t.Fatalf("reopen B: %v", err)
	}
}

func TestReplayPending_OfflineThenReplayMatchesOnline(t *testing.T) {
	// Given: one engine that stays online and one that works offline
	onlineRemote := remotetest.New()
	onlineEngine := newManualEngine(t, store.NewMemoryStore(), onlineRemote, newManualConn(true),
		WithIDGenerator(sequentialIDs("form")))

	offlineRemote := remotetest.New()
	offlineConn := newManualConn(false)
	offlineEngine := newManualEngine(t, store.NewMemoryStore(), offlineRemote, offlineConn,
		WithIDGenerator(sequentialIDs("form")))

	// When: both run the same sequence and the offline one replays
	runSequence(t, onlineEngine)
	if err := onlineEngine.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	runSequence(t, offlineEngine)
	offlineConn.set(true)
	replay(t, offlineEngine)

	// Then: both remotes hold the same documents
	got, want := offlineRemote.Documents("forms"), onlineRemote.Documents("forms")
	if !reflect.DeepEqual(got, want) {
		t.Errorf("offline+replay remote = %+v\nonline remote = %+v", got, want)
	}
	if len(want) != 2 {
		t.Errorf("remote has %d documents, want 2", len(want))
	}

	// And: both caches agree with their remotes
	gotList, _ := offlineEngine.ListAll(context.Background())
	wantList, _ := onlineEngine.ListAll(context.Background())
	if !reflect.DeepEqual(gotList, wantList) {
		t.Errorf("listings differ:\n%+v\n%+v", gotList, wantList)
	}
}

func TestReplayPending_StopsAtRetryableFailure(t *testing.T) {
	// Given: two queued creates and a remote that fails the first attempt
	rs := remotetest.New()
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn, WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	_, _ = e.Create(ctx, formPayload{OrderCode: "A"})
	_, _ = e.Create(ctx, formPayload{OrderCode: "B"})
	conn.set(true)
	rs.FailNext("create", remote.Unavailable("create", errors.New("connection reset")))

	// When: replayed
	res := replay(t, e)

	// Then: the run stops without touching the second operation
	if res.Interrupted == nil || !errors.Is(res.Interrupted, remote.ErrUnavailable) {
		t.Errorf("Interrupted = %v, want unavailable", res.Interrupted)
	}
	if res.Applied != 0 || res.Remaining != 2 {
		t.Errorf("result = %+v, want 0 applied, 2 remaining", res)
	}
	if got := callStrings(rs.MutationCalls()); !equalStrings(got, []string{"create:form-1"}) {
		t.Errorf("mutation calls = %v", got)
	}

	// When: replayed again
	res = replay(t, e)

	// Then: both go through in order
	if res.Applied != 2 || res.Remaining != 0 {
		t.Errorf("second result = %+v, want 2 applied", res)
	}
	want := []string{"create:form-1", "create:form-1", "create:form-2"}
	if got := callStrings(rs.MutationCalls()); !equalStrings(got, want) {
		t.Errorf("mutation calls = %v, want %v", got, want)
	}
}

func TestReplayPending_PermanentFailureIsRejected(t *testing.T) {
	// Given: an update the remote refuses, queued between two creates
	rs := remotetest.New()
	conn := newManualConn(false)
	local := store.NewMemoryStore()
	e := newManualEngine(t, local, rs, conn, WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	a, _ := e.Create(ctx, formPayload{OrderCode: "A"})
	_, _ = e.Update(ctx, a.ID, formPayload{OrderCode: "A2"})
	_, _ = e.Create(ctx, formPayload{OrderCode: "B"})
	conn.set(true)
	rs.FailNext("update", fmt.Errorf("update: %w: permission denied", remote.ErrRejected))

	// When: replayed
	res := replay(t, e)

	// Then: the rejected update is set aside and the rest apply
	if res.Applied != 2 || res.Rejected != 1 || res.Remaining != 0 {
		t.Errorf("result = %+v, want 2 applied, 1 rejected", res)
	}
	rejected, err := e.Rejected(ctx)
	if err != nil {
		t.Fatalf("Rejected: %v", err)
	}
	if len(rejected) != 1 || rejected[0].Kind != types.OpUpdate || rejected[0].TargetID != a.ID {
		t.Fatalf("Rejected = %+v, want the update of %s", rejected, a.ID)
	}
	if rejected[0].Reason == "" {
		t.Error("rejection has no reason")
	}
	if pending, _ := e.HasPendingWrites(ctx); pending {
		t.Error("HasPendingWrites = true after rejection")
	}

	// And: the reconcile brought the cache back in line with the remote
	got, _ := e.Get(ctx, a.ID)
	if got.Payload.OrderCode != "A" {
		t.Errorf("cached payload = %q, want remote value A", got.Payload.OrderCode)
	}
}

func TestReplayPending_DeleteOfMissingRemoteIsApplied(t *testing.T) {
	// Given: a synced record deleted remotely by someone else
	rs := remotetest.New()
	conn := newManualConn(true)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn, WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	rec, _ := e.Create(ctx, formPayload{OrderCode: "A"})
	replay(t, e)
	conn.set(false)
	if err := rs.Delete(ctx, "forms", rec.ID); err != nil {
		t.Fatalf("remote delete: %v", err)
	}

	// When: the local delete is replayed
	if err := e.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	conn.set(true)
	res := replay(t, e)

	// Then: it counts as applied, not rejected
	if res.Applied != 1 || res.Rejected != 0 {
		t.Errorf("result = %+v, want 1 applied", res)
	}
}

func TestReplayPending_RemoteAssignedIDIsReconciled(t *testing.T) {
	// Given: a remote that ignores client ids, and a create plus status
	// change queued offline
	rs := remotetest.New()
	rs.AssignIDs(true)
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn, WithIDGenerator(sequentialIDs("local")))
	ctx := context.Background()
	rec, _ := e.Create(ctx, formPayload{OrderCode: "A"})
	if _, err := e.UpdateStatus(ctx, rec.ID, types.StatusFinalized); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// When: replayed
	conn.set(true)
	res := replay(t, e)

	// Then: the status change followed the record to its remote id
	if res.Applied != 2 || res.Rejected != 0 {
		t.Fatalf("result = %+v, want 2 applied", res)
	}
	docs := rs.Documents("forms")
	if len(docs) != 1 {
		t.Fatalf("remote has %d documents, want 1", len(docs))
	}
	remoteID := docs[0].ID
	if remoteID == rec.ID {
		t.Fatal("remote kept the local id; AssignIDs not in effect")
	}
	if docs[0].Status != types.StatusFinalized {
		t.Errorf("remote status = %q, want finalized", docs[0].Status)
	}
	wantCalls := []string{"create:local-1", "update:" + remoteID}
	if got := callStrings(rs.MutationCalls()); !equalStrings(got, wantCalls) {
		t.Errorf("mutation calls = %v, want %v", got, wantCalls)
	}

	// And: the cache holds the record under its remote id only
	list, _ := e.ListAll(ctx)
	if len(list) != 1 || list[0].ID != remoteID {
		t.Errorf("ListAll = %+v, want one record %s", list, remoteID)
	}
}

func TestReplayPending_CrashAfterPartialReplay(t *testing.T) {
	// Given: a durable store with three queued operations, and a replay
	// that confirmed only the first before the process died
	path := filepath.Join(t.TempDir(), "local.db")
	local, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rs := remotetest.New()
	conn := newManualConn(false)
	first := newManualEngine(t, local, rs, conn, WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	a, _ := first.Create(ctx, formPayload{OrderCode: "A"})
	_, _ = first.Update(ctx, a.ID, formPayload{OrderCode: "A2"})
	_, _ = first.Create(ctx, formPayload{OrderCode: "B"})

	conn.set(true)
	rs.FailNext("update", remote.Unavailable("update", errors.New("connection reset")))
	if res := replay(t, first); res.Applied != 1 {
		t.Fatalf("first replay = %+v, want 1 applied", res)
	}
	first.Close()
	local.Close()

	// When: a new engine opens the same store and replays
	reopened, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	rs.ResetCalls()
	second := newManualEngine(t, reopened, rs, newManualConn(true), WithIDGenerator(sequentialIDs("other")))
	res := replay(t, second)

	// Then: only the unconfirmed operations are sent
	want := []string{"update:form-1", "create:form-2"}
	if got := callStrings(rs.MutationCalls()); !equalStrings(got, want) {
		t.Errorf("mutation calls = %v, want %v", got, want)
	}
	if res.Applied != 2 || res.Remaining != 0 {
		t.Errorf("result = %+v, want 2 applied", res)
	}
	if got, _ := rs.Get("forms", a.ID); string(got.Payload) != `{"order_code":"A2"}` {
		t.Errorf("remote payload = %s, want A2", got.Payload)
	}
}

func TestReplayPending_CrashBeforeAcknowledge(t *testing.T) {
	// Given: a queued create the remote already applied before the process
	// died, so the log still holds it
	path := filepath.Join(t.TempDir(), "local.db")
	local, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	rs := remotetest.New()
	first := newManualEngine(t, local, rs, newManualConn(false), WithIDGenerator(sequentialIDs("form")))
	ctx := context.Background()
	if _, err := first.Create(ctx, formPayload{OrderCode: "A"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	ops, _ := local.Drain(ctx, "forms")
	if len(ops) != 1 || ops[0].Document == nil {
		t.Fatalf("log = %+v, want one create", ops)
	}
	applied := *ops[0].Document
	applied.ID = ops[0].TargetID
	rs.Put("forms", applied)
	first.Close()
	local.Close()

	// When: a new engine replays
	reopened, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { reopened.Close() })
	second := newManualEngine(t, reopened, rs, newManualConn(true))
	res := replay(t, second)

	// Then: the duplicate create is treated as confirmed
	if res.Applied != 1 || res.Rejected != 0 {
		t.Errorf("result = %+v, want 1 applied", res)
	}
	if docs := rs.Documents("forms"); len(docs) != 1 {
		t.Errorf("remote has %d documents, want 1", len(docs))
	}
	if pending, _ := second.HasPendingWrites(ctx); pending {
		t.Error("HasPendingWrites = true, want false")
	}
}

// gatedStore blocks creates until released.
type gatedStore struct {
	*remotetest.Store
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Store.Create(ctx, collection, doc)
}

func TestReplayPending_ConcurrentRequestsCoalesce(t *testing.T) {
	// Given: a replay blocked inside a remote create
	rs := &gatedStore{Store: remotetest.New(), entered: make(chan struct{}, 1), release: make(chan struct{})}
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn)
	ctx := context.Background()
	_, _ = e.Create(ctx, formPayload{OrderCode: "A"})
	conn.set(true)

	firstDone := make(chan ReplayResult, 1)
	go func() {
		res, _ := e.ReplayPending(ctx)
		firstDone <- res
	}()
	select {
	case <-rs.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("replay never reached the remote")
	}

	// When: several more replays are requested meanwhile
	const callers = 4
	var wg sync.WaitGroup
	results := make([]ReplayResult, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = e.ReplayPending(ctx)
		}(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.replayMu.Lock()
		joined := 0
		if e.queued != nil {
			joined = len(e.queued.waiters)
		}
		e.replayMu.Unlock()
		if joined == callers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d requests queued", joined, callers)
		}
		time.Sleep(time.Millisecond)
	}
	close(rs.release)
	wg.Wait()

	// Then: they were served by one follow-up run
	if res := <-firstDone; res.Applied != 1 {
		t.Errorf("first result = %+v, want 1 applied", res)
	}
	for i, res := range results {
		if res.Applied != 0 || res.Remaining != 0 {
			t.Errorf("follow-up result %d = %+v, want empty run", i, res)
		}
	}
	lists := 0
	for _, c := range rs.Calls() {
		if c.Op == "list" {
			lists++
		}
	}
	if lists != 2 {
		t.Errorf("list calls = %d, want 2 (one per run)", lists)
	}
}

// stalledStore never answers creates before the deadline.
type stalledStore struct {
	*remotetest.Store
}

func (s stalledStore) Create(ctx context.Context, collection string, doc types.Document) (string, error) {
	<-ctx.Done()
	return "", remote.Unavailable("create", ctx.Err())
}

func TestReplayPending_TimeoutKeepsOperationQueued(t *testing.T) {
	rs := stalledStore{remotetest.New()}
	e := newManualEngine(t, store.NewMemoryStore(), rs, newManualConn(true), WithTimeout(20*time.Millisecond))
	ctx := context.Background()

	rec, err := e.Create(ctx, formPayload{OrderCode: "A"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	res := replay(t, e)

	if res.Interrupted == nil || res.Remaining != 1 {
		t.Errorf("result = %+v, want interrupted with 1 remaining", res)
	}
	if pending, _ := e.HasPendingWrites(ctx); !pending {
		t.Error("timed out create is no longer pending")
	}
	if _, err := e.Get(ctx, rec.ID); err != nil {
		t.Errorf("record lost from cache: %v", err)
	}
}

func TestReplayPending_RefusedCredentialsKeepOperationQueued(t *testing.T) {
	// Given: a create queued offline
	rs := remotetest.New()
	conn := newManualConn(false)
	e := newManualEngine(t, store.NewMemoryStore(), rs, conn)
	ctx := context.Background()
	rec, _ := e.Create(ctx, formPayload{OrderCode: "A"})

	// When: the remote refuses the credentials on reconnect
	conn.set(true)
	rs.FailNext("create", fmt.Errorf("create: %w", remote.ErrUnauthorized))
	res := replay(t, e)

	// Then: the run stops without rejecting the create
	if !errors.Is(res.Interrupted, remote.ErrUnauthorized) {
		t.Errorf("Interrupted = %v, want ErrUnauthorized", res.Interrupted)
	}
	if res.Rejected != 0 || res.Remaining != 1 {
		t.Errorf("result = %+v, want 0 rejected and 1 remaining", res)
	}
	if rejected, _ := e.Rejected(ctx); len(rejected) != 0 {
		t.Errorf("Rejected = %+v, want none", rejected)
	}

	// When: the credentials are accepted again
	res = replay(t, e)

	// Then: the create goes through
	if res.Applied != 1 || res.Remaining != 0 {
		t.Errorf("result = %+v, want 1 applied", res)
	}
	if _, ok := rs.Get("forms", rec.ID); !ok {
		t.Error("create never reached the remote")
	}
}
