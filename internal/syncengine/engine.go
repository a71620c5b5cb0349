// Package syncengine keeps a local cache of one collection consistent with
// a remote document store across unreliable connectivity.
//
// Every mutation is applied to the local cache before the call returns.
// When online with nothing queued, a single dispatcher goroutine sends it
// to the remote store and the pending operation log only receives it if
// that attempt fails. Offline, or behind earlier queued operations, the
// mutation is logged together with the cache write. The dispatcher
// replays the log in order, acknowledging each operation as the remote
// confirms it. Callers never wait on the network and never see
// connectivity failures as errors.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
)

var (
	// ErrNotFound is returned when a mutation names an id that is not in
	// the local cache.
	ErrNotFound = errors.New("record not found")

	// ErrExists is returned when a create names an id already cached.
	ErrExists = errors.New("record already exists")

	// ErrInvalidStatus is returned for a status outside the lifecycle.
	ErrInvalidStatus = errors.New("invalid status")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("sync engine closed")
)

// Cache is the local snapshot of each collection. Commit applies a change
// and logs its operation, if any, atomically.
type Cache interface {
	Read(ctx context.Context, collection string) ([]types.Document, error)
	Write(ctx context.Context, collection string, docs []types.Document) error
	Commit(ctx context.Context, collection string, c types.Change) error
}

// Log is the durable FIFO of operations not yet confirmed remotely.
type Log interface {
	Enqueue(ctx context.Context, op types.PendingOperation) (types.PendingOperation, error)
	Drain(ctx context.Context, collection string) ([]types.PendingOperation, error)
	Acknowledge(ctx context.Context, op types.PendingOperation) error
	HasPending(ctx context.Context, collection string) (bool, error)
	Reject(ctx context.Context, op types.PendingOperation, reason string) error
	Rejected(ctx context.Context, collection string) ([]types.RejectedOperation, error)
}

// Local is the on-device state the engine owns.
type Local interface {
	Cache
	Log
}

// IDRewriter is implemented by local stores that can rename a cached
// document and retarget its queued operations atomically. It is needed only
// when a remote store ignores caller-supplied ids.
type IDRewriter interface {
	RewriteID(ctx context.Context, collection, oldID, newID string) error
}

// Connectivity reports whether the remote is believed reachable.
type Connectivity interface {
	IsOnline() bool
	OnReconnect(fn func()) (cancel func())
}

// Record is the typed view of a cached document.
type Record[P any] struct {
	ID         string       `json:"id"`
	Status     types.Status `json:"status,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ModifiedAt time.Time    `json:"modified_at"`
	Payload    P            `json:"payload"`
}

// Engine synchronizes one collection.
type Engine[P any] struct {
	collection string
	local      Local
	remote     remote.Store
	conn       Connectivity
	opts       options
	logger     *slog.Logger

	// mu serializes local mutations so that a cache write and its log entry
	// are never interleaved with another mutation or an id rewrite.
	mu sync.Mutex
	// direct holds writes sent straight to the remote whose outcome is not
	// known yet, oldest first. Every logged operation is older than every
	// entry here. Guarded by mu.
	direct []types.PendingOperation

	dispatch *dispatcher
	replayMu sync.Mutex
	queued   *replayRequest

	ctx             context.Context
	cancel          context.CancelFunc
	cancelReconnect func()
	closed          chan struct{}
	closeOnce       sync.Once
	wg              sync.WaitGroup
}

// New starts an engine for collection. The engine replays pending
// operations whenever conn reports a reconnect.
func New[P any](collection string, local Local, rs remote.Store, conn Connectivity, opts ...Option) (*Engine[P], error) {
	if err := validation.ValidateCollection(collection); err != nil {
		return nil, fmt.Errorf("new sync engine: %w", err)
	}
	if local == nil || rs == nil || conn == nil {
		return nil, errors.New("new sync engine: local store, remote store and connectivity are required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine[P]{
		collection: collection,
		local:      local,
		remote:     rs,
		conn:       conn,
		opts:       o,
		logger:     o.logger.With("component", "syncengine", "collection", collection),
		dispatch:   newDispatcher(),
		ctx:        ctx,
		cancel:     cancel,
		closed:     make(chan struct{}),
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatch.run(ctx)
	}()

	e.cancelReconnect = conn.OnReconnect(func() {
		e.logger.Info("reconnected, replaying pending operations")
		e.requestReplay(true, nil)
	})

	return e, nil
}

// Collection returns the collection this engine synchronizes.
func (e *Engine[P]) Collection() string {
	return e.collection
}

// IsOnline reports the connectivity state the engine acts on.
func (e *Engine[P]) IsOnline() bool {
	return e.conn.IsOnline()
}

// HasPendingWrites reports whether the log holds operations awaiting
// replay. A direct write still in flight is not pending; it becomes
// pending only if its remote attempt fails.
func (e *Engine[P]) HasPendingWrites(ctx context.Context) (bool, error) {
	return e.local.HasPending(ctx, e.collection)
}

// Rejected lists operations the remote refused permanently.
func (e *Engine[P]) Rejected(ctx context.Context) ([]types.RejectedOperation, error) {
	return e.local.Rejected(ctx, e.collection)
}

// Flush waits until every remote attempt submitted before the call has
// finished, successfully or not.
func (e *Engine[P]) Flush(ctx context.Context) error {
	return e.do(ctx, func(context.Context) {})
}

// Close stops the dispatcher. Direct writes it never attempted are logged,
// so queued operations are replayed by the next engine over the same
// store.
func (e *Engine[P]) Close() error {
	e.closeOnce.Do(func() {
		e.cancelReconnect()
		e.cancel()
		close(e.closed)
		e.wg.Wait()
		e.logDirect(context.Background())
	})
	return nil
}

// do runs fn on the dispatcher and waits for it to finish.
func (e *Engine[P]) do(ctx context.Context, fn func(context.Context)) error {
	done := make(chan struct{})
	if !e.dispatch.submit(func(jctx context.Context) {
		defer close(done)
		fn(jctx)
	}) {
		return ErrClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.closed:
		return ErrClosed
	}
}

func (e *Engine[P]) newDocument(id string, payload P) (types.Document, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return types.Document{}, fmt.Errorf("encode payload: %w", err)
	}
	now := e.opts.clock().UTC()
	return types.Document{
		ID:         id,
		Status:     e.opts.initialStatus,
		CreatedAt:  now,
		ModifiedAt: now,
		Payload:    raw,
	}, nil
}

func toRecord[P any](doc types.Document) (Record[P], error) {
	rec := Record[P]{
		ID:         doc.ID,
		Status:     doc.Status,
		CreatedAt:  doc.CreatedAt,
		ModifiedAt: doc.ModifiedAt,
	}
	if err := json.Unmarshal(doc.Payload, &rec.Payload); err != nil {
		return rec, fmt.Errorf("decode payload of %s: %w", doc.ID, err)
	}
	return rec, nil
}

// toRecords converts documents, skipping any whose payload does not fit P.
func (e *Engine[P]) toRecords(docs []types.Document) []Record[P] {
	out := make([]Record[P], 0, len(docs))
	for _, d := range docs {
		rec, err := toRecord[P](d)
		if err != nil {
			e.logger.Warn("skipping undecodable record", "id", d.ID, "error", err)
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	clock         func() time.Time
	newID         func() string
	timeout       time.Duration
	retention     int
	initialStatus types.Status
	order         types.Order
	logger        *slog.Logger
}

func defaultOptions() options {
	return options{
		clock:   time.Now,
		newID:   func() string { return uuid.NewString() },
		timeout: 10 * time.Second,
		order:   types.DefaultOrder,
		logger:  slog.Default(),
	}
}

// WithClock sets the source of created and modified timestamps.
func WithClock(clock func() time.Time) Option {
	return func(o *options) { o.clock = clock }
}

// WithIDGenerator replaces the random UUID generator for new records.
func WithIDGenerator(fn func() string) Option {
	return func(o *options) { o.newID = fn }
}

// WithTimeout bounds each remote call. A timeout counts as a retryable
// failure.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// WithRetention keeps at most n records in the local cache, dropping the
// oldest by creation time. The remote store keeps everything. Zero means
// unbounded.
func WithRetention(n int) Option {
	return func(o *options) { o.retention = n }
}

// WithInitialStatus sets the status of newly created records.
func WithInitialStatus(s types.Status) Option {
	return func(o *options) { o.initialStatus = s }
}

// WithOrder sets the remote listing order. The cache is always kept most
// recently modified first.
func WithOrder(order types.Order) Option {
	return func(o *options) { o.order = order }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}
