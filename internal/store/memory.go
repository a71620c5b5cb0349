package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hyperengineering/formsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// MemoryStore keeps the cache and log in process memory. Nothing survives
// a restart.
type MemoryStore struct {
	mu        sync.Mutex
	snapshots map[string][]types.Document
	pending   []types.PendingOperation
	rejected  []types.RejectedOperation
	seq       int64
	now       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]types.Document),
		now:       time.Now,
	}
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) Read(ctx context.Context, collection string) ([]types.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Document, len(m.snapshots[collection]))
	copy(out, m.snapshots[collection])
	return out, nil
}

func (m *MemoryStore) Write(ctx context.Context, collection string, docs []types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[collection] = sortedCopy(docs)
	return nil
}

func (m *MemoryStore) Collections(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool)
	for name := range m.snapshots {
		seen[name] = true
	}
	for _, op := range m.pending {
		seen[op.Collection] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryStore) Enqueue(ctx context.Context, op types.PendingOperation) (types.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enqueueLocked(op)
}

// Commit applies c and appends c.Op under one lock. A duplicate operation
// id leaves both the snapshot and the log untouched.
func (m *MemoryStore) Commit(ctx context.Context, collection string, c types.Change) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c.Op != nil {
		op := *c.Op
		op.Collection = collection
		if _, err := m.enqueueLocked(op); err != nil {
			return err
		}
	}
	m.snapshots[collection] = applyChange(m.snapshots[collection], c)
	return nil
}

func (m *MemoryStore) enqueueLocked(op types.PendingOperation) (types.PendingOperation, error) {
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	for _, p := range m.pending {
		if p.ID == op.ID {
			return op, localErr("enqueue operation", fmt.Errorf("duplicate operation id %s", op.ID))
		}
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = m.now().UTC()
	}
	m.seq++
	op.Seq = m.seq
	m.pending = append(m.pending, op)
	return op, nil
}

func (m *MemoryStore) Drain(ctx context.Context, collection string) ([]types.PendingOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]types.PendingOperation, 0)
	for _, op := range m.pending {
		if op.Collection == collection {
			ops = append(ops, op)
		}
	}
	return ops, nil
}

func (m *MemoryStore) Acknowledge(ctx context.Context, op types.PendingOperation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropPending(op.ID)
	return nil
}

func (m *MemoryStore) HasPending(ctx context.Context, collection string) (bool, error) {
	n, err := m.Count(ctx, collection)
	return n > 0, err
}

func (m *MemoryStore) Count(ctx context.Context, collection string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, op := range m.pending {
		if op.Collection == collection {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Reject(ctx context.Context, op types.PendingOperation, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dropPending(op.ID)
	m.rejected = append(m.rejected, types.RejectedOperation{
		PendingOperation: op,
		Reason:           reason,
		RejectedAt:       m.now().UTC(),
	})
	return nil
}

func (m *MemoryStore) Rejected(ctx context.Context, collection string) ([]types.RejectedOperation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.RejectedOperation, 0)
	for _, r := range m.rejected {
		if r.Collection == collection {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *MemoryStore) RewriteID(ctx context.Context, collection, oldID, newID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[collection] = renameDocument(m.snapshots[collection], oldID, newID)
	for i := range m.pending {
		if m.pending[i].Collection == collection && m.pending[i].TargetID == oldID {
			m.pending[i].TargetID = newID
		}
	}
	return nil
}

func (m *MemoryStore) dropPending(id string) {
	for i, op := range m.pending {
		if op.ID == id {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return
		}
	}
}
