package syncengine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hyperengineering/formsync/internal/types"
	"github.com/hyperengineering/formsync/internal/validation"
	"github.com/oklog/ulid/v2"
)

// Create stores a new record locally and returns it. The record has a
// random id that the remote store is expected to keep. The remote create
// happens later; being offline is not an error.
func (e *Engine[P]) Create(ctx context.Context, payload P) (Record[P], error) {
	return e.CreateWithID(ctx, e.NewID(), payload)
}

// NewID returns a fresh record id from the engine's generator. Callers that
// derive payload fields from the id pass it to CreateWithID.
func (e *Engine[P]) NewID() string {
	return e.opts.newID()
}

// CreateWithID is Create with a caller-chosen id.
func (e *Engine[P]) CreateWithID(ctx context.Context, id string, payload P) (Record[P], error) {
	if errs := validation.ValidateID("id", id); len(errs) > 0 {
		return Record[P]{}, fmt.Errorf("create: %w", errs[0])
	}
	doc, err := e.newDocument(id, payload)
	if err != nil {
		return Record[P]{}, err
	}

	e.mu.Lock()
	if _, err := e.lookupLocked(ctx, id); err == nil {
		e.mu.Unlock()
		return Record[P]{}, fmt.Errorf("create: %w: %s", ErrExists, id)
	}
	direct, err := e.commitLocked(ctx, types.Change{Upsert: &doc}, types.PendingOperation{
		Kind:     types.OpCreate,
		TargetID: doc.ID,
		Document: &doc,
	})
	e.mu.Unlock()
	if err != nil {
		return Record[P]{}, fmt.Errorf("create: %w", err)
	}

	e.dispatchWrite(direct)
	return Record[P]{
		ID:         doc.ID,
		Status:     doc.Status,
		CreatedAt:  doc.CreatedAt,
		ModifiedAt: doc.ModifiedAt,
		Payload:    payload,
	}, nil
}

// Update replaces the payload of a cached record.
func (e *Engine[P]) Update(ctx context.Context, id string, payload P) (Record[P], error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record[P]{}, fmt.Errorf("update: encode payload: %w", err)
	}
	rec, err := e.patch(ctx, types.OpUpdate, id, types.Patch{Payload: raw})
	if err != nil {
		return Record[P]{}, fmt.Errorf("update: %w", err)
	}
	return rec, nil
}

// UpdateStatus moves a cached record between pending and finalized. Both
// directions are allowed.
func (e *Engine[P]) UpdateStatus(ctx context.Context, id string, status types.Status) (Record[P], error) {
	if !status.Valid() {
		return Record[P]{}, fmt.Errorf("update status: %w: %q", ErrInvalidStatus, status)
	}
	rec, err := e.patch(ctx, types.OpUpdateStatus, id, types.Patch{Status: status})
	if err != nil {
		return Record[P]{}, fmt.Errorf("update status: %w", err)
	}
	return rec, nil
}

// Delete removes a cached record. A delete that follows an unconfirmed
// create is replayed as create then delete, never collapsed.
func (e *Engine[P]) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, err := e.lookupLocked(ctx, id); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("delete: %w", err)
	}
	direct, err := e.commitLocked(ctx, types.Change{RemoveID: id}, types.PendingOperation{
		Kind:     types.OpDelete,
		TargetID: id,
	})
	e.mu.Unlock()
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}

	e.dispatchWrite(direct)
	return nil
}

func (e *Engine[P]) patch(ctx context.Context, kind types.OpKind, id string, p types.Patch) (Record[P], error) {
	p.ModifiedAt = e.opts.clock().UTC()

	e.mu.Lock()
	doc, err := e.lookupLocked(ctx, id)
	if err != nil {
		e.mu.Unlock()
		return Record[P]{}, err
	}
	doc = p.Apply(doc)
	direct, err := e.commitLocked(ctx, types.Change{Upsert: &doc}, types.PendingOperation{
		Kind:     kind,
		TargetID: id,
		Patch:    &p,
	})
	e.mu.Unlock()
	if err != nil {
		return Record[P]{}, err
	}

	e.dispatchWrite(direct)
	return toRecord[P](doc)
}

// commitLocked writes c to the cache and decides where op goes. When the
// write can go straight to the remote, op is held in memory for the
// dispatcher and only logged if that attempt fails. Otherwise op is
// logged in the same transaction as the cache write. It reports whether
// op went direct.
func (e *Engine[P]) commitLocked(ctx context.Context, c types.Change, op types.PendingOperation) (bool, error) {
	op.Collection = e.collection
	op.ID = ulid.Make().String()

	direct, err := e.directLocked(ctx)
	if err != nil {
		return false, err
	}
	c.Retain = e.opts.retention
	if !direct {
		c.Op = &op
	}
	if err := e.local.Commit(ctx, e.collection, c); err != nil {
		return false, err
	}
	if direct {
		e.direct = append(e.direct, op)
	}
	return direct, nil
}

// directLocked reports whether the next write should skip the log. Writes
// follow earlier direct writes still in flight, so that nothing overtakes
// them, and otherwise go direct only when online with an empty log.
func (e *Engine[P]) directLocked(ctx context.Context) (bool, error) {
	if len(e.direct) > 0 {
		return true, nil
	}
	if !e.conn.IsOnline() {
		return false, nil
	}
	queued, err := e.local.HasPending(ctx, e.collection)
	if err != nil {
		return false, err
	}
	return !queued, nil
}

// dispatchWrite hands a committed write to the dispatcher: a direct write
// gets its own remote attempt, a logged one a replay when online.
func (e *Engine[P]) dispatchWrite(direct bool) {
	if !direct {
		e.kick()
		return
	}
	if !e.dispatch.submit(e.sendDirect) {
		// Closed underneath us: nothing will attempt the write, so log it.
		e.logDirect(context.Background())
	}
}

func (e *Engine[P]) lookupLocked(ctx context.Context, id string) (types.Document, error) {
	docs, err := e.local.Read(ctx, e.collection)
	if err != nil {
		return types.Document{}, err
	}
	for _, d := range docs {
		if d.ID == id {
			return d, nil
		}
	}
	return types.Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// kick schedules a replay when online so the new operation reaches the
// remote store.
func (e *Engine[P]) kick() {
	if e.conn.IsOnline() {
		e.requestReplay(false, nil)
	}
}
