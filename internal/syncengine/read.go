package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
)

// errLocal marks refresh failures that came from local storage rather
// than the remote.
var errLocal = errors.New("local")

// ListAll returns every record of the collection, most recently modified
// first. When online the remote listing replaces the cache, with queued
// operations applied on top so local writes stay visible. When offline, or
// when the remote fails, the cache is returned as is. Only local storage
// failures are reported as errors.
func (e *Engine[P]) ListAll(ctx context.Context) ([]Record[P], error) {
	if e.conn.IsOnline() {
		var docs []types.Document
		var rerr error
		err := e.do(ctx, func(jctx context.Context) {
			docs, rerr = e.refresh(jctx)
		})
		switch {
		case err == nil && rerr == nil:
			return e.toRecords(docs), nil
		case err == nil && errors.Is(rerr, errLocal):
			return nil, fmt.Errorf("list: %w", rerr)
		case err == nil:
			e.logger.Warn("remote list failed, serving cache", "error", rerr)
		case errors.Is(err, ErrClosed):
			return nil, err
		}
	}

	docs, err := e.local.Read(ctx, e.collection)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	return e.toRecords(docs), nil
}

// Get returns one record from the cache.
func (e *Engine[P]) Get(ctx context.Context, id string) (Record[P], error) {
	docs, err := e.local.Read(ctx, e.collection)
	if err != nil {
		return Record[P]{}, fmt.Errorf("get: %w", err)
	}
	for _, d := range docs {
		if d.ID == id {
			return toRecord[P](d)
		}
	}
	return Record[P]{}, fmt.Errorf("get: %w: %s", ErrNotFound, id)
}

// Subscribe calls fn with the full collection on every remote change,
// refreshing the cache each time. Offline, fn is called once with the
// cache and the returned unsubscribe does nothing. If the live
// subscription breaks, fn receives the cache.
func (e *Engine[P]) Subscribe(ctx context.Context, fn func([]Record[P])) (func(), error) {
	deliverCache := func() error {
		docs, err := e.local.Read(ctx, e.collection)
		if err != nil {
			return err
		}
		fn(e.toRecords(docs))
		return nil
	}

	if !e.conn.IsOnline() {
		if err := deliverCache(); err != nil {
			return nil, fmt.Errorf("subscribe: %w", err)
		}
		return func() {}, nil
	}

	unsubscribe, err := e.remote.Subscribe(ctx, e.collection, e.opts.order,
		func(docs []types.Document) {
			merged, err := e.absorb(e.ctx, docs)
			if err != nil {
				e.logger.Error("subscription update not cached", "error", err)
				return
			}
			fn(e.toRecords(merged))
		},
		func(err error) {
			e.logger.Warn("subscription failed, serving cache", "error", err)
			if cerr := deliverCache(); cerr != nil {
				e.logger.Error("read cache after subscription failure", "error", cerr)
			}
		},
	)
	if err != nil {
		e.logger.Warn("subscribe failed, serving cache", "error", err)
		if cerr := deliverCache(); cerr != nil {
			return nil, fmt.Errorf("subscribe: %w", cerr)
		}
		return func() {}, nil
	}
	return unsubscribe, nil
}

// refresh lists the remote collection and stores it as the new cache. It
// runs on the dispatcher so it never interleaves with a replay.
func (e *Engine[P]) refresh(ctx context.Context) ([]types.Document, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.timeout)
	defer cancel()

	docs, err := e.remote.List(callCtx, e.collection, e.opts.order)
	if err != nil {
		return nil, err
	}
	return e.absorb(ctx, docs)
}

// absorb validates a remote listing, applies queued and in-flight
// operations on top, writes the cache and returns the merged listing.
func (e *Engine[P]) absorb(ctx context.Context, docs []types.Document) ([]types.Document, error) {
	docs = remote.Sanitize(e.logger, e.collection, docs)

	e.mu.Lock()
	defer e.mu.Unlock()

	ops, err := e.local.Drain(ctx, e.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errLocal, err)
	}
	merged := overlay(docs, append(ops, e.direct...))

	if err := e.local.Write(ctx, e.collection, types.RetainNewest(merged, e.opts.retention)); err != nil {
		return nil, fmt.Errorf("%w: %w", errLocal, err)
	}
	return merged, nil
}

// overlay applies queued operations, in order, to a remote listing.
func overlay(docs []types.Document, ops []types.PendingOperation) []types.Document {
	if len(ops) == 0 {
		types.SortDocuments(docs, types.DefaultOrder)
		return docs
	}

	byID := make(map[string]types.Document, len(docs))
	order := make([]string, 0, len(docs))
	for _, d := range docs {
		if _, seen := byID[d.ID]; !seen {
			order = append(order, d.ID)
		}
		byID[d.ID] = d
	}

	for _, op := range ops {
		switch op.Kind {
		case types.OpCreate:
			if op.Document != nil {
				d := *op.Document
				d.ID = op.TargetID
				if _, seen := byID[d.ID]; !seen {
					order = append(order, d.ID)
				}
				byID[d.ID] = d
			}
		case types.OpUpdate, types.OpUpdateStatus:
			if d, ok := byID[op.TargetID]; ok && op.Patch != nil {
				byID[op.TargetID] = op.Patch.Apply(d)
			}
		case types.OpDelete:
			delete(byID, op.TargetID)
		}
	}

	out := make([]types.Document, 0, len(byID))
	for _, id := range order {
		if d, ok := byID[id]; ok {
			out = append(out, d)
			delete(byID, id)
		}
	}
	types.SortDocuments(out, types.DefaultOrder)
	return out
}
