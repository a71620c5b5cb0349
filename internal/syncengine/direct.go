package syncengine

import (
	"context"

	"github.com/hyperengineering/formsync/internal/remote"
)

// sendDirect resolves the oldest direct write. It is sent to the remote
// unless the log already holds older operations or the engine is offline;
// in those cases, and on a retryable failure, it joins the log.
// Runs on the dispatcher.
func (e *Engine[P]) sendDirect(ctx context.Context) {
	e.mu.Lock()
	if len(e.direct) == 0 {
		e.mu.Unlock()
		return
	}
	op := e.direct[0]
	e.mu.Unlock()

	// Local writes outlive a cancelled dispatcher.
	lctx := context.WithoutCancel(ctx)

	queued, err := e.local.HasPending(lctx, e.collection)
	if err != nil {
		e.logger.Error("direct write: read log failed", "op_id", op.ID, "error", err)
		queued = true
	}

	if !queued && e.conn.IsOnline() {
		newID, err := e.apply(ctx, op)
		switch {
		case err == nil:
			if newID != "" && newID != op.TargetID {
				if rerr := e.reconcileID(lctx, op.TargetID, newID); rerr != nil {
					e.logger.Error("direct write: id reconcile failed", "op_id", op.ID, "error", rerr)
				}
			}
			e.popDirect(op.ID)
			return

		case remote.IsPermanent(err):
			if rerr := e.local.Reject(lctx, op, err.Error()); rerr != nil {
				e.logger.Error("direct write: record rejection failed", "op_id", op.ID, "error", rerr)
			}
			e.popDirect(op.ID)
			e.logger.Warn("operation rejected by remote",
				"op_id", op.ID,
				"kind", op.Kind,
				"target_id", op.TargetID,
				"error", err,
			)
			return
		}

		e.logger.Warn("remote write failed, queued for replay",
			"op_id", op.ID,
			"kind", op.Kind,
			"target_id", op.TargetID,
			"error", err,
		)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.local.Enqueue(lctx, op); err != nil {
		// Left at the head; the next attempt or Close logs it.
		e.logger.Error("direct write: enqueue failed", "op_id", op.ID, "error", err)
		return
	}
	e.direct = e.direct[1:]
}

func (e *Engine[P]) popDirect(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.direct) > 0 && e.direct[0].ID == id {
		e.direct = e.direct[1:]
	}
}

// logDirect moves every unresolved direct write into the log, in order.
// It runs once the dispatcher can no longer attempt them.
func (e *Engine[P]) logDirect(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for len(e.direct) > 0 {
		if _, err := e.local.Enqueue(ctx, e.direct[0]); err != nil {
			e.logger.Error("unsent writes could not be queued",
				"count", len(e.direct),
				"error", err,
			)
			return
		}
		e.direct = e.direct[1:]
	}
}
