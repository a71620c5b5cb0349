package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/types"
)

// ReplayResult summarizes one replay run.
type ReplayResult struct {
	// Applied counts operations the remote confirmed and that were
	// removed from the log.
	Applied int `json:"applied"`
	// Rejected counts operations moved to the rejected list.
	Rejected int `json:"rejected"`
	// Remaining counts operations still queued after the run.
	Remaining int `json:"remaining"`
	// Offline is set when the run was skipped because the monitor
	// reported no connectivity.
	Offline bool `json:"offline"`
	// Interrupted holds the retryable failure that stopped the run.
	Interrupted error `json:"-"`
}

type replayOutcome struct {
	result ReplayResult
	err    error
}

// replayRequest is a replay waiting to start. Triggers that arrive before
// it starts join it instead of queueing another run.
type replayRequest struct {
	reconcile bool
	waiters   []chan replayOutcome
}

// ReplayPending sends queued operations to the remote store in order and
// then refreshes the cache from the remote. It stops at the first
// retryable failure and leaves the rest queued. Operations the remote
// refuses permanently are moved to the rejected list.
//
// A call made while another replay is running is served by a single
// follow-up run. The returned error reports local storage failures only.
func (e *Engine[P]) ReplayPending(ctx context.Context) (ReplayResult, error) {
	if !e.conn.IsOnline() {
		ops, err := e.local.Drain(ctx, e.collection)
		if err != nil {
			return ReplayResult{}, fmt.Errorf("replay: %w", err)
		}
		return ReplayResult{Offline: true, Remaining: len(ops)}, nil
	}

	waiter := make(chan replayOutcome, 1)
	if !e.requestReplay(true, waiter) {
		return ReplayResult{}, ErrClosed
	}

	select {
	case out := <-waiter:
		return out.result, out.err
	case <-ctx.Done():
		return ReplayResult{}, ctx.Err()
	case <-e.closed:
		return ReplayResult{}, ErrClosed
	}
}

// requestReplay schedules a replay run on the dispatcher, or joins the one
// already waiting to start.
func (e *Engine[P]) requestReplay(reconcile bool, waiter chan replayOutcome) bool {
	e.replayMu.Lock()
	if req := e.queued; req != nil {
		req.reconcile = req.reconcile || reconcile
		if waiter != nil {
			req.waiters = append(req.waiters, waiter)
		}
		e.replayMu.Unlock()
		return true
	}
	req := &replayRequest{reconcile: reconcile}
	if waiter != nil {
		req.waiters = append(req.waiters, waiter)
	}
	e.queued = req
	e.replayMu.Unlock()

	ok := e.dispatch.submit(func(ctx context.Context) {
		e.replayMu.Lock()
		if e.queued == req {
			e.queued = nil
		}
		reconcile, waiters := req.reconcile, req.waiters
		e.replayMu.Unlock()

		result, err := e.replay(ctx, reconcile)
		for _, w := range waiters {
			w <- replayOutcome{result: result, err: err}
		}
	})
	if !ok {
		e.replayMu.Lock()
		if e.queued == req {
			e.queued = nil
		}
		e.replayMu.Unlock()
	}
	return ok
}

// replay runs on the dispatcher.
func (e *Engine[P]) replay(ctx context.Context, reconcile bool) (ReplayResult, error) {
	var result ReplayResult

	ops, err := e.local.Drain(ctx, e.collection)
	if err != nil {
		e.logger.Error("replay: drain failed", "error", err)
		return result, fmt.Errorf("replay: %w", err)
	}

	for i := 0; i < len(ops); i++ {
		op := ops[i]
		if !e.conn.IsOnline() {
			result.Offline = true
			result.Remaining = len(ops) - i
			break
		}

		newID, err := e.apply(ctx, op)
		if err != nil && !remote.IsPermanent(err) {
			result.Interrupted = err
			result.Remaining = len(ops) - i
			e.logger.Warn("replay interrupted",
				"op_id", op.ID,
				"kind", op.Kind,
				"target_id", op.TargetID,
				"remaining", result.Remaining,
				"error", err,
			)
			break
		}

		if err != nil {
			if rerr := e.local.Reject(ctx, op, err.Error()); rerr != nil {
				return result, fmt.Errorf("replay: %w", rerr)
			}
			result.Rejected++
			e.logger.Warn("operation rejected by remote",
				"op_id", op.ID,
				"kind", op.Kind,
				"target_id", op.TargetID,
				"error", err,
			)
			continue
		}

		if newID != "" && newID != op.TargetID {
			if rerr := e.reconcileID(ctx, op.TargetID, newID); rerr != nil {
				return result, fmt.Errorf("replay: %w", rerr)
			}
			for j := i + 1; j < len(ops); j++ {
				if ops[j].TargetID == op.TargetID {
					ops[j].TargetID = newID
				}
			}
		}

		if aerr := e.local.Acknowledge(ctx, op); aerr != nil {
			return result, fmt.Errorf("replay: %w", aerr)
		}
		result.Applied++
	}

	if result.Applied > 0 || result.Rejected > 0 || result.Interrupted != nil {
		e.logger.Info("replay finished",
			"applied", result.Applied,
			"rejected", result.Rejected,
			"remaining", result.Remaining,
		)
	}

	if reconcile && e.conn.IsOnline() {
		if _, err := e.refresh(ctx); err != nil {
			if errors.Is(err, errLocal) {
				return result, err
			}
			e.logger.Warn("reconcile after replay failed", "error", err)
		}
	}
	return result, nil
}

// apply sends one operation to the remote store. Outcomes that leave the
// remote in the intended state count as success: deleting a missing
// document, and re-creating a document that already exists after a crash
// between remote success and acknowledge. For creates it returns the id
// the remote assigned.
func (e *Engine[P]) apply(ctx context.Context, op types.PendingOperation) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.opts.timeout)
	defer cancel()

	switch op.Kind {
	case types.OpCreate:
		if op.Document == nil {
			return "", fmt.Errorf("%w: create %s has no document", remote.ErrInvalidDocument, op.TargetID)
		}
		doc := *op.Document
		doc.ID = op.TargetID
		id, err := e.remote.Create(callCtx, e.collection, doc)
		if errors.Is(err, remote.ErrAlreadyExists) {
			return op.TargetID, nil
		}
		return id, err

	case types.OpUpdate, types.OpUpdateStatus:
		if op.Patch == nil {
			return "", fmt.Errorf("%w: %s %s has no patch", remote.ErrInvalidDocument, op.Kind, op.TargetID)
		}
		return "", e.remote.Update(callCtx, e.collection, op.TargetID, *op.Patch)

	case types.OpDelete:
		err := e.remote.Delete(callCtx, e.collection, op.TargetID)
		if errors.Is(err, remote.ErrNotFound) {
			return "", nil
		}
		return "", err

	default:
		return "", fmt.Errorf("%w: unknown operation kind %q", remote.ErrRejected, op.Kind)
	}
}

// reconcileID renames a record whose remote create returned a different
// id than the one issued locally.
func (e *Engine[P]) reconcileID(ctx context.Context, oldID, newID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.direct {
		if e.direct[i].TargetID == oldID {
			e.direct[i].TargetID = newID
		}
	}

	rw, ok := e.local.(IDRewriter)
	if !ok {
		e.logger.Warn("remote assigned a new id but the local store cannot rewrite ids",
			"local_id", oldID,
			"remote_id", newID,
		)
		return nil
	}
	if err := rw.RewriteID(ctx, e.collection, oldID, newID); err != nil {
		return err
	}
	e.logger.Info("record id reconciled", "local_id", oldID, "remote_id", newID)
	return nil
}
