package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hyperengineering/formsync/internal/types"
	"github.com/oklog/ulid/v2"
)

// opBody is the JSON column of a queued operation. Identity and ordering
// live in their own columns so they can be indexed and rewritten.
type opBody struct {
	Document *types.Document `json:"document,omitempty"`
	Patch    *types.Patch    `json:"patch,omitempty"`
}

// Enqueue appends op to the log and returns it with Seq assigned.
// An empty op.ID is filled with a fresh ULID.
func (s *SQLiteStore) Enqueue(ctx context.Context, op types.PendingOperation) (types.PendingOperation, error) {
	return s.insertOperation(ctx, s.db, op)
}

// Commit applies c to the snapshot of collection and appends c.Op to the
// log in one transaction. Either both land or neither does.
func (s *SQLiteStore) Commit(ctx context.Context, collection string, c types.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localErr("begin transaction", err)
	}
	defer tx.Rollback()

	docs, err := readSnapshot(ctx, tx, collection)
	if err != nil {
		return localErr("commit change", err)
	}
	if err := s.writeSnapshot(ctx, tx, collection, applyChange(docs, c)); err != nil {
		return localErr("commit change", err)
	}
	if c.Op != nil {
		op := *c.Op
		op.Collection = collection
		if _, err := s.insertOperation(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return localErr("commit transaction", err)
	}
	return nil
}

func (s *SQLiteStore) insertOperation(ctx context.Context, q dbtx, op types.PendingOperation) (types.PendingOperation, error) {
	if op.ID == "" {
		op.ID = ulid.Make().String()
	}
	if op.QueuedAt.IsZero() {
		op.QueuedAt = s.now().UTC()
	}

	body, err := json.Marshal(opBody{Document: op.Document, Patch: op.Patch})
	if err != nil {
		return op, localErr("encode pending operation", err)
	}

	result, err := q.ExecContext(ctx, `
		INSERT INTO pending_operations (op_id, collection, kind, target_id, body, queued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, op.ID, op.Collection, string(op.Kind), op.TargetID, string(body), types.FormatTime(op.QueuedAt))
	if err != nil {
		return op, localErr("enqueue operation", err)
	}

	seq, err := result.LastInsertId()
	if err != nil {
		return op, localErr("get operation sequence", err)
	}
	op.Seq = seq
	return op, nil
}

// Drain returns the queued operations of collection in replay order.
// The log is left untouched; each operation is removed by Acknowledge.
func (s *SQLiteStore) Drain(ctx context.Context, collection string) ([]types.PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op_id, collection, kind, target_id, body, queued_at
		FROM pending_operations
		WHERE collection = ?
		ORDER BY seq ASC
	`, collection)
	if err != nil {
		return nil, localErr("query pending operations", err)
	}
	defer rows.Close()

	ops := make([]types.PendingOperation, 0)
	for rows.Next() {
		var op types.PendingOperation
		var kind, body, queuedAt string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Collection, &kind, &op.TargetID, &body, &queuedAt); err != nil {
			return nil, localErr("scan pending operation", err)
		}
		op.Kind = types.OpKind(kind)

		var b opBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, localErr("decode pending operation", err)
		}
		op.Document, op.Patch = b.Document, b.Patch

		var parseErr error
		if op.QueuedAt, parseErr = types.ParseTime(queuedAt); parseErr != nil {
			slog.Warn("pending_operations: failed to parse queued_at", "value", queuedAt, "error", parseErr)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("query pending operations", err)
	}
	return ops, nil
}

// Acknowledge removes op after the remote store confirmed it.
// Acknowledging an operation twice is harmless.
func (s *SQLiteStore) Acknowledge(ctx context.Context, op types.PendingOperation) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_operations WHERE op_id = ?`, op.ID); err != nil {
		return localErr("acknowledge operation", err)
	}
	return nil
}

// HasPending reports whether collection has queued operations.
func (s *SQLiteStore) HasPending(ctx context.Context, collection string) (bool, error) {
	n, err := s.Count(ctx, collection)
	return n > 0, err
}

// Count returns the number of queued operations for collection.
func (s *SQLiteStore) Count(ctx context.Context, collection string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE collection = ?`, collection).Scan(&n)
	if err != nil {
		return 0, localErr("count pending operations", err)
	}
	return n, nil
}

// Reject moves op out of the log into the rejected list.
func (s *SQLiteStore) Reject(ctx context.Context, op types.PendingOperation, reason string) error {
	body, err := json.Marshal(opBody{Document: op.Document, Patch: op.Patch})
	if err != nil {
		return localErr("encode rejected operation", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localErr("begin transaction", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO rejected_operations
			(op_id, seq, collection, kind, target_id, body, queued_at, reason, rejected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.ID, op.Seq, op.Collection, string(op.Kind), op.TargetID, string(body),
		types.FormatTime(op.QueuedAt), reason, types.FormatTime(s.now()))
	if err != nil {
		return localErr("record rejected operation", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_operations WHERE op_id = ?`, op.ID); err != nil {
		return localErr("remove rejected operation", err)
	}

	if err := tx.Commit(); err != nil {
		return localErr("commit transaction", err)
	}
	return nil
}

// Rejected lists the operations of collection the remote refused, oldest first.
func (s *SQLiteStore) Rejected(ctx context.Context, collection string) ([]types.RejectedOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, op_id, collection, kind, target_id, body, queued_at, reason, rejected_at
		FROM rejected_operations
		WHERE collection = ?
		ORDER BY seq ASC
	`, collection)
	if err != nil {
		return nil, localErr("query rejected operations", err)
	}
	defer rows.Close()

	out := make([]types.RejectedOperation, 0)
	for rows.Next() {
		var r types.RejectedOperation
		var kind, body, queuedAt, rejectedAt string
		if err := rows.Scan(&r.Seq, &r.ID, &r.Collection, &kind, &r.TargetID, &body,
			&queuedAt, &r.Reason, &rejectedAt); err != nil {
			return nil, localErr("scan rejected operation", err)
		}
		r.Kind = types.OpKind(kind)

		var b opBody
		if err := json.Unmarshal([]byte(body), &b); err != nil {
			return nil, localErr("decode rejected operation", err)
		}
		r.Document, r.Patch = b.Document, b.Patch
		var parseErr error
		if r.QueuedAt, parseErr = types.ParseTime(queuedAt); parseErr != nil {
			slog.Warn("rejected_operations: failed to parse queued_at", "value", queuedAt, "error", parseErr)
		}
		if r.RejectedAt, parseErr = types.ParseTime(rejectedAt); parseErr != nil {
			slog.Warn("rejected_operations: failed to parse rejected_at", "value", rejectedAt, "error", parseErr)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, localErr("query rejected operations", err)
	}
	return out, nil
}

// RewriteID renames a document in the snapshot and retargets every queued
// operation that refers to it, in one transaction.
func (s *SQLiteStore) RewriteID(ctx context.Context, collection, oldID, newID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return localErr("begin transaction", err)
	}
	defer tx.Rollback()

	docs, err := readSnapshot(ctx, tx, collection)
	if err != nil {
		return localErr("rewrite id", err)
	}
	if err := s.writeSnapshot(ctx, tx, collection, renameDocument(docs, oldID, newID)); err != nil {
		return localErr("rewrite id", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE pending_operations SET target_id = ?
		WHERE collection = ? AND target_id = ?
	`, newID, collection, oldID)
	if err != nil {
		return localErr("retarget pending operations", err)
	}

	if err := tx.Commit(); err != nil {
		return localErr("commit transaction", fmt.Errorf("rewrite %s -> %s: %w", oldID, newID, err))
	}
	return nil
}
