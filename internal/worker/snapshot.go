package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hyperengineering/formsync/internal/snapshot"
)

// SnapshotStore defines the store operations needed by the snapshot worker.
// *docstore.Store satisfies it.
type SnapshotStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotWorker generates periodic snapshots of the document store and
// uploads each one when an uploader is configured.
type SnapshotWorker struct {
	store    SnapshotStore
	uploader snapshot.Uploader
	interval time.Duration
	now      func() time.Time
}

// NewSnapshotWorker creates a worker with the given store and interval.
// The uploader is optional; nil keeps snapshots local.
func NewSnapshotWorker(store SnapshotStore, interval time.Duration, uploader snapshot.Uploader) *SnapshotWorker {
	return &SnapshotWorker{
		store:    store,
		uploader: uploader,
		interval: interval,
		now:      time.Now,
	}
}

// Run starts the worker loop. Generates a snapshot immediately on start,
// then on each interval. A generation already running when ctx is
// cancelled completes before Run returns.
func (w *SnapshotWorker) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot",
	)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce generates and uploads one snapshot. Failures are logged;
// it reports whether the local snapshot was written.
func (w *SnapshotWorker) RunOnce(ctx context.Context) bool {
	slog.Info("snapshot generation started",
		"component", "worker",
		"action", "snapshot_start",
	)
	takenAt := w.now()

	if err := w.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return false
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	if w.uploader != nil {
		w.upload(ctx, takenAt)
	}
	return true
}

// upload failures are not fatal; the local snapshot remains valid.
func (w *SnapshotWorker) upload(ctx context.Context, takenAt time.Time) {
	path, err := w.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := w.uploader.Upload(ctx, path, takenAt); err != nil {
		if errors.Is(err, snapshot.ErrNotConfigured) {
			return
		}
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded",
		"component", "worker",
		"action", "snapshot_uploaded",
		"taken_at", takenAt.UTC(),
	)
}
