package worker

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/syncengine"
)

// ReplayFunc replays one collection's pending operations.
type ReplayFunc func(ctx context.Context) (syncengine.ReplayResult, error)

// SyncSweeper replays pending operations on an interval while online.
// Reconnect events already trigger replays; the sweep picks up
// operations left queued by a failure that happened while online.
type SyncSweeper struct {
	targets  map[string]ReplayFunc
	online   func() bool
	interval time.Duration
}

// NewSyncSweeper creates a sweeper. online gates every cycle.
func NewSyncSweeper(interval time.Duration, online func() bool) *SyncSweeper {
	return &SyncSweeper{
		targets:  make(map[string]ReplayFunc),
		online:   online,
		interval: interval,
	}
}

// Add registers a collection. Call before Run.
func (s *SyncSweeper) Add(name string, fn ReplayFunc) {
	s.targets[name] = fn
}

// Run sweeps immediately and then on each interval until ctx is done.
func (s *SyncSweeper) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "sync-sweep",
	)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "sync-sweep",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one cycle over every registered collection in name order and
// returns the per-collection results. Nothing runs while offline.
func (s *SyncSweeper) Sweep(ctx context.Context) map[string]syncengine.ReplayResult {
	if !s.online() {
		slog.Debug("sync sweep skipped", "component", "worker", "reason", "offline")
		return nil
	}

	names := make([]string, 0, len(s.targets))
	for name := range s.targets {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]syncengine.ReplayResult, len(names))
	for _, name := range names {
		if ctx.Err() != nil {
			return results
		}
		res, err := s.targets[name](ctx)
		if err != nil {
			slog.Warn("sync sweep failed",
				"component", "worker",
				"collection", name,
				"error", err,
			)
			continue
		}
		results[name] = res
		if errors.Is(res.Interrupted, remote.ErrUnauthorized) {
			slog.Error("sync sweep: remote refused credentials, operations stay queued",
				"component", "worker",
				"collection", name,
				"remaining", res.Remaining,
			)
		}
		if res.Applied > 0 || res.Rejected > 0 {
			slog.Info("sync sweep replayed operations",
				"component", "worker",
				"collection", name,
				"applied", res.Applied,
				"rejected", res.Rejected,
				"remaining", res.Remaining,
			)
		}
	}
	return results
}
