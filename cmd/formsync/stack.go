package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/hyperengineering/formsync/internal/config"
	"github.com/hyperengineering/formsync/internal/connectivity"
	"github.com/hyperengineering/formsync/internal/docstore"
	"github.com/hyperengineering/formsync/internal/forms"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/remote/httpstore"
	"github.com/hyperengineering/formsync/internal/remote/redisstore"
	"github.com/hyperengineering/formsync/internal/store"
	"github.com/hyperengineering/formsync/internal/syncengine"
)

// flushTimeout bounds how long a command waits for in-flight remote
// writes before exiting. Unfinished writes stay queued.
const flushTimeout = 15 * time.Second

// clientStack is everything a client command needs: the local cache, the
// remote, the connectivity monitor and the two synchronized collections.
type clientStack struct {
	local   *store.SQLiteStore
	remote  remote.Store
	monitor *connectivity.Monitor
	audit   *audit.Recorder
	forms   *forms.Service

	closers    []io.Closer
	stopWatch  context.CancelFunc
	watchDone  chan struct{}
	closedOnce bool
}

// openStack builds the client stack from cfg. Construction never needs
// the remote to be reachable.
func openStack(ctx context.Context, cfg *config.Config) (*clientStack, error) {
	if dir := filepath.Dir(cfg.Local.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create local data dir: %w", err)
		}
	}
	local, err := store.NewSQLiteStore(cfg.Local.Path)
	if err != nil {
		return nil, err
	}
	st := &clientStack{local: local}

	st.remote, err = openRemote(ctx, cfg, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	if err := st.startMonitor(cfg.Connectivity); err != nil {
		st.Close()
		return nil, err
	}

	opts := []syncengine.Option{
		syncengine.WithTimeout(time.Duration(cfg.Sync.RemoteTimeout)),
		syncengine.WithLogger(slog.Default()),
	}

	st.audit, err = audit.New(local, st.remote, st.monitor,
		append(opts, syncengine.WithRetention(cfg.Audit.Retention))...)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.forms, err = forms.New(local, st.remote, st.monitor, st.audit, opts...)
	if err != nil {
		st.Close()
		return nil, err
	}

	slog.Debug("client stack ready",
		"component", "cli",
		"remote", cfg.Remote.Kind,
		"online", st.monitor.IsOnline(),
		"local", local.Path(),
	)
	return st, nil
}

func openRemote(ctx context.Context, cfg *config.Config, st *clientStack) (remote.Store, error) {
	switch cfg.Remote.Kind {
	case config.RemoteRedis:
		rs := redisstore.Connect(redisstore.Config{
			Addr:      cfg.Remote.RedisAddr,
			Password:  cfg.Remote.RedisPassword,
			DB:        cfg.Remote.RedisDB,
			KeyPrefix: cfg.Remote.RedisPrefix,
		}, slog.Default())
		st.closers = append(st.closers, rs)
		return rs, nil

	case config.RemoteSQL:
		// Single attempt: a client that cannot reach the database starts
		// offline instead of waiting.
		ds, err := docstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN,
			docstore.WithConnectRetries(0, time.Second),
			docstore.WithLogger(slog.Default()))
		if err != nil {
			return nil, fmt.Errorf("open sql remote: %w", err)
		}
		st.closers = append(st.closers, ds)
		return ds, nil

	default:
		return httpstore.New(cfg.Remote.URL, cfg.Remote.APIKey,
			httpstore.WithLogger(slog.Default())), nil
	}
}

// startMonitor picks the connectivity source. --offline wins over config.
func (st *clientStack) startMonitor(cfg config.ConnectivityConfig) error {
	if forceOffline {
		st.monitor = connectivity.NewMonitor(false)
		return nil
	}

	switch connectivity.Mode(cfg.Mode) {
	case connectivity.ModeOffline:
		st.monitor = connectivity.NewMonitor(false)
	case connectivity.ModeFile:
		st.monitor = connectivity.NewMonitor(false)
		fw, err := connectivity.NewFileWatcher(cfg.StatusFile, st.monitor)
		if err != nil {
			return err
		}
		watchCtx, cancel := context.WithCancel(context.Background())
		st.stopWatch, st.watchDone = cancel, make(chan struct{})
		go func() {
			defer close(st.watchDone)
			fw.Run(watchCtx)
		}()
	default:
		st.monitor = connectivity.NewMonitor(true)
	}
	return nil
}

// Close waits for in-flight writes, then releases everything in reverse
// order of construction.
func (st *clientStack) Close() error {
	if st.closedOnce {
		return nil
	}
	st.closedOnce = true

	var errs []error
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	if st.forms != nil {
		if err := st.forms.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, st.forms.Close())
	}
	if st.audit != nil {
		if err := st.audit.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, st.audit.Close())
	}
	if st.stopWatch != nil {
		st.stopWatch()
		<-st.watchDone
	}
	for i := len(st.closers) - 1; i >= 0; i-- {
		errs = append(errs, st.closers[i].Close())
	}
	errs = append(errs, st.local.Close())
	return errors.Join(errs...)
}

// actorContext attaches the acting user and client to ctx for auditing.
func actorContext(ctx context.Context) context.Context {
	if actorUID != "" || actorEmail != "" || actorName != "" {
		ctx = audit.WithActor(ctx, audit.Actor{
			UID:         actorUID,
			Email:       actorEmail,
			DisplayName: actorName,
		})
	}
	return audit.WithClient(ctx, audit.Client{UserAgent: "formsync-cli/" + Version})
}

// withStack opens the client stack, runs fn and closes the stack.
func withStack(ctx context.Context, fn func(ctx context.Context, st *clientStack) error) error {
	st, err := openStack(ctx, loadedConfig)
	if err != nil {
		return err
	}
	runErr := fn(actorContext(ctx), st)
	if err := st.Close(); err != nil {
		slog.Warn("client shutdown incomplete", "component", "cli", "error", err)
	}
	return runErr
}
