package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/formsync/internal/api"
	"github.com/hyperengineering/formsync/internal/docstore"
	"github.com/hyperengineering/formsync/internal/snapshot"
	"github.com/hyperengineering/formsync/internal/worker"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the document service",
	Long: "Serve the document collections over HTTP and WebSocket so that clients\n" +
		"can synchronize against them.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadedConfig

	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Authentication is mandatory outside dev mode
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	// 3. Open the document store (waits for the database, runs migrations)
	docs, err := docstore.Open(ctx, cfg.Database.Driver, cfg.Database.DSN,
		docstore.WithSnapshotDir(cfg.Snapshot.Dir),
		docstore.WithLogger(slog.Default()))
	if err != nil {
		return err
	}
	slog.Info("store initialized", "driver", cfg.Database.Driver)

	// 4. Snapshot storage
	uploader, err := snapshot.NewUploader(cfg.Snapshot)
	if err != nil {
		docs.Close()
		return err
	}

	// 5. HTTP router
	handler := api.NewHandler(docs, cfg.Auth.APIKey, Version, cfg.Server.AllowedOrigins)
	if cfg.Snapshot.Bucket != "" {
		handler.UsePresignedSnapshots(uploader)
		slog.Info("snapshot downloads redirect to object storage", "bucket", cfg.Snapshot.Bucket)
	}
	router := api.NewRouter(handler)

	// 6. HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout),
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout),
	}

	// 7. Workers
	var wg sync.WaitGroup
	snapshotWorker := worker.NewSnapshotWorker(docs, time.Duration(cfg.Snapshot.Interval), uploader)
	startWorker(ctx, &wg, "snapshot", snapshotWorker.Run)

	// 8. Serve
	go func() {
		slog.Info("server starting", "address", addr, "version", Version)
		// ErrServerClosed is the expected error when Shutdown() is called gracefully.
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			cancel()
		}
	}()

	// 9. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 10. Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(
		context.Background(),
		time.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	// 10a. End watch streams; hijacked connections are not drained by Shutdown
	handler.Close()

	// 10b. Stop HTTP server (drains in-flight requests)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}

	// 10c. Wait for workers to complete
	wg.Wait()

	// 10d. Close store
	if err := docs.Close(); err != nil {
		slog.Error("store close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}
