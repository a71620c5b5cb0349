package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/hyperengineering/formsync/internal/config"
	"github.com/hyperengineering/formsync/internal/logging"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPath   string
	forceOffline bool
	jsonOutput   bool
	actorUID     string
	actorEmail   string
	actorName    string
	loadedConfig *config.Config
	logOutput    io.Closer
)

var rootCmd = &cobra.Command{
	Use:   "formsync",
	Short: "formsync - offline-tolerant service order forms",
	Long: "Save and manage service order forms locally and keep them in step with the\n" +
		"document service whenever connectivity allows.",
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logOutput != nil {
			logOutput.Close()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file (YAML or TOML; default $FORMSYNC_CONFIG_PATH or formsync.yaml)")
	rootCmd.PersistentFlags().BoolVar(&forceOffline, "offline", false,
		"Work from the local cache only; writes are queued")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")
	rootCmd.PersistentFlags().StringVar(&actorUID, "user", os.Getenv("USER"),
		"User id recorded in the audit log")
	rootCmd.PersistentFlags().StringVar(&actorEmail, "email", "",
		"User email recorded in the audit log")
	rootCmd.PersistentFlags().StringVar(&actorName, "name", "",
		"User display name recorded in the audit log")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(formsCmd)
	rootCmd.AddCommand(auditCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads configuration and installs the process logger.
func loadConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, closer := logging.New(cfg.Log)
	slog.SetDefault(logger)
	loadedConfig, logOutput = cfg, closer
	slog.Debug("configuration loaded", "component", "cli", "command", cmd.Name())
	return nil
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}
