package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/hyperengineering/formsync/internal/forms"
	"github.com/hyperengineering/formsync/internal/remote"
	"github.com/hyperengineering/formsync/internal/syncengine"
	"github.com/hyperengineering/formsync/internal/worker"
	"github.com/spf13/cobra"
)

var syncWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Replay queued changes to the document service",
	Long: "Replay every queued form and audit change in order. With --watch, keep\n" +
		"running and replay again on reconnect and on every sweep interval.",
	Args: cobra.NoArgs,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncWatch, "watch", false, "Keep running and sync periodically")
}

func newSweeper(st *clientStack, interval time.Duration) *worker.SyncSweeper {
	sw := worker.NewSyncSweeper(interval, st.monitor.IsOnline)
	sw.Add(forms.Collection, st.forms.Sync)
	sw.Add(audit.Collection, st.audit.ReplayPending)
	return sw
}

func runSync(cmd *cobra.Command, args []string) error {
	if syncWatch {
		return runSyncWatch(cmd)
	}

	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		if !st.monitor.IsOnline() {
			if jsonOutput {
				return printJSON(cmd.OutOrStdout(), map[string]any{"online": false})
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Offline: nothing replayed.")
			return nil
		}

		results := newSweeper(st, time.Hour).Sweep(ctx)
		refused := credentialsRefused(results)
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"online":              true,
				"collections":         results,
				"credentials_refused": refused,
			})
		}
		printResults(cmd, results)
		if refused {
			fmt.Fprintln(cmd.ErrOrStderr(), warnStyle.Render(
				"The remote refused the API key; changes stay queued. Check FORMSYNC_REMOTE_API_KEY."))
		}
		return nil
	})
}

func runSyncWatch(cmd *cobra.Command) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	return withStack(ctx, func(ctx context.Context, st *clientStack) error {
		var wg sync.WaitGroup
		sweeper := newSweeper(st, time.Duration(loadedConfig.Sync.SweepInterval))
		startWorker(ctx, &wg, "sync-sweep", sweeper.Run)

		fmt.Fprintf(cmd.OutOrStdout(), "Watching for changes to sync every %s (Ctrl-C to stop)\n",
			time.Duration(loadedConfig.Sync.SweepInterval))
		<-ctx.Done()
		wg.Wait()
		return nil
	})
}

// credentialsRefused reports whether any replay stopped on refused
// credentials.
func credentialsRefused(results map[string]syncengine.ReplayResult) bool {
	for _, res := range results {
		if errors.Is(res.Interrupted, remote.ErrUnauthorized) {
			return true
		}
	}
	return false
}

func printResults(cmd *cobra.Command, results map[string]syncengine.ReplayResult) {
	w := newTabWriter(cmd.OutOrStdout())
	fmt.Fprintln(w, "COLLECTION\tAPPLIED\tREJECTED\tREMAINING")
	for _, name := range []string{forms.Collection, audit.Collection} {
		res, ok := results[name]
		if !ok {
			fmt.Fprintf(w, "%s\t-\t-\t-\n", name)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\n", name, res.Applied, res.Rejected, res.Remaining)
	}
	w.Flush()
}
