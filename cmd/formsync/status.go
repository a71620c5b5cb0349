package main

import (
	"context"
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/hyperengineering/formsync/internal/forms"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	onlineBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#2E7D32")).
			Padding(0, 1)
	offlineBadge = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#C62828")).
			Padding(0, 1)
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#E65100"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity and sync state",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

type collectionStatus struct {
	Pending  bool                      `json:"pending_writes"`
	Rejected []types.RejectedOperation `json:"rejected"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		online := st.monitor.IsOnline()

		formsStatus, err := collectStatus(ctx, st.forms.HasPendingWrites, st.forms.Rejected)
		if err != nil {
			return err
		}
		auditPending, err := st.audit.HasPendingWrites(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"online":  online,
				"remote":  loadedConfig.Remote.Kind,
				"version": Version,
				"collections": map[string]any{
					forms.Collection: formsStatus,
					audit.Collection: collectionStatus{Pending: auditPending},
				},
			})
		}

		out := cmd.OutOrStdout()
		if online {
			fmt.Fprintln(out, onlineBadge.Render("ONLINE"))
		} else {
			fmt.Fprintln(out, offlineBadge.Render("OFFLINE"))
		}

		w := newTabWriter(out)
		fmt.Fprintf(w, "Remote:\t%s\n", loadedConfig.Remote.Kind)
		fmt.Fprintf(w, "Forms pending sync:\t%s\n", yesNo(formsStatus.Pending))
		fmt.Fprintf(w, "Audit pending sync:\t%s\n", yesNo(auditPending))
		fmt.Fprintf(w, "Rejected changes:\t%d\n", len(formsStatus.Rejected))
		w.Flush()

		for _, r := range formsStatus.Rejected {
			fmt.Fprintln(out, warnStyle.Render(fmt.Sprintf("  %s %s at %s: %s",
				r.Kind, r.TargetID, formatTime(r.RejectedAt), r.Reason)))
		}
		return nil
	})
}

func collectStatus(ctx context.Context,
	pending func(context.Context) (bool, error),
	rejected func(context.Context) ([]types.RejectedOperation, error)) (collectionStatus, error) {
	var cs collectionStatus
	var err error
	if cs.Pending, err = pending(ctx); err != nil {
		return cs, err
	}
	if cs.Rejected, err = rejected(ctx); err != nil {
		return cs, err
	}
	return cs, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
