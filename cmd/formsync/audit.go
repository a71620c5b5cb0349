package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/hyperengineering/formsync/internal/audit"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"
)

var (
	auditLimit  int
	auditUser   string
	auditAction string
	auditSince  string
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List audit events, newest first",
	Args:  cobra.NoArgs,
	RunE:  runAuditList,
}

var auditStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count audit events by action and by week",
	Args:  cobra.NoArgs,
	RunE:  runAuditStats,
}

func init() {
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 50, "Maximum events to show (0 for all)")
	auditListCmd.Flags().StringVar(&auditUser, "actor", "", "Only events by this user id")
	auditListCmd.Flags().StringVar(&auditAction, "action", "", "Only events with this action")
	auditListCmd.Flags().StringVar(&auditSince, "since", "",
		`Only events at or after this time (RFC 3339 or phrases like "yesterday", "3 days ago")`)

	auditCmd.AddCommand(auditListCmd)
	auditCmd.AddCommand(auditStatsCmd)
}

// parseSince accepts RFC 3339 or a natural-language time relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation("2006-01-02", s, now.Location()); err == nil {
		return t, nil
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	r, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("parse --since %q: not a recognizable time", s)
	}
	return r.Time, nil
}

func runAuditList(cmd *cobra.Command, args []string) error {
	var (
		action audit.Action
		since  time.Time
	)
	if auditAction != "" {
		a, err := audit.ParseAction(auditAction)
		if err != nil {
			return err
		}
		action = a
	}
	if auditSince != "" {
		t, err := parseSince(auditSince, time.Now())
		if err != nil {
			return err
		}
		since = t
	}

	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		// Filters after the first are applied here, so fetch everything
		// and limit at the end.
		var (
			events []audit.Event
			err    error
		)
		switch {
		case auditUser != "":
			events, err = st.audit.ListByActor(ctx, auditUser, 0)
		case action != "":
			events, err = st.audit.ListByAction(ctx, action, 0)
		default:
			events, err = st.audit.List(ctx, 0)
		}
		if err != nil {
			return err
		}
		events = filterEvents(events, action, since)
		if auditLimit > 0 && len(events) > auditLimit {
			events = events[:auditLimit]
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"events": events,
				"total":  len(events),
			})
		}

		if len(events) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No audit events found.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "TIME\tACTOR\tACTION\tDESCRIPTION")
		for _, ev := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				formatTime(ev.Timestamp),
				truncate(ev.Actor.Name(), 24),
				ev.Action,
				audit.Describe(ev),
			)
		}
		w.Flush()
		return nil
	})
}

func filterEvents(events []audit.Event, action audit.Action, since time.Time) []audit.Event {
	out := events[:0]
	for _, ev := range events {
		if action != "" && ev.Action != action {
			continue
		}
		if !since.IsZero() && ev.Timestamp.Before(since) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func runAuditStats(cmd *cobra.Command, args []string) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		stats, err := st.audit.Stats(ctx, time.Now())
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Total events: %d\n\n", stats.Total)

		w := newTabWriter(out)
		fmt.Fprintln(w, "ACTION\tCOUNT")
		for _, a := range audit.Actions {
			fmt.Fprintf(w, "%s\t%d\n", a, stats.ByAction[a])
		}
		w.Flush()
		fmt.Fprintln(out)

		w = newTabWriter(out)
		fmt.Fprintln(w, "WEEK\tEVENTS\t")
		for _, wk := range stats.Weeks {
			fmt.Fprintf(w, "%s\t%d\t%s\n", wk.Label(), wk.Total, strings.Repeat("#", min(wk.Total, 40)))
		}
		return w.Flush()
	})
}
