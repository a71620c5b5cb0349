package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/hyperengineering/formsync/internal/forms"
	"github.com/hyperengineering/formsync/internal/types"
	"github.com/spf13/cobra"
)

var (
	formKind     string
	formCode     string
	formData     string
	formDataFile string
	formStatus   string
)

var formsCmd = &cobra.Command{
	Use:   "forms",
	Short: "Manage service order forms",
	Long: "Save, edit, finalize and list forms. Changes are applied to the local\n" +
		"cache immediately and reach the document service when online.",
}

var formsSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Save a new pending form",
	Args:  cobra.NoArgs,
	RunE:  runFormsSave,
}

var formsEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Change a form's order code or data",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormsEdit,
}

var formsGetCmd = &cobra.Command{
	Use:   "get <id>",
	Short: "Show one form",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormsGet,
}

var formsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List forms, most recently modified first",
	Args:  cobra.NoArgs,
	RunE:  runFormsList,
}

var formsFinalizeCmd = &cobra.Command{
	Use:   "finalize <id>",
	Short: "Mark a form finalized",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusChange(cmd, args[0], (*forms.Service).Finalize)
	},
}

var formsReopenCmd = &cobra.Command{
	Use:   "reopen <id>",
	Short: "Return a finalized form to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatusChange(cmd, args[0], (*forms.Service).Reopen)
	},
}

var formsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a form",
	Args:  cobra.ExactArgs(1),
	RunE:  runFormsDelete,
}

var formsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count forms by status and kind",
	Args:  cobra.NoArgs,
	RunE:  runFormsStats,
}

func init() {
	formsSaveCmd.Flags().StringVar(&formKind, "kind", "", "Form kind: CTO, PON or LINK (required)")
	formsSaveCmd.Flags().StringVar(&formCode, "code", "", "Service order code")
	formsSaveCmd.Flags().StringVar(&formData, "data", "", "Form fields as a JSON object")
	formsSaveCmd.Flags().StringVar(&formDataFile, "data-file", "", "Read form fields from a JSON file")
	formsSaveCmd.MarkFlagRequired("kind")
	formsSaveCmd.MarkFlagsMutuallyExclusive("data", "data-file")

	formsEditCmd.Flags().StringVar(&formCode, "code", "", "New service order code")
	formsEditCmd.Flags().StringVar(&formData, "data", "", "New form fields as a JSON object")
	formsEditCmd.Flags().StringVar(&formDataFile, "data-file", "", "Read new form fields from a JSON file")
	formsEditCmd.MarkFlagsMutuallyExclusive("data", "data-file")

	formsListCmd.Flags().StringVar(&formStatus, "status", "", "Only forms with this status: pending or finalized")
	formsListCmd.Flags().StringVar(&formKind, "kind", "", "Only forms of this kind")

	formsCmd.AddCommand(formsSaveCmd)
	formsCmd.AddCommand(formsEditCmd)
	formsCmd.AddCommand(formsGetCmd)
	formsCmd.AddCommand(formsListCmd)
	formsCmd.AddCommand(formsFinalizeCmd)
	formsCmd.AddCommand(formsReopenCmd)
	formsCmd.AddCommand(formsDeleteCmd)
	formsCmd.AddCommand(formsStatsCmd)
}

// readFormData returns the --data or --data-file contents, or nil when
// neither is set.
func readFormData() (json.RawMessage, error) {
	switch {
	case formDataFile != "":
		b, err := os.ReadFile(formDataFile)
		if err != nil {
			return nil, fmt.Errorf("read form data: %w", err)
		}
		return json.RawMessage(b), nil
	case formData != "":
		return json.RawMessage(formData), nil
	default:
		return nil, nil
	}
}

func runFormsSave(cmd *cobra.Command, args []string) error {
	kind, err := forms.ParseKind(formKind)
	if err != nil {
		return err
	}
	data, err := readFormData()
	if err != nil {
		return err
	}

	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		saved, err := st.forms.Save(ctx, kind, formCode, data)
		if err != nil {
			return fmt.Errorf("save form: %w", err)
		}
		return printSaved(cmd, st, saved, "Saved")
	})
}

func runFormsEdit(cmd *cobra.Command, args []string) error {
	data, err := readFormData()
	if err != nil {
		return err
	}
	if formCode == "" && data == nil {
		return errors.New("nothing to change: set --code, --data or --data-file")
	}

	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		// Edit replaces both fields; unset flags keep the current values.
		current, err := st.forms.Get(ctx, args[0])
		if err != nil {
			return fmt.Errorf("edit form: %w", err)
		}
		code := formCode
		if code == "" {
			code = current.Payload.OrderCode
		}
		if data == nil {
			data = current.Payload.Data
		}

		saved, err := st.forms.Edit(ctx, args[0], code, data)
		if err != nil {
			return fmt.Errorf("edit form: %w", err)
		}
		return printSaved(cmd, st, saved, "Updated")
	})
}

func runStatusChange(cmd *cobra.Command, id string, change func(*forms.Service, context.Context, string) (forms.Saved, error)) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		saved, err := change(st.forms, ctx, id)
		if err != nil {
			return fmt.Errorf("%s form: %w", cmd.Name(), err)
		}
		return printSaved(cmd, st, saved, "Form "+string(saved.Status)+":")
	})
}

func runFormsDelete(cmd *cobra.Command, args []string) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		if err := st.forms.Delete(ctx, args[0]); err != nil {
			return fmt.Errorf("delete form: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"id":      args[0],
				"deleted": true,
				"online":  st.monitor.IsOnline(),
			})
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted form %s\n", args[0])
		printQueuedNote(cmd, st)
		return nil
	})
}

func runFormsGet(cmd *cobra.Command, args []string) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		saved, err := st.forms.Get(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), saved)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "ID:\t%s\n", saved.ID)
		fmt.Fprintf(w, "Kind:\t%s\n", saved.Payload.Kind)
		fmt.Fprintf(w, "Order code:\t%s\n", saved.Payload.OrderCode)
		fmt.Fprintf(w, "Status:\t%s\n", saved.Status)
		fmt.Fprintf(w, "Created:\t%s\n", formatTime(saved.CreatedAt))
		fmt.Fprintf(w, "Modified:\t%s\n", formatTime(saved.ModifiedAt))
		if saved.Payload.CreatedBy != nil {
			fmt.Fprintf(w, "Created by:\t%s\n", saved.Payload.CreatedBy.Name())
		}
		w.Flush()
		if len(saved.Payload.Data) > 0 {
			fmt.Fprintln(cmd.OutOrStdout())
			return printJSON(cmd.OutOrStdout(), saved.Payload.Data)
		}
		return nil
	})
}

func runFormsList(cmd *cobra.Command, args []string) error {
	var (
		status types.Status
		kind   forms.Kind
	)
	if formStatus != "" {
		status = types.Status(formStatus)
		if !status.Valid() {
			return fmt.Errorf("invalid status %q: want pending or finalized", formStatus)
		}
	}
	if formKind != "" {
		k, err := forms.ParseKind(formKind)
		if err != nil {
			return err
		}
		kind = k
	}

	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		var (
			list []forms.Saved
			err  error
		)
		switch {
		case status != "":
			list, err = st.forms.ByStatus(ctx, status)
		case kind != "":
			list, err = st.forms.ByKind(ctx, kind)
		default:
			list, err = st.forms.List(ctx)
		}
		if err != nil {
			return fmt.Errorf("list forms: %w", err)
		}
		if status != "" && kind != "" {
			list = filterKind(list, kind)
		}

		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{
				"forms": list,
				"total": len(list),
			})
		}

		if len(list) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No forms found.")
			return nil
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintln(w, "ID\tKIND\tORDER CODE\tSTATUS\tMODIFIED")
		for _, f := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				f.ID,
				f.Payload.Kind,
				truncate(f.Payload.OrderCode, 32),
				f.Status,
				formatTime(f.ModifiedAt),
			)
		}
		w.Flush()
		return nil
	})
}

func filterKind(list []forms.Saved, kind forms.Kind) []forms.Saved {
	out := list[:0]
	for _, f := range list {
		if f.Payload.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func runFormsStats(cmd *cobra.Command, args []string) error {
	return withStack(cmd.Context(), func(ctx context.Context, st *clientStack) error {
		stats, err := st.forms.Stats(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), stats)
		}

		w := newTabWriter(cmd.OutOrStdout())
		fmt.Fprintf(w, "Total:\t%d\n", stats.Total)
		fmt.Fprintf(w, "Pending:\t%d\n", stats.Pending)
		fmt.Fprintf(w, "Finalized:\t%d\n", stats.Finalized)
		for _, k := range forms.Kinds {
			fmt.Fprintf(w, "%s:\t%d\n", k, stats.ByKind[k])
		}
		return w.Flush()
	})
}

func printSaved(cmd *cobra.Command, st *clientStack, saved forms.Saved, verb string) error {
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), saved)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s (%s) [%s]\n",
		verb, saved.Payload.Kind, saved.Payload.OrderCode, saved.ID, saved.Status)
	printQueuedNote(cmd, st)
	return nil
}

func printQueuedNote(cmd *cobra.Command, st *clientStack) {
	if !st.monitor.IsOnline() {
		fmt.Fprintln(cmd.OutOrStdout(), "Offline: change queued and will sync when connectivity returns.")
	}
}
