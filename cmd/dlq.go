package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/muse-gate/internal/gate"
	"github.com/sells-group/muse-gate/internal/resilience"
)

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Inspect and replay dead-lettered operations",
}

// -- dlq list --

var dlqListCmd = &cobra.Command{
	Use:   "list",
	Short: "List dead-lettered operations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		op, _ := cmd.Flags().GetString("operation")
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")

		entries, err := st.ListDLQ(ctx, resilience.DLQFilter{
			Operation:       op,
			IncludeReplayed: all,
			Limit:           limit,
		})
		if err != nil {
			return eris.Wrap(err, "dlq list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No dead-lettered operations.")
			return nil
		}

		formatDLQList(os.Stdout, entries)
		return nil
	},
}

// -- dlq show --

var dlqShowCmd = &cobra.Command{
	Use:   "show <operation-id>",
	Short: "Show a dead-lettered operation with its payload",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		entry, err := st.GetDLQ(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "dlq show")
		}
		return printJSON(os.Stdout, entry)
	},
}

// -- dlq replay --

var dlqReplayCmd = &cobra.Command{
	Use:   "replay <operation-id>",
	Short: "Re-execute a dead-lettered operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		entry, err := st.GetDLQ(ctx, args[0])
		_ = st.Close()
		if err != nil {
			return eris.Wrapf(err, "dlq replay %s", args[0])
		}

		env, err := initGate(ctx, replayNeedsWarehouse(entry.Operation))
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Replayer.Replay(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "dlq replay %s", args[0])
		}
		fmt.Fprintf(os.Stdout, "Replayed %s\n", args[0])
		return nil
	},
}

func init() {
	dlqListCmd.Flags().String("operation", "", "filter by operation name (e.g. publish.submit)")
	dlqListCmd.Flags().Bool("all", false, "include entries that were already replayed")
	dlqListCmd.Flags().Int("limit", 50, "max number of entries to display")

	dlqCmd.AddCommand(dlqListCmd)
	dlqCmd.AddCommand(dlqShowCmd)
	dlqCmd.AddCommand(dlqReplayCmd)
	rootCmd.AddCommand(dlqCmd)
}

// replayNeedsWarehouse reports whether replaying operation reads or writes
// the warehouse.
func replayNeedsWarehouse(operation string) bool {
	return operation != gate.OpPublishSubmit
}

// formatDLQList writes a tabular list of DLQ entries to out.
func formatDLQList(out io.Writer, entries []resilience.DLQEntry) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tOPERATION\tKIND\tATTEMPTS\tLAST_FAILED\tREPLAYED\tERROR")
	for _, e := range entries {
		replayed := "-"
		if e.Replayed() {
			replayed = e.ReplayedAt.Format("2006-01-02 15:04")
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(e.OperationID),
			e.Operation,
			e.ErrorKind,
			e.Attempts,
			e.LastFailedAt.Format("2006-01-02 15:04"),
			replayed,
			truncate(e.Error, 60),
		)
	}
	_ = w.Flush()
}

// truncateID shortens a UUID to its first 8 characters.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
