package main

import (
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Append JSON-lines source events to the warehouse",
	Long: "Reads one event per line from file, or stdin when file is omitted or \"-\". " +
		"Events are written to the source record log and appended to the warehouse under " +
		"their version; writes that exhaust their retries are dead-lettered. Prints the counts as JSON.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		in, closeIn, err := openIngestInput(args, cmd.InOrStdin())
		if err != nil {
			return err
		}
		defer closeIn()

		if cmd.Flags().Changed("batch-size") {
			cfg.Ingest.BatchSize, _ = cmd.Flags().GetInt("batch-size")
		}

		env, err := initGate(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		stats, err := env.Ingester.Ingest(ctx, in)
		if stats != nil {
			if perr := printJSON(os.Stdout, stats); perr != nil {
				return perr
			}
			if stats.DeadLettered > 0 {
				zap.L().Warn("some events were dead-lettered; see `muse-gate dlq list`",
					zap.Int("dead_lettered", stats.DeadLettered))
			}
		}
		return err
	},
}

// openIngestInput returns the named file, or stdin for no argument or "-".
func openIngestInput(args []string, stdin io.Reader) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, eris.Wrapf(err, "open %s", args[0])
	}
	return f, func() { _ = f.Close() }, nil
}

func init() {
	ingestCmd.Flags().Int("batch-size", 0, "events per record-log batch (default from ingest.batch_size)")
	rootCmd.AddCommand(ingestCmd)
}
