package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/artifact"
	"github.com/sells-group/muse-gate/internal/gate"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one gated run",
	Long:  "Checks freshness, scores confidence, persists the episode and publishes it when it clears the threshold. Prints the run report as JSON.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		req, err := runRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		env, err := initGate(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		rep, runErr := env.Coordinator.Run(ctx, req)
		if rep != nil {
			if err := printJSON(os.Stdout, rep); err != nil {
				return err
			}
			if rep.Halted {
				zap.L().Warn("run halted at freshness gate", zap.String("run_id", rep.RunID))
			}
			out, _ := cmd.Flags().GetString("artifact-out")
			if err := writeArtifact(out, rep); err != nil {
				return err
			}
		}
		return runErr
	},
}

// writeArtifact renders the run's artifact to path. Runs without an artifact
// write nothing.
func writeArtifact(path string, rep *gate.RunReport) error {
	if path == "" {
		return nil
	}
	if rep.Artifact == nil {
		zap.L().Warn("no artifact to write", zap.String("run_id", rep.RunID), zap.String("path", path))
		return nil
	}
	data, err := rep.Artifact.Render()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return eris.Wrapf(err, "write artifact %s", path)
	}
	return nil
}

// runRequestFromFlags builds a RunRequest, falling back to config for the
// gating key and bootstrap mode.
func runRequestFromFlags(cmd *cobra.Command) (gate.RunRequest, error) {
	key, _ := cmd.Flags().GetString("key")
	runID, _ := cmd.Flags().GetString("run-id")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")
	bodyFile, _ := cmd.Flags().GetString("body-file")

	if key == "" {
		key = cfg.Watcher.GatingKey
	}
	if !cmd.Flags().Changed("bootstrap") {
		bootstrap = cfg.Gate.Bootstrap
	}

	req := gate.RunRequest{GatingKey: key, RunID: runID, Bootstrap: bootstrap}
	if bodyFile != "" {
		raw, err := os.ReadFile(bodyFile)
		if err != nil {
			return req, eris.Wrapf(err, "read body file %s", bodyFile)
		}
		doc, err := artifact.Parse(raw)
		if err != nil {
			return req, eris.Wrapf(err, "parse body file %s", bodyFile)
		}
		// The episode supplies its own front matter.
		req.Body = doc.Body
	}
	return req, nil
}

func init() {
	runCmd.Flags().String("key", "", "gating key (default from watcher.gating_key)")
	runCmd.Flags().String("run-id", "", "run id; re-running an id keeps its episode number")
	runCmd.Flags().Bool("bootstrap", false, "let sources with no history pass as degraded")
	runCmd.Flags().String("body-file", "", "markdown artifact to attach to the episode")
	runCmd.Flags().String("artifact-out", "", "write the rendered artifact with front matter to this path")
	rootCmd.AddCommand(runCmd)
}
