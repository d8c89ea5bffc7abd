package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/store"
)

var episodesCmd = &cobra.Command{
	Use:   "episodes",
	Short: "Inspect, promote and publish episodes",
}

// -- episodes list --

var episodesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List episodes, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		filter, err := episodeFilterFromFlags(cmd)
		if err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		eps, err := st.ListEpisodes(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "episodes list")
		}

		if len(eps) == 0 {
			fmt.Fprintln(os.Stderr, "No episodes found.")
			return nil
		}

		formatEpisodesList(os.Stdout, eps)
		return nil
	},
}

// -- episodes show --

// episodeDetail is an episode together with its audit trail.
type episodeDetail struct {
	Episode *model.Episode     `json:"episode"`
	Audit   []model.AuditEntry `json:"audit"`
}

var episodesShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show an episode and its audit trail",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		noAudit, _ := cmd.Flags().GetBool("no-audit")
		detail, err := loadEpisodeDetail(ctx, st, args[0], !noAudit)
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, detail)
	},
}

// -- episodes promote --

var episodesPromoteCmd = &cobra.Command{
	Use:   "promote <run-id>",
	Short: "Record an operator override and move a draft to ready",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		actor, _ := cmd.Flags().GetString("actor")
		reason, _ := cmd.Flags().GetString("reason")

		env, err := initGate(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		ep, err := env.Coordinator.Promote(ctx, args[0], model.Override{Actor: actor, Reason: reason})
		if err != nil {
			return err
		}
		return printJSON(os.Stdout, ep)
	},
}

// -- episodes publish --

var episodesPublishCmd = &cobra.Command{
	Use:   "publish <run-id>",
	Short: "Publish a ready episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initGate(ctx, false)
		if err != nil {
			return err
		}
		defer env.Close()

		ep, pubErr := env.Coordinator.Publish(ctx, args[0])
		if ep != nil {
			if err := printJSON(os.Stdout, ep); err != nil {
				return err
			}
		}
		return pubErr
	},
}

func init() {
	episodesListCmd.Flags().String("key", "", "filter by gating key")
	episodesListCmd.Flags().String("series", "", "filter by series (chimera, banterpacks)")
	episodesListCmd.Flags().String("status", "", "filter by status (draft, ready, published, failed)")
	episodesListCmd.Flags().Int("limit", 50, "max number of episodes to display")
	episodesListCmd.Flags().Int("offset", 0, "number of episodes to skip")

	episodesShowCmd.Flags().Bool("no-audit", false, "omit the audit trail")

	episodesPromoteCmd.Flags().String("actor", "", "operator recording the override (required)")
	episodesPromoteCmd.Flags().String("reason", "", "why the episode may publish below threshold (required)")
	_ = episodesPromoteCmd.MarkFlagRequired("actor")
	_ = episodesPromoteCmd.MarkFlagRequired("reason")

	episodesCmd.AddCommand(episodesListCmd)
	episodesCmd.AddCommand(episodesShowCmd)
	episodesCmd.AddCommand(episodesPromoteCmd)
	episodesCmd.AddCommand(episodesPublishCmd)
	rootCmd.AddCommand(episodesCmd)
}

func episodeFilterFromFlags(cmd *cobra.Command) (store.EpisodeFilter, error) {
	key, _ := cmd.Flags().GetString("key")
	series, _ := cmd.Flags().GetString("series")
	status, _ := cmd.Flags().GetString("status")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	filter := store.EpisodeFilter{
		GatingKey: key,
		Series:    model.Series(series),
		Limit:     limit,
		Offset:    offset,
	}
	if status != "" {
		s, err := model.ParseEpisodeStatus(status)
		if err != nil {
			return filter, err
		}
		filter.Status = s
	}
	return filter, nil
}

func loadEpisodeDetail(ctx context.Context, st store.Store, runID string, withAudit bool) (*episodeDetail, error) {
	ep, err := st.GetEpisode(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "episodes show")
	}
	detail := &episodeDetail{Episode: ep}
	if !withAudit {
		return detail, nil
	}
	audit, err := store.GetAudit(ctx, st, runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, eris.Wrap(err, "episodes show: audit")
	}
	detail.Audit = audit
	return detail, nil
}

// formatEpisodesList writes a tabular list of episodes to out.
func formatEpisodesList(out io.Writer, eps []model.Episode) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "RUN_ID\tSERIES\tNO\tSTATUS\tGATE\tCONFIDENCE\tCREATED\tTITLE")
	for _, ep := range eps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%03d\t%s\t%s\t%.2f\t%s\t%s\n",
			truncateID(ep.RunID),
			ep.Series,
			ep.Number,
			ep.Status,
			ep.GateStatus,
			ep.Confidence,
			ep.CreatedAt.Format("2006-01-02 15:04"),
			ep.Title,
		)
	}
	_ = w.Flush()
}
