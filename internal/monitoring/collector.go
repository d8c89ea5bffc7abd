// Package monitoring watches gate health from what the store has recorded
// and alerts an operator webhook when thresholds are crossed.
package monitoring

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/store"
)

// GateSnapshot is the latest gate decision for one gating key.
type GateSnapshot struct {
	GatingKey string            `json:"gating_key"`
	Status    model.GateStatus  `json:"status"`
	Reason    model.BlockReason `json:"reason"`
	// BlockedStreak counts consecutive blocked checks, newest first.
	BlockedStreak int       `json:"blocked_streak"`
	CheckedAt     time.Time `json:"checked_at"`
}

// MetricsSnapshot holds a point-in-time view of gate health.
type MetricsSnapshot struct {
	// Freshness checks within the lookback window.
	ChecksTotal    int `json:"checks_total"`
	ChecksValid    int `json:"checks_valid"`
	ChecksDegraded int `json:"checks_degraded"`
	ChecksBlocked  int `json:"checks_blocked"`

	// Episodes created within the lookback window.
	EpisodesTotal     int     `json:"episodes_total"`
	EpisodesDraft     int     `json:"episodes_draft"`
	EpisodesReady     int     `json:"episodes_ready"`
	EpisodesPublished int     `json:"episodes_published"`
	EpisodesFailed    int     `json:"episodes_failed"`
	AvgConfidence     float64 `json:"avg_confidence"`

	Gates []GateSnapshot `json:"gates"`

	// DLQ depth excludes replayed entries.
	DLQDepth int `json:"dlq_depth"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

const collectLimit = 10000

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
	now   func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st, now: time.Now}
}

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	checks, err := c.store.ListFreshness(ctx, store.FreshnessFilter{Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list freshness")
	}
	// Newest first.
	gates := make(map[string]*GateSnapshot)
	streakDone := make(map[string]bool)
	for _, r := range checks {
		g, ok := gates[r.GatingKey]
		if !ok {
			g = &GateSnapshot{GatingKey: r.GatingKey, Status: r.Status, Reason: r.Reason, CheckedAt: r.ComputedAt}
			gates[r.GatingKey] = g
		}
		if !streakDone[r.GatingKey] {
			if r.Status == model.GateBlocked {
				g.BlockedStreak++
			} else {
				streakDone[r.GatingKey] = true
			}
		}

		if r.ComputedAt.Before(cutoff) {
			continue
		}
		snap.ChecksTotal++
		switch r.Status {
		case model.GateValid:
			snap.ChecksValid++
		case model.GateDegraded:
			snap.ChecksDegraded++
		case model.GateBlocked:
			snap.ChecksBlocked++
		}
	}
	for _, g := range gates {
		snap.Gates = append(snap.Gates, *g)
	}
	sort.Slice(snap.Gates, func(i, j int) bool { return snap.Gates[i].GatingKey < snap.Gates[j].GatingKey })

	episodes, err := c.store.ListEpisodes(ctx, store.EpisodeFilter{Limit: collectLimit})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list episodes")
	}
	var totalConfidence float64
	for _, ep := range episodes {
		if ep.CreatedAt.Before(cutoff) {
			continue
		}
		snap.EpisodesTotal++
		totalConfidence += ep.Confidence
		switch ep.Status {
		case model.EpisodeDraft:
			snap.EpisodesDraft++
		case model.EpisodeReady:
			snap.EpisodesReady++
		case model.EpisodePublished:
			snap.EpisodesPublished++
		case model.EpisodeFailed:
			snap.EpisodesFailed++
		}
	}
	if snap.EpisodesTotal > 0 {
		snap.AvgConfidence = totalConfidence / float64(snap.EpisodesTotal)
	}

	depth, err := c.store.CountDLQ(ctx, false)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count dlq")
	}
	snap.DLQDepth = depth

	return snap, nil
}
