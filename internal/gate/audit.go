package gate

import (
	"time"

	"github.com/sells-group/muse-gate/internal/confidence"
	"github.com/sells-group/muse-gate/internal/model"
)

// auditTrail accumulates the audit entries of one run.
type auditTrail struct {
	runID   string
	now     func() time.Time
	entries []model.AuditEntry
}

func newTrail(runID string, now func() time.Time) *auditTrail {
	return &auditTrail{runID: runID, now: now}
}

func (t *auditTrail) add(stage model.Stage, decision, reason string, observed map[string]any) {
	t.entries = append(t.entries, model.AuditEntry{
		RunID:    t.runID,
		Stage:    stage,
		Decision: decision,
		Reason:   reason,
		Observed: observed,
		At:       t.now().UTC(),
	})
}

func freshnessObserved(res *model.FreshnessCheckResult) map[string]any {
	out := map[string]any{
		"lag_seconds": res.MaxLag,
		"bootstrap":   res.Bootstrap,
	}
	for _, sf := range res.Sources {
		out[sf.Source] = map[string]any{
			"rows_found":      sf.RowsFound,
			"lag_seconds":     sf.LagSeconds,
			"max_lag_seconds": sf.MaxLagSeconds,
			"stale":           sf.Stale,
		}
	}
	return out
}

func confidenceObserved(res *confidence.Result) map[string]any {
	return map[string]any{
		"completeness":         res.Score.Completeness,
		"correlation_strength": res.Score.CorrelationStrength,
		"recency_factor":       res.Score.RecencyFactor,
		"final":                res.Score.Final,
		"threshold":            res.Threshold,
		"pairs":                res.Pairs,
		"rows_a":               res.RowsA,
		"rows_b":               res.RowsB,
		"expected_rows":        res.Expected,
	}
}
