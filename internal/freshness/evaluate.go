// Package freshness decides whether the sources feeding a run are present
// and recent enough to trust.
package freshness

import (
	"math"
	"time"

	"github.com/sells-group/muse-gate/internal/model"
)

// Source is one monitored input and its staleness threshold. Key is the
// value the warehouse stores the source under; it defaults to Name.
type Source struct {
	Name   string
	Key    string
	MaxLag time.Duration
}

func (s Source) warehouseName() string {
	if s.Key != "" {
		return s.Key
	}
	return s.Name
}

// Observation is what the warehouse reported for one source.
type Observation struct {
	Source Source
	Rows   int64
	Latest *time.Time
}

// Decision is the pure outcome of evaluating a set of observations.
type Decision struct {
	Status  model.GateStatus
	Reason  model.BlockReason
	Sources []model.SourceFreshness
	MaxLag  float64
}

// Evaluate applies the gate rules to obs at now:
//
//   - a source with data whose age exceeds its threshold blocks (lag_exceeded)
//   - a source with no rows in the window blocks (missing_rows), unless it
//     has never produced a row at all
//   - a source that has never produced a row blocks (no_baseline), or
//     degrades the run when bootstrap is set
//   - otherwise the gate is valid
//
// Bootstrap never rescues a stale source that has data.
func Evaluate(obs []Observation, bootstrap bool, now time.Time) Decision {
	d := Decision{Status: model.GateValid, Reason: model.ReasonNone}
	if len(obs) == 0 {
		d.Status, d.Reason = model.GateBlocked, model.ReasonMissingRows
		return d
	}

	var lagExceeded, missingRows, noBaseline bool
	for _, o := range obs {
		sf := model.SourceFreshness{
			Source:        o.Source.Name,
			Key:           o.Source.Key,
			RowsFound:     o.Rows,
			LatestAt:      o.Latest,
			MaxLagSeconds: o.Source.MaxLag.Seconds(),
		}

		switch {
		case o.Latest == nil:
			sf.Stale = true
			noBaseline = true
		default:
			sf.LagSeconds = math.Max(0, now.Sub(*o.Latest).Seconds())
			if sf.LagSeconds > d.MaxLag {
				d.MaxLag = sf.LagSeconds
			}
			if sf.LagSeconds > sf.MaxLagSeconds {
				sf.Stale = true
				lagExceeded = true
			}
			if o.Rows == 0 {
				sf.Stale = true
				missingRows = true
			}
		}
		d.Sources = append(d.Sources, sf)
	}

	switch {
	case lagExceeded:
		d.Status, d.Reason = model.GateBlocked, model.ReasonLagExceeded
	case missingRows:
		d.Status, d.Reason = model.GateBlocked, model.ReasonMissingRows
	case noBaseline && bootstrap:
		d.Status, d.Reason = model.GateDegraded, model.ReasonNoBaseline
	case noBaseline:
		d.Status, d.Reason = model.GateBlocked, model.ReasonNoBaseline
	}
	return d
}
