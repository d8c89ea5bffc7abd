package model

import (
	"time"

	"github.com/rotisserie/eris"
)

// GateStatus is the state of the freshness circuit-breaker gate.
type GateStatus int

const (
	// GateInit is the state before any source has been evaluated.
	GateInit GateStatus = iota
	// GateValid means every source is present and within its staleness threshold.
	GateValid
	// GateDegraded means the operator bootstrap flag let a run proceed without
	// a historical baseline. Output is untrustworthy downstream.
	GateDegraded
	// GateBlocked means downstream work must not run.
	GateBlocked
)

var gateStatusNames = map[GateStatus]string{
	GateInit:     "init",
	GateValid:    "valid",
	GateDegraded: "degraded",
	GateBlocked:  "blocked",
}

func (s GateStatus) String() string {
	if name, ok := gateStatusNames[s]; ok {
		return name
	}
	return "unknown"
}

// Open reports whether the status lets the pipeline proceed past the gate.
func (s GateStatus) Open() bool {
	return s == GateValid || s == GateDegraded
}

// ParseGateStatus converts a stored name back to a GateStatus. Unknown names
// are rejected rather than mapped to a default.
func ParseGateStatus(name string) (GateStatus, error) {
	for s, n := range gateStatusNames {
		if n == name {
			return s, nil
		}
	}
	return GateInit, eris.Errorf("model: unknown gate status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s GateStatus) MarshalText() ([]byte, error) {
	if _, ok := gateStatusNames[s]; !ok {
		return nil, eris.Errorf("model: invalid gate status %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *GateStatus) UnmarshalText(b []byte) error {
	parsed, err := ParseGateStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// BlockReason explains a gate decision.
type BlockReason string

const (
	ReasonNone         BlockReason = "none"
	ReasonMissingRows  BlockReason = "missing_rows"
	ReasonLagExceeded  BlockReason = "lag_exceeded"
	ReasonNoBaseline   BlockReason = "no_baseline"
	ReasonTokenExpired BlockReason = "token_expired"
	ReasonTokenAbsent  BlockReason = "token_absent"
)

// SourceFreshness is the observation for one source within a freshness check.
type SourceFreshness struct {
	Source        string     `json:"source"`
	Key           string     `json:"key"`
	RowsFound     int64      `json:"rows_found"`
	LatestAt      *time.Time `json:"latest_at,omitempty"`
	LagSeconds    float64    `json:"lag_seconds"`
	MaxLagSeconds float64    `json:"max_lag_seconds"`
	Stale         bool       `json:"stale"`
}

// HasBaseline reports whether any record has ever been observed for the source.
func (f SourceFreshness) HasBaseline() bool {
	return f.RowsFound > 0 && f.LatestAt != nil
}

// FreshnessCheckResult is written once per watcher invocation and never mutated.
type FreshnessCheckResult struct {
	RunID      string             `json:"run_id"`
	GatingKey  string             `json:"gating_key"`
	Sources    []SourceFreshness  `json:"sources"`
	RowCounts  map[string]int64   `json:"per_source_row_count"`
	LagSeconds map[string]float64 `json:"per_source_lag_seconds"`
	MaxLag     float64            `json:"lag_seconds"`
	Status     GateStatus         `json:"status"`
	Reason     BlockReason        `json:"reason"`
	Bootstrap  bool               `json:"bootstrap"`
	ComputedAt time.Time          `json:"computed_at"`
}
