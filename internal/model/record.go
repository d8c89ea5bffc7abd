package model

import (
	"encoding/json"
	"time"
)

// SourceRecord is a versioned datum keyed by its business identifier. A later
// version of the same natural key replaces an earlier one.
type SourceRecord struct {
	SourceID   string          `json:"source_id"`
	NaturalKey string          `json:"natural_key"`
	Version    int64           `json:"version"`
	Payload    json.RawMessage `json:"payload"`
	WrittenAt  time.Time       `json:"written_at"`
}

// WriteOutcome describes what a versioned write did.
type WriteOutcome string

const (
	WriteInserted  WriteOutcome = "inserted"
	WriteReplaced  WriteOutcome = "replaced"
	WriteUnchanged WriteOutcome = "unchanged"
)

// Bucket is one per-day aggregate value from a source.
type Bucket struct {
	Day   time.Time `json:"day"`
	Value float64   `json:"value"`
	Rows  int64     `json:"rows"`
}

// Window is a half-open time range [Start, End).
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of whole days covered by the window.
func (w Window) Days() int {
	return int(w.End.Sub(w.Start).Hours() / 24)
}

// TrailingWindow returns a window of the given length ending at end.
func TrailingWindow(end time.Time, d time.Duration) Window {
	return Window{Start: end.Add(-d), End: end}
}

// Stage names a step of a gate run.
type Stage string

const (
	StageFreshness  Stage = "freshness"
	StageConfidence Stage = "confidence"
	StagePersist    Stage = "persist"
	StagePublish    Stage = "publish"
)

// AuditEntry records which stage produced which decision, and why.
type AuditEntry struct {
	RunID    string         `json:"run_id"`
	Stage    Stage          `json:"stage"`
	Decision string         `json:"decision"`
	Reason   string         `json:"reason"`
	Observed map[string]any `json:"observed,omitempty"`
	At       time.Time      `json:"at"`
}
