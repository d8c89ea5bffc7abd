// Package warehouse reads per-source observations from the time-series
// warehouse the gate watches.
package warehouse

import (
	"context"
	"time"

	"github.com/sells-group/muse-gate/internal/model"
)

// Warehouse is the time-series store both sources land in. Implementations
// classify failures with the resilience taxonomy: transient query failures
// are SourceUnavailable, a missing table or column is SchemaMismatch.
type Warehouse interface {
	// CountRows returns the number of rows for source and key inside w.
	CountRows(ctx context.Context, source, key string, w model.Window) (int64, error)
	// LatestTimestamp returns the newest record time for source and key, or
	// nil when the source has never produced a row.
	LatestTimestamp(ctx context.Context, source, key string) (*time.Time, error)
	// Aggregate returns per-day buckets for source and key inside w, oldest first.
	Aggregate(ctx context.Context, source, key string, w model.Window) ([]model.Bucket, error)
	// Append writes one event under the versioned last-writer-wins rule.
	Append(ctx context.Context, ev Event) (model.WriteOutcome, error)
}

// Event is one raw observation appended to the warehouse.
type Event struct {
	NaturalKey string
	Source     string
	Key        string
	At         time.Time
	Value      float64
	Version    int64
}

// Verifier is implemented by warehouses that can check their own shape.
type Verifier interface {
	Verify(ctx context.Context) error
}
