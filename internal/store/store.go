package store

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// ErrNotFound is returned when a keyed lookup matches nothing.
var ErrNotFound = eris.New("store: not found")

// FreshnessFilter specifies criteria for listing freshness results.
type FreshnessFilter struct {
	GatingKey string `json:"gating_key,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// EpisodeFilter specifies criteria for listing episodes.
type EpisodeFilter struct {
	GatingKey string              `json:"gating_key,omitempty"`
	Series    model.Series        `json:"series,omitempty"`
	Status    model.EpisodeStatus `json:"status,omitempty"`
	Limit     int                 `json:"limit,omitempty"`
	Offset    int                 `json:"offset,omitempty"`
}

// Store is the idempotent write layer. Every keyed write is last-writer-wins
// on its version: absent inserts, older stored version is replaced, equal or
// newer stored version is left alone.
type Store interface {
	// Source records
	WriteRecord(ctx context.Context, rec model.SourceRecord) (model.WriteOutcome, error)
	WriteRecords(ctx context.Context, recs []model.SourceRecord) (int64, error)
	ReadRecord(ctx context.Context, naturalKey string) (*model.SourceRecord, error)

	// Freshness results are write-once per run id; a later put for the same
	// run is a no-op.
	PutFreshnessResult(ctx context.Context, res *model.FreshnessCheckResult) (model.WriteOutcome, error)
	LatestFreshness(ctx context.Context, gatingKey string) (*model.FreshnessCheckResult, error)
	ListFreshness(ctx context.Context, filter FreshnessFilter) ([]model.FreshnessCheckResult, error)

	// Episodes
	PutEpisode(ctx context.Context, ep *model.Episode) (model.WriteOutcome, error)
	GetEpisode(ctx context.Context, runID string) (*model.Episode, error)
	ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]model.Episode, error)
	NextEpisodeNumber(ctx context.Context, series model.Series) (int, error)

	// Dead-letter queue (append-only)
	resilience.DLQWriter
	resilience.DLQReader
	CountDLQ(ctx context.Context, includeReplayed bool) (int, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Versioner hands out strictly increasing versions derived from the clock:
// max(now in unix nanos, last + 1).
type Versioner struct {
	mu   sync.Mutex
	now  func() time.Time
	last int64
}

// NewVersioner returns a Versioner. A nil now uses time.Now.
func NewVersioner(now func() time.Time) *Versioner {
	if now == nil {
		now = time.Now
	}
	return &Versioner{now: now}
}

// Next returns the next version.
func (v *Versioner) Next() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	n := v.now().UnixNano()
	if n <= v.last {
		n = v.last + 1
	}
	v.last = n
	return n
}

// outcome maps the pre-write state of a key to what a guarded write did.
func outcome(found bool, stored, incoming int64) model.WriteOutcome {
	switch {
	case !found:
		return model.WriteInserted
	case stored < incoming:
		return model.WriteReplaced
	default:
		return model.WriteUnchanged
	}
}

func limitOrDefault(limit int) int {
	if limit <= 0 {
		return 100
	}
	return limit
}
