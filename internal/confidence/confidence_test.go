package confidence

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

var now = time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)

func day(i int) time.Time {
	return time.Date(2026, 3, 1+i, 0, 0, 0, 0, time.UTC)
}

func series(values ...float64) []model.Bucket {
	out := make([]model.Bucket, len(values))
	for i, v := range values {
		out[i] = model.Bucket{Day: day(i), Value: v, Rows: 10}
	}
	return out
}

func TestPearson(t *testing.T) {
	tests := []struct {
		name string
		a, b []model.Bucket
		want float64
	}{
		{"perfect positive", series(1, 2, 3, 4, 5), series(2, 4, 6, 8, 10), 1},
		{"perfect negative", series(1, 2, 3, 4, 5), series(10, 8, 6, 4, 2), -1},
		{"two pairs", series(1, 2), series(2, 4), 0},
		{"zero variance", series(3, 3, 3, 3), series(1, 2, 3, 4), 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Pearson(Align(tt.a, tt.b), DefaultMinPairs)
			assert.InDelta(t, tt.want, r, 1e-9)
		})
	}
}

func TestStrengthOfAntiCorrelation(t *testing.T) {
	r := Pearson(Align(series(1, 2, 3, 4), series(4, 3, 2, 1)), 3)
	assert.InDelta(t, 1, Strength(r), 1e-9)
}

func TestPearson_KnownValue(t *testing.T) {
	r := Pearson(Align(series(1, 2, 3, 4, 5), series(2, 1, 4, 3, 5)), 3)
	assert.InDelta(t, 0.8, r, 1e-9)
}

func TestAlign_JoinsOnDay(t *testing.T) {
	a := []model.Bucket{
		{Day: day(0).Add(3 * time.Hour), Value: 1},
		{Day: day(1), Value: 2},
		{Day: day(3), Value: 4},
	}
	b := []model.Bucket{
		{Day: day(3), Value: 40},
		{Day: day(0), Value: 10},
		{Day: day(2), Value: 30},
	}
	pairs := Align(a, b)
	require.Len(t, pairs, 2)
	assert.Equal(t, day(0), pairs[0].Day)
	assert.Equal(t, 1.0, pairs[0].X)
	assert.Equal(t, 10.0, pairs[0].Y)
	assert.Equal(t, day(3), pairs[1].Day)
}

func TestCompleteness(t *testing.T) {
	assert.Equal(t, 1.0, Completeness(70, 70, 70))
	assert.InDelta(t, 0.5, Completeness(20, 15, 70), 1e-9)
	assert.Equal(t, 0.0, Completeness(0, 500, 70))
	assert.Equal(t, 0.0, Completeness(500, 0, 70))
	assert.Equal(t, 0.0, Completeness(10, 10, 0))
}

func TestRecency(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want float64
	}{
		{0, 1},
		{23 * time.Hour, 1},
		{24 * time.Hour, 1},
		{4 * 24 * time.Hour, 0.75},
		{7 * 24 * time.Hour, 0.5},
		{30 * 24 * time.Hour, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.age.String(), func(t *testing.T) {
			assert.InDelta(t, tt.want, Recency(now.Add(-tt.age), now), 1e-9)
		})
	}
}

func TestCombine_FinalIsMinimum(t *testing.T) {
	s := Combine(1.0, 0.8, 1.0)
	assert.InDelta(t, 0.8, s.Final, 1e-9)
	assert.Equal(t, model.EpisodeReady, Decide(s.Final, 0.6))

	s = Combine(0, 1, 1)
	assert.Equal(t, 0.0, s.Final)

	s = Combine(2, -1, math.NaN())
	assert.Equal(t, 1.0, s.Completeness)
	assert.Equal(t, 0.0, s.CorrelationStrength)
	assert.Equal(t, 0.0, s.RecencyFactor)
	assert.Equal(t, 0.0, s.Final)
}

func TestCombine_Bounds(t *testing.T) {
	for _, c := range []float64{-1, 0, 0.3, 1, 5} {
		for _, r := range []float64{0, 0.5, 1} {
			for _, rec := range []float64{0.5, 0.75, 1} {
				s := Combine(c, r, rec)
				assert.GreaterOrEqual(t, s.Final, 0.0)
				assert.LessOrEqual(t, s.Final, 1.0)
				assert.LessOrEqual(t, s.Final, math.Min(s.Completeness, math.Min(s.CorrelationStrength, s.RecencyFactor)))
			}
		}
	}
}

func TestDecide_AroundThreshold(t *testing.T) {
	assert.Equal(t, model.EpisodeDraft, Decide(0.59, 0.6))
	assert.Equal(t, model.EpisodeReady, Decide(0.61, 0.6))
	assert.Equal(t, model.EpisodeReady, Decide(0.6, 0.6))
}

func TestScore_FullWindow(t *testing.T) {
	a := series(1, 2, 3, 4, 5, 6, 7)
	b := series(2, 1, 4, 3, 6, 5, 7)
	newest := now.Add(-time.Hour)

	s := Score(Input{A: a, B: b, Newest: &newest, Now: now}, DefaultParams())
	assert.Equal(t, 1.0, s.Completeness)
	assert.Equal(t, 1.0, s.RecencyFactor)
	assert.Greater(t, s.CorrelationStrength, 0.8)
	assert.Equal(t, s.CorrelationStrength, s.Final)
}

func TestScore_MissingSourceZeroesFinal(t *testing.T) {
	s := Score(Input{A: series(1, 2, 3, 4), Now: now}, DefaultParams())
	assert.Equal(t, 0.0, s.Completeness)
	assert.Equal(t, 0.0, s.Final)
}

func TestScore_RecencyFromBuckets(t *testing.T) {
	a := []model.Bucket{{Day: now.Add(-4 * 24 * time.Hour).Truncate(24 * time.Hour), Value: 1, Rows: 10}}
	s := Score(Input{A: a, B: a, Now: now}, DefaultParams())
	// Bucket for Mar 4 ends Mar 5 00:00, 3.5 days before now.
	assert.InDelta(t, 1-0.5*2.5/6, s.RecencyFactor, 1e-9)
}

func TestSeriesFor(t *testing.T) {
	p := DefaultParams()
	assert.Equal(t, model.SeriesChimera, SeriesFor(model.ConfidenceScore{Final: 0.75, CorrelationStrength: 0.9}, p))
	assert.Equal(t, model.SeriesBanterpacks, SeriesFor(model.ConfidenceScore{Final: 0.65, CorrelationStrength: 0.9}, p))
	assert.Equal(t, model.SeriesBanterpacks, SeriesFor(model.ConfidenceScore{Final: 0.9, CorrelationStrength: 0.5}, p))
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "Chimera Episode 007: High-Confidence Performance Insights", Title(model.SeriesChimera, 7, 0.85))
	assert.Equal(t, "Banterpacks Episode 012: Moderate-Confidence Analysis", Title(model.SeriesBanterpacks, 12, 0.6))
	assert.Equal(t, "Banterpacks Episode 001: Preliminary Data Review", Title(model.SeriesBanterpacks, 1, 0.2))
}

func TestParams_ExpectedRows(t *testing.T) {
	assert.Equal(t, int64(70), DefaultParams().ExpectedRows())
	assert.Equal(t, int64(70), Params{}.ExpectedRows())
	assert.Equal(t, int64(42), Params{WindowDays: 3, ExpectedRowsPerDay: 14}.ExpectedRows())
}

// seedDaily writes perDay events for each of days days ending just before now.
func seedDaily(t *testing.T, wh *warehouse.Memory, source string, days, perDay int, value func(k int) float64) {
	t.Helper()
	for k := 0; k < days; k++ {
		for i := 0; i < perDay; i++ {
			_, err := wh.Append(context.Background(), warehouse.Event{
				NaturalKey: fmt.Sprintf("%s:%d:%d", source, k, i),
				Source:     source,
				Key:        "studio",
				At:         now.Add(-time.Duration(k)*24*time.Hour - time.Duration(i+1)*time.Minute),
				Value:      value(k),
				Version:    1,
			})
			require.NoError(t, err)
		}
	}
}

type instantClock struct{}

func (instantClock) Now() time.Time { return now }

func (instantClock) Sleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

func newTestEngine(wh warehouse.Warehouse, sink metrics.Sink) *Engine {
	return NewEngine(wh, "hearts", "packs",
		WithPolicy(resilience.Policy{MaxAttempts: 2, Jitter: resilience.NoJitter, Clock: instantClock{}}),
		WithSink(sink),
		WithClock(func() time.Time { return now }),
	)
}

func TestEngine_StrongWindowIsReady(t *testing.T) {
	wh := warehouse.NewMemory()
	seedDaily(t, wh, "hearts", 7, 10, func(k int) float64 { return float64(k) })
	seedDaily(t, wh, "packs", 7, 10, func(k int) float64 { return float64(2*k + 1) })
	rec := &metrics.Recorder{}

	res, err := newTestEngine(wh, rec).Compute(context.Background(), "studio")
	require.NoError(t, err)

	assert.Equal(t, 7, res.Pairs)
	assert.Equal(t, int64(70), res.RowsA)
	assert.Equal(t, int64(70), res.RowsB)
	assert.Equal(t, 1.0, res.Score.Completeness)
	assert.InDelta(t, 1.0, res.Score.CorrelationStrength, 1e-9)
	assert.Equal(t, 1.0, res.Score.RecencyFactor)
	assert.Equal(t, model.EpisodeReady, res.Status)
	assert.Equal(t, model.SeriesChimera, res.Series)
	assert.Equal(t, 0.6, res.Threshold)

	final, ok := rec.Gauge("confidence.final", "gating_key", "studio")
	require.True(t, ok)
	assert.InDelta(t, res.Score.Final, final, 1e-9)
}

func TestEngine_ThinWindowIsDraft(t *testing.T) {
	wh := warehouse.NewMemory()
	seedDaily(t, wh, "hearts", 7, 10, func(k int) float64 { return float64(k) })
	seedDaily(t, wh, "packs", 2, 3, func(k int) float64 { return float64(k) })

	res, err := newTestEngine(wh, metrics.Noop{}).Compute(context.Background(), "studio")
	require.NoError(t, err)

	assert.Equal(t, 2, res.Pairs)
	assert.Equal(t, 0.0, res.Score.CorrelationStrength)
	assert.Equal(t, 0.0, res.Score.Final)
	assert.Equal(t, model.EpisodeDraft, res.Status)
	assert.Equal(t, model.SeriesBanterpacks, res.Series)
}

func TestEngine_WarehouseFailure(t *testing.T) {
	wh := warehouse.NewMemory()
	wh.SetErr(resilience.SourceUnavailable("aggregate", errors.New("timeout")))
	rec := &metrics.Recorder{}

	_, err := newTestEngine(wh, rec).Compute(context.Background(), "studio")
	require.Error(t, err)
	assert.True(t, errors.Is(err, resilience.ErrExhausted))
	assert.Equal(t, 1, rec.Count("confidence.failure"))
}
