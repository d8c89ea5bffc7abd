package confidence

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

// Result is one engine evaluation.
type Result struct {
	Score    model.ConfidenceScore
	Status   model.EpisodeStatus
	Series   model.Series
	Window   model.Window
	Pairs    int
	RowsA    int64
	RowsB    int64
	Expected int64
	// Threshold is the publish threshold the status was decided against.
	Threshold float64
}

// Engine fetches the rolling window for two sources and scores it.
type Engine struct {
	wh       warehouse.Warehouse
	sourceA  string
	sourceB  string
	params   Params
	policy   resilience.Policy
	breakers *resilience.ServiceBreakers
	sink     metrics.Sink
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithParams sets the scoring parameters.
func WithParams(p Params) EngineOption {
	return func(e *Engine) { e.params = p }
}

// WithPolicy sets the retry policy for warehouse reads.
func WithPolicy(p resilience.Policy) EngineOption {
	return func(e *Engine) { e.policy = p }
}

// WithBreakers routes warehouse reads through a shared circuit breaker.
func WithBreakers(b *resilience.ServiceBreakers) EngineOption {
	return func(e *Engine) { e.breakers = b }
}

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) EngineOption {
	return func(e *Engine) { e.sink = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine correlating sourceA against sourceB. Source
// names are the values the warehouse stores them under.
func NewEngine(wh warehouse.Warehouse, sourceA, sourceB string, opts ...EngineOption) *Engine {
	e := &Engine{
		wh:      wh,
		sourceA: sourceA,
		sourceB: sourceB,
		params:  DefaultParams(),
		policy:  resilience.DefaultPolicy(),
		sink:    metrics.Noop{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.params = e.params.withDefaults()
	return e
}

// Params returns the effective parameters.
func (e *Engine) Params() Params {
	return e.params
}

// Compute scores the trailing window for gatingKey. A missing or thin source
// is not an error; it lowers the score.
func (e *Engine) Compute(ctx context.Context, gatingKey string) (*Result, error) {
	now := e.now().UTC()
	win := model.TrailingWindow(now, time.Duration(e.params.WindowDays)*24*time.Hour)

	var (
		bucketsA, bucketsB []model.Bucket
		latestA, latestB   *time.Time
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.read(gctx, "aggregate "+e.sourceA, func(ctx context.Context) (err error) {
			bucketsA, err = e.wh.Aggregate(ctx, e.sourceA, gatingKey, win)
			return err
		})
	})
	g.Go(func() error {
		return e.read(gctx, "aggregate "+e.sourceB, func(ctx context.Context) (err error) {
			bucketsB, err = e.wh.Aggregate(ctx, e.sourceB, gatingKey, win)
			return err
		})
	})
	g.Go(func() error {
		return e.read(gctx, "latest "+e.sourceA, func(ctx context.Context) (err error) {
			latestA, err = e.wh.LatestTimestamp(ctx, e.sourceA, gatingKey)
			return err
		})
	})
	g.Go(func() error {
		return e.read(gctx, "latest "+e.sourceB, func(ctx context.Context) (err error) {
			latestB, err = e.wh.LatestTimestamp(ctx, e.sourceB, gatingKey)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		e.sink.EmitCounter("confidence.failure", map[string]string{"gating_key": gatingKey})
		return nil, eris.Wrap(err, "confidence: fetch window")
	}

	in := Input{A: bucketsA, B: bucketsB, Newest: newer(latestA, latestB), Now: now}
	score := Score(in, e.params)

	res := &Result{
		Score:     score,
		Status:    Decide(score.Final, e.params.PublishThreshold),
		Series:    SeriesFor(score, e.params),
		Window:    win,
		Pairs:     len(Align(bucketsA, bucketsB)),
		RowsA:     sumRows(bucketsA),
		RowsB:     sumRows(bucketsB),
		Expected:  e.params.ExpectedRows(),
		Threshold: e.params.PublishThreshold,
	}

	tags := map[string]string{"gating_key": gatingKey}
	e.sink.EmitGauge("confidence.final", score.Final, tags)
	e.sink.EmitGauge("confidence.completeness", score.Completeness, tags)
	e.sink.EmitGauge("confidence.correlation_strength", score.CorrelationStrength, tags)
	e.sink.EmitGauge("confidence.recency_factor", score.RecencyFactor, tags)

	zap.L().Info("confidence computed",
		zap.String("component", "confidence"),
		zap.String("gating_key", gatingKey),
		zap.Float64("completeness", score.Completeness),
		zap.Float64("correlation_strength", score.CorrelationStrength),
		zap.Float64("recency_factor", score.RecencyFactor),
		zap.Float64("final", score.Final),
		zap.Float64("publish_threshold", e.params.PublishThreshold),
		zap.Int("pairs", res.Pairs),
		zap.Int64("rows_"+e.sourceA, res.RowsA),
		zap.Int64("rows_"+e.sourceB, res.RowsB),
		zap.Int64("expected_rows", res.Expected),
		zap.String("status", res.Status.String()),
	)
	return res, nil
}

func (e *Engine) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := e.policy
	if p.OnRetry == nil {
		p.OnRetry = resilience.RetryLogger("warehouse", op)
	}
	call := fn
	if e.breakers != nil {
		cb := e.breakers.Get("warehouse")
		call = func(ctx context.Context) error { return cb.Execute(ctx, fn) }
	}
	return resilience.Do(ctx, p, call)
}

func newer(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case a.After(*b):
		return a
	default:
		return b
	}
}

func sumRows(buckets []model.Bucket) int64 {
	var n int64
	for _, b := range buckets {
		n += b.Rows
	}
	return n
}
