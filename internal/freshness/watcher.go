package freshness

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/store"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

// warehouseService is the breaker name used for warehouse reads.
const warehouseService = "warehouse"

// CheckRequest parameterizes one freshness check.
type CheckRequest struct {
	RunID     string
	GatingKey string
	// Bootstrap lets sources with no history pass as degraded.
	Bootstrap bool
}

// Report is the outcome of a check: the persisted result and its token.
type Report struct {
	Result model.FreshnessCheckResult
	Token  *GateToken
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPolicy sets the retry policy for warehouse reads.
func WithPolicy(p resilience.Policy) WatcherOption {
	return func(w *Watcher) { w.policy = p }
}

// WithBreakers routes warehouse reads through a shared circuit breaker.
func WithBreakers(b *resilience.ServiceBreakers) WatcherOption {
	return func(w *Watcher) { w.breakers = b }
}

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) WatcherOption {
	return func(w *Watcher) { w.sink = s }
}

// WithWindow sets the row-count window ending at check time.
func WithWindow(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.window = d }
}

// WithTokenTTL sets the gate token lifetime.
func WithTokenTTL(d time.Duration) WatcherOption {
	return func(w *Watcher) { w.ttl = d }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) WatcherOption {
	return func(w *Watcher) { w.now = now }
}

// Watcher observes every configured source, evaluates the gate rules,
// persists the result and issues a gate token.
type Watcher struct {
	wh       warehouse.Warehouse
	store    store.Store
	sources  []Source
	policy   resilience.Policy
	breakers *resilience.ServiceBreakers
	sink     metrics.Sink
	window   time.Duration
	ttl      time.Duration
	now      func() time.Time
}

// NewWatcher creates a Watcher over the given sources.
func NewWatcher(wh warehouse.Warehouse, st store.Store, sources []Source, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		wh:      wh,
		store:   st,
		sources: sources,
		policy:  resilience.DefaultPolicy(),
		sink:    metrics.Noop{},
		window:  24 * time.Hour,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Sources returns the monitored sources.
func (w *Watcher) Sources() []Source {
	return w.sources
}

// Check runs one freshness check. A schema mismatch or exhausted warehouse
// retries return an error and no result; a stale or empty source is not an
// error and yields a blocked result.
func (w *Watcher) Check(ctx context.Context, req CheckRequest) (*Report, error) {
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	log := zap.L().With(
		zap.String("component", "freshness"),
		zap.String("run_id", req.RunID),
		zap.String("gating_key", req.GatingKey),
	)
	tags := map[string]string{"gating_key": req.GatingKey}

	if v, ok := w.wh.(warehouse.Verifier); ok {
		if err := w.read(ctx, "verify", func(ctx context.Context) error { return v.Verify(ctx) }); err != nil {
			w.sink.EmitCounter("watcher.failure", tags)
			log.Error("warehouse schema check failed", zap.Error(err))
			return nil, eris.Wrap(err, "freshness: verify warehouse")
		}
	}

	now := w.now().UTC()
	obs, err := w.observe(ctx, req.GatingKey, model.TrailingWindow(now, w.window))
	if err != nil {
		w.sink.EmitCounter("watcher.failure", tags)
		log.Error("freshness observation failed", zap.Error(err))
		return nil, err
	}

	d := Evaluate(obs, req.Bootstrap, now)
	res := model.FreshnessCheckResult{
		RunID:      req.RunID,
		GatingKey:  req.GatingKey,
		Sources:    d.Sources,
		RowCounts:  make(map[string]int64, len(d.Sources)),
		LagSeconds: make(map[string]float64, len(d.Sources)),
		MaxLag:     d.MaxLag,
		Status:     d.Status,
		Reason:     d.Reason,
		Bootstrap:  req.Bootstrap,
		ComputedAt: now,
	}
	for _, sf := range d.Sources {
		res.RowCounts[sf.Source] = sf.RowsFound
		res.LagSeconds[sf.Source] = sf.LagSeconds
	}

	if _, err := w.store.PutFreshnessResult(ctx, &res); err != nil {
		w.sink.EmitCounter("watcher.failure", tags)
		return nil, eris.Wrap(err, "freshness: persist result")
	}

	for _, sf := range d.Sources {
		st := map[string]string{"gating_key": req.GatingKey, "source": sf.Source}
		w.sink.EmitGauge("watcher.lag_seconds", sf.LagSeconds, st)
		w.sink.EmitGauge("watcher.rows", float64(sf.RowsFound), st)
		log.Info("source observed",
			zap.String("source", sf.Source),
			zap.Int64("rows_found", sf.RowsFound),
			zap.Float64("lag_seconds", sf.LagSeconds),
			zap.Float64("max_lag_seconds", sf.MaxLagSeconds),
			zap.Bool("has_baseline", sf.HasBaseline()),
			zap.Bool("stale", sf.Stale),
		)
	}
	w.sink.EmitCounter("watcher.success", tags)
	open := 0.0
	if d.Status.Open() {
		open = 1
	}
	w.sink.EmitGauge("gate.open", open, tags)

	log.Info("freshness decision",
		zap.String("status", d.Status.String()),
		zap.String("reason", string(d.Reason)),
		zap.Float64("lag_seconds", d.MaxLag),
		zap.Bool("bootstrap", req.Bootstrap),
	)

	return &Report{Result: res, Token: TokenFromResult(&res, w.ttl)}, nil
}

// observe queries every source concurrently. Any failure cancels the rest.
func (w *Watcher) observe(ctx context.Context, key string, win model.Window) ([]Observation, error) {
	obs := make([]Observation, len(w.sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range w.sources {
		name := src.warehouseName()
		g.Go(func() error {
			o := Observation{Source: src}
			err := w.read(gctx, "count "+src.Name, func(ctx context.Context) error {
				n, err := w.wh.CountRows(ctx, name, key, win)
				o.Rows = n
				return err
			})
			if err != nil {
				return eris.Wrapf(err, "freshness: count rows for %s", src.Name)
			}
			err = w.read(gctx, "latest "+src.Name, func(ctx context.Context) error {
				ts, err := w.wh.LatestTimestamp(ctx, name, key)
				o.Latest = ts
				return err
			})
			if err != nil {
				return eris.Wrapf(err, "freshness: latest timestamp for %s", src.Name)
			}
			obs[i] = o
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return obs, nil
}

func (w *Watcher) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	p := w.policy
	if p.OnRetry == nil {
		p.OnRetry = resilience.RetryLogger(warehouseService, op)
	}
	call := fn
	if w.breakers != nil {
		cb := w.breakers.Get(warehouseService)
		call = func(ctx context.Context) error { return cb.Execute(ctx, fn) }
	}
	return resilience.Do(ctx, p, call)
}
