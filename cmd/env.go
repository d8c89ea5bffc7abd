package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/confidence"
	"github.com/sells-group/muse-gate/internal/config"
	"github.com/sells-group/muse-gate/internal/freshness"
	"github.com/sells-group/muse-gate/internal/gate"
	"github.com/sells-group/muse-gate/internal/ingest"
	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/publish"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/store"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

// gateEnv holds the wired stages shared by the CLI commands and the server.
type gateEnv struct {
	Store       store.Store
	Warehouse   warehouse.Warehouse
	Watcher     *freshness.Watcher
	Engine      *confidence.Engine
	Coordinator *gate.Coordinator
	Replayer    *resilience.Replayer
	Ingester    *ingest.Ingester // nil without a warehouse
	Publisher   publish.Publisher
	Sink        metrics.Sink
	Prometheus  *metrics.Prometheus
	TokenTTL    time.Duration

	closers []func()
}

// Close releases the store and warehouse connections in reverse order.
func (e *gateEnv) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// initStore opens and migrates the configured store.
func initStore(ctx context.Context) (store.Store, error) {
	var (
		st  store.Store
		err error
	)
	switch cfg.Store.Driver {
	case "sqlite":
		st, err = store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		st, err = store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}
	return st, nil
}

// initWarehouse connects to the read-only warehouse and verifies its layout.
func initWarehouse(ctx context.Context) (*warehouse.Postgres, func(), error) {
	pool, err := pgxpool.New(ctx, cfg.Warehouse.URL)
	if err != nil {
		return nil, nil, resilience.SourceUnavailable("warehouse.connect", err)
	}
	wh := warehouse.NewPostgres(pool, warehouseColumns(cfg.Warehouse),
		time.Duration(cfg.Warehouse.QueryTimeoutSecs)*time.Second)
	if err := wh.Verify(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return wh, pool.Close, nil
}

// initGate opens the store and, when needWarehouse is set, the warehouse,
// then wires every stage.
func initGate(ctx context.Context, needWarehouse bool) (*gateEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	closers := []func(){func() { _ = st.Close() }}

	var wh warehouse.Warehouse
	if needWarehouse {
		if err := cfg.ValidateRun(); err != nil {
			_ = st.Close()
			return nil, err
		}
		pw, closeWarehouse, err := initWarehouse(ctx)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		wh = pw
		closers = append(closers, closeWarehouse)
	}

	sink, prom := initSink(cfg.Metrics)
	env := buildGate(cfg, st, wh, initPublisher(cfg.Publish), sink)
	env.Prometheus = prom
	env.closers = closers
	return env, nil
}

// buildGate wires the stages over already-open dependencies.
func buildGate(c *config.Config, st store.Store, wh warehouse.Warehouse, pub publish.Publisher, sink metrics.Sink) *gateEnv {
	if sink == nil {
		sink = metrics.Noop{}
	}
	policy := c.Retry.Policy()
	policy.OnRetry = resilience.RetryLogger("warehouse", "read")
	breakers := resilience.NewServiceBreakers(c.Circuit.Breaker())
	sources := watcherSources(c.Watcher.Sources)

	watcherOpts := []freshness.WatcherOption{
		freshness.WithPolicy(policy),
		freshness.WithBreakers(breakers),
		freshness.WithSink(sink),
	}
	if c.Watcher.WindowHours > 0 {
		watcherOpts = append(watcherOpts, freshness.WithWindow(time.Duration(c.Watcher.WindowHours)*time.Hour))
	}
	ttl := freshness.DefaultTokenTTL
	if c.Watcher.TokenTTLMins > 0 {
		ttl = time.Duration(c.Watcher.TokenTTLMins) * time.Minute
	}
	watcherOpts = append(watcherOpts, freshness.WithTokenTTL(ttl))
	watcher := freshness.NewWatcher(wh, st, sources, watcherOpts...)

	engine := confidence.NewEngine(wh, sourceKey(c.Watcher.Sources[0]), sourceKey(c.Watcher.Sources[1]),
		confidence.WithParams(confidence.Params{
			WindowDays:            c.Confidence.WindowDays,
			ExpectedRowsPerDay:    c.Confidence.ExpectedRowsPerDay,
			MinPairs:              c.Confidence.MinPairs,
			PublishThreshold:      c.Confidence.PublishThreshold,
			ChimeraMinConfidence:  c.Confidence.ChimeraMinConfidence,
			ChimeraMinCorrelation: c.Confidence.ChimeraMinCorrelation,
		}),
		confidence.WithPolicy(policy),
		confidence.WithBreakers(breakers),
		confidence.WithSink(sink),
	)

	submitPolicy := c.Retry.Policy()
	submitPolicy.OnRetry = resilience.RetryLogger("publisher", gate.OpPublishSubmit)
	exec := resilience.NewExecutor(submitPolicy, st, breakers)
	coord := gate.NewCoordinator(watcher, engine, st, pub, exec,
		gate.WithSink(sink),
		gate.WithPollOptions(publish.PollOptions{
			Interval: time.Duration(c.Publish.PollIntervalSecs) * time.Second,
			Deadline: time.Duration(c.Publish.PollDeadlineSecs) * time.Second,
		}),
		gate.WithDegradedAutoPublish(c.Gate.DegradedAutoPublish),
	)

	replayer := resilience.NewReplayer(st, resilience.SystemClock{})
	coord.RegisterReplay(replayer)

	var ingester *ingest.Ingester
	if wh != nil {
		ingester = ingest.New(wh, st, resilience.NewExecutor(c.Retry.Policy(), st, breakers),
			ingest.WithBatchSize(c.Ingest.BatchSize))
		ingester.RegisterReplay(replayer)
	}

	return &gateEnv{
		Store:       st,
		Warehouse:   wh,
		Watcher:     watcher,
		Engine:      engine,
		Coordinator: coord,
		Replayer:    replayer,
		Ingester:    ingester,
		Publisher:   pub,
		Sink:        sink,
		TokenTTL:    ttl,
	}
}

// initSink returns the Prometheus sink when metrics are enabled.
func initSink(c config.MetricsConfig) (metrics.Sink, *metrics.Prometheus) {
	if !c.Enabled {
		return metrics.Noop{}, nil
	}
	p := metrics.NewPrometheus(nil, c.Namespace)
	return p, p
}

// initPublisher returns the webhook publisher, or an in-memory one when no
// publish URL is configured.
func initPublisher(c config.PublishConfig) publish.Publisher {
	if c.URL == "" {
		zap.L().Warn("publish.url not set, episodes are delivered to an in-memory publisher")
		return publish.NewMemory()
	}
	timeout := time.Duration(c.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return publish.NewWebhook(c.URL, c.Token,
		publish.WithHTTPClient(&http.Client{Timeout: timeout}),
		publish.WithRateLimit(c.PollRatePerSec),
	)
}

func watcherSources(in []config.SourceConfig) []freshness.Source {
	out := make([]freshness.Source, 0, len(in))
	for _, s := range in {
		out = append(out, freshness.Source{Name: s.Name, Key: s.Key, MaxLag: s.MaxLag()})
	}
	return out
}

func sourceKey(s config.SourceConfig) string {
	if s.Key != "" {
		return s.Key
	}
	return s.Name
}

func warehouseColumns(c config.WarehouseConfig) warehouse.Columns {
	return warehouse.Columns{
		Table:  c.Table,
		Source: c.SourceColumn,
		Key:    c.KeyColumn,
		Time:   c.TimeColumn,
		Value:  c.ValueColumn,
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
