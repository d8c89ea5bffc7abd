package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/config"
	"github.com/sells-group/muse-gate/internal/metrics"
)

// Checker runs periodic alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	sink      metrics.Sink
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker. Snapshot gauges go to sink;
// a nil sink discards them.
func NewChecker(collector *Collector, alerter *Alerter, sink metrics.Sink, cfg config.MonitoringConfig) *Checker {
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		sink:      sink,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", interval),
		zap.Int("lookback_hours", c.cfg.LookbackWindowHours),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
			c.Check(ctx)
		}
	}
}

// Check collects one snapshot, publishes its gauges and sends any alerts.
// It returns the alerts that were triggered.
func (c *Checker) Check(ctx context.Context) []Alert {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	snap, err := c.collector.Collect(ctx, c.cfg.LookbackWindowHours)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}

	c.sink.EmitGauge("monitoring.dlq_depth", float64(snap.DLQDepth), nil)
	for _, g := range snap.Gates {
		c.sink.EmitGauge("monitoring.blocked_streak", float64(g.BlockedStreak), map[string]string{"gating_key": g.GatingKey})
	}

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return nil
	}

	sent := c.alerter.SendAlerts(ctx, alerts)
	log.Info("monitoring: alert check complete",
		zap.Int("alerts_triggered", len(alerts)),
		zap.Int("alerts_sent", sent),
	)
	return alerts
}
