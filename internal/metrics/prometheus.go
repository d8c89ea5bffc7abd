package metrics

import (
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Prometheus is a Sink that exposes emissions as Prometheus collectors.
// Collectors are created on first use. A metric name is bound to the label
// set of its first emission; later emissions with other labels are dropped.
type Prometheus struct {
	reg       *prometheus.Registry
	namespace string

	mu       sync.Mutex
	counters map[string]*labeled[*prometheus.CounterVec]
	gauges   map[string]*labeled[*prometheus.GaugeVec]
}

type labeled[V any] struct {
	vec    V
	labels []string
}

// NewPrometheus creates a sink registering into reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func NewPrometheus(reg *prometheus.Registry, namespace string) *Prometheus {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Prometheus{
		reg:       reg,
		namespace: namespace,
		counters:  make(map[string]*labeled[*prometheus.CounterVec]),
		gauges:    make(map[string]*labeled[*prometheus.GaugeVec]),
	}
}

// Registry returns the underlying registry.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.reg, promhttp.HandlerOpts{})
}

// EmitCounter implements Sink. Counter names get a _total suffix.
func (p *Prometheus) EmitCounter(name string, tags map[string]string) {
	keys := sortedKeys(tags)

	p.mu.Lock()
	c, ok := p.counters[name]
	if !ok {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Name:      MetricName(name) + "_total",
			Help:      "Count of " + name + " events.",
		}, keys)
		if err := p.reg.Register(vec); err != nil {
			p.mu.Unlock()
			zap.L().Warn("metrics: register counter", zap.String("name", name), zap.Error(err))
			return
		}
		c = &labeled[*prometheus.CounterVec]{vec: vec, labels: keys}
		p.counters[name] = c
	}
	p.mu.Unlock()

	if !slices.Equal(c.labels, keys) {
		zap.L().Warn("metrics: counter label mismatch",
			zap.String("name", name),
			zap.Strings("want", c.labels),
			zap.Strings("got", keys),
		)
		return
	}
	c.vec.With(prometheus.Labels(tags)).Inc()
}

// EmitGauge implements Sink.
func (p *Prometheus) EmitGauge(name string, value float64, tags map[string]string) {
	keys := sortedKeys(tags)

	p.mu.Lock()
	g, ok := p.gauges[name]
	if !ok {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Name:      MetricName(name),
			Help:      "Last observed " + name + ".",
		}, keys)
		if err := p.reg.Register(vec); err != nil {
			p.mu.Unlock()
			zap.L().Warn("metrics: register gauge", zap.String("name", name), zap.Error(err))
			return
		}
		g = &labeled[*prometheus.GaugeVec]{vec: vec, labels: keys}
		p.gauges[name] = g
	}
	p.mu.Unlock()

	if !slices.Equal(g.labels, keys) {
		zap.L().Warn("metrics: gauge label mismatch",
			zap.String("name", name),
			zap.Strings("want", g.labels),
			zap.Strings("got", keys),
		)
		return
	}
	g.vec.With(prometheus.Labels(tags)).Set(value)
}

// MetricName converts a dotted sink name like "watcher.lag_seconds" to a
// valid Prometheus metric name.
func MetricName(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_' || r == ':':
			b.WriteRune(r)
		case r >= '0' && r <= '9' && i > 0:
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
