package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheus_Counter(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "muse")

	p.EmitCounter("watcher.success", map[string]string{"gating_key": "studio"})
	p.EmitCounter("watcher.success", map[string]string{"gating_key": "studio"})
	p.EmitCounter("watcher.success", map[string]string{"gating_key": "other"})

	c := p.counters["watcher.success"]
	require.NotNil(t, c)
	assert.Equal(t, 2.0, testutil.ToFloat64(c.vec.WithLabelValues("studio")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.vec.WithLabelValues("other")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.vec))
}

func TestPrometheus_Gauge(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "muse")

	p.EmitGauge("watcher.lag_seconds", 12, map[string]string{"source": "hearts", "gating_key": "studio"})
	p.EmitGauge("watcher.lag_seconds", 30, map[string]string{"source": "hearts", "gating_key": "studio"})

	g := p.gauges["watcher.lag_seconds"]
	require.NotNil(t, g)
	assert.Equal(t, []string{"gating_key", "source"}, g.labels)
	assert.Equal(t, 30.0, testutil.ToFloat64(g.vec.WithLabelValues("studio", "hearts")))
}

func TestPrometheus_LabelMismatchDropped(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "muse")

	p.EmitGauge("gate.open", 1, map[string]string{"gating_key": "studio"})
	p.EmitGauge("gate.open", 0, map[string]string{"other": "x"})

	g := p.gauges["gate.open"]
	assert.Equal(t, 1, testutil.CollectAndCount(g.vec))
	assert.Equal(t, 1.0, testutil.ToFloat64(g.vec.WithLabelValues("studio")))
}

func TestPrometheus_NoTags(t *testing.T) {
	p := NewPrometheus(prometheus.NewRegistry(), "")
	p.EmitCounter("dlq.appended", nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.counters["dlq.appended"].vec.WithLabelValues()))
}

func TestPrometheus_Handler(t *testing.T) {
	p := NewPrometheus(nil, "muse")
	p.EmitGauge("confidence.final", 0.8, map[string]string{"gating_key": "studio"})

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, strings.Contains(string(body), `muse_confidence_final{gating_key="studio"} 0.8`))
	assert.True(t, strings.Contains(string(body), "go_goroutines"))
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "watcher_lag_seconds", MetricName("watcher.lag_seconds"))
	assert.Equal(t, "retry_exhausted", MetricName("retry-exhausted"))
	assert.Equal(t, "_xx", MetricName("9xx"))
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.EmitCounter("watcher.success", nil)
	r.EmitCounter("watcher.success", nil)
	r.EmitGauge("watcher.rows", 10, map[string]string{"source": "hearts"})
	r.EmitGauge("watcher.rows", 20, map[string]string{"source": "packs"})

	assert.Equal(t, 2, r.Count("watcher.success"))
	assert.Equal(t, 0, r.Count("watcher.failure"))

	v, ok := r.Gauge("watcher.rows", "source", "hearts")
	assert.True(t, ok)
	assert.Equal(t, 10.0, v)

	v, ok = r.Gauge("watcher.rows", "", "")
	assert.True(t, ok)
	assert.Equal(t, 20.0, v)

	_, ok = r.Gauge("watcher.lag_seconds", "", "")
	assert.False(t, ok)
}

func TestNoop(t *testing.T) {
	var s Sink = Noop{}
	s.EmitCounter("x", nil)
	s.EmitGauge("x", 1, nil)
}
