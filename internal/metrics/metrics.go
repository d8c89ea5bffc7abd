// Package metrics emits gate counters and gauges to a pluggable sink.
package metrics

import (
	"sort"
	"sync"
)

// Sink receives counters and gauges. Tags become metric labels.
type Sink interface {
	EmitCounter(name string, tags map[string]string)
	EmitGauge(name string, value float64, tags map[string]string)
}

// Noop discards everything.
type Noop struct{}

// EmitCounter implements Sink.
func (Noop) EmitCounter(string, map[string]string) {}

// EmitGauge implements Sink.
func (Noop) EmitGauge(string, float64, map[string]string) {}

// Point is one recorded emission.
type Point struct {
	Name  string
	Value float64
	Tags  map[string]string
}

// Recorder keeps every emission in memory.
type Recorder struct {
	mu       sync.Mutex
	counters []Point
	gauges   []Point
}

// EmitCounter implements Sink.
func (r *Recorder) EmitCounter(name string, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = append(r.counters, Point{Name: name, Value: 1, Tags: copyTags(tags)})
}

// EmitGauge implements Sink.
func (r *Recorder) EmitGauge(name string, value float64, tags map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gauges = append(r.gauges, Point{Name: name, Value: value, Tags: copyTags(tags)})
}

// Count returns how many times the counter name was emitted.
func (r *Recorder) Count(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, p := range r.counters {
		if p.Name == name {
			n++
		}
	}
	return n
}

// Gauge returns the last value set for name with a matching tag value, and
// whether one was found. An empty tagKey matches any point.
func (r *Recorder) Gauge(name, tagKey, tagValue string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.gauges) - 1; i >= 0; i-- {
		p := r.gauges[i]
		if p.Name != name {
			continue
		}
		if tagKey == "" || p.Tags[tagKey] == tagValue {
			return p.Value, true
		}
	}
	return 0, false
}

func copyTags(tags map[string]string) map[string]string {
	out := make(map[string]string, len(tags))
	for k, v := range tags {
		out[k] = v
	}
	return out
}

func sortedKeys(tags map[string]string) []string {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
