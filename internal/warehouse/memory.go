package warehouse

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// Memory is an in-process Warehouse. It backs tests and local dry runs.
type Memory struct {
	mu     sync.Mutex
	events map[string]Event

	// Err, when set, is returned by every read.
	Err error
}

// NewMemory returns an empty in-process warehouse.
func NewMemory() *Memory {
	return &Memory{events: make(map[string]Event)}
}

// SetErr makes every subsequent read fail with err.
func (m *Memory) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Err = err
}

func (m *Memory) match(source, key string, w *model.Window) []Event {
	var out []Event
	for _, ev := range m.events {
		if ev.Source != source || ev.Key != key {
			continue
		}
		if w != nil && (ev.At.Before(w.Start) || !ev.At.Before(w.End)) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// CountRows implements Warehouse.
func (m *Memory) CountRows(_ context.Context, source, key string, w model.Window) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return 0, m.Err
	}
	return int64(len(m.match(source, key, &w))), nil
}

// LatestTimestamp implements Warehouse.
func (m *Memory) LatestTimestamp(_ context.Context, source, key string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var latest *time.Time
	for _, ev := range m.match(source, key, nil) {
		if latest == nil || ev.At.After(*latest) {
			at := ev.At
			latest = &at
		}
	}
	return latest, nil
}

// Aggregate implements Warehouse. Buckets hold the mean value per UTC day.
func (m *Memory) Aggregate(_ context.Context, source, key string, w model.Window) ([]model.Bucket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}

	byDay := make(map[time.Time]*model.Bucket)
	for _, ev := range m.match(source, key, &w) {
		day := ev.At.UTC().Truncate(24 * time.Hour)
		b, ok := byDay[day]
		if !ok {
			b = &model.Bucket{Day: day}
			byDay[day] = b
		}
		b.Value += ev.Value
		b.Rows++
	}

	buckets := make([]model.Bucket, 0, len(byDay))
	for _, b := range byDay {
		b.Value /= float64(b.Rows)
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Day.Before(buckets[j].Day) })
	return buckets, nil
}

// Append implements Warehouse.
func (m *Memory) Append(_ context.Context, ev Event) (model.WriteOutcome, error) {
	if ev.NaturalKey == "" || ev.Version <= 0 {
		return "", resilience.MalformedPayload("warehouse: append",
			eris.Errorf("natural key %q with version %d", ev.NaturalKey, ev.Version))
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.events[ev.NaturalKey]
	switch {
	case !ok:
		m.events[ev.NaturalKey] = ev
		return model.WriteInserted, nil
	case prev.Version < ev.Version:
		m.events[ev.NaturalKey] = ev
		return model.WriteReplaced, nil
	default:
		return model.WriteUnchanged, nil
	}
}

// Len returns the number of stored events.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}
