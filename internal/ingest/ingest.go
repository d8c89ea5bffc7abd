// Package ingest lands raw source events in the warehouse and in the source
// record log. Every write is versioned, so re-ingesting the same lines is a
// no-op.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

// Dead-letter operation names.
const (
	OpAppend       = "ingest.append"
	OpWriteRecords = "ingest.write_records"
)

// DefaultBatchSize is used when no batch size is configured.
const DefaultBatchSize = 500

const (
	warehouseService = "warehouse"
	storeService     = "store"

	// reservedSource is the record-log source id used for run audit trails.
	reservedSource = "audit"

	maxLineBytes = 1 << 20
)

// Line is one JSON-lines event.
type Line struct {
	NaturalKey string    `json:"natural_key"`
	Source     string    `json:"source"`
	Key        string    `json:"key"`
	At         time.Time `json:"at"`
	Value      float64   `json:"value"`
	Version    int64     `json:"version"`
}

// Event converts the line to a warehouse event.
func (l Line) Event() warehouse.Event {
	return warehouse.Event{
		NaturalKey: l.NaturalKey,
		Source:     l.Source,
		Key:        l.Key,
		At:         l.At,
		Value:      l.Value,
		Version:    l.Version,
	}
}

func (l Line) validate() error {
	var missing []string
	if strings.TrimSpace(l.NaturalKey) == "" {
		missing = append(missing, "natural_key")
	}
	if l.Source == "" {
		missing = append(missing, "source")
	}
	if l.Key == "" {
		missing = append(missing, "key")
	}
	if l.At.IsZero() {
		missing = append(missing, "at")
	}
	if len(missing) > 0 {
		return resilience.MalformedPayload("ingest.line", eris.Errorf("missing %s", strings.Join(missing, ", ")))
	}
	if l.Version <= 0 {
		return resilience.MalformedPayload("ingest.line", eris.Errorf("version %d must be positive", l.Version))
	}
	if l.Source == reservedSource {
		return resilience.MalformedPayload("ingest.line", eris.Errorf("source %q is reserved", reservedSource))
	}
	return nil
}

// RecordWriter is the batch side of the write layer.
type RecordWriter interface {
	WriteRecords(ctx context.Context, recs []model.SourceRecord) (int64, error)
}

// Stats counts what one Ingest call did.
type Stats struct {
	Read         int   `json:"read"`
	Rejected     int   `json:"rejected"`
	Appended     int   `json:"appended"`
	Unchanged    int   `json:"unchanged"`
	Recorded     int64 `json:"recorded"`
	DeadLettered int   `json:"dead_lettered"`
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithBatchSize sets how many lines share one record-log write.
func WithBatchSize(n int) Option {
	return func(in *Ingester) {
		if n > 0 {
			in.batchSize = n
		}
	}
}

// WithClock sets the time source for record write times.
func WithClock(now func() time.Time) Option {
	return func(in *Ingester) { in.now = now }
}

// Ingester appends events through a retrying executor. Writes that exhaust
// their retries are dead-lettered and ingestion moves on to the next line.
type Ingester struct {
	wh        warehouse.Warehouse
	records   RecordWriter
	exec      *resilience.Executor
	batchSize int
	now       func() time.Time
}

// New creates an Ingester.
func New(wh warehouse.Warehouse, records RecordWriter, exec *resilience.Executor, opts ...Option) *Ingester {
	in := &Ingester{
		wh:        wh,
		records:   records,
		exec:      exec,
		batchSize: DefaultBatchSize,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// Ingest reads JSON-lines events from r. Blank lines are skipped; lines that
// do not decode or validate are counted as rejected. Only read failures,
// non-retryable write failures and cancellation stop the stream.
func (in *Ingester) Ingest(ctx context.Context, r io.Reader) (*Stats, error) {
	log := zap.L().With(zap.String("component", "ingest"))
	stats := &Stats{}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	batch := make([]Line, 0, in.batchSize)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		stats.Read++

		var l Line
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			stats.Rejected++
			log.Warn("rejected line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}
		if err := l.validate(); err != nil {
			stats.Rejected++
			log.Warn("rejected line", zap.Int("line", lineNo), zap.Error(err))
			continue
		}

		batch = append(batch, l)
		if len(batch) >= in.batchSize {
			if err := in.flush(ctx, batch, stats); err != nil {
				return stats, err
			}
			batch = batch[:0]
		}
	}
	if err := sc.Err(); err != nil {
		return stats, eris.Wrapf(err, "ingest: read line %d", lineNo+1)
	}
	if err := in.flush(ctx, batch, stats); err != nil {
		return stats, err
	}

	log.Info("ingest complete",
		zap.Int("read", stats.Read),
		zap.Int("rejected", stats.Rejected),
		zap.Int("appended", stats.Appended),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int64("recorded", stats.Recorded),
		zap.Int("dead_lettered", stats.DeadLettered),
	)
	return stats, nil
}

// flush writes the batch to the record log, then appends each event.
func (in *Ingester) flush(ctx context.Context, batch []Line, stats *Stats) error {
	if len(batch) == 0 {
		return nil
	}

	recs, err := in.recordsFor(batch)
	if err != nil {
		return err
	}
	op, err := resilience.NewOperation(OpWriteRecords, storeService, recs)
	if err != nil {
		return err
	}
	n, err := resilience.ExecVal(ctx, in.exec, op, func(ctx context.Context) (int64, error) {
		return in.records.WriteRecords(ctx, recs)
	})
	if err := in.skippable(ctx, err, stats); err != nil {
		return eris.Wrap(err, "ingest: write records")
	}
	stats.Recorded += n

	for _, l := range batch {
		op, err := resilience.NewOperation(OpAppend, warehouseService, l)
		if err != nil {
			return err
		}
		out, err := resilience.ExecVal(ctx, in.exec, op, func(ctx context.Context) (model.WriteOutcome, error) {
			return in.wh.Append(ctx, l.Event())
		})
		switch {
		case err != nil:
			if err := in.skippable(ctx, err, stats); err != nil {
				return eris.Wrapf(err, "ingest: append %s", l.NaturalKey)
			}
		case out == model.WriteUnchanged:
			stats.Unchanged++
		default:
			stats.Appended++
		}
	}
	return nil
}

// skippable returns nil for failures the stream survives: dead-lettered
// writes and rejected payloads. Anything else, including cancellation, is
// returned.
func (in *Ingester) skippable(ctx context.Context, err error, stats *Stats) error {
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	if errors.Is(err, resilience.ErrExhausted) {
		stats.DeadLettered++
		return nil
	}
	if resilience.IsKind(err, resilience.KindMalformedPayload) {
		stats.Rejected++
		return nil
	}
	return err
}

func (in *Ingester) recordsFor(batch []Line) ([]model.SourceRecord, error) {
	now := in.now().UTC()
	recs := make([]model.SourceRecord, 0, len(batch))
	for _, l := range batch {
		payload, err := json.Marshal(l)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: marshal %s", l.NaturalKey)
		}
		recs = append(recs, model.SourceRecord{
			SourceID:   l.Source,
			NaturalKey: l.NaturalKey,
			Version:    l.Version,
			Payload:    payload,
			WrittenAt:  now,
		})
	}
	return recs, nil
}

// RegisterReplay binds the ingest operations to r. A replay writes once.
func (in *Ingester) RegisterReplay(r *resilience.Replayer) {
	r.Register(OpAppend, func(ctx context.Context, payload json.RawMessage) error {
		var l Line
		if err := json.Unmarshal(payload, &l); err != nil {
			return resilience.MalformedPayload("replay "+OpAppend, err)
		}
		if err := l.validate(); err != nil {
			return err
		}
		_, err := in.wh.Append(ctx, l.Event())
		return err
	})
	r.Register(OpWriteRecords, func(ctx context.Context, payload json.RawMessage) error {
		var recs []model.SourceRecord
		if err := json.Unmarshal(payload, &recs); err != nil {
			return resilience.MalformedPayload("replay "+OpWriteRecords, err)
		}
		_, err := in.records.WriteRecords(ctx, recs)
		return err
	})
}
