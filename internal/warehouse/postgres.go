package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/db"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// Columns names the warehouse table layout. Every source shares one table
// and is told apart by Source.
type Columns struct {
	Table  string
	Source string
	Key    string
	Time   string
	Value  string
}

// DefaultColumns returns the layout used when none is configured.
func DefaultColumns() Columns {
	return Columns{Table: "events", Source: "source", Key: "gating_key", Time: "ts", Value: "value"}
}

func (c Columns) withDefaults() Columns {
	d := DefaultColumns()
	if c.Table == "" {
		c.Table = d.Table
	}
	if c.Source == "" {
		c.Source = d.Source
	}
	if c.Key == "" {
		c.Key = d.Key
	}
	if c.Time == "" {
		c.Time = d.Time
	}
	if c.Value == "" {
		c.Value = d.Value
	}
	return c
}

// required lists every column the adapter reads or writes.
func (c Columns) required() []string {
	return []string{"natural_key", c.Source, c.Key, c.Time, c.Value, "version"}
}

// Postgres is a Warehouse backed by a Postgres (or Timescale) table.
type Postgres struct {
	pool    db.Pool
	cols    Columns
	timeout time.Duration

	countSQL  string
	latestSQL string
	aggSQL    string
	appendSQL string
}

// NewPostgres creates a warehouse adapter over pool. A zero timeout disables
// the per-query deadline.
func NewPostgres(pool db.Pool, cols Columns, timeout time.Duration) *Postgres {
	cols = cols.withDefaults()
	table := quoteTable(cols.Table)
	src := pgx.Identifier{cols.Source}.Sanitize()
	key := pgx.Identifier{cols.Key}.Sanitize()
	ts := pgx.Identifier{cols.Time}.Sanitize()
	val := pgx.Identifier{cols.Value}.Sanitize()

	return &Postgres{
		pool:    pool,
		cols:    cols,
		timeout: timeout,
		countSQL: fmt.Sprintf(
			"SELECT count(*) FROM %s WHERE %s = $1 AND %s = $2 AND %s >= $3 AND %s < $4",
			table, src, key, ts, ts),
		latestSQL: fmt.Sprintf(
			"SELECT %s FROM %s WHERE %s = $1 AND %s = $2 ORDER BY %s DESC LIMIT 1",
			ts, table, src, key, ts),
		aggSQL: fmt.Sprintf(
			"SELECT date_trunc('day', %s) AS day, avg(%s), count(*) FROM %s WHERE %s = $1 AND %s = $2 AND %s >= $3 AND %s < $4 GROUP BY 1 ORDER BY 1",
			ts, val, table, src, key, ts, ts),
		appendSQL: db.MustVersionedUpsertSQL(db.Postgres, db.VersionedConfig{
			Table:        cols.Table,
			Columns:      []string{"natural_key", cols.Source, cols.Key, cols.Time, cols.Value, "version"},
			ConflictKeys: []string{"natural_key"},
			VersionCol:   "version",
		}),
	}
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// CountRows implements Warehouse.
func (p *Postgres) CountRows(ctx context.Context, source, key string, w model.Window) (int64, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var n int64
	if err := p.pool.QueryRow(ctx, p.countSQL, source, key, w.Start, w.End).Scan(&n); err != nil {
		return 0, Classify("warehouse: count "+source, err)
	}
	return n, nil
}

// LatestTimestamp implements Warehouse.
func (p *Postgres) LatestTimestamp(ctx context.Context, source, key string) (*time.Time, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var ts time.Time
	err := p.pool.QueryRow(ctx, p.latestSQL, source, key).Scan(&ts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Classify("warehouse: latest "+source, err)
	}
	ts = ts.UTC()
	return &ts, nil
}

// Aggregate implements Warehouse.
func (p *Postgres) Aggregate(ctx context.Context, source, key string, w model.Window) ([]model.Bucket, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rows, err := p.pool.Query(ctx, p.aggSQL, source, key, w.Start, w.End)
	if err != nil {
		return nil, Classify("warehouse: aggregate "+source, err)
	}
	defer rows.Close()

	var buckets []model.Bucket
	for rows.Next() {
		var b model.Bucket
		if err := rows.Scan(&b.Day, &b.Value, &b.Rows); err != nil {
			return nil, Classify("warehouse: scan aggregate "+source, err)
		}
		b.Day = b.Day.UTC()
		buckets = append(buckets, b)
	}
	if err := rows.Err(); err != nil {
		return nil, Classify("warehouse: aggregate rows "+source, err)
	}
	return buckets, nil
}

// Append implements Warehouse.
func (p *Postgres) Append(ctx context.Context, ev Event) (model.WriteOutcome, error) {
	if ev.NaturalKey == "" || ev.Version <= 0 {
		return "", resilience.MalformedPayload("warehouse: append",
			eris.Errorf("natural key %q with version %d", ev.NaturalKey, ev.Version))
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	var inserted bool
	err := p.pool.QueryRow(ctx, p.appendSQL,
		ev.NaturalKey, ev.Source, ev.Key, ev.At, ev.Value, ev.Version,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WriteUnchanged, nil
	}
	if err != nil {
		return "", Classify("warehouse: append "+ev.NaturalKey, err)
	}
	if inserted {
		return model.WriteInserted, nil
	}
	return model.WriteReplaced, nil
}

// Verify checks that the warehouse table carries every column the adapter
// uses. A missing table or column is a SchemaMismatch.
func (p *Postgres) Verify(ctx context.Context) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	schema, table := "public", p.cols.Table
	if parts := strings.SplitN(p.cols.Table, ".", 2); len(parts) == 2 {
		schema, table = parts[0], parts[1]
	}

	rows, err := p.pool.Query(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = $1 AND table_name = $2`,
		schema, table,
	)
	if err != nil {
		return Classify("warehouse: verify", err)
	}
	defer rows.Close()

	have := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return Classify("warehouse: verify scan", err)
		}
		have[name] = true
	}
	if err := rows.Err(); err != nil {
		return Classify("warehouse: verify rows", err)
	}

	if len(have) == 0 {
		return resilience.SchemaMismatch("warehouse: verify", eris.Errorf("table %s.%s not found", schema, table))
	}
	var missing []string
	for _, c := range p.cols.required() {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return resilience.SchemaMismatch("warehouse: verify",
			eris.Errorf("table %s.%s missing columns %s", schema, table, strings.Join(missing, ", ")))
	}

	zap.L().Debug("warehouse: schema verified",
		zap.String("table", p.cols.Table),
		zap.Int("columns", len(have)),
	)
	return nil
}

// Classify maps a Postgres failure onto the resilience taxonomy. Undefined
// tables, columns and type mismatches are SchemaMismatch; connection, resource
// and operator-intervention classes are SourceUnavailable, and so are errors
// that never reached the server. Other server errors are returned wrapped and
// unclassified, which the retry layer treats as fatal.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return eris.Wrap(err, op)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01", pgErr.Code == "42703", pgErr.Code == "42804", pgErr.Code == "42883":
			return resilience.SchemaMismatch(op, eris.Wrapf(err, "sqlstate %s", pgErr.Code))
		case strings.HasPrefix(pgErr.Code, "08"),
			strings.HasPrefix(pgErr.Code, "53"),
			strings.HasPrefix(pgErr.Code, "57P"),
			pgErr.Code == "40001", pgErr.Code == "40P01":
			return resilience.SourceUnavailable(op, eris.Wrapf(err, "sqlstate %s", pgErr.Code))
		default:
			return eris.Wrapf(err, "%s: sqlstate %s", op, pgErr.Code)
		}
	}
	return resilience.SourceUnavailable(op, eris.Wrap(err, "query"))
}

func quoteTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}
