package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/muse-gate/internal/db"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

var (
	pgUpsertRecord    = db.MustVersionedUpsertSQL(db.Postgres, recordsTable)
	pgUpsertFreshness = db.MustVersionedUpsertSQL(db.Postgres, freshnessTable)
	pgUpsertEpisode   = db.MustVersionedUpsertSQL(db.Postgres, episodesTable)
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns closing it.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for bulk writes.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS source_records (
	natural_key TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	version     BIGINT NOT NULL,
	payload     JSONB NOT NULL,
	written_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS freshness_results (
	run_id      TEXT PRIMARY KEY,
	gating_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	version     BIGINT NOT NULL,
	body        JSONB NOT NULL,
	computed_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	run_id         TEXT PRIMARY KEY,
	gating_key     TEXT NOT NULL,
	series         TEXT NOT NULL,
	episode_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	version        BIGINT NOT NULL,
	body           JSONB NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS dlq_entries (
	operation_id    TEXT PRIMARY KEY,
	operation       TEXT NOT NULL,
	service         TEXT NOT NULL DEFAULT '',
	payload         JSONB NOT NULL,
	error           TEXT NOT NULL,
	error_kind      TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	first_failed_at TIMESTAMPTZ NOT NULL,
	last_failed_at  TIMESTAMPTZ NOT NULL,
	replayed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_source_records_source ON source_records(source_id);
CREATE INDEX IF NOT EXISTS idx_freshness_gating_version ON freshness_results(gating_key, version DESC);
CREATE INDEX IF NOT EXISTS idx_episodes_series_number ON episodes(series, episode_number);
CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes(status);
CREATE INDEX IF NOT EXISTS idx_dlq_unreplayed ON dlq_entries(last_failed_at DESC) WHERE replayed_at IS NULL;
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// writeVersioned runs a guarded upsert. No returned row means the stored
// version was equal or newer.
func (s *PostgresStore) writeVersioned(ctx context.Context, table, stmt, key string, args ...any) (model.WriteOutcome, error) {
	var inserted bool
	err := s.pool.QueryRow(ctx, stmt, args...).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WriteUnchanged, nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "postgres: upsert %s %s", table, key)
	}
	if inserted {
		return model.WriteInserted, nil
	}
	return model.WriteReplaced, nil
}

func (s *PostgresStore) WriteRecord(ctx context.Context, rec model.SourceRecord) (model.WriteOutcome, error) {
	if err := validateRecord(rec); err != nil {
		return "", err
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now()
	}
	return s.writeVersioned(ctx, recordsTable.Table, pgUpsertRecord, rec.NaturalKey,
		rec.NaturalKey, rec.SourceID, rec.Version, nonEmptyJSON(rec.Payload), rec.WrittenAt.UTC(),
	)
}

// WriteRecords applies the versioned guard to a batch through COPY.
func (s *PostgresStore) WriteRecords(ctx context.Context, recs []model.SourceRecord) (int64, error) {
	rows := make([][]any, 0, len(recs))
	now := time.Now().UTC()
	for _, rec := range recs {
		if err := validateRecord(rec); err != nil {
			return 0, err
		}
		writtenAt := rec.WrittenAt
		if writtenAt.IsZero() {
			writtenAt = now
		}
		rows = append(rows, []any{rec.NaturalKey, rec.SourceID, rec.Version, nonEmptyJSON(rec.Payload), writtenAt.UTC()})
	}
	n, err := db.BulkVersionedUpsert(ctx, s.pool, recordsTable, rows)
	return n, eris.Wrap(err, "postgres: write records")
}

func (s *PostgresStore) ReadRecord(ctx context.Context, naturalKey string) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT natural_key, source_id, version, payload, written_at FROM source_records WHERE natural_key = $1`,
		naturalKey,
	).Scan(&rec.NaturalKey, &rec.SourceID, &rec.Version, &payload, &rec.WrittenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", naturalKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: read record %s", naturalKey)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (s *PostgresStore) PutFreshnessResult(ctx context.Context, res *model.FreshnessCheckResult) (model.WriteOutcome, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal freshness result")
	}
	return s.writeVersioned(ctx, freshnessTable.Table, pgUpsertFreshness, res.RunID,
		res.RunID, res.GatingKey, res.Status.String(), string(res.Reason), freshnessVersion(res), body, res.ComputedAt.UTC(),
	)
}

func (s *PostgresStore) LatestFreshness(ctx context.Context, gatingKey string) (*model.FreshnessCheckResult, error) {
	results, err := s.ListFreshness(ctx, FreshnessFilter{GatingKey: gatingKey, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "freshness result for %q", gatingKey)
	}
	return &results[0], nil
}

func (s *PostgresStore) ListFreshness(ctx context.Context, filter FreshnessFilter) ([]model.FreshnessCheckResult, error) {
	query := `SELECT body FROM freshness_results WHERE true`
	args := []any{}
	argIdx := 1
	if filter.GatingKey != "" {
		query += fmt.Sprintf(` AND gating_key = $%d`, argIdx)
		args = append(args, filter.GatingKey)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY version DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list freshness")
	}
	defer rows.Close()

	var out []model.FreshnessCheckResult
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan freshness")
		}
		var res model.FreshnessCheckResult
		if err := json.Unmarshal(body, &res); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal freshness")
		}
		out = append(out, res)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list freshness iterate")
}

func (s *PostgresStore) PutEpisode(ctx context.Context, ep *model.Episode) (model.WriteOutcome, error) {
	if err := validateEpisode(ep); err != nil {
		return "", err
	}
	body, err := json.Marshal(ep)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal episode")
	}
	return s.writeVersioned(ctx, episodesTable.Table, pgUpsertEpisode, ep.RunID,
		ep.RunID, ep.GatingKey, string(ep.Series), ep.Number, ep.Status.String(), ep.Confidence,
		ep.Version, body, ep.CreatedAt.UTC(), ep.UpdatedAt.UTC(),
	)
}

func (s *PostgresStore) GetEpisode(ctx context.Context, runID string) (*model.Episode, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM episodes WHERE run_id = $1`, runID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "episode %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get episode %s", runID)
	}
	var ep model.Episode
	if err := json.Unmarshal(body, &ep); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal episode %s", runID)
	}
	return &ep, nil
}

func (s *PostgresStore) ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]model.Episode, error) {
	query := `SELECT body FROM episodes WHERE true`
	args := []any{}
	argIdx := 1
	if filter.GatingKey != "" {
		query += fmt.Sprintf(` AND gating_key = $%d`, argIdx)
		args = append(args, filter.GatingKey)
		argIdx++
	}
	if filter.Series != "" {
		query += fmt.Sprintf(` AND series = $%d`, argIdx)
		args = append(args, string(filter.Series))
		argIdx++
	}
	if filter.Status != 0 {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, filter.Status.String())
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC, run_id LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))
	argIdx++
	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list episodes")
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "postgres: scan episode")
		}
		var ep model.Episode
		if err := json.Unmarshal(body, &ep); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal episode")
		}
		out = append(out, ep)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list episodes iterate")
}

func (s *PostgresStore) NextEpisodeNumber(ctx context.Context, series model.Series) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(MAX(episode_number), 0) + 1 FROM episodes WHERE series = $1`,
		string(series),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: next episode number %s", series)
	}
	return n, nil
}

func (s *PostgresStore) AppendDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dlq_entries (operation_id, operation, service, payload, error, error_kind, attempts, first_failed_at, last_failed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (operation_id) DO NOTHING`,
		e.OperationID, e.Operation, e.Service, nonEmptyJSON(e.Payload), e.Error, e.ErrorKind,
		e.Attempts, e.FirstFailedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "postgres: append dlq %s", e.OperationID)
}

func (s *PostgresStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE true`
	args := []any{}
	argIdx := 1
	if filter.Operation != "" {
		query += fmt.Sprintf(` AND operation = $%d`, argIdx)
		args = append(args, filter.Operation)
		argIdx++
	}
	if !filter.IncludeReplayed {
		query += ` AND replayed_at IS NULL`
	}
	query += fmt.Sprintf(` ORDER BY last_failed_at DESC LIMIT $%d`, argIdx)
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		e, err := scanPostgresDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list dlq iterate")
}

func (s *PostgresStore) GetDLQ(ctx context.Context, operationID string) (*resilience.DLQEntry, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE operation_id = $1`, operationID)
	e, err := scanPostgresDLQ(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "dlq entry %s", operationID)
	}
	return e, err
}

func (s *PostgresStore) MarkDLQReplayed(ctx context.Context, operationID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE dlq_entries SET replayed_at = $1 WHERE operation_id = $2 AND replayed_at IS NULL`,
		at.UTC(), operationID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark dlq replayed %s", operationID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "dlq entry %s", operationID)
	}
	return nil
}

func (s *PostgresStore) CountDLQ(ctx context.Context, includeReplayed bool) (int, error) {
	query := `SELECT COUNT(*) FROM dlq_entries`
	if !includeReplayed {
		query += ` WHERE replayed_at IS NULL`
	}
	var n int
	if err := s.pool.QueryRow(ctx, query).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "postgres: count dlq")
	}
	return n, nil
}

func scanPostgresDLQ(row pgx.Row) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var payload []byte
	err := row.Scan(&e.OperationID, &e.Operation, &e.Service, &payload, &e.Error, &e.ErrorKind,
		&e.Attempts, &e.FirstFailedAt, &e.LastFailedAt, &e.ReplayedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan dlq")
	}
	e.Payload = json.RawMessage(payload)
	return &e, nil
}
