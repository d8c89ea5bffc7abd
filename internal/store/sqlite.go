package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/muse-gate/internal/db"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

var (
	sqliteUpsertRecord    = db.MustVersionedUpsertSQL(db.SQLite, recordsTable)
	sqliteUpsertFreshness = db.MustVersionedUpsertSQL(db.SQLite, freshnessTable)
	sqliteUpsertEpisode   = db.MustVersionedUpsertSQL(db.SQLite, episodesTable)
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool holds a single connection so versioned writes serialize.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS source_records (
	natural_key TEXT PRIMARY KEY,
	source_id   TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     TEXT NOT NULL,
	written_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS freshness_results (
	run_id      TEXT PRIMARY KEY,
	gating_key  TEXT NOT NULL,
	status      TEXT NOT NULL,
	reason      TEXT NOT NULL,
	version     INTEGER NOT NULL,
	body        TEXT NOT NULL,
	computed_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS episodes (
	run_id         TEXT PRIMARY KEY,
	gating_key     TEXT NOT NULL,
	series         TEXT NOT NULL,
	episode_number INTEGER NOT NULL,
	status         TEXT NOT NULL,
	confidence     REAL NOT NULL,
	version        INTEGER NOT NULL,
	body           TEXT NOT NULL,
	created_at     DATETIME NOT NULL,
	updated_at     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS dlq_entries (
	operation_id    TEXT PRIMARY KEY,
	operation       TEXT NOT NULL,
	service         TEXT NOT NULL DEFAULT '',
	payload         TEXT NOT NULL,
	error           TEXT NOT NULL,
	error_kind      TEXT NOT NULL,
	attempts        INTEGER NOT NULL,
	first_failed_at DATETIME NOT NULL,
	last_failed_at  DATETIME NOT NULL,
	replayed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_source_records_source ON source_records(source_id);
CREATE INDEX IF NOT EXISTS idx_freshness_gating_version ON freshness_results(gating_key, version);
CREATE INDEX IF NOT EXISTS idx_episodes_series_number ON episodes(series, episode_number);
CREATE INDEX IF NOT EXISTS idx_episodes_status ON episodes(status);
CREATE INDEX IF NOT EXISTS idx_dlq_replayed ON dlq_entries(replayed_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// writeVersioned reads the stored version and applies the guarded upsert in
// one transaction so the reported outcome matches what was written.
func (s *SQLiteStore) writeVersioned(ctx context.Context, cfg db.VersionedConfig, stmt, key string, version int64, args ...any) (model.WriteOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: begin write %s", cfg.Table)
	}
	defer tx.Rollback() //nolint:errcheck

	var stored int64
	found := true
	lookup := fmt.Sprintf(`SELECT version FROM %s WHERE %s = ?`, cfg.Table, cfg.ConflictKeys[0])
	if err := tx.QueryRowContext(ctx, lookup, key).Scan(&stored); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return "", eris.Wrapf(err, "sqlite: read version %s %s", cfg.Table, key)
		}
		found = false
	}
	if found && cfg.InsertOnly {
		return model.WriteUnchanged, nil
	}

	if _, err := tx.ExecContext(ctx, stmt, args...); err != nil {
		return "", eris.Wrapf(err, "sqlite: upsert %s %s", cfg.Table, key)
	}
	if err := tx.Commit(); err != nil {
		return "", eris.Wrapf(err, "sqlite: commit %s %s", cfg.Table, key)
	}
	return outcome(found, stored, version), nil
}

func (s *SQLiteStore) WriteRecord(ctx context.Context, rec model.SourceRecord) (model.WriteOutcome, error) {
	if err := validateRecord(rec); err != nil {
		return "", err
	}
	if rec.WrittenAt.IsZero() {
		rec.WrittenAt = time.Now()
	}
	return s.writeVersioned(ctx, recordsTable, sqliteUpsertRecord, rec.NaturalKey, rec.Version,
		rec.NaturalKey, rec.SourceID, rec.Version, string(nonEmptyJSON(rec.Payload)), rec.WrittenAt.UTC(),
	)
}

// WriteRecords applies WriteRecord to each record and returns how many were
// inserted or replaced.
func (s *SQLiteStore) WriteRecords(ctx context.Context, recs []model.SourceRecord) (int64, error) {
	var written int64
	for _, rec := range recs {
		out, err := s.WriteRecord(ctx, rec)
		if err != nil {
			return written, err
		}
		if out != model.WriteUnchanged {
			written++
		}
	}
	return written, nil
}

func (s *SQLiteStore) ReadRecord(ctx context.Context, naturalKey string) (*model.SourceRecord, error) {
	var rec model.SourceRecord
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT natural_key, source_id, version, payload, written_at FROM source_records WHERE natural_key = ?`,
		naturalKey,
	).Scan(&rec.NaturalKey, &rec.SourceID, &rec.Version, &payload, &rec.WrittenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "record %s", naturalKey)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read record %s", naturalKey)
	}
	rec.Payload = json.RawMessage(payload)
	return &rec, nil
}

func (s *SQLiteStore) PutFreshnessResult(ctx context.Context, res *model.FreshnessCheckResult) (model.WriteOutcome, error) {
	body, err := json.Marshal(res)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal freshness result")
	}
	version := freshnessVersion(res)
	return s.writeVersioned(ctx, freshnessTable, sqliteUpsertFreshness, res.RunID, version,
		res.RunID, res.GatingKey, res.Status.String(), string(res.Reason), version, string(body), res.ComputedAt.UTC(),
	)
}

func (s *SQLiteStore) LatestFreshness(ctx context.Context, gatingKey string) (*model.FreshnessCheckResult, error) {
	results, err := s.ListFreshness(ctx, FreshnessFilter{GatingKey: gatingKey, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, eris.Wrapf(ErrNotFound, "freshness result for %q", gatingKey)
	}
	return &results[0], nil
}

func (s *SQLiteStore) ListFreshness(ctx context.Context, filter FreshnessFilter) ([]model.FreshnessCheckResult, error) {
	query := `SELECT body FROM freshness_results WHERE 1=1`
	var args []any
	if filter.GatingKey != "" {
		query += ` AND gating_key = ?`
		args = append(args, filter.GatingKey)
	}
	query += ` ORDER BY version DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list freshness")
	}
	defer rows.Close()

	var out []model.FreshnessCheckResult
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan freshness")
		}
		var res model.FreshnessCheckResult
		if err := json.Unmarshal([]byte(body), &res); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal freshness")
		}
		out = append(out, res)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list freshness iterate")
}

func (s *SQLiteStore) PutEpisode(ctx context.Context, ep *model.Episode) (model.WriteOutcome, error) {
	if err := validateEpisode(ep); err != nil {
		return "", err
	}
	body, err := json.Marshal(ep)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal episode")
	}
	return s.writeVersioned(ctx, episodesTable, sqliteUpsertEpisode, ep.RunID, ep.Version,
		ep.RunID, ep.GatingKey, string(ep.Series), ep.Number, ep.Status.String(), ep.Confidence,
		ep.Version, string(body), ep.CreatedAt.UTC(), ep.UpdatedAt.UTC(),
	)
}

func (s *SQLiteStore) GetEpisode(ctx context.Context, runID string) (*model.Episode, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM episodes WHERE run_id = ?`, runID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "episode %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get episode %s", runID)
	}
	var ep model.Episode
	if err := json.Unmarshal([]byte(body), &ep); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal episode %s", runID)
	}
	return &ep, nil
}

func (s *SQLiteStore) ListEpisodes(ctx context.Context, filter EpisodeFilter) ([]model.Episode, error) {
	query := `SELECT body FROM episodes WHERE 1=1`
	var args []any
	if filter.GatingKey != "" {
		query += ` AND gating_key = ?`
		args = append(args, filter.GatingKey)
	}
	if filter.Series != "" {
		query += ` AND series = ?`
		args = append(args, string(filter.Series))
	}
	if filter.Status != 0 {
		query += ` AND status = ?`
		args = append(args, filter.Status.String())
	}
	query += ` ORDER BY created_at DESC, run_id LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list episodes")
	}
	defer rows.Close()

	var out []model.Episode
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan episode")
		}
		var ep model.Episode
		if err := json.Unmarshal([]byte(body), &ep); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal episode")
		}
		out = append(out, ep)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list episodes iterate")
}

func (s *SQLiteStore) NextEpisodeNumber(ctx context.Context, series model.Series) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(episode_number), 0) + 1 FROM episodes WHERE series = ?`,
		string(series),
	).Scan(&n)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: next episode number %s", series)
	}
	return n, nil
}

func (s *SQLiteStore) AppendDLQ(ctx context.Context, e resilience.DLQEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dlq_entries (operation_id, operation, service, payload, error, error_kind, attempts, first_failed_at, last_failed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (operation_id) DO NOTHING`,
		e.OperationID, e.Operation, e.Service, string(nonEmptyJSON(e.Payload)), e.Error, e.ErrorKind,
		e.Attempts, e.FirstFailedAt.UTC(), e.LastFailedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: append dlq %s", e.OperationID)
}

const dlqColumns = `operation_id, operation, service, payload, error, error_kind, attempts, first_failed_at, last_failed_at, replayed_at`

func (s *SQLiteStore) ListDLQ(ctx context.Context, filter resilience.DLQFilter) ([]resilience.DLQEntry, error) {
	query := `SELECT ` + dlqColumns + ` FROM dlq_entries WHERE 1=1`
	var args []any
	if filter.Operation != "" {
		query += ` AND operation = ?`
		args = append(args, filter.Operation)
	}
	if !filter.IncludeReplayed {
		query += ` AND replayed_at IS NULL`
	}
	query += ` ORDER BY last_failed_at DESC LIMIT ?`
	args = append(args, limitOrDefault(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list dlq")
	}
	defer rows.Close()

	var out []resilience.DLQEntry
	for rows.Next() {
		e, err := scanSQLiteDLQ(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list dlq iterate")
}

func (s *SQLiteStore) GetDLQ(ctx context.Context, operationID string) (*resilience.DLQEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+dlqColumns+` FROM dlq_entries WHERE operation_id = ?`, operationID)
	e, err := scanSQLiteDLQ(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "dlq entry %s", operationID)
	}
	return e, err
}

func (s *SQLiteStore) MarkDLQReplayed(ctx context.Context, operationID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE dlq_entries SET replayed_at = ? WHERE operation_id = ? AND replayed_at IS NULL`,
		at.UTC(), operationID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark dlq replayed %s", operationID)
	}
	return checkRowsAffected(res, "dlq entry", operationID)
}

func (s *SQLiteStore) CountDLQ(ctx context.Context, includeReplayed bool) (int, error) {
	query := `SELECT COUNT(*) FROM dlq_entries`
	if !includeReplayed {
		query += ` WHERE replayed_at IS NULL`
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count dlq")
	}
	return n, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteDLQ(row scannable) (*resilience.DLQEntry, error) {
	var e resilience.DLQEntry
	var payload string
	var replayed sql.NullTime
	err := row.Scan(&e.OperationID, &e.Operation, &e.Service, &payload, &e.Error, &e.ErrorKind,
		&e.Attempts, &e.FirstFailedAt, &e.LastFailedAt, &replayed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan dlq")
	}
	e.Payload = json.RawMessage(payload)
	if replayed.Valid {
		t := replayed.Time
		e.ReplayedAt = &t
	}
	return &e, nil
}
