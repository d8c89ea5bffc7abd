package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Dialect selects placeholder style and outcome reporting for generated SQL.
type Dialect int

const (
	// Postgres uses $n placeholders and reports inserts via RETURNING (xmax = 0).
	Postgres Dialect = iota
	// SQLite uses ? placeholders; callers detect inserts by a prior version read.
	SQLite
)

// VersionedConfig defines a last-writer-wins upsert. A row is written when no
// row with the same conflict keys exists, or when the stored VersionCol is
// strictly less than the incoming one. Equal or newer stored versions are left
// untouched.
type VersionedConfig struct {
	Table        string   // target table (e.g., "muse.episodes")
	Columns      []string // all columns being inserted, including VersionCol
	ConflictKeys []string // columns forming the natural key
	VersionCol   string   // monotonic version column
	UpdateCols   []string // columns to update on conflict; nil = all non-conflict columns
	// InsertOnly makes the first write final: a conflicting row is left as is
	// whatever its version.
	InsertOnly bool
}

func (cfg VersionedConfig) validate() error {
	if cfg.Table == "" {
		return eris.New("db: upsert: no table specified")
	}
	if len(cfg.Columns) == 0 {
		return eris.New("db: upsert: no columns specified")
	}
	if len(cfg.ConflictKeys) == 0 {
		return eris.New("db: upsert: no conflict keys specified")
	}
	if cfg.VersionCol == "" {
		return eris.New("db: upsert: no version column specified")
	}
	for _, c := range cfg.Columns {
		if c == cfg.VersionCol {
			return nil
		}
	}
	return eris.Errorf("db: upsert: version column %q not in columns", cfg.VersionCol)
}

func (cfg VersionedConfig) updateCols() []string {
	if cfg.UpdateCols != nil {
		return cfg.UpdateCols
	}
	conflictSet := make(map[string]bool, len(cfg.ConflictKeys))
	for _, k := range cfg.ConflictKeys {
		conflictSet[k] = true
	}
	var cols []string
	for _, c := range cfg.Columns {
		if !conflictSet[c] {
			cols = append(cols, c)
		}
	}
	return cols
}

// conflictClause renders ON CONFLICT (...) DO UPDATE SET ... WHERE target.version < excluded.version,
// or ON CONFLICT (...) DO NOTHING for insert-only tables.
func (cfg VersionedConfig) conflictClause() string {
	if cfg.InsertOnly {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", quoteAndJoin(cfg.ConflictKeys))
	}
	var setClauses []string
	for _, col := range cfg.updateCols() {
		q := pgx.Identifier{col}.Sanitize()
		setClauses = append(setClauses, fmt.Sprintf("%s = excluded.%s", q, q))
	}
	version := pgx.Identifier{cfg.VersionCol}.Sanitize()
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s WHERE %s.%s < excluded.%s",
		quoteAndJoin(cfg.ConflictKeys),
		strings.Join(setClauses, ", "),
		sanitizeTable(cfg.Table), version, version,
	)
}

// VersionedUpsertSQL returns a single-row INSERT ... ON CONFLICT statement
// guarded by the version column. Arguments bind in Columns order. The
// Postgres statement returns one boolean row "inserted" when a row was
// written and no rows when the guard rejected the write.
func VersionedUpsertSQL(d Dialect, cfg VersionedConfig) (string, error) {
	if err := cfg.validate(); err != nil {
		return "", err
	}
	placeholders := make([]string, len(cfg.Columns))
	for i := range cfg.Columns {
		if d == SQLite {
			placeholders[i] = "?"
		} else {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
		}
	}
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) %s",
		sanitizeTable(cfg.Table),
		quoteAndJoin(cfg.Columns),
		strings.Join(placeholders, ", "),
		cfg.conflictClause(),
	)
	if d == Postgres {
		stmt += " RETURNING (xmax = 0) AS inserted"
	}
	return stmt, nil
}

// MustVersionedUpsertSQL is like VersionedUpsertSQL but panics on an invalid
// config. It is meant for package-level statement tables.
func MustVersionedUpsertSQL(d Dialect, cfg VersionedConfig) string {
	stmt, err := VersionedUpsertSQL(d, cfg)
	if err != nil {
		panic(err)
	}
	return stmt
}

// BulkVersionedUpsert applies the versioned guard to a batch via a temp table
// and COPY:
// 1. Creates a temp table with the same columns
// 2. COPY rows into the temp table
// 3. INSERT INTO target SELECT DISTINCT ON (keys) ... ORDER BY keys, version DESC
// 4. ON CONFLICT keeps the stored row unless the incoming version is newer
//
// Duplicate keys within a batch collapse to their highest version. Returns the
// number of rows inserted or replaced.
func BulkVersionedUpsert(ctx context.Context, pool Pool, cfg VersionedConfig, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := cfg.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "db: upsert: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tempTable := fmt.Sprintf("_tmp_upsert_%s", strings.ReplaceAll(cfg.Table, ".", "_"))

	createSQL := fmt.Sprintf(
		"CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		pgx.Identifier{tempTable}.Sanitize(),
		sanitizeTable(cfg.Table),
	)
	if _, err := tx.Exec(ctx, createSQL); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: create temp table for %s", cfg.Table)
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{tempTable}, cfg.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: upsert: COPY into temp table for %s", cfg.Table)
	}

	colList := quoteAndJoin(cfg.Columns)
	keyList := quoteAndJoin(cfg.ConflictKeys)
	upsertSQL := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT DISTINCT ON (%s) %s FROM %s ORDER BY %s, %s DESC %s",
		sanitizeTable(cfg.Table),
		colList,
		keyList,
		colList,
		pgx.Identifier{tempTable}.Sanitize(),
		keyList,
		pgx.Identifier{cfg.VersionCol}.Sanitize(),
		cfg.conflictClause(),
	)

	tag, err := tx.Exec(ctx, upsertSQL)
	if err != nil {
		return 0, eris.Wrapf(err, "db: upsert: INSERT ON CONFLICT for %s", cfg.Table)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "db: upsert: commit tx")
	}

	return tag.RowsAffected(), nil
}

// sanitizeTable handles schema-qualified table names like "muse.episodes".
func sanitizeTable(table string) string {
	parts := strings.SplitN(table, ".", 2)
	if len(parts) == 2 {
		return pgx.Identifier{parts[0], parts[1]}.Sanitize()
	}
	return pgx.Identifier{table}.Sanitize()
}

// quoteAndJoin quotes each column name and joins with commas.
func quoteAndJoin(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
