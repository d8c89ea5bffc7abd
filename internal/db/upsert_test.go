package db

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordsCfg = VersionedConfig{
	Table:        "source_records",
	Columns:      []string{"natural_key", "source_id", "version", "payload"},
	ConflictKeys: []string{"natural_key"},
	VersionCol:   "version",
}

func TestVersionedUpsertSQL_Postgres(t *testing.T) {
	stmt, err := VersionedUpsertSQL(Postgres, recordsCfg)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "source_records" ("natural_key", "source_id", "version", "payload") VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("natural_key") DO UPDATE SET "source_id" = excluded."source_id", "version" = excluded."version", "payload" = excluded."payload" `+
			`WHERE "source_records"."version" < excluded."version" RETURNING (xmax = 0) AS inserted`,
		stmt)
}

func TestVersionedUpsertSQL_SQLite(t *testing.T) {
	stmt, err := VersionedUpsertSQL(SQLite, recordsCfg)
	require.NoError(t, err)
	assert.Contains(t, stmt, "VALUES (?, ?, ?, ?)")
	assert.Contains(t, stmt, `WHERE "source_records"."version" < excluded."version"`)
	assert.NotContains(t, stmt, "RETURNING")
}

func TestVersionedUpsertSQL_ExplicitUpdateCols(t *testing.T) {
	cfg := recordsCfg
	cfg.UpdateCols = []string{"version", "payload"}
	stmt, err := VersionedUpsertSQL(SQLite, cfg)
	require.NoError(t, err)
	assert.NotContains(t, stmt, `"source_id" = excluded`)
	assert.Contains(t, stmt, `"payload" = excluded."payload"`)
}

func TestVersionedUpsertSQL_InsertOnly(t *testing.T) {
	cfg := recordsCfg
	cfg.InsertOnly = true

	stmt, err := VersionedUpsertSQL(Postgres, cfg)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "source_records" ("natural_key", "source_id", "version", "payload") VALUES ($1, $2, $3, $4) `+
			`ON CONFLICT ("natural_key") DO NOTHING RETURNING (xmax = 0) AS inserted`,
		stmt)

	stmt, err = VersionedUpsertSQL(SQLite, cfg)
	require.NoError(t, err)
	assert.Contains(t, stmt, `ON CONFLICT ("natural_key") DO NOTHING`)
	assert.NotContains(t, stmt, "DO UPDATE")
}

func TestVersionedUpsertSQL_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  VersionedConfig
		want string
	}{
		{"no table", VersionedConfig{Columns: []string{"a"}, ConflictKeys: []string{"a"}, VersionCol: "a"}, "no table"},
		{"no columns", VersionedConfig{Table: "t", ConflictKeys: []string{"id"}, VersionCol: "v"}, "no columns specified"},
		{"no keys", VersionedConfig{Table: "t", Columns: []string{"id", "v"}, VersionCol: "v"}, "no conflict keys specified"},
		{"no version", VersionedConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}}, "no version column"},
		{"version not in columns", VersionedConfig{Table: "t", Columns: []string{"id"}, ConflictKeys: []string{"id"}, VersionCol: "v"}, "not in columns"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := VersionedUpsertSQL(Postgres, tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestMustVersionedUpsertSQL_Panics(t *testing.T) {
	assert.Panics(t, func() { MustVersionedUpsertSQL(Postgres, VersionedConfig{}) })
	assert.NotPanics(t, func() { MustVersionedUpsertSQL(SQLite, recordsCfg) })
}

func TestBulkVersionedUpsert_EmptyRows(t *testing.T) {
	n, err := BulkVersionedUpsert(context.Background(), nil, recordsCfg, nil)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestBulkVersionedUpsert_InvalidConfig(t *testing.T) {
	_, err := BulkVersionedUpsert(context.Background(), nil, VersionedConfig{Table: "t"}, [][]any{{1}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no columns specified")
}

func TestBulkVersionedUpsert_Success(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "_tmp_upsert_source_records"`).
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_records"}, recordsCfg.Columns).
		WillReturnResult(2)
	mock.ExpectExec(`SELECT DISTINCT ON \("natural_key"\) .* WHERE "source_records"."version" < excluded."version"`).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	rows := [][]any{
		{"hearts:2024-06-01", "hearts", int64(2), []byte(`{}`)},
		{"hearts:2024-06-01", "hearts", int64(1), []byte(`{}`)},
	}
	n, err := BulkVersionedUpsert(context.Background(), mock, recordsCfg, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestBulkVersionedUpsert_CopyError(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_tmp_upsert_source_records"}, recordsCfg.Columns).
		WillReturnError(fmt.Errorf("copy failed"))
	mock.ExpectRollback()

	_, err = BulkVersionedUpsert(context.Background(), mock, recordsCfg, [][]any{{"k", "s", int64(1), []byte(`{}`)}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "COPY into temp table")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSanitizeTable(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"simple", `"simple"`},
		{"muse.episodes", `"muse"."episodes"`},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, sanitizeTable(tt.input))
		})
	}
}

func TestQuoteAndJoin(t *testing.T) {
	assert.Equal(t, `"id", "name", "value"`, quoteAndJoin([]string{"id", "name", "value"}))
}
