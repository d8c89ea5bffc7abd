package warehouse

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

func newMockWarehouse(t *testing.T) (*Postgres, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })
	return NewPostgres(mock, Columns{}, time.Second), mock
}

var testWindow = model.Window{
	Start: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
}

func TestPostgres_CountRows(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "events" WHERE "source" = $1 AND "gating_key" = $2 AND "ts" >= $3 AND "ts" < $4`)).
		WithArgs("hearts", "studio", testWindow.Start, testWindow.End).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(int64(42)))

	n, err := w.CountRows(context.Background(), "hearts", "studio", testWindow)
	require.NoError(t, err)
	assert.Equal(t, int64(42), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CountRows_Unavailable(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT count`).
		WithArgs("hearts", "studio", testWindow.Start, testWindow.End).
		WillReturnError(&pgconn.PgError{Code: "08006", Message: "connection failure"})

	_, err := w.CountRows(context.Background(), "hearts", "studio", testWindow)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindSourceUnavailable))
	assert.True(t, resilience.IsRetryable(err))
}

func TestPostgres_CountRows_SchemaMismatch(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT count`).
		WithArgs("hearts", "studio", testWindow.Start, testWindow.End).
		WillReturnError(&pgconn.PgError{Code: "42P01", Message: `relation "events" does not exist`})

	_, err := w.CountRows(context.Background(), "hearts", "studio", testWindow)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindSchemaMismatch))
	assert.False(t, resilience.IsRetryable(err))
}

func TestPostgres_LatestTimestamp(t *testing.T) {
	w, mock := newMockWarehouse(t)
	at := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT "ts" FROM "events" WHERE "source" = $1 AND "gating_key" = $2 ORDER BY "ts" DESC LIMIT 1`)).
		WithArgs("packs", "studio").
		WillReturnRows(pgxmock.NewRows([]string{"ts"}).AddRow(at))

	got, err := w.LatestTimestamp(context.Background(), "packs", "studio")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, at.Equal(*got))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LatestTimestamp_NoRows(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT "ts" FROM "events"`).
		WithArgs("packs", "studio").
		WillReturnRows(pgxmock.NewRows([]string{"ts"}))

	got, err := w.LatestTimestamp(context.Background(), "packs", "studio")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestPostgres_Aggregate(t *testing.T) {
	w, mock := newMockWarehouse(t)
	d1 := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	d2 := d1.AddDate(0, 0, 1)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT date_trunc('day', "ts") AS day, avg("value"), count(*) FROM "events"`)).
		WithArgs("hearts", "studio", testWindow.Start, testWindow.End).
		WillReturnRows(pgxmock.NewRows([]string{"day", "avg", "count"}).
			AddRow(d1, 72.5, int64(10)).
			AddRow(d2, 80.0, int64(12)))

	buckets, err := w.Aggregate(context.Background(), "hearts", "studio", testWindow)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	assert.Equal(t, d1, buckets[0].Day)
	assert.InDelta(t, 72.5, buckets[0].Value, 1e-9)
	assert.Equal(t, int64(12), buckets[1].Rows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Aggregate_QueryError(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT date_trunc`).
		WithArgs("hearts", "studio", testWindow.Start, testWindow.End).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := w.Aggregate(context.Background(), "hearts", "studio", testWindow)
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindSourceUnavailable))
}

func TestPostgres_Append(t *testing.T) {
	w, mock := newMockWarehouse(t)
	at := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	ev := Event{NaturalKey: "hearts:1", Source: "hearts", Key: "studio", At: at, Value: 70, Version: 5}

	mock.ExpectQuery(`INSERT INTO "events" .* WHERE "events"."version" < excluded."version" RETURNING`).
		WithArgs("hearts:1", "hearts", "studio", at, 70.0, int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}).AddRow(true))
	mock.ExpectQuery(`INSERT INTO "events"`).
		WithArgs("hearts:1", "hearts", "studio", at, 70.0, int64(5)).
		WillReturnRows(pgxmock.NewRows([]string{"inserted"}))

	out, err := w.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, model.WriteInserted, out)

	out, err = w.Append(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, model.WriteUnchanged, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Append_RejectsMissingVersion(t *testing.T) {
	w, _ := newMockWarehouse(t)

	_, err := w.Append(context.Background(), Event{NaturalKey: "hearts:1"})
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindMalformedPayload))
}

func TestPostgres_Verify(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs("public", "events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("natural_key").AddRow("source").AddRow("gating_key").
			AddRow("ts").AddRow("value").AddRow("version"))

	require.NoError(t, w.Verify(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Verify_MissingColumns(t *testing.T) {
	w, mock := newMockWarehouse(t)

	mock.ExpectQuery(`SELECT column_name FROM information_schema.columns`).
		WithArgs("public", "events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}).
			AddRow("natural_key").AddRow("source").AddRow("ts"))

	err := w.Verify(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindSchemaMismatch))
	assert.Contains(t, err.Error(), "gating_key")
	assert.Contains(t, err.Error(), "version")
}

func TestPostgres_Verify_MissingTable(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer mock.Close()
	w := NewPostgres(mock, Columns{Table: "telemetry.events"}, 0)

	mock.ExpectQuery(`SELECT column_name`).
		WithArgs("telemetry", "events").
		WillReturnRows(pgxmock.NewRows([]string{"column_name"}))

	err = w.Verify(context.Background())
	require.Error(t, err)
	assert.True(t, resilience.IsKind(err, resilience.KindSchemaMismatch))
	assert.Contains(t, err.Error(), "not found")
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		kind      resilience.Kind
		retryable bool
	}{
		{"undefined column", &pgconn.PgError{Code: "42703"}, resilience.KindSchemaMismatch, false},
		{"datatype mismatch", &pgconn.PgError{Code: "42804"}, resilience.KindSchemaMismatch, false},
		{"too many connections", &pgconn.PgError{Code: "53300"}, resilience.KindSourceUnavailable, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, resilience.KindSourceUnavailable, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, resilience.KindSourceUnavailable, true},
		{"syntax error", &pgconn.PgError{Code: "42601"}, 0, false},
		{"network", errors.New("dial tcp: connection refused"), resilience.KindSourceUnavailable, true},
		{"deadline", context.DeadlineExceeded, resilience.KindSourceUnavailable, true},
		{"canceled", context.Canceled, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify("op", tt.err)
			require.Error(t, err)
			assert.Equal(t, tt.kind, resilience.KindOf(err))
			assert.Equal(t, tt.retryable, resilience.IsRetryable(err))
		})
	}

	assert.NoError(t, Classify("op", nil))
}
