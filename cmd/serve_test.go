package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/muse-gate/internal/config"
	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/publish"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/store"
	"github.com/sells-group/muse-gate/internal/warehouse"
)

func testConfig() *config.Config {
	return &config.Config{
		Watcher: config.WatcherConfig{
			GatingKey:    "studio",
			Sources:      config.DefaultSources(),
			WindowHours:  24,
			TokenTTLMins: 30,
		},
		Confidence: config.ConfidenceConfig{
			WindowDays:            7,
			ExpectedRowsPerDay:    10,
			MinPairs:              3,
			PublishThreshold:      0.6,
			ChimeraMinConfidence:  0.7,
			ChimeraMinCorrelation: 0.6,
		},
		Retry:   config.RetryConfig{MaxAttempts: 2, BaseDelayMs: 1, MaxDelayMs: 1},
		Circuit: config.CircuitConfig{FailureThreshold: 5, CooldownSecs: 30},
		Publish: config.PublishConfig{PollIntervalSecs: 1, PollDeadlineSecs: 5},
	}
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "serve.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// seed writes perDay events per day for the last days days, ending a minute ago.
func seed(t *testing.T, wh *warehouse.Memory, source string, days, perDay int, value func(k int) float64) {
	t.Helper()
	now := time.Now()
	for k := 0; k < days; k++ {
		for i := 0; i < perDay; i++ {
			_, err := wh.Append(context.Background(), warehouse.Event{
				NaturalKey: fmt.Sprintf("%s:%d:%d", source, k, i),
				Source:     source,
				Key:        "studio",
				At:         now.Add(-time.Duration(k)*24*time.Hour - time.Duration(i+1)*time.Minute),
				Value:      value(k),
				Version:    1,
			})
			require.NoError(t, err)
		}
	}
}

type testServer struct {
	srv     *server
	handler http.Handler
	st      store.Store
	wh      *warehouse.Memory
	pub     *publish.Memory
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := newTestStore(t)
	wh := warehouse.NewMemory()
	pub := publish.NewMemory()
	env := buildGate(testConfig(), st, wh, pub, &metrics.Recorder{})
	env.Prometheus = metrics.NewPrometheus(nil, "muse")

	srv := newServer(context.Background(), env, "studio")
	return &testServer{srv: srv, handler: srv.routes([]string{"https://ops.example.com"}), st: st, wh: wh, pub: pub}
}

func (ts *testServer) do(t *testing.T, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &v))
	return v
}

func putEpisode(t *testing.T, st store.Store, runID string, status model.EpisodeStatus, confidence float64) {
	t.Helper()
	_, err := st.PutEpisode(context.Background(), &model.Episode{
		RunID:      runID,
		GatingKey:  "studio",
		Series:     model.SeriesBanterpacks,
		Number:     1,
		Title:      "Banterpacks Episode 001: Preliminary Data Review",
		Status:     status,
		Confidence: confidence,
		Threshold:  0.6,
		Version:    1,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	})
	require.NoError(t, err)
}

func TestRoutes_Health(t *testing.T) {
	rr := newTestServer(t).do(t, http.MethodGet, "/health", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "application/json")
	assert.Equal(t, "ok", decode[map[string]string](t, rr)["status"])
}

func TestRoutes_Ready(t *testing.T) {
	ts := newTestServer(t)
	rr := ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	require.NoError(t, ts.st.Close())
	rr = ts.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestRoutes_GateWithoutCheckIsBlocked(t *testing.T) {
	rr := newTestServer(t).do(t, http.MethodGet, "/gate", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	sig := decode[gateSignal](t, rr)
	assert.Equal(t, "studio", sig.GatingKey)
	assert.False(t, sig.Open)
	assert.Equal(t, model.GateBlocked, sig.Status)
	assert.Equal(t, model.ReasonTokenAbsent, sig.Reason)
	assert.Zero(t, sig.TTLSeconds)
	assert.Nil(t, sig.ExpiresAt)
}

func TestRoutes_GateReflectsLatestCheck(t *testing.T) {
	ts := newTestServer(t)
	checked := time.Date(2026, 3, 8, 12, 0, 0, 0, time.UTC)
	ts.srv.now = func() time.Time { return checked.Add(10 * time.Minute) }
	_, err := ts.st.PutFreshnessResult(context.Background(), &model.FreshnessCheckResult{
		RunID:      "r1",
		GatingKey:  "lab",
		Status:     model.GateValid,
		Reason:     model.ReasonNone,
		ComputedAt: checked,
	})
	require.NoError(t, err)

	rr := ts.do(t, http.MethodGet, "/gate?key=lab", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	sig := decode[gateSignal](t, rr)
	assert.True(t, sig.Open)
	assert.Equal(t, model.GateValid, sig.Status)
	assert.InDelta(t, (20 * time.Minute).Seconds(), sig.TTLSeconds, 1e-6)

	ts.srv.now = func() time.Time { return checked.Add(time.Hour) }
	sig = decode[gateSignal](t, ts.do(t, http.MethodGet, "/gate?key=lab", nil))
	assert.False(t, sig.Open)
	assert.Equal(t, model.ReasonTokenExpired, sig.Reason)
}

func TestRoutes_EpisodesAndDetail(t *testing.T) {
	ts := newTestServer(t)
	putEpisode(t, ts.st, "run-1", model.EpisodeDraft, 0.4)
	putEpisode(t, ts.st, "run-2", model.EpisodePublished, 0.9)

	rr := ts.do(t, http.MethodGet, "/episodes?status=draft", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	eps := decode[[]model.Episode](t, rr)
	require.Len(t, eps, 1)
	assert.Equal(t, "run-1", eps[0].RunID)

	rr = ts.do(t, http.MethodGet, "/episodes/run-2", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	detail := decode[episodeDetail](t, rr)
	assert.Equal(t, model.EpisodePublished, detail.Episode.Status)
	assert.Empty(t, detail.Audit)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/episodes/missing", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/episodes?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/episodes?limit=-1", nil).Code)
}

func TestRoutes_Promote(t *testing.T) {
	ts := newTestServer(t)
	putEpisode(t, ts.st, "run-1", model.EpisodeDraft, 0.4)

	rr := ts.do(t, http.MethodPost, "/episodes/run-1/promote", []byte(`{"actor":"ops"}`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, http.MethodPost, "/episodes/run-1/promote", []byte(`{"actor":"ops","reason":"manual review"}`))
	require.Equal(t, http.StatusOK, rr.Code)
	ep := decode[model.Episode](t, rr)
	assert.Equal(t, model.EpisodeReady, ep.Status)
	require.NotNil(t, ep.Override)
	assert.Equal(t, "ops", ep.Override.Actor)

	rr = ts.do(t, http.MethodPost, "/episodes/run-1/promote", []byte(`{"actor":"ops","reason":"again"}`))
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestRoutes_DLQ(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	at := time.Now().UTC()
	require.NoError(t, ts.st.AppendDLQ(ctx, resilience.DLQEntry{
		OperationID:   "op-1",
		Operation:     "publish.submit",
		Payload:       []byte(`{"run_id":"run-1"}`),
		Error:         "publisher unavailable",
		ErrorKind:     "external_call_failure",
		Attempts:      3,
		FirstFailedAt: at,
		LastFailedAt:  at,
	}))

	rr := ts.do(t, http.MethodGet, "/dlq", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decode[[]resilience.DLQEntry](t, rr)
	require.Len(t, entries, 1)
	assert.Equal(t, 3, entries[0].Attempts)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/dlq/missing/replay", nil).Code)
}

func TestRoutes_ReplayPublishesReadyEpisode(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	putEpisode(t, ts.st, "run-1", model.EpisodeReady, 0.8)
	at := time.Now().UTC()
	require.NoError(t, ts.st.AppendDLQ(ctx, resilience.DLQEntry{
		OperationID:   "op-1",
		Operation:     "publish.submit",
		Payload:       []byte(`{"run_id":"run-1"}`),
		Error:         "publisher unavailable",
		ErrorKind:     "external_call_failure",
		Attempts:      3,
		FirstFailedAt: at,
		LastFailedAt:  at,
	}))

	rr := ts.do(t, http.MethodPost, "/dlq/op-1/replay", nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	ep, err := ts.st.GetEpisode(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodePublished, ep.Status)
	assert.Len(t, ts.pub.Submitted(), 1)

	depth, err := ts.st.CountDLQ(ctx, false)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestRoutes_RunExecutesInBackground(t *testing.T) {
	ts := newTestServer(t)
	seed(t, ts.wh, "hearts", 7, 10, func(k int) float64 { return float64(k) })
	seed(t, ts.wh, "packs", 7, 10, func(k int) float64 { return float64(2*k + 1) })

	rr := ts.do(t, http.MethodPost, "/runs", []byte(`{"run_id":"run-http"}`))
	require.Equal(t, http.StatusAccepted, rr.Code)
	resp := decode[map[string]string](t, rr)
	assert.Equal(t, "run-http", resp["run_id"])
	assert.Equal(t, "studio", resp["gating_key"])

	ts.srv.runs.Wait()

	ep, err := ts.st.GetEpisode(context.Background(), "run-http")
	require.NoError(t, err)
	assert.Equal(t, model.EpisodePublished, ep.Status)
	assert.Equal(t, model.SeriesChimera, ep.Series)

	audit, err := store.GetAudit(context.Background(), ts.st, "run-http")
	require.NoError(t, err)
	assert.NotEmpty(t, audit)
}

func TestRoutes_RunInvalidBody(t *testing.T) {
	rr := newTestServer(t).do(t, http.MethodPost, "/runs", []byte(`{not json`))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decode[map[string]string](t, rr)["error"], "invalid request body")
}

func TestRoutes_Metrics(t *testing.T) {
	rr := newTestServer(t).do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.True(t, strings.Contains(rr.Body.String(), "go_goroutines"))
}

func TestRoutes_CORSPreflight(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/episodes", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rr := httptest.NewRecorder()
	ts.handler.ServeHTTP(rr, req)

	assert.Equal(t, "https://ops.example.com", rr.Header().Get("Access-Control-Allow-Origin"))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("wrap: %w", store.ErrNotFound), http.StatusNotFound},
		{"no handler", resilience.ErrNoHandler, http.StatusNotFound},
		{"transition", model.ErrInvalidTransition, http.StatusConflict},
		{"replayed", resilience.ErrAlreadyReplayed, http.StatusConflict},
		{"malformed", resilience.MalformedPayload("op", errors.New("bad")), http.StatusBadRequest},
		{"unavailable", resilience.SourceUnavailable("op", errors.New("down")), http.StatusBadGateway},
		{"external", resilience.ExternalCallFailure("op", errors.New("down")), http.StatusBadGateway},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}
