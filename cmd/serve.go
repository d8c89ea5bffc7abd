package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/gate"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/monitoring"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the gate signal, episodes and DLQ over HTTP",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initGate(ctx, true)
		if err != nil {
			return err
		}
		defer env.Close()

		if cfg.Monitoring.Enabled {
			checker := monitoring.NewChecker(
				monitoring.NewCollector(env.Store),
				monitoring.NewAlerter(cfg.Monitoring),
				env.Sink,
				cfg.Monitoring,
			)
			go checker.Run(ctx)
		}

		srvState := newServer(ctx, env, cfg.Watcher.GatingKey)
		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvState.routes(cfg.Server.CORSOrigins),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}

		srvState.runs.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// server holds the state behind the HTTP routes.
type server struct {
	ctx        context.Context
	env        *gateEnv
	defaultKey string
	now        func() time.Time

	// runs tracks runs started by POST /runs.
	runs sync.WaitGroup
}

func newServer(ctx context.Context, env *gateEnv, defaultKey string) *server {
	return &server{ctx: ctx, env: env, defaultKey: defaultKey, now: time.Now}
}

func (s *server) routes(corsOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/ready", s.handleReady)
	r.Get("/gate", s.handleGate)
	r.Get("/freshness", s.handleFreshness)
	r.Get("/episodes", s.handleEpisodes)
	r.Get("/episodes/{runID}", s.handleEpisode)
	r.Post("/episodes/{runID}/promote", s.handlePromote)
	r.Get("/dlq", s.handleDLQ)
	r.Post("/dlq/{operationID}/replay", s.handleReplay)
	r.Post("/runs", s.handleRun)
	if s.env.Prometheus != nil {
		r.Method(http.MethodGet, "/metrics", s.env.Prometheus.Handler())
	}
	return r
}

func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.env.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) handleGate(w http.ResponseWriter, r *http.Request) {
	sig, err := loadGateSignal(r.Context(), s.env.Store, s.key(r), s.env.TokenTTL, s.now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sig)
}

func (s *server) handleFreshness(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 20)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.env.Store.ListFreshness(r.Context(), store.FreshnessFilter{
		GatingKey: r.URL.Query().Get("key"),
		Limit:     limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *server) handleEpisodes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(r, "offset", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	filter := store.EpisodeFilter{
		GatingKey: q.Get("key"),
		Series:    model.Series(q.Get("series")),
		Limit:     limit,
		Offset:    offset,
	}
	if status := q.Get("status"); status != "" {
		st, err := model.ParseEpisodeStatus(status)
		if err != nil {
			writeError(w, resilience.MalformedPayload("http.episodes", err))
			return
		}
		filter.Status = st
	}
	eps, err := s.env.Store.ListEpisodes(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *server) handleEpisode(w http.ResponseWriter, r *http.Request) {
	detail, err := loadEpisodeDetail(r.Context(), s.env.Store, chi.URLParam(r, "runID"), true)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *server) handlePromote(w http.ResponseWriter, r *http.Request) {
	var override model.Override
	if err := json.NewDecoder(r.Body).Decode(&override); err != nil {
		writeError(w, resilience.MalformedPayload("http.promote", err))
		return
	}
	ep, err := s.env.Coordinator.Promote(r.Context(), chi.URLParam(r, "runID"), override)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 50)
	if err != nil {
		writeError(w, err)
		return
	}
	entries, err := s.env.Store.ListDLQ(r.Context(), resilience.DLQFilter{
		Operation:       r.URL.Query().Get("operation"),
		IncludeReplayed: r.URL.Query().Get("all") == "true",
		Limit:           limit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleReplay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "operationID")
	if err := s.env.Replayer.Replay(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "replayed", "operation_id": id})
}

// handleRun accepts a run and executes it in the background.
func (s *server) handleRun(w http.ResponseWriter, r *http.Request) {
	var req gate.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, resilience.MalformedPayload("http.runs", eris.Wrap(err, "invalid request body")))
		return
	}
	if req.GatingKey == "" {
		req.GatingKey = s.defaultKey
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		rep, err := s.env.Coordinator.Run(s.ctx, req)
		if err != nil {
			zap.L().Error("run failed",
				zap.String("run_id", req.RunID),
				zap.String("gating_key", req.GatingKey),
				zap.Error(err),
			)
			return
		}
		fields := []zap.Field{zap.String("run_id", rep.RunID), zap.Bool("halted", rep.Halted)}
		if rep.Episode != nil {
			fields = append(fields, zap.Stringer("status", rep.Episode.Status), zap.Float64("confidence", rep.Episode.Confidence))
		}
		zap.L().Info("run complete", fields...)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":     "accepted",
		"run_id":     req.RunID,
		"gating_key": req.GatingKey,
	})
}

func (s *server) key(r *http.Request) string {
	if k := r.URL.Query().Get("key"); k != "" {
		return k
	}
	return s.defaultKey
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, resilience.MalformedPayload("http.query", eris.Errorf("invalid %s %q", name, raw))
	}
	return n, nil
}

// statusFor maps an error to an HTTP status code.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, resilience.ErrNoHandler):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, resilience.ErrAlreadyReplayed):
		return http.StatusConflict
	case resilience.IsKind(err, resilience.KindMalformedPayload):
		return http.StatusBadRequest
	case resilience.IsKind(err, resilience.KindSourceUnavailable), resilience.IsKind(err, resilience.KindExternalCallFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs each request through zap.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
