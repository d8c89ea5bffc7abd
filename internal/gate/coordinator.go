// Package gate composes the freshness check, the confidence engine, the write
// layer and the publisher into one gated run.
package gate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/artifact"
	"github.com/sells-group/muse-gate/internal/confidence"
	"github.com/sells-group/muse-gate/internal/freshness"
	"github.com/sells-group/muse-gate/internal/metrics"
	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/publish"
	"github.com/sells-group/muse-gate/internal/resilience"
	"github.com/sells-group/muse-gate/internal/store"
)

// Dead-letter operation names.
const (
	// OpPublishSubmit is an episode submission to the publisher.
	OpPublishSubmit = "publish.submit"
	// OpGateRun is a whole run whose warehouse reads exhausted their retries.
	OpGateRun = "gate.run"
)

const (
	publisherService = "publisher"
	warehouseService = "warehouse"
)

// Checker runs a freshness check.
type Checker interface {
	Check(ctx context.Context, req freshness.CheckRequest) (*freshness.Report, error)
}

// Scorer computes the confidence of the trailing window for a gating key.
type Scorer interface {
	Compute(ctx context.Context, gatingKey string) (*confidence.Result, error)
}

// RunRequest starts one gated run.
type RunRequest struct {
	GatingKey string `json:"gating_key"`
	// RunID is generated when empty. Re-running an id keeps its episode number.
	RunID string `json:"run_id,omitempty"`
	// Bootstrap lets sources with no history pass as degraded.
	Bootstrap bool `json:"bootstrap,omitempty"`
	// Body is an optional markdown artifact for the episode.
	Body string `json:"body,omitempty"`
}

// RunReport is everything a run decided.
type RunReport struct {
	RunID     string                      `json:"run_id"`
	Token     *freshness.GateToken        `json:"token,omitempty"`
	Freshness *model.FreshnessCheckResult `json:"freshness,omitempty"`
	Score     *confidence.Result          `json:"score,omitempty"`
	Episode   *model.Episode              `json:"episode,omitempty"`
	Artifact  *artifact.Document          `json:"artifact,omitempty"`
	Audit     []model.AuditEntry          `json:"audit"`
	// Halted is set when the gate was closed and nothing past it ran.
	Halted bool `json:"halted"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSink sets the metrics sink.
func WithSink(s metrics.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithPollOptions bounds deployment status polling.
func WithPollOptions(p publish.PollOptions) Option {
	return func(c *Coordinator) { c.poll = p }
}

// WithDegradedAutoPublish lets a degraded gate produce ready episodes.
func WithDegradedAutoPublish(v bool) Option {
	return func(c *Coordinator) { c.degradedAutoPublish = v }
}

// Coordinator runs the gate pipeline. It keeps no state between runs beyond
// what it persists.
type Coordinator struct {
	checker   Checker
	scorer    Scorer
	store     store.Store
	publisher publish.Publisher
	exec      *resilience.Executor

	sink                metrics.Sink
	now                 func() time.Time
	poll                publish.PollOptions
	degradedAutoPublish bool
	versions            *store.Versioner
}

// NewCoordinator wires the stages together. exec carries the retry policy
// and dead-letter queue used for publisher submissions.
func NewCoordinator(checker Checker, scorer Scorer, st store.Store, pub publish.Publisher, exec *resilience.Executor, opts ...Option) *Coordinator {
	c := &Coordinator{
		checker:   checker,
		scorer:    scorer,
		store:     st,
		publisher: pub,
		exec:      exec,
		sink:      metrics.Noop{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.versions = store.NewVersioner(c.now)
	return c
}

// Run executes one gated run. A closed gate halts the run with a report and
// no error. When publishing fails the report is returned alongside the error.
//
// Re-running a run id never rewinds its episode: a published, failed or
// already submitted episode is returned as stored, and any other episode
// changes status only through its lifecycle rules. The audit trail of the
// run id is extended, never replaced. When the warehouse reads exhaust their
// retries the run is dead-lettered as OpGateRun.
func (c *Coordinator) Run(ctx context.Context, req RunRequest) (*RunReport, error) {
	return c.run(ctx, req, true)
}

func (c *Coordinator) run(ctx context.Context, req RunRequest, deadLetter bool) (*RunReport, error) {
	if req.GatingKey == "" {
		return nil, resilience.MalformedPayload("gate.run", eris.New("gating key is required"))
	}
	if req.RunID == "" {
		req.RunID = uuid.NewString()
	}
	rep := &RunReport{RunID: req.RunID}
	log := zap.L().With(
		zap.String("component", "gate"),
		zap.String("run_id", req.RunID),
		zap.String("gating_key", req.GatingKey),
	)

	prior, err := c.priorEpisode(ctx, req.RunID)
	if err != nil {
		return rep, err
	}
	trail, err := c.loadTrail(ctx, req.RunID)
	if err != nil {
		return rep, err
	}

	if prior != nil && settled(prior) {
		rep.Episode = prior
		trail.add(model.StagePersist, prior.Status.String(), "rerun_skipped",
			map[string]any{"version": prior.Version, "handle": prior.DeploymentHandle})
		log.Info("rerun of settled episode skipped", zap.Stringer("status", prior.Status))
		c.finish(ctx, rep, trail, prior.Status.String())
		return rep, nil
	}

	fr, err := c.checker.Check(ctx, freshness.CheckRequest{RunID: req.RunID, GatingKey: req.GatingKey, Bootstrap: req.Bootstrap})
	if err != nil {
		err = c.readFailed(ctx, req, trail, model.StageFreshness, err, deadLetter)
		c.finish(ctx, rep, trail, "error")
		return rep, eris.Wrap(err, "gate: freshness check")
	}
	rep.Token = fr.Token
	rep.Freshness = &fr.Result

	gateStatus, reason := freshness.Admit(fr.Token, c.now())
	trail.add(model.StageFreshness, gateStatus.String(), string(reason), freshnessObserved(&fr.Result))
	log.Info("gate stage decided",
		zap.String("stage", string(model.StageFreshness)),
		zap.String("decision", gateStatus.String()),
		zap.String("reason", string(reason)),
		zap.Float64("lag_seconds", fr.Result.MaxLag),
	)
	if !gateStatus.Open() {
		rep.Halted = true
		c.finish(ctx, rep, trail, gateStatus.String())
		return rep, nil
	}

	res, err := c.scorer.Compute(ctx, req.GatingKey)
	if err != nil {
		err = c.readFailed(ctx, req, trail, model.StageConfidence, err, deadLetter)
		c.finish(ctx, rep, trail, "error")
		return rep, eris.Wrap(err, "gate: confidence")
	}
	rep.Score = res

	status, why := decideStatus(res, gateStatus, c.degradedAutoPublish)
	trail.add(model.StageConfidence, status.String(), why, confidenceObserved(res))
	log.Info("gate stage decided",
		zap.String("stage", string(model.StageConfidence)),
		zap.String("decision", status.String()),
		zap.String("reason", why),
	)

	ep, held, err := c.persistEpisode(ctx, req, prior, res, status, gateStatus)
	if err != nil {
		trail.add(model.StagePersist, "error", "", map[string]any{"error": err.Error()})
		c.finish(ctx, rep, trail, "error")
		return rep, err
	}
	rep.Episode = ep
	observed := map[string]any{"series": string(ep.Series), "episode_number": ep.Number, "version": ep.Version}
	if req.Body != "" {
		doc, added := artifact.Prepare(ep, req.Body)
		rep.Artifact = doc
		observed["caveat_added"] = added
	}
	persistReason := ep.Title
	if held != "" {
		persistReason = held
		log.Info("rerun kept episode status", zap.Stringer("status", ep.Status), zap.String("decided", status.String()))
	}
	trail.add(model.StagePersist, ep.Status.String(), persistReason, observed)

	var pubErr error
	if ep.Status == model.EpisodeReady && held == "" {
		pubErr = c.deliver(ctx, ep, trail, c.submitWithRetry)
	}
	c.finish(ctx, rep, trail, ep.Status.String())
	return rep, pubErr
}

// settled reports whether a rerun must leave the episode alone.
func settled(ep *model.Episode) bool {
	switch ep.Status {
	case model.EpisodePublished, model.EpisodeFailed:
		return true
	case model.EpisodeReady:
		return ep.DeploymentHandle != ""
	default:
		return false
	}
}

func (c *Coordinator) priorEpisode(ctx context.Context, runID string) (*model.Episode, error) {
	ep, err := c.store.GetEpisode(ctx, runID)
	switch {
	case err == nil:
		return ep, nil
	case errors.Is(err, store.ErrNotFound):
		return nil, nil
	default:
		return nil, eris.Wrapf(err, "gate: load episode %s", runID)
	}
}

// readFailed records a failed warehouse stage. Exhausted retries are
// dead-lettered with the run request as payload when deadLetter is set.
func (c *Coordinator) readFailed(ctx context.Context, req RunRequest, trail *auditTrail, stage model.Stage, err error, deadLetter bool) error {
	observed := map[string]any{"error": err.Error()}
	decision := "error"
	var exhausted *resilience.ExhaustedError
	if deadLetter && errors.As(err, &exhausted) {
		op, opErr := resilience.NewOperation(OpGateRun, warehouseService, req)
		if opErr != nil {
			trail.add(stage, decision, resilience.KindOf(err).String(), observed)
			return opErr
		}
		decision = "dead_lettered"
		observed["attempts"] = exhausted.Attempts
		observed["operation_id"] = op.ID
		err = c.exec.DeadLetter(ctx, op, err)
		c.sink.EmitCounter("gate.dead_lettered", map[string]string{"stage": string(stage)})
	}
	trail.add(stage, decision, resilience.KindOf(err).String(), observed)
	return err
}

// decideStatus applies the degraded-gate rule on top of the engine decision.
func decideStatus(res *confidence.Result, gate model.GateStatus, degradedAutoPublish bool) (model.EpisodeStatus, string) {
	cmp := ">="
	if res.Score.Final < res.Threshold {
		cmp = "<"
	}
	why := fmt.Sprintf("final %.2f %s threshold %.2f", res.Score.Final, cmp, res.Threshold)
	if res.Status == model.EpisodeReady && gate == model.GateDegraded && !degradedAutoPublish {
		return model.EpisodeDraft, why + "; gate degraded"
	}
	return res.Status, why
}

// persistEpisode writes the run's episode. A prior episode is updated in
// place; when the new decision is a status the lifecycle does not allow from
// the prior one, the prior episode is returned unchanged with a non-empty
// held reason.
func (c *Coordinator) persistEpisode(ctx context.Context, req RunRequest, prior *model.Episode, res *confidence.Result, status model.EpisodeStatus, gate model.GateStatus) (*model.Episode, string, error) {
	ep := prior
	if prior == nil {
		ep = &model.Episode{
			RunID:     req.RunID,
			GatingKey: req.GatingKey,
			Status:    status,
			CreatedAt: c.now().UTC(),
		}
	} else if prior.Status != status {
		next := *prior
		if err := next.Transition(status, nil); err != nil {
			return prior, fmt.Sprintf("rerun decided %s, kept %s", status, prior.Status), nil
		}
		ep = &next
	}

	if prior == nil || prior.Series != res.Series {
		n, err := c.store.NextEpisodeNumber(ctx, res.Series)
		if err != nil {
			return nil, "", eris.Wrap(err, "gate: next episode number")
		}
		ep.Number = n
	}
	ep.Series = res.Series
	ep.WindowStart = res.Window.Start
	ep.WindowEnd = res.Window.End
	ep.Score = res.Score
	ep.Confidence = res.Score.Final
	ep.CorrelationStrength = res.Score.CorrelationStrength
	ep.Threshold = res.Threshold
	ep.GateStatus = gate
	ep.Title = confidence.Title(ep.Series, ep.Number, ep.Confidence)
	ep.Caveat = ""
	if ep.Status == model.EpisodeDraft {
		ep.Caveat = artifact.RenderCaveat(ep.Score, ep.Threshold)
	}
	if err := c.save(ctx, ep); err != nil {
		return nil, "", err
	}
	return ep, "", nil
}

func (c *Coordinator) save(ctx context.Context, ep *model.Episode) error {
	ep.Version = c.versions.Next()
	ep.UpdatedAt = c.now().UTC()
	if _, err := c.store.PutEpisode(ctx, ep); err != nil {
		return eris.Wrapf(err, "gate: persist episode %s", ep.RunID)
	}
	return nil
}

type submitFunc func(ctx context.Context, ep *model.Episode) (string, error)

type publishPayload struct {
	RunID string `json:"run_id"`
}

func (c *Coordinator) submitWithRetry(ctx context.Context, ep *model.Episode) (string, error) {
	op, err := resilience.NewOperation(OpPublishSubmit, publisherService, publishPayload{RunID: ep.RunID})
	if err != nil {
		return "", err
	}
	return resilience.ExecVal(ctx, c.exec, op, func(ctx context.Context) (string, error) {
		return c.publisher.Submit(ctx, ep)
	})
}

func (c *Coordinator) submitOnce(ctx context.Context, ep *model.Episode) (string, error) {
	return c.publisher.Submit(ctx, ep)
}

// deliver submits a ready episode (unless a deployment is already in flight)
// and waits for a terminal state. Exhausted retries leave the episode ready
// with a dead-letter entry; a fatal submit or failed deployment marks it failed.
func (c *Coordinator) deliver(ctx context.Context, ep *model.Episode, trail *auditTrail, submit submitFunc) error {
	tags := map[string]string{"gating_key": ep.GatingKey, "series": string(ep.Series)}
	log := zap.L().With(zap.String("component", "gate"), zap.String("run_id", ep.RunID))

	if ep.DeploymentHandle == "" {
		handle, err := submit(ctx, ep)
		var exhausted *resilience.ExhaustedError
		switch {
		case err == nil:
			ep.DeploymentHandle = handle
			if err := c.save(ctx, ep); err != nil {
				return err
			}
		case errors.As(err, &exhausted):
			c.sink.EmitCounter("publish.dead_lettered", tags)
			trail.add(model.StagePublish, "dead_lettered", resilience.KindOf(err).String(),
				map[string]any{"attempts": exhausted.Attempts, "error": exhausted.Last.Error()})
			return eris.Wrap(err, "gate: submit episode")
		case ctx.Err() != nil:
			trail.add(model.StagePublish, "cancelled", "", map[string]any{"error": err.Error()})
			return eris.Wrap(err, "gate: submit episode")
		default:
			c.sink.EmitCounter("publish.failure", tags)
			trail.add(model.StagePublish, model.EpisodeFailed.String(), resilience.KindOf(err).String(), map[string]any{"error": err.Error()})
			if terr := c.markFailed(ctx, ep); terr != nil {
				return terr
			}
			return eris.Wrap(err, "gate: submit episode")
		}
		log.Info("episode submitted", zap.String("handle", ep.DeploymentHandle))
	}

	status, err := publish.WaitTerminal(ctx, c.publisher, ep.DeploymentHandle, c.poll)
	if err != nil {
		trail.add(model.StagePublish, "pending", "poll_incomplete", map[string]any{"handle": ep.DeploymentHandle, "error": err.Error()})
		return eris.Wrap(err, "gate: wait for deployment")
	}

	observed := map[string]any{"handle": ep.DeploymentHandle}
	if status == publish.StatusFailed {
		c.sink.EmitCounter("publish.failure", tags)
		trail.add(model.StagePublish, model.EpisodeFailed.String(), "deployment_failed", observed)
		return c.markFailed(ctx, ep)
	}
	if err := ep.Transition(model.EpisodePublished, nil); err != nil {
		return eris.Wrapf(err, "gate: publish %s", ep.RunID)
	}
	if err := c.save(ctx, ep); err != nil {
		return err
	}
	c.sink.EmitCounter("publish.success", tags)
	trail.add(model.StagePublish, model.EpisodePublished.String(), "deployment_succeeded", observed)
	log.Info("episode published", zap.String("title", ep.Title), zap.String("handle", ep.DeploymentHandle))
	return nil
}

func (c *Coordinator) markFailed(ctx context.Context, ep *model.Episode) error {
	if err := ep.Transition(model.EpisodeFailed, nil); err != nil {
		return eris.Wrapf(err, "gate: fail %s", ep.RunID)
	}
	return c.save(ctx, ep)
}

// Promote records an operator override and moves a draft to ready.
func (c *Coordinator) Promote(ctx context.Context, runID string, override model.Override) (*model.Episode, error) {
	if override.Actor == "" || override.Reason == "" {
		return nil, resilience.MalformedPayload("gate.promote", eris.New("override actor and reason are required"))
	}
	if override.RecordedAt.IsZero() {
		override.RecordedAt = c.now().UTC()
	}
	ep, err := c.store.GetEpisode(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: promote %s", runID)
	}
	if err := ep.Transition(model.EpisodeReady, &override); err != nil {
		return nil, eris.Wrapf(err, "gate: promote %s", runID)
	}
	if err := c.save(ctx, ep); err != nil {
		return nil, err
	}

	trail, err := c.loadTrail(ctx, runID)
	if err != nil {
		return nil, err
	}
	trail.add(model.StageConfidence, model.EpisodeReady.String(), "operator override",
		map[string]any{"actor": override.Actor, "override_reason": override.Reason, "final": ep.Confidence, "threshold": ep.Threshold})
	if err := c.saveTrail(ctx, runID, trail); err != nil {
		return nil, err
	}
	zap.L().Info("episode promoted",
		zap.String("component", "gate"),
		zap.String("run_id", runID),
		zap.String("actor", override.Actor),
		zap.Float64("final", ep.Confidence),
	)
	return ep, nil
}

// Publish submits an existing ready episode through the retry executor.
func (c *Coordinator) Publish(ctx context.Context, runID string) (*model.Episode, error) {
	return c.publishStored(ctx, runID, c.submitWithRetry)
}

func (c *Coordinator) publishStored(ctx context.Context, runID string, submit submitFunc) (*model.Episode, error) {
	ep, err := c.store.GetEpisode(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "gate: publish %s", runID)
	}
	if ep.Status != model.EpisodeReady {
		return ep, eris.Wrapf(model.ErrInvalidTransition, "gate: publish %s: episode is %s", runID, ep.Status)
	}
	trail, err := c.loadTrail(ctx, runID)
	if err != nil {
		return nil, err
	}
	pubErr := c.deliver(ctx, ep, trail, submit)
	if err := c.saveTrail(ctx, runID, trail); err != nil && pubErr == nil {
		pubErr = err
	}
	return ep, pubErr
}

// RegisterReplay binds the dead-letter operations to r. A submit replay
// submits once, without another retry budget, so a failed replay leaves the
// original dead-letter entry as the only record. A run replay runs the gate
// again without dead-lettering a second time; it counts as replayed once the
// episode is persisted, since a publish failure past that point has its own
// record.
func (c *Coordinator) RegisterReplay(r *resilience.Replayer) {
	r.Register(OpPublishSubmit, func(ctx context.Context, payload json.RawMessage) error {
		var p publishPayload
		if err := json.Unmarshal(payload, &p); err != nil || p.RunID == "" {
			return resilience.MalformedPayload("replay "+OpPublishSubmit, eris.Errorf("bad payload %s", string(payload)))
		}
		ep, err := c.publishStored(ctx, p.RunID, c.submitOnce)
		if err != nil && ep != nil && ep.Status == model.EpisodePublished {
			return nil
		}
		return err
	})
	r.Register(OpGateRun, func(ctx context.Context, payload json.RawMessage) error {
		var req RunRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.GatingKey == "" || req.RunID == "" {
			return resilience.MalformedPayload("replay "+OpGateRun, eris.Errorf("bad payload %s", string(payload)))
		}
		rep, err := c.run(ctx, req, false)
		if err != nil && rep != nil && rep.Episode != nil {
			zap.L().Warn("replayed run persisted its episode but did not publish",
				zap.String("run_id", req.RunID), zap.Error(err))
			return nil
		}
		return err
	})
}

// finish persists the audit trail; failures are logged, never returned, so
// the run outcome stays the caller's error.
func (c *Coordinator) finish(ctx context.Context, rep *RunReport, t *auditTrail, outcome string) {
	rep.Audit = t.entries
	if err := c.saveTrail(ctx, rep.RunID, t); err != nil {
		zap.L().Error("gate: persist audit failed", zap.String("run_id", rep.RunID), zap.Error(err))
	}
	c.sink.EmitCounter("gate.run", map[string]string{"outcome": outcome})
}

func (c *Coordinator) loadTrail(ctx context.Context, runID string) (*auditTrail, error) {
	t := newTrail(runID, c.now)
	entries, err := store.GetAudit(ctx, c.store, runID)
	switch {
	case err == nil:
		t.entries = entries
	case !errors.Is(err, store.ErrNotFound):
		return nil, eris.Wrapf(err, "gate: load audit %s", runID)
	}
	return t, nil
}

func (c *Coordinator) saveTrail(ctx context.Context, runID string, t *auditTrail) error {
	_, err := store.PutAudit(context.WithoutCancel(ctx), c.store, runID, c.versions.Next(), t.entries)
	return err
}
