// Package publish hands ready episodes to the deploy collaborator and waits
// for a terminal deployment status.
package publish

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/muse-gate/internal/model"
	"github.com/sells-group/muse-gate/internal/resilience"
)

// Status is the deployment state reported by a publisher.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status ends polling.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// ParseStatus maps a collaborator status string to a Status. Unknown values
// are reported as pending so the poller keeps waiting until its deadline.
func ParseStatus(s string) Status {
	switch s {
	case "succeeded", "success", "ready", "published", "completed":
		return StatusSucceeded
	case "failed", "error", "canceled", "cancelled":
		return StatusFailed
	default:
		return StatusPending
	}
}

// Publisher submits an episode and reports on the resulting deployment.
type Publisher interface {
	// Submit starts a deployment and returns its handle.
	Submit(ctx context.Context, ep *model.Episode) (string, error)
	// PollStatus returns the current status of a deployment.
	PollStatus(ctx context.Context, handle string) (Status, error)
}

// ErrPollDeadline is returned when a deployment is still pending at the
// polling deadline.
var ErrPollDeadline = eris.New("publish: deployment did not reach a terminal status")

const (
	defaultPollInterval = 10 * time.Second
	defaultPollDeadline = 10 * time.Minute
)

// PollOptions bound WaitTerminal.
type PollOptions struct {
	Interval time.Duration
	// Deadline applies only when ctx has no deadline of its own.
	Deadline time.Duration
	// Clock supplies Sleep. Default: resilience.SystemClock.
	Clock resilience.Clock
}

// WaitTerminal polls handle until the deployment succeeds, fails, or the
// deadline passes. Transient poll errors are logged and polling continues;
// fatal ones are returned.
func WaitTerminal(ctx context.Context, p Publisher, handle string, opts PollOptions) (Status, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultPollInterval
	}
	if opts.Deadline <= 0 {
		opts.Deadline = defaultPollDeadline
	}
	if opts.Clock == nil {
		opts.Clock = resilience.SystemClock{}
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}

	log := zap.L().With(zap.String("component", "publish"), zap.String("handle", handle))
	for polls := 1; ; polls++ {
		status, err := p.PollStatus(ctx, handle)
		switch {
		case err == nil && status.Terminal():
			log.Info("deployment terminal", zap.String("status", string(status)), zap.Int("polls", polls))
			return status, nil
		case err != nil && ctx.Err() != nil:
			return StatusPending, eris.Wrapf(ErrPollDeadline, "handle %s after %d polls: %v", handle, polls, err)
		case err != nil && !resilience.IsRetryable(err):
			return StatusPending, eris.Wrapf(err, "publish: poll %s", handle)
		case err != nil:
			log.Warn("deployment poll failed", zap.Int("polls", polls), zap.Error(err))
		}

		if err := opts.Clock.Sleep(ctx, opts.Interval); err != nil {
			return StatusPending, eris.Wrapf(ErrPollDeadline, "handle %s after %d polls", handle, polls)
		}
	}
}
