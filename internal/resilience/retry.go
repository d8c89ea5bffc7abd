package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Clock abstracts time so tests can run retry loops without sleeping.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// Sleep waits on a timer or the context.
func (SystemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// JitterFunc returns the jitter to add to a computed backoff delay.
type JitterFunc func(delay time.Duration) time.Duration

// FractionJitter returns a JitterFunc adding uniform jitter in
// [-fraction*delay, +fraction*delay].
func FractionJitter(fraction float64) JitterFunc {
	return func(delay time.Duration) time.Duration {
		if fraction <= 0 {
			return 0
		}
		jitterRange := float64(delay) * fraction
		return time.Duration((rand.Float64()*2 - 1) * jitterRange)
	}
}

// NoJitter is a JitterFunc that adds nothing.
func NoJitter(time.Duration) time.Duration { return 0 }

// Policy is an injectable retry policy value: the delay before retry n is
// BaseDelay * Multiplier^(n-1), capped at MaxDelay, plus Jitter.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first. Default: 3.
	MaxAttempts int

	// BaseDelay is the delay before the first retry. Default: 1s.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 30s.
	MaxDelay time.Duration

	// Multiplier scales the delay after each attempt. Default: 2.0.
	Multiplier float64

	// Jitter is added to each computed delay. Default: FractionJitter(0.25).
	Jitter JitterFunc

	// AttemptTimeout bounds each attempt. A timed-out attempt is retryable.
	// Zero means no per-attempt timeout.
	AttemptTimeout time.Duration

	// Clock supplies Now and Sleep. Default: SystemClock.
	Clock Clock

	// ShouldRetry overrides IsRetryable.
	ShouldRetry func(err error) bool

	// OnRetry is called before each retry sleep.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the policy used for warehouse and publisher calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		BaseDelay:      1 * time.Second,
		MaxDelay:       30 * time.Second,
		Multiplier:     2.0,
		Jitter:         FractionJitter(0.25),
		AttemptTimeout: 30 * time.Second,
		Clock:          SystemClock{},
	}
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 1 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	if p.Jitter == nil {
		p.Jitter = FractionJitter(0.25)
	}
	if p.Clock == nil {
		p.Clock = SystemClock{}
	}
	if p.ShouldRetry == nil {
		p.ShouldRetry = IsRetryable
	}
	return p
}

// Backoff returns the delay to wait after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	d := time.Duration(delay) + p.Jitter(time.Duration(delay))
	if d < 0 {
		d = 0
	}
	return d
}

// ErrExhausted marks a terminal failure after the retry budget ran out.
var ErrExhausted = eris.New("retry budget exhausted")

// ExhaustedError carries the final attempt count and last error.
type ExhaustedError struct {
	Attempts      int
	Last          error
	FirstFailedAt time.Time
}

func (e *ExhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.Last.Error()
}

// Unwrap exposes both the sentinel and the last underlying error.
func (e *ExhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.Last}
}

// RetryableOperation is the in-flight state of one retried call. It exists for
// the duration of the retry loop only.
type RetryableOperation struct {
	OperationID   string
	AttemptCount  int
	NextRetryAt   time.Time
	FirstFailedAt time.Time
	Payload       []byte
	LastError     error
}

// Do executes fn with retries according to p. Non-retryable errors return
// immediately without consuming budget. Context cancellation stops retries
// and returns the context error. After MaxAttempts retryable failures it
// returns an *ExhaustedError.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	state := &RetryableOperation{}
	return run(ctx, p, state, fn)
}

// DoVal is like Do but preserves the value returned by the successful call.
func DoVal[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var val T
	err := Do(ctx, p, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		val = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return val, nil
}

func run(ctx context.Context, p Policy, state *RetryableOperation, fn func(ctx context.Context) error) error {
	p = p.withDefaults()

	for {
		if err := ctx.Err(); err != nil {
			if state.LastError != nil {
				return eris.Wrap(err, state.LastError.Error())
			}
			return err
		}

		state.AttemptCount++
		err := attempt(ctx, p, fn)
		if err == nil {
			return nil
		}
		state.LastError = err
		if state.FirstFailedAt.IsZero() {
			state.FirstFailedAt = p.Clock.Now()
		}

		// Parent cancellation is not a retryable failure.
		if ctx.Err() != nil {
			return err
		}

		if !p.ShouldRetry(err) {
			return err
		}

		if state.AttemptCount >= p.MaxAttempts {
			return &ExhaustedError{Attempts: state.AttemptCount, Last: err, FirstFailedAt: state.FirstFailedAt}
		}

		delay := p.Backoff(state.AttemptCount)
		state.NextRetryAt = p.Clock.Now().Add(delay)
		if p.OnRetry != nil {
			p.OnRetry(state.AttemptCount, delay, err)
		}
		if err := p.Clock.Sleep(ctx, delay); err != nil {
			return eris.Wrap(err, state.LastError.Error())
		}
	}
}

func attempt(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := fn(attemptCtx)
	if err == nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil
	}
	if err != nil && ctx.Err() == nil && attemptCtx.Err() == context.DeadlineExceeded {
		return eris.Wrapf(context.DeadlineExceeded, "attempt timed out after %s: %v", p.AttemptTimeout, err)
	}
	return err
}

// RetryLogger returns an OnRetry callback that logs each retry attempt.
func RetryLogger(service, operation string) func(int, time.Duration, error) {
	return func(attempt int, delay time.Duration, err error) {
		zap.L().Warn("retrying operation",
			zap.String("service", service),
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
	}
}
