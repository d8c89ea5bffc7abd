package resilience

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DLQEntry is a terminally failed operation kept for an operator. Entries are
// append-only: a replay marks ReplayedAt but never removes the entry.
type DLQEntry struct {
	OperationID   string          `json:"operation_id"`
	Operation     string          `json:"operation"`
	Service       string          `json:"service,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Error         string          `json:"error"`
	ErrorKind     string          `json:"error_kind"`
	Attempts      int             `json:"attempts"`
	FirstFailedAt time.Time       `json:"first_failed_at"`
	LastFailedAt  time.Time       `json:"last_failed_at"`
	ReplayedAt    *time.Time      `json:"replayed_at,omitempty"`
}

// Replayed reports whether an operator has successfully replayed the entry.
func (e DLQEntry) Replayed() bool {
	return e.ReplayedAt != nil
}

// DLQFilter specifies criteria for listing dead-letter entries.
type DLQFilter struct {
	Operation       string `json:"operation,omitempty"`
	IncludeReplayed bool   `json:"include_replayed,omitempty"`
	Limit           int    `json:"limit,omitempty"`
}

// DLQWriter appends dead-letter entries.
type DLQWriter interface {
	AppendDLQ(ctx context.Context, entry DLQEntry) error
}

// DLQReader is the operator-facing side of the dead-letter queue.
type DLQReader interface {
	ListDLQ(ctx context.Context, filter DLQFilter) ([]DLQEntry, error)
	GetDLQ(ctx context.Context, operationID string) (*DLQEntry, error)
	MarkDLQReplayed(ctx context.Context, operationID string, at time.Time) error
}

// Operation identifies a retried call and carries the payload needed to
// replay it.
type Operation struct {
	ID      string
	Name    string
	Service string
	Payload json.RawMessage
}

// NewOperation builds an Operation with a fresh id, marshalling payload to JSON.
func NewOperation(name, service string, payload any) (Operation, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, MalformedPayload(name, eris.Wrap(err, "marshal operation payload"))
	}
	return Operation{
		ID:      uuid.NewString(),
		Name:    name,
		Service: service,
		Payload: raw,
	}, nil
}

// Executor binds a retry policy to a dead-letter queue and optional
// per-service circuit breakers.
type Executor struct {
	policy   Policy
	dlq      DLQWriter
	breakers *ServiceBreakers
}

// NewExecutor creates an Executor. breakers may be nil.
func NewExecutor(policy Policy, dlq DLQWriter, breakers *ServiceBreakers) *Executor {
	return &Executor{policy: policy.withDefaults(), dlq: dlq, breakers: breakers}
}

// Policy returns the executor's effective retry policy.
func (e *Executor) Policy() Policy {
	return e.policy
}

// Do runs fn under the retry policy. When the budget is exhausted it appends
// exactly one DLQEntry with the operation payload, last error and attempt
// count, then returns the *ExhaustedError. Fatal errors and context
// cancellation return without a DLQ write.
func (e *Executor) Do(ctx context.Context, op Operation, fn func(ctx context.Context) error) error {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}

	p := e.policy
	if p.OnRetry == nil {
		p.OnRetry = RetryLogger(op.Service, op.Name)
	}

	call := fn
	if e.breakers != nil && op.Service != "" {
		cb := e.breakers.Get(op.Service)
		call = func(ctx context.Context) error {
			return cb.Execute(ctx, fn)
		}
	}

	state := &RetryableOperation{OperationID: op.ID, Payload: op.Payload}
	err := run(ctx, p, state, call)
	if err == nil {
		return nil
	}
	return e.DeadLetter(ctx, op, err)
}

// DeadLetter appends one DLQEntry for op when err carries an *ExhaustedError,
// which covers operations retried outside the executor. Any other error is
// returned untouched with no write. The returned error always wraps err.
func (e *Executor) DeadLetter(ctx context.Context, op Operation, err error) error {
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		return err
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	log := zap.L().With(
		zap.String("operation", op.Name),
		zap.String("operation_id", op.ID),
	)

	now := e.policy.Clock.Now()
	first := exhausted.FirstFailedAt
	if first.IsZero() {
		first = now
	}
	entry := DLQEntry{
		OperationID:   op.ID,
		Operation:     op.Name,
		Service:       op.Service,
		Payload:       op.Payload,
		Error:         exhausted.Last.Error(),
		ErrorKind:     kindName(exhausted.Last),
		Attempts:      exhausted.Attempts,
		FirstFailedAt: first,
		LastFailedAt:  now,
	}
	if e.dlq == nil {
		log.Error("retries exhausted with no dead-letter queue configured", zap.Error(err))
		return err
	}
	// The DLQ write must survive a cancelled caller.
	if dlqErr := e.dlq.AppendDLQ(context.WithoutCancel(ctx), entry); dlqErr != nil {
		log.Error("failed to write dead-letter entry", zap.Error(dlqErr), zap.NamedError("last_error", exhausted.Last))
		return eris.Wrapf(err, "dead-letter write failed: %v", dlqErr)
	}
	log.Warn("operation dead-lettered",
		zap.Int("attempts", exhausted.Attempts),
		zap.String("error_kind", entry.ErrorKind),
		zap.Error(exhausted.Last),
	)
	return err
}

// ExecVal is like Executor.Do but preserves a return value.
func ExecVal[T any](ctx context.Context, e *Executor, op Operation, fn func(ctx context.Context) (T, error)) (T, error) {
	var val T
	err := e.Do(ctx, op, func(ctx context.Context) error {
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

func kindName(err error) string {
	if k := KindOf(err); k != 0 {
		return k.String()
	}
	return "unclassified"
}

// ReplayHandler re-executes a dead-lettered operation from its payload.
type ReplayHandler func(ctx context.Context, payload json.RawMessage) error

// ErrNoHandler is returned when no replay handler is registered for an operation.
var ErrNoHandler = eris.New("no replay handler registered")

// ErrAlreadyReplayed is returned when replaying an entry that already succeeded.
var ErrAlreadyReplayed = eris.New("dead-letter entry already replayed")

// Replayer is the operator tool for dead-lettered operations. It never runs
// on its own; every replay is an explicit call.
type Replayer struct {
	dlq      DLQReader
	clock    Clock
	mu       sync.RWMutex
	handlers map[string]ReplayHandler
}

// NewReplayer creates a Replayer over the given DLQ.
func NewReplayer(dlq DLQReader, clock Clock) *Replayer {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Replayer{dlq: dlq, clock: clock, handlers: make(map[string]ReplayHandler)}
}

// Register binds a handler to an operation name.
func (r *Replayer) Register(operation string, h ReplayHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = h
}

// Replay runs the handler for the entry once. On success the entry is marked
// replayed; on failure it is left untouched and the handler error returned.
func (r *Replayer) Replay(ctx context.Context, operationID string) error {
	entry, err := r.dlq.GetDLQ(ctx, operationID)
	if err != nil {
		return eris.Wrapf(err, "replay: get %s", operationID)
	}
	if entry.Replayed() {
		return eris.Wrapf(ErrAlreadyReplayed, "replay: %s at %s", operationID, entry.ReplayedAt.Format(time.RFC3339))
	}

	r.mu.RLock()
	h, ok := r.handlers[entry.Operation]
	r.mu.RUnlock()
	if !ok {
		return eris.Wrapf(ErrNoHandler, "replay: operation %q", entry.Operation)
	}

	if err := h(ctx, entry.Payload); err != nil {
		zap.L().Warn("dead-letter replay failed",
			zap.String("operation_id", operationID),
			zap.String("operation", entry.Operation),
			zap.Error(err),
		)
		return eris.Wrapf(err, "replay: %s", operationID)
	}

	if err := r.dlq.MarkDLQReplayed(ctx, operationID, r.clock.Now()); err != nil {
		return eris.Wrapf(err, "replay: mark %s", operationID)
	}
	zap.L().Info("dead-letter entry replayed",
		zap.String("operation_id", operationID),
		zap.String("operation", entry.Operation),
	)
	return nil
}
