package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errTransient = ExternalCallFailure("submit", errors.New("bad gateway"))

func TestCircuitBreaker_ClosedState_PassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("publisher", DefaultBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("publisher", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute, Clock: clock})

	for range 3 {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	}
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open state, got %s", cb.State())
	}

	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called when circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("open circuit should be retryable")
	}
}

func TestCircuitBreaker_FatalErrorsDoNotTrip(t *testing.T) {
	cb := NewCircuitBreaker("warehouse", BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute})
	fatal := SchemaMismatch("latest_timestamp", errors.New("missing column"))

	for range 5 {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return fatal })
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed state, got %s", cb.State())
	}
	if cb.Failures() != 0 {
		t.Errorf("expected 0 failures, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := NewCircuitBreaker("publisher", BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	for range 2 {
		_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	}
	if cb.Failures() != 2 {
		t.Errorf("expected 2 failures, got %d", cb.Failures())
	}
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	if cb.Failures() != 0 {
		t.Errorf("expected failures reset, got %d", cb.Failures())
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("publisher", BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second, Clock: clock})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	clock.Advance(31 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe should pass: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := newFakeClock()
	cb := NewCircuitBreaker("publisher", BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second, Clock: clock})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	clock.Advance(11 * time.Second)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })

	if cb.State() != CircuitOpen {
		t.Errorf("expected reopened circuit, got %s", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	cb := NewCircuitBreaker("warehouse", BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Minute,
		OnStateChange: func(service string, from, to CircuitState) {
			mu.Lock()
			defer mu.Unlock()
			transitions = append(transitions, service+":"+from.String()+"->"+to.String())
		},
	})

	_ = cb.Execute(context.Background(), func(_ context.Context) error { return errTransient })
	cb.Reset()

	mu.Lock()
	defer mu.Unlock()
	want := []string{"warehouse:closed->open", "warehouse:open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("expected %v, got %v", want, transitions)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], transitions[i])
		}
	}
}

func TestServiceBreakers_GetReturnsSameBreaker(t *testing.T) {
	sb := NewServiceBreakers(DefaultBreakerConfig())
	a := sb.Get("publisher")
	b := sb.Get("publisher")
	if a != b {
		t.Error("expected the same breaker for the same service")
	}
	if sb.Get("warehouse") == a {
		t.Error("expected distinct breakers per service")
	}

	states := sb.States()
	if len(states) != 2 {
		t.Errorf("expected 2 states, got %d", len(states))
	}
}

func TestServiceBreakers_ConcurrentGet(t *testing.T) {
	sb := NewServiceBreakers(DefaultBreakerConfig())
	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sb.Get("publisher")
		}()
	}
	wg.Wait()
	if len(sb.States()) != 1 {
		t.Errorf("expected 1 breaker, got %d", len(sb.States()))
	}
}

func TestCircuitState_String(t *testing.T) {
	cases := map[CircuitState]string{
		CircuitClosed:    "closed",
		CircuitOpen:      "open",
		CircuitHalfOpen:  "half-open",
		CircuitState(42): "unknown",
	}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d: expected %s, got %s", int(s), want, s.String())
		}
	}
}
