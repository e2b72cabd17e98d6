package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func failN(cb *CircuitBreaker, n int) {
	for range n {
		_ = cb.Execute(context.Background(), func(_ context.Context) error {
			return errors.New("fail")
		})
	}
}

func TestCircuitBreaker_ClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker("classifier", DefaultCircuitBreakerConfig())

	var calls int
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 || cb.State() != CircuitClosed {
		t.Errorf("calls=%d state=%s", calls, cb.State())
	}
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker("forensics", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 3)

	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}
	err := cb.Execute(context.Background(), func(_ context.Context) error {
		t.Error("should not be called while open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute})
	failN(cb, 2)
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return nil })
	failN(cb, 2)

	if cb.State() != CircuitClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var transitions []string
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{
		FailureThreshold: 1,
		ResetTimeout:     10 * time.Second,
		OnStateChange: func(_ string, from, to CircuitState) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	if cb.State() != CircuitOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(11 * time.Second)
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("expected half-open after timeout, got %s", cb.State())
	}

	if err := cb.Execute(context.Background(), func(_ context.Context) error { return nil }); err != nil {
		t.Fatalf("probe failed: %v", err)
	}
	if cb.State() != CircuitClosed {
		t.Errorf("expected closed after probe, got %s", cb.State())
	}

	want := []string{"closed>open", "open>half-open", "half-open>closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: 10 * time.Second})
	cb.nowFunc = func() time.Time { return now }

	failN(cb, 1)
	now = now.Add(11 * time.Second)
	failN(cb, 1)

	if cb.State() != CircuitOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_ShouldTripFilters(t *testing.T) {
	notFound := errors.New("not found")
	cb := NewCircuitBreaker("x", CircuitBreakerConfig{
		FailureThreshold: 1,
		ShouldTrip:       func(err error) bool { return !errors.Is(err, notFound) },
	})
	_ = cb.Execute(context.Background(), func(_ context.Context) error { return notFound })

	if cb.State() != CircuitClosed {
		t.Errorf("filtered error should not trip, got %s", cb.State())
	}
}

func TestExecuteVal_ReturnsValue(t *testing.T) {
	cb := NewCircuitBreaker("x", DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(_ context.Context) (int, error) { return 42, nil })
	if err != nil || v != 42 {
		t.Errorf("got %d, %v", v, err)
	}
}

func TestServiceBreakers_PerName(t *testing.T) {
	sb := NewServiceBreakers(CircuitBreakerConfig{FailureThreshold: 1})

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = sb.Get("anthropic")
		}()
	}
	wg.Wait()

	if sb.Get("anthropic") != sb.Get("anthropic") {
		t.Error("expected the same breaker for the same name")
	}
	failN(sb.Get("http:forensics"), 1)

	states := sb.States()
	if states["anthropic"] != CircuitClosed || states["http:forensics"] != CircuitOpen {
		t.Errorf("unexpected states %v", states)
	}
}
