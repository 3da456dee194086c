package resilience

import (
	"errors"
	"testing"
	"time"
)

var errSepDown = errors.New("separation backend unavailable")

func TestCircuitBreakerDefaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "separation"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerClosedPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "separation", MaxFailures: 3})

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("fn was not called")
	}
}

func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "separation",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	for range 3 {
		_ = cb.Execute(func() error { return errSepDown })
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failures", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "separation", MaxFailures: 3})

	_ = cb.Execute(func() error { return errSepDown })
	_ = cb.Execute(func() error { return errSepDown })
	_ = cb.Execute(func() error { return nil })
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after intervening success", cb.State())
	}

	_ = cb.Execute(func() error { return errSepDown })
	_ = cb.Execute(func() error { return errSepDown })
	if cb.State() != StateClosed {
		t.Fatal("two failures after a success must not trip a 3-failure breaker")
	}
}

func TestCircuitBreakerHalfOpenAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "separation",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(func() error { return errSepDown })
	_ = cb.Execute(func() error { return errSepDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}
}

func TestCircuitBreakerProbeOutcomes(t *testing.T) {
	t.Run("successful probes close", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			Name:         "separation",
			MaxFailures:  2,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  2,
		})
		_ = cb.Execute(func() error { return errSepDown })
		_ = cb.Execute(func() error { return errSepDown })
		time.Sleep(15 * time.Millisecond)

		for i := range 2 {
			if err := cb.Execute(func() error { return nil }); err != nil {
				t.Fatalf("probe %d: unexpected error: %v", i, err)
			}
		}
		if cb.State() != StateClosed {
			t.Fatalf("state = %v, want closed after successful probes", cb.State())
		}
	})

	t.Run("failed probe reopens", func(t *testing.T) {
		cb := NewCircuitBreaker(CircuitBreakerConfig{
			Name:         "separation",
			MaxFailures:  2,
			ResetTimeout: 10 * time.Millisecond,
			HalfOpenMax:  3,
		})
		_ = cb.Execute(func() error { return errSepDown })
		_ = cb.Execute(func() error { return errSepDown })
		time.Sleep(15 * time.Millisecond)

		if err := cb.Execute(func() error { return errSepDown }); err == nil {
			t.Fatal("expected error from failing probe")
		}

		// Read the raw state: State() would report half-open again once the
		// fresh lastFailure ages past the reset timeout.
		cb.mu.Lock()
		s := cb.state
		cb.mu.Unlock()
		if s != StateOpen {
			t.Fatalf("state = %v, want open after half-open failure", s)
		}
	})
}

func TestCircuitBreakerManualReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "separation",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(func() error { return errSepDown })
	_ = cb.Execute(func() error { return errSepDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
