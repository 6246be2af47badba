package resilience

import (
	"errors"
	"testing"
	"time"
)

var errTest = errors.New("test error")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 60*time.Second {
		t.Errorf("resetTimeout = %v, want 60s", cb.resetTimeout)
	}
	if cb.Open() {
		t.Error("new breaker should be closed")
	}
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  3,
		ResetTimeout: time.Hour,
	})

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errTest })
	}
	if !cb.Open() {
		t.Fatal("breaker should be open after 3 failures")
	}

	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })

	if cb.Open() {
		t.Fatal("breaker should still be closed: success reset the counter")
	}
}

func TestCircuitBreaker_ProbeAfterReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	if !cb.Open() {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	// A successful probe closes the breaker fully.
	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe call rejected: %v", err)
	}
	if cb.Open() {
		t.Fatal("breaker should be closed after successful probe")
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
	})

	_ = cb.Execute(func() error { return errTest })
	_ = cb.Execute(func() error { return errTest })
	time.Sleep(15 * time.Millisecond)

	_ = cb.Execute(func() error { return errTest })
	if !cb.Open() {
		t.Fatal("breaker should re-open after a failed probe")
	}
}

func TestCircuitBreaker_Trip(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", ResetTimeout: time.Hour})
	cb.Trip()
	if !cb.Open() {
		t.Fatal("Trip should open the breaker immediately")
	}
}

func TestBreakerSet_KeyedIsolation(t *testing.T) {
	bs := NewBreakerSet(CircuitBreakerConfig{Name: "llm", MaxFailures: 1, ResetTimeout: time.Hour})

	bs.For("chat", 0).Record(errTest)

	if !bs.For("chat", 0).Open() {
		t.Error("chat/0 should be open")
	}
	if bs.For("chat", 1).Open() {
		t.Error("chat/1 should be unaffected")
	}
	if bs.For("embed", 0).Open() {
		t.Error("embed/0 should be unaffected")
	}

	// Same identity returns the same breaker instance.
	if bs.For("chat", 0) != bs.For("chat", 0) {
		t.Error("For should return a stable instance per key")
	}
}
