package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1700000000, 0)}
	cb := NewCircuitBreaker("upstream", maxFailures, time.Second)
	cb.now = clock.now
	return cb, clock
}

func openBreaker(cb *CircuitBreaker, failures int) {
	for i := 0; i < failures; i++ {
		cb.RecordResult(false)
	}
}

func TestCircuitBreaker_StateClosed(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if cb.GetState() != StateClosed {
		t.Errorf("Expected initial state to be closed, got %s", cb.GetState())
	}
	if !cb.allowRequest() {
		t.Error("Expected to allow request in closed state")
	}
}

func TestCircuitBreaker_OpenAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(3)

	openBreaker(cb, 2)
	if cb.GetState() != StateClosed {
		t.Error("Expected state to still be closed after 2 failures")
	}

	cb.RecordResult(false)
	if cb.GetState() != StateOpen {
		t.Error("Expected state to be open after 3 failures")
	}
	if cb.allowRequest() {
		t.Error("Expected to reject request in open state")
	}
}

func TestCircuitBreaker_HalfOpenLimitsProbes(t *testing.T) {
	cb, clock := newTestBreaker(3)
	openBreaker(cb, 3)
	clock.advance(1500 * time.Millisecond)

	for i := 0; i < 3; i++ {
		if !cb.allowRequest() {
			t.Fatalf("Expected probe %d to be allowed", i+1)
		}
	}
	if cb.GetState() != StateHalfOpen {
		t.Errorf("Expected half_open, got %s", cb.GetState())
	}
	if cb.allowRequest() {
		t.Error("Expected fourth concurrent probe to be rejected")
	}
}

func TestCircuitBreaker_CloseAfterSuccess(t *testing.T) {
	cb, clock := newTestBreaker(3)
	openBreaker(cb, 3)
	clock.advance(2 * time.Second)
	cb.allowRequest()

	for i := 0; i < 3; i++ {
		cb.RecordResult(true)
	}

	if cb.GetState() != StateClosed {
		t.Error("Expected state to be closed after successes in half_open")
	}
}

func TestCircuitBreaker_OpenAfterFailureInHalfOpen(t *testing.T) {
	cb, clock := newTestBreaker(3)
	openBreaker(cb, 3)
	clock.advance(2 * time.Second)
	cb.allowRequest()

	cb.RecordResult(false)

	if cb.GetState() != StateOpen {
		t.Error("Expected state to be open after failure in half_open")
	}
}

func TestCircuitBreaker_Call(t *testing.T) {
	cb, _ := newTestBreaker(3)

	if err := cb.Call(context.Background(), func(context.Context) error { return nil }); err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if err := cb.Call(context.Background(), func(context.Context) error { return errors.New("dial failed") }); err == nil {
		t.Error("Expected error from failed call")
	}
}

func TestCircuitBreaker_CallOpen(t *testing.T) {
	cb, _ := newTestBreaker(1)
	cb.RecordResult(false)

	called := false
	err := cb.Call(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("Expected fn not to run while open")
	}
}

func TestCircuitBreaker_CancelledCallNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	cb.Call(ctx, func(ctx context.Context) error { return ctx.Err() })

	if cb.GetState() != StateClosed {
		t.Error("Expected cancellation not to open the breaker")
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(2)
	var transitions []string
	cb.OnStateChange = func(name string, from, to CircuitState) {
		transitions = append(transitions, name+":"+from.String()+"->"+to.String())
	}

	openBreaker(cb, 2)
	cb.Reset()

	if len(transitions) != 2 {
		t.Fatalf("Expected 2 transitions, got %v", transitions)
	}
	if transitions[0] != "upstream:closed->open" || transitions[1] != "upstream:open->closed" {
		t.Errorf("Unexpected transitions %v", transitions)
	}
}

func TestCircuitBreaker_GetStats(t *testing.T) {
	cb, _ := newTestBreaker(3)
	cb.RecordResult(true)
	cb.RecordResult(true)
	cb.RecordResult(false)

	state, requestCount, failureCount, failureRate := cb.GetStats()

	if state != StateClosed {
		t.Errorf("Expected state closed, got %s", state)
	}
	if requestCount != 3 {
		t.Errorf("Expected 3 requests, got %d", requestCount)
	}
	if failureCount != 1 {
		t.Errorf("Expected 1 failure, got %d", failureCount)
	}
	if failureRate < 33.0 || failureRate > 34.0 {
		t.Errorf("Expected failure rate around 33.33%%, got %.2f%%", failureRate)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newTestBreaker(3)
	openBreaker(cb, 3)

	cb.Reset()

	state, requestCount, failureCount, _ := cb.GetStats()
	if state != StateClosed || requestCount != 0 || failureCount != 0 {
		t.Error("Expected stats to be reset")
	}
}
