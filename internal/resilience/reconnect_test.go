package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lexiqai/voice-client/internal/voiceerr"
)

func TestBackoffDelay(t *testing.T) {
	base := 500 * time.Millisecond
	tests := []struct {
		attempt  int
		expected time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{0, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := BackoffDelay(base, tt.attempt); got != tt.expected {
			t.Errorf("Attempt %d: expected %v, got %v", tt.attempt, tt.expected, got)
		}
	}
}

func TestDelayTableCap(t *testing.T) {
	table := DelayTable(time.Second, 6, 10*time.Second)
	expected := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 10 * time.Second, 10 * time.Second}
	if len(table) != len(expected) {
		t.Fatalf("Expected %d entries, got %d", len(expected), len(table))
	}
	for i := range expected {
		if table[i] != expected[i] {
			t.Errorf("Entry %d: expected %v, got %v", i, expected[i], table[i])
		}
	}
}

func recordingWait(delays *[]time.Duration) func(context.Context, time.Duration) error {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return ctx.Err()
	}
}

func TestReconnect_SucceedsOnThirdAttempt(t *testing.T) {
	var delays []time.Duration
	config := &ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Wait:        recordingWait(&delays),
	}

	attempts := 0
	err := Reconnect(context.Background(), func(ctx context.Context, n int) error {
		attempts++
		if n < 3 {
			return errors.New("connection refused")
		}
		return nil
	}, config)

	if err != nil {
		t.Errorf("Expected no error, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got %d", attempts)
	}
	expected := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i := range expected {
		if delays[i] != expected[i] {
			t.Errorf("Delay %d: expected %v, got %v", i, expected[i], delays[i])
		}
	}
}

func TestReconnect_Exhausted(t *testing.T) {
	var delays []time.Duration
	config := &ReconnectConfig{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		Wait:        recordingWait(&delays),
	}

	attempts := 0
	err := Reconnect(context.Background(), func(ctx context.Context, n int) error {
		attempts++
		return errors.New("connection refused")
	}, config)

	if attempts != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", attempts)
	}
	if !errors.Is(err, voiceerr.ErrReconnectExhausted) {
		t.Errorf("Expected ErrReconnectExhausted, got %v", err)
	}
	if !voiceerr.Is(err, voiceerr.KindReconnectExhausted) {
		t.Errorf("Expected KindReconnectExhausted, got %v", voiceerr.KindOf(err))
	}
}

func TestReconnect_CancelledBeforeDial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	config := &ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		Wait: func(context.Context, time.Duration) error {
			// manual disconnect arrives during the wait
			cancel()
			return nil
		},
	}

	attempts := 0
	err := Reconnect(ctx, func(ctx context.Context, n int) error {
		attempts++
		return nil
	}, config)

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if attempts != 0 {
		t.Errorf("Expected no dial after cancel, got %d", attempts)
	}
}

func TestReconnect_OnAttempt(t *testing.T) {
	var seen []int
	config := &ReconnectConfig{
		MaxAttempts: 2,
		BaseDelay:   time.Millisecond,
		OnAttempt:   func(n int, _ time.Duration) { seen = append(seen, n) },
	}

	Reconnect(context.Background(), func(ctx context.Context, n int) error {
		return errors.New("fail")
	}, config)

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 2 {
		t.Errorf("Expected attempts [1 2], got %v", seen)
	}
}

func TestSleepContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepContext(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
