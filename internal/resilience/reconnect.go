package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
)

// ReconnectConfig holds configuration for the session reconnect loop
type ReconnectConfig struct {
	MaxAttempts int           // Attempts before giving up
	BaseDelay   time.Duration // Delay before the first attempt; doubles each attempt
	MaxDelay    time.Duration // Optional cap on a single delay, zero means none

	// Wait sleeps for d or until ctx is done. Defaults to a timer.
	Wait func(ctx context.Context, d time.Duration) error
	// OnAttempt is called right before each dial
	OnAttempt func(attempt int, delay time.Duration)

	Logger zerolog.Logger
}

// DefaultReconnectConfig returns the default reconnect configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		BaseDelay:   1 * time.Second,
	}
}

// BackoffDelay is the wait before attempt n (1-based): base × 2^(n-1)
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}

// DelayTable lists the wait before every attempt up to maxAttempts
func DelayTable(base time.Duration, maxAttempts int, maxDelay time.Duration) []time.Duration {
	table := make([]time.Duration, 0, maxAttempts)
	for n := 1; n <= maxAttempts; n++ {
		d := BackoffDelay(base, n)
		if maxDelay > 0 && d > maxDelay {
			d = maxDelay
		}
		table = append(table, d)
	}
	return table
}

// AttemptFunc performs one reconnect attempt
type AttemptFunc func(ctx context.Context, attempt int) error

// Reconnect retries fn with exponential backoff. Cancelling ctx stops the loop
// before the next dial. When every attempt fails the returned error wraps
// voiceerr.ErrReconnectExhausted.
func Reconnect(ctx context.Context, fn AttemptFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	wait := config.Wait
	if wait == nil {
		wait = sleepContext
	}

	var lastErr error
	for attempt, delay := range DelayTable(config.BaseDelay, config.MaxAttempts, config.MaxDelay) {
		n := attempt + 1

		if err := wait(ctx, delay); err != nil {
			return err
		}
		// a manual disconnect may have landed while waiting
		if err := ctx.Err(); err != nil {
			return err
		}

		if config.OnAttempt != nil {
			config.OnAttempt(n, delay)
		}

		err := fn(ctx, n)
		if err == nil {
			config.Logger.Info().Int("attempt", n).Msg("Reconnection successful")
			return nil
		}
		lastErr = err

		config.Logger.Warn().
			Err(err).
			Int("attempt", n).
			Int("max_attempts", config.MaxAttempts).
			Msg("Reconnection attempt failed")
	}

	return voiceerr.New(voiceerr.KindReconnectExhausted, "reconnect",
		fmt.Errorf("%w after %d attempts: %v", voiceerr.ErrReconnectExhausted, config.MaxAttempts, lastErr))
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
