package relay

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/resilience"
	"github.com/lexiqai/voice-client/internal/transport"
	"github.com/rs/zerolog"
)

// Upstream dials the realtime API behind retry and a circuit breaker
type Upstream struct {
	dialer  transport.Dialer
	url     string
	header  http.Header
	retry   *resilience.RetryConfig
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger
}

// NewUpstream creates an upstream dialer from relay configuration
func NewUpstream(cfg *config.Config, dialer transport.Dialer, logger zerolog.Logger) *Upstream {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.OpenAIAPIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	retry := resilience.DefaultRetryConfig()
	if cfg.RetryMaxAttempts > 0 {
		retry.MaxAttempts = cfg.RetryMaxAttempts
	}
	if cfg.RetryInitialBackoff > 0 {
		retry.InitialBackoff = time.Duration(cfg.RetryInitialBackoff) * time.Millisecond
	}

	breaker := resilience.NewCircuitBreaker("realtime_api", cfg.CircuitBreakerMaxFailures,
		time.Duration(cfg.CircuitBreakerResetTimeout)*time.Second)
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		observability.UpdateCircuitBreakerState(name, int(to))
	}

	return &Upstream{
		dialer:  dialer,
		url:     cfg.UpstreamURL(),
		header:  header,
		retry:   retry,
		breaker: breaker,
		logger:  logger,
	}
}

// Breaker exposes the circuit breaker for readiness checks
func (u *Upstream) Breaker() *resilience.CircuitBreaker {
	return u.breaker
}

// Dial opens a connection to the realtime API
func (u *Upstream) Dial(ctx context.Context, metrics *observability.Metrics) (transport.Conn, error) {
	var conn transport.Conn
	err := u.breaker.Call(ctx, func(ctx context.Context) error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			start := time.Now()
			c, err := u.dialer.Dial(ctx, u.url, u.header)
			metrics.RecordUpstreamDial(err == nil, time.Since(start))
			if err != nil {
				u.logger.Warn().Err(err).Msg("Upstream dial failed")
				return err
			}
			conn = c
			return nil
		}, u.retry, resilience.IsRetryableNetworkError)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to realtime API: %w", err)
	}
	return conn, nil
}
