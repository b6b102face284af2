package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/relay"
	"github.com/lexiqai/voice-client/internal/resilience"
	"github.com/lexiqai/voice-client/internal/transport"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const version = "0.1.0"

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateRelay(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid relay configuration: %v\n", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.WithComponent("relay")

	logger.Info().
		Str("port", cfg.Port).
		Str("upstream", cfg.OpenAIRealtimeURL).
		Str("model", cfg.OpenAIRealtimeModel).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice relay starting")

	registry := relay.NewRegistry(context.Background(), cfg.RedisURL, cfg.SessionTTLDuration(), logger)
	defer registry.Close()

	upstream := relay.NewUpstream(cfg, transport.NewWSDialer(10*time.Second), logger)
	handler := relay.NewHandler(upstream, registry, relay.Options{
		StartTimeout: cfg.RelayStartTimeoutDuration(),
		Voice:        cfg.OpenAIVoice,
		Instructions: cfg.Instructions,
	}, logger)

	mux := http.NewServeMux()
	mux.Handle("/ws/realtime", handler)
	mux.HandleFunc("/health", observability.HealthCheckHandler("voice-relay", version))

	registryCheck := func(ctx context.Context) (bool, error) {
		if err := registry.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	upstreamCheck := func(ctx context.Context) (bool, error) {
		// an open breaker means recent dials all failed; don't spend a dial here
		if upstream.Breaker().GetState() == resilience.StateOpen {
			return false, resilience.ErrCircuitOpen
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler("voice-relay", version, map[string]observability.HealthCheckFunc{
		"registry": registryCheck,
		"upstream": upstreamCheck,
	}))

	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No write timeout: relayed sessions are long-lived websockets
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws/realtime", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
