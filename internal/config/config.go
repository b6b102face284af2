package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Capture processor names
const (
	ProcessorWorklet = "worklet"
	ProcessorInline  = "inline"
)

// Config holds configuration for the voice client and the relay
type Config struct {
	// Client connection
	RealtimeURL          string `envconfig:"REALTIME_URL" default:"ws://localhost:8080/ws/realtime"`
	ConnectTimeout       int    `envconfig:"CONNECT_TIMEOUT" default:"10000"`     // Channel open deadline in milliseconds
	ReconnectMaxAttempts int    `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`  // Attempts before giving up
	ReconnectBackoff     int    `envconfig:"RECONNECT_BACKOFF" default:"1000"`    // Base reconnect delay in milliseconds
	BinaryAudioFrames    bool   `envconfig:"BINARY_AUDIO_FRAMES" default:"false"` // Send capture blocks as binary frames

	// Audio
	SampleRate          int     `envconfig:"SAMPLE_RATE" default:"24000"`
	CaptureBlockSize    int     `envconfig:"CAPTURE_BLOCK_SIZE" default:"4096"`     // Samples per outbound block
	CaptureProcessor    string  `envconfig:"CAPTURE_PROCESSOR" default:"worklet"`   // worklet or inline
	MinChunkDurationMs  int     `envconfig:"MIN_CHUNK_DURATION_MS" default:"400"`   // Playback merge threshold
	PlaybackVolume      float64 `envconfig:"PLAYBACK_VOLUME" default:"1.0"`         // Output gain, 0..1
	SilenceRMSThreshold float64 `envconfig:"SILENCE_RMS_THRESHOLD" default:"0.001"` // Below this a delta is logged as suspicious
	LevelFrameRate      int     `envconfig:"LEVEL_FRAME_RATE" default:"60"`         // Level monitor callbacks per second
	BargeInEnabled      bool    `envconfig:"BARGE_IN_ENABLED" default:"false"`      // Local VAD interrupts playback
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"0.02"`   // RMS threshold for local VAD
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"3"`        // Silent blocks to mark speech end

	// Relay server
	Port                string `envconfig:"PORT" default:"8080"`
	OpenAIAPIKey        string `envconfig:"OPENAI_API_KEY"`
	OpenAIRealtimeURL   string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	OpenAIRealtimeModel string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-4o-realtime-preview-2024-12-17"`
	OpenAIVoice         string `envconfig:"OPENAI_VOICE" default:"alloy"`
	Instructions        string `envconfig:"ASSISTANT_INSTRUCTIONS" default:""`
	RelayStartTimeout   int    `envconfig:"RELAY_START_TIMEOUT" default:"10"` // Seconds to wait for the start frame

	// Session registry
	RedisURL   string `envconfig:"REDIS_URL" default:""`       // Empty keeps the registry in memory
	SessionTTL int    `envconfig:"SESSION_TTL" default:"3600"` // Seconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum upstream dial attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsPort    string `envconfig:"METRICS_PORT" default:""`        // Client-side metrics listener, empty disables
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings shared by the client and the relay
func (c *Config) Validate() error {
	if c.SampleRate != 24000 {
		return fmt.Errorf("SAMPLE_RATE must be 24000, got %d", c.SampleRate)
	}
	if c.CaptureBlockSize <= 0 {
		return fmt.Errorf("CAPTURE_BLOCK_SIZE must be positive, got %d", c.CaptureBlockSize)
	}
	if c.CaptureProcessor != ProcessorWorklet && c.CaptureProcessor != ProcessorInline {
		return fmt.Errorf("CAPTURE_PROCESSOR must be %q or %q, got %q", ProcessorWorklet, ProcessorInline, c.CaptureProcessor)
	}
	if c.PlaybackVolume < 0 || c.PlaybackVolume > 1 {
		return fmt.Errorf("PLAYBACK_VOLUME must be within [0, 1], got %f", c.PlaybackVolume)
	}
	if c.MinChunkDurationMs < 0 {
		return fmt.Errorf("MIN_CHUNK_DURATION_MS must not be negative, got %d", c.MinChunkDurationMs)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative, got %d", c.ReconnectMaxAttempts)
	}
	return nil
}

// ValidateRelay checks settings only the relay needs
func (c *Config) ValidateRelay() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.RelayStartTimeout <= 0 {
		return fmt.Errorf("RELAY_START_TIMEOUT must be positive, got %d", c.RelayStartTimeout)
	}
	return nil
}

// ConnectTimeoutDuration returns the channel open deadline
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Millisecond
}

// ReconnectBackoffDuration returns the base reconnect delay
func (c *Config) ReconnectBackoffDuration() time.Duration {
	return time.Duration(c.ReconnectBackoff) * time.Millisecond
}

// MinChunkDuration returns the playback merge threshold
func (c *Config) MinChunkDuration() time.Duration {
	return time.Duration(c.MinChunkDurationMs) * time.Millisecond
}

// RelayStartTimeoutDuration returns how long the relay waits for a start frame
func (c *Config) RelayStartTimeoutDuration() time.Duration {
	return time.Duration(c.RelayStartTimeout) * time.Second
}

// SessionTTLDuration returns the registry entry lifetime
func (c *Config) SessionTTLDuration() time.Duration {
	return time.Duration(c.SessionTTL) * time.Second
}

// UpstreamURL returns the realtime API URL including the model query
func (c *Config) UpstreamURL() string {
	return fmt.Sprintf("%s?model=%s", c.OpenAIRealtimeURL, c.OpenAIRealtimeModel)
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
