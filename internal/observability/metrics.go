package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Client session metrics
	activeSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_client_active_sessions",
		Help: "Number of connected voice sessions",
	})

	stateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_state_transitions_total",
		Help: "Session state transitions",
	}, []string{"from", "to"})

	reconnectAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_reconnect_attempts_total",
		Help: "Reconnect attempts by outcome",
	}, []string{"result"})

	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_frames_sent_total",
		Help: "Outbound frames by type",
	}, []string{"type"})

	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_frames_received_total",
		Help: "Inbound frames by type",
	}, []string{"type"})

	// Playback metrics
	chunksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_playback_chunks_scheduled_total",
		Help: "Playback chunks handed to the output device",
	})

	chunksMerged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_playback_chunks_merged_total",
		Help: "Audio deltas merged into a short tail chunk",
	})

	playbackFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_playback_failures_total",
		Help: "Chunks that failed to play and were skipped",
	})

	decodeErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_client_decode_errors_total",
		Help: "Inbound audio deltas that failed to decode",
	})

	interrupts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_client_interrupts_total",
		Help: "Playback interruptions by source",
	}, []string{"source"})

	// Relay metrics
	relayActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_sessions",
		Help: "Number of relayed realtime sessions",
	})

	relaySessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_total",
		Help: "Total relayed realtime sessions",
	})

	relaySessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_relay_session_duration_seconds",
		Help:    "Duration of relayed sessions in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
	})

	relayMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_messages_total",
		Help: "Relayed messages by direction",
	}, []string{"direction"})

	upstreamDialLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_relay_upstream_dial_seconds",
		Help:    "Upstream realtime API dial latency",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
	}, []string{"status"})

	// Shared
	audioBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_audio_bytes_total",
		Help: "Audio bytes by direction",
	}, []string{"direction"}) // direction: "in" or "out"

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_errors_total",
		Help: "Errors by kind and component",
	}, []string{"kind", "component"})

	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})
)

// Metrics records metrics for one session. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	sessionID string
	startTime time.Time
}

// NewSessionMetrics creates a metrics recorder for a session
func NewSessionMetrics(sessionID string) *Metrics {
	return &Metrics{sessionID: sessionID, startTime: time.Now()}
}

// RecordConnected marks the session as connected
func (m *Metrics) RecordConnected() {
	if m == nil {
		return
	}
	activeSessions.Inc()
}

// RecordDisconnected marks the session as no longer connected
func (m *Metrics) RecordDisconnected() {
	if m == nil {
		return
	}
	activeSessions.Dec()
}

// RecordStateChange counts a state transition
func (m *Metrics) RecordStateChange(from, to string) {
	if m == nil {
		return
	}
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnectAttempt counts a reconnect attempt by result
func (m *Metrics) RecordReconnectAttempt(success bool) {
	if m == nil {
		return
	}
	reconnectAttempts.WithLabelValues(status(success)).Inc()
}

// RecordFrameSent counts an outbound frame
func (m *Metrics) RecordFrameSent(frameType string) {
	if m == nil {
		return
	}
	framesSent.WithLabelValues(frameType).Inc()
}

// RecordFrameReceived counts an inbound frame
func (m *Metrics) RecordFrameReceived(frameType string) {
	if m == nil {
		return
	}
	framesReceived.WithLabelValues(frameType).Inc()
}

// RecordChunkScheduled counts a chunk handed to the output
func (m *Metrics) RecordChunkScheduled() {
	if m == nil {
		return
	}
	chunksScheduled.Inc()
}

// RecordChunkMerged counts a delta merged into the tail chunk
func (m *Metrics) RecordChunkMerged() {
	if m == nil {
		return
	}
	chunksMerged.Inc()
}

// RecordPlaybackFailure counts a chunk that failed to play
func (m *Metrics) RecordPlaybackFailure() {
	if m == nil {
		return
	}
	playbackFailures.Inc()
}

// RecordDecodeError counts an undecodable audio delta
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	decodeErrors.Inc()
}

// RecordInterrupt counts a playback interruption
func (m *Metrics) RecordInterrupt(source string) {
	if m == nil {
		return
	}
	interrupts.WithLabelValues(source).Inc()
}

// RecordError records an error
func (m *Metrics) RecordError(kind, component string) {
	if m == nil {
		return
	}
	errorsTotal.WithLabelValues(kind, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int) {
	if m == nil {
		return
	}
	audioBytes.WithLabelValues(direction).Add(float64(bytes))
}

// RecordRelayStart records a new relayed session
func (m *Metrics) RecordRelayStart() {
	if m == nil {
		return
	}
	relayActiveSessions.Inc()
	relaySessionsTotal.Inc()
}

// RecordRelayEnd records the end of a relayed session and returns its duration
func (m *Metrics) RecordRelayEnd() time.Duration {
	if m == nil {
		return 0
	}
	relayActiveSessions.Dec()
	d := time.Since(m.startTime)
	relaySessionDuration.Observe(d.Seconds())
	return d
}

// RecordRelayMessage counts a forwarded message
func (m *Metrics) RecordRelayMessage(direction string) {
	if m == nil {
		return
	}
	relayMessages.WithLabelValues(direction).Inc()
}

// RecordUpstreamDial records an upstream dial and its latency
func (m *Metrics) RecordUpstreamDial(success bool, latency time.Duration) {
	if m == nil {
		return
	}
	upstreamDialLatency.WithLabelValues(status(success)).Observe(latency.Seconds())
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
