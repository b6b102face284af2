// Package relay implements the /ws/realtime endpoint that proxies voice
// clients to the upstream realtime API.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/protocol"
	"github.com/lexiqai/voice-client/internal/transport"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Clients are local CLIs and dev pages, not browsers on other origins
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// UpstreamDialer opens the upstream realtime connection
type UpstreamDialer interface {
	Dial(ctx context.Context, metrics *observability.Metrics) (transport.Conn, error)
}

// Options configure the relay handler
type Options struct {
	StartTimeout time.Duration
	Voice        string
	Instructions string
}

// Handler serves realtime sessions
type Handler struct {
	upstream UpstreamDialer
	registry Registry
	opts     Options
	logger   zerolog.Logger
}

// NewHandler creates the /ws/realtime handler
func NewHandler(upstream UpstreamDialer, registry Registry, opts Options, logger zerolog.Logger) *Handler {
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	return &Handler{
		upstream: upstream,
		registry: registry,
		opts:     opts,
		logger:   logger,
	}
}

// relaySession is one client ↔ upstream pairing
type relaySession struct {
	id       string
	client   transport.Conn
	upstream transport.Conn
	metrics  *observability.Metrics
	logger   zerolog.Logger

	messages atomic.Int64
	errors   atomic.Int64
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}

	sessionID := r.Header.Get("X-Session-ID")
	if sessionID == "" {
		sessionID = observability.NewSessionID()
	}
	logger := h.logger.With().Str("session_id", sessionID).Str("remote_addr", r.RemoteAddr).Logger()
	client := transport.NewConn(ws)
	defer client.Close(transport.CloseNormal, "")

	logger.Info().Msg("Client connected, waiting for start")
	if !h.waitForStart(ws, client, logger) {
		return
	}

	s := &relaySession{
		id:      sessionID,
		client:  client,
		metrics: observability.NewSessionMetrics(sessionID),
		logger:  logger,
	}
	s.metrics.RecordRelayStart()

	ctx := r.Context()
	if err := h.registry.Register(ctx, SessionInfo{ID: sessionID, RemoteAddr: r.RemoteAddr, StartedAt: time.Now()}); err != nil {
		logger.Warn().Err(err).Msg("Failed to register session")
	}
	defer func() {
		// the request context is already cancelled once the client is gone
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.registry.Remove(rctx, sessionID); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove session")
		}
		duration := s.metrics.RecordRelayEnd()
		logger.Info().
			Dur("duration", duration).
			Int64("messages", s.messages.Load()).
			Int64("errors", s.errors.Load()).
			Msg("Relay session closed")
	}()

	if err := h.openUpstream(ctx, s); err != nil {
		s.errors.Add(1)
		s.metrics.RecordError(voiceerr.KindConnection.String(), "relay")
		logger.Error().Err(err).Msg("Failed to open upstream session")
		s.sendError(err)
		return
	}
	defer s.upstream.Close(transport.CloseNormal, "")

	if err := s.forward(ctx); err != nil {
		logger.Debug().Err(err).Msg("Forwarding stopped")
	}
}

// waitForStart reads the first frame and reports whether it asked to start
func (h *Handler) waitForStart(ws *websocket.Conn, client transport.Conn, logger zerolog.Logger) bool {
	ws.SetReadDeadline(time.Now().Add(h.opts.StartTimeout))
	mt, data, err := client.ReadMessage()
	ws.SetReadDeadline(time.Time{})

	if err != nil {
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			logger.Warn().Dur("timeout", h.opts.StartTimeout).Msg("No start message received, closing connection")
			client.Close(transport.CloseNormal, "No start message received")
			return false
		}
		logger.Info().Err(err).Msg("Client disconnected before sending start")
		return false
	}

	if mt != transport.TextMessage {
		logger.Warn().Msg("Received non-text data while waiting for start")
		client.Close(transport.CloseNormal, "Start message required")
		return false
	}
	evt, err := protocol.Decode(data)
	if err != nil || !evt.IsStart() {
		logger.Warn().Err(err).Msg("Unexpected first message, closing connection")
		client.Close(transport.CloseNormal, "Start message required")
		return false
	}

	logger.Info().Msg("Start message received, connecting upstream")
	return true
}

// openUpstream dials the realtime API and configures the session
func (h *Handler) openUpstream(ctx context.Context, s *relaySession) error {
	up, err := h.upstream.Dial(ctx, s.metrics)
	if err != nil {
		return err
	}

	for _, frame := range []any{
		protocol.NewSessionUpdate(h.opts.Voice, h.opts.Instructions),
		protocol.NewResponseCreate(),
	} {
		data, err := protocol.Encode(frame)
		if err != nil {
			up.Close(transport.CloseNormal, "")
			return err
		}
		if err := up.WriteMessage(transport.TextMessage, data); err != nil {
			up.Close(transport.CloseNormal, "")
			return err
		}
	}

	s.upstream = up
	s.logger.Info().Msg("Upstream session configured")
	return nil
}

// forward pumps frames both ways until either side stops
func (s *relaySession) forward(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()
		s.client.Close(transport.CloseNormal, "")
		s.upstream.Close(transport.CloseNormal, "")
		return nil
	})
	g.Go(func() error { return s.clientToUpstream() })
	g.Go(func() error { return s.upstreamToClient(gctx) })

	return g.Wait()
}

func (s *relaySession) clientToUpstream() error {
	for {
		mt, data, err := s.client.ReadMessage()
		if err != nil {
			return err
		}

		if mt == transport.BinaryMessage {
			s.metrics.RecordAudioBytes("in", len(data))
			data, err = protocol.Encode(protocol.NewAppendAudio(audio.EncodeBase64(data)))
			if err != nil {
				return err
			}
		} else if _, err := protocol.Decode(data); err != nil {
			s.errors.Add(1)
			s.logger.Warn().Err(err).Msg("Invalid JSON received from client")
			continue
		}

		if err := s.upstream.WriteMessage(transport.TextMessage, data); err != nil {
			return err
		}
		s.messages.Add(1)
		s.metrics.RecordRelayMessage("client_to_upstream")
	}
}

func (s *relaySession) upstreamToClient(ctx context.Context) error {
	for {
		mt, data, err := s.upstream.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !transport.IsNormalClose(err) {
				s.errors.Add(1)
				s.metrics.RecordError(voiceerr.KindConnection.String(), "relay")
				s.logger.Error().Err(err).Msg("Upstream connection failed")
				s.sendError(err)
			}
			return err
		}

		if err := s.client.WriteMessage(mt, data); err != nil {
			return err
		}
		s.metrics.RecordRelayMessage("upstream_to_client")
	}
}

// sendError tells the client why the session ended
func (s *relaySession) sendError(err error) {
	data, encErr := protocol.Encode(protocol.NewError("Connection error: " + err.Error()))
	if encErr != nil {
		return
	}
	if werr := s.client.WriteMessage(transport.TextMessage, data); werr != nil {
		s.logger.Debug().Err(werr).Msg("Could not deliver error to client")
	}
}
