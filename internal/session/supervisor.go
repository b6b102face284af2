// Package session supervises the duplex channel to the voice backend and
// routes traffic between it, the capture reactor and the playback scheduler.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/capture"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/device"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/playback"
	"github.com/lexiqai/voice-client/internal/protocol"
	"github.com/lexiqai/voice-client/internal/resilience"
	"github.com/lexiqai/voice-client/internal/transport"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
)

// Callbacks deliver session events to the UI. All are optional and are
// called from supervisor goroutines without internal locks held. Any of them
// may call Disconnect.
type Callbacks struct {
	OnStateChange         func(from, to State)
	OnUserTranscript      func(text string)
	OnAssistantDelta      func(text string)
	OnAssistantTranscript func(text string)
	OnResponseDone        func()
	OnError               func(err error)
	OnLevel               func(level float64)
}

// OutputFactory opens a playback output for a new session
type OutputFactory func() (device.Output, error)

// Options configure a Supervisor
type Options struct {
	URL            string
	Header         http.Header
	ConnectTimeout time.Duration
	WriteQueue     int
	Reconnect      resilience.ReconnectConfig
	Capture        capture.Config
	Playback       playback.Config
}

// OptionsFromConfig builds supervisor options from loaded configuration
func OptionsFromConfig(cfg *config.Config) Options {
	capCfg := capture.DefaultConfig()
	capCfg.SampleRate = cfg.SampleRate
	capCfg.BlockSize = cfg.CaptureBlockSize
	capCfg.Processor = cfg.CaptureProcessor
	capCfg.BinaryFrames = cfg.BinaryAudioFrames
	capCfg.LevelFrameRate = cfg.LevelFrameRate
	capCfg.BargeIn = cfg.BargeInEnabled
	capCfg.VAD = &audio.VADConfig{
		EnergyThreshold: cfg.VADEnergyThreshold,
		SilenceFrames:   cfg.VADSilenceFrames,
	}

	pbCfg := playback.DefaultConfig()
	pbCfg.SampleRate = cfg.SampleRate
	pbCfg.MinChunkDuration = cfg.MinChunkDuration()
	pbCfg.Volume = cfg.PlaybackVolume
	pbCfg.SilenceThreshold = cfg.SilenceRMSThreshold

	return Options{
		URL:            cfg.RealtimeURL,
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
		WriteQueue:     256,
		Reconnect: resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			BaseDelay:   cfg.ReconnectBackoffDuration(),
		},
		Capture:  capCfg,
		Playback: pbCfg,
	}
}

type outbound struct {
	mt        transport.MessageType
	data      []byte
	frameType string
}

// link is one open channel with its write pump
type link struct {
	conn transport.Conn
	out  chan outbound
	stop chan struct{}
	once sync.Once
}

func (l *link) close(code int) {
	l.once.Do(func() {
		close(l.stop)
		_ = l.conn.Close(code, "")
	})
}

// Supervisor owns the session: channel, capture, playback and state
type Supervisor struct {
	dialer    transport.Dialer
	mic       device.Microphone
	newOutput OutputFactory
	opts      Options
	sessionID string
	logger    zerolog.Logger
	metrics   *observability.Metrics

	mu              sync.Mutex
	state           State
	cb              Callbacks
	link            *link
	manual          bool
	scheduler       *playback.Scheduler
	reactor         *capture.Reactor
	resumeCapture   bool
	reconnectCancel context.CancelFunc
	reconnectEpoch  uint64
}

// NewSupervisor creates a disconnected supervisor
func NewSupervisor(dialer transport.Dialer, mic device.Microphone, newOutput OutputFactory, opts Options) *Supervisor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 10 * time.Second
	}
	if opts.WriteQueue <= 0 {
		opts.WriteQueue = 256
	}
	if opts.Reconnect.MaxAttempts == 0 && opts.Reconnect.BaseDelay == 0 {
		opts.Reconnect = *resilience.DefaultReconnectConfig()
	}

	sessionID := observability.NewSessionID()
	return &Supervisor{
		dialer:    dialer,
		mic:       mic,
		newOutput: newOutput,
		opts:      opts,
		sessionID: sessionID,
		logger:    observability.WithSession(sessionID).With().Str("component", "supervisor").Logger(),
		metrics:   observability.NewSessionMetrics(sessionID),
		state:     StateDisconnected,
	}
}

// SessionID returns the ID sent to the backend and attached to every log line
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// State returns the current state
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// transition moves to the given state. No-op and illegal transitions are
// ignored; only real changes notify. After Disconnect only the disconnected
// state is reachable until the next Connect.
func (s *Supervisor) transition(to State) bool {
	s.mu.Lock()
	from := s.state
	if from == to || (s.manual && to != StateDisconnected) {
		s.mu.Unlock()
		return false
	}
	if !CanTransition(from, to) {
		s.mu.Unlock()
		s.logger.Warn().Str("from", string(from)).Str("to", string(to)).Msg("Ignoring illegal state transition")
		return false
	}
	s.state = to
	cb := s.cb.OnStateChange
	s.mu.Unlock()

	s.metrics.RecordStateChange(string(from), string(to))
	s.logger.Debug().Str("from", string(from)).Str("to", string(to)).Msg("State changed")
	if cb != nil {
		cb(from, to)
	}
	return true
}

// Connect opens the channel, sends the start frame and enters connected.
// The dial is bounded by the connect timeout.
func (s *Supervisor) Connect(ctx context.Context, cb Callbacks) error {
	s.mu.Lock()
	if s.state != StateDisconnected && s.state != StateError {
		s.mu.Unlock()
		return voiceerr.New(voiceerr.KindConnection, "connect", voiceerr.ErrAlreadyConnected)
	}
	if s.reconnectCancel != nil {
		s.mu.Unlock()
		return voiceerr.New(voiceerr.KindConnection, "connect", voiceerr.ErrAlreadyConnected)
	}
	s.cb = cb
	s.manual = false
	s.resumeCapture = false
	s.mu.Unlock()

	if !s.transition(StateConnecting) {
		return voiceerr.New(voiceerr.KindConnection, "connect", voiceerr.ErrAlreadyConnected)
	}

	// a session that gave up on reconnecting still holds its devices
	s.closeAudio()
	if err := s.openAudio(); err != nil {
		s.transition(StateError)
		return err
	}

	conn, err := s.dial(ctx)
	if err != nil {
		s.closeAudio()
		s.transition(StateError)
		s.metrics.RecordError(voiceerr.KindConnection.String(), "supervisor")
		return err
	}

	if _, err := s.attach(ctx, conn, 0); err != nil {
		s.closeAudio()
		s.transition(StateDisconnected)
		return err
	}
	s.metrics.RecordConnected()
	s.logger.Info().Str("url", s.opts.URL).Msg("Session connected")
	return nil
}

// openAudio creates the playback scheduler and capture reactor for a session
func (s *Supervisor) openAudio() error {
	out, err := s.newOutput()
	if err != nil {
		return voiceerr.New(voiceerr.KindDevice, "open output", fmt.Errorf("%w: %v", voiceerr.ErrDeviceUnavailable, err))
	}

	sched := playback.NewScheduler(out, s.opts.Playback, s.logger, s.metrics)
	sched.OnSpeakingChange(s.onSpeakingChange)

	s.mu.Lock()
	onLevel := s.cb.OnLevel
	s.mu.Unlock()
	reactor := capture.NewReactor(s.mic, s, s.opts.Capture, capture.Hooks{
		OnLevel:       onLevel,
		OnSpeechStart: s.onLocalSpeechStart,
	}, s.logger, s.metrics)

	s.mu.Lock()
	s.scheduler = sched
	s.reactor = reactor
	s.mu.Unlock()
	return nil
}

func (s *Supervisor) closeAudio() {
	s.mu.Lock()
	sched, reactor := s.scheduler, s.reactor
	s.scheduler, s.reactor = nil, nil
	s.mu.Unlock()

	if reactor != nil {
		reactor.Close()
	}
	if sched != nil {
		if err := sched.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release playback output")
		}
	}
}

func (s *Supervisor) dial(ctx context.Context) (transport.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	defer cancel()

	header := s.opts.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	header.Set("X-Session-ID", s.sessionID)

	conn, err := s.dialer.Dial(dctx, s.opts.URL, header)
	if err != nil {
		if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, voiceerr.New(voiceerr.KindConnection, "connect", fmt.Errorf("%w after %v", voiceerr.ErrTimeout, s.opts.ConnectTimeout))
		}
		return nil, voiceerr.New(voiceerr.KindConnection, "connect", err)
	}
	return conn, nil
}

// attach installs conn as the live link, queues the start frame and starts
// the link goroutines. A reconnect loop passes its epoch and gives up
// ownership of reconnection here, before the read side can fail; Connect
// passes zero.
func (s *Supervisor) attach(ctx context.Context, conn transport.Conn, epoch uint64) (*link, error) {
	start, err := protocol.Encode(protocol.NewStart())
	if err != nil {
		_ = conn.Close(transport.CloseNormal, "")
		return nil, voiceerr.New(voiceerr.KindProtocol, "encode "+protocol.TypeStart, err)
	}
	l := &link{
		conn: conn,
		out:  make(chan outbound, s.opts.WriteQueue),
		stop: make(chan struct{}),
	}
	l.out <- outbound{mt: transport.TextMessage, data: start, frameType: protocol.TypeStart}

	s.mu.Lock()
	if s.manual || ctx.Err() != nil {
		s.mu.Unlock()
		l.close(transport.CloseNormal)
		return nil, voiceerr.New(voiceerr.KindConnection, "attach", voiceerr.ErrNotConnected)
	}
	s.link = l
	if epoch != 0 && s.reconnectEpoch == epoch {
		s.reconnectCancel = nil
	}
	s.mu.Unlock()

	s.transition(StateConnected)
	go s.writePump(l)
	go s.readLoop(l)
	return l, nil
}

// SendFrame encodes v and queues it behind every earlier frame
func (s *Supervisor) SendFrame(frameType string, v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return voiceerr.New(voiceerr.KindProtocol, "encode "+frameType, err)
	}
	return s.enqueue(outbound{mt: transport.TextMessage, data: data, frameType: frameType})
}

// SendBinary queues raw PCM16 as a binary frame
func (s *Supervisor) SendBinary(pcm []byte) error {
	return s.enqueue(outbound{mt: transport.BinaryMessage, data: pcm, frameType: "binary_audio"})
}

func (s *Supervisor) enqueue(msg outbound) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return voiceerr.ErrNotConnected
	}
	select {
	case l.out <- msg:
		return nil
	case <-l.stop:
		return voiceerr.ErrNotConnected
	default:
		return voiceerr.New(voiceerr.KindConnection, "send "+msg.frameType, errors.New("write queue full"))
	}
}

// writePump is the only writer on the connection
func (s *Supervisor) writePump(l *link) {
	for {
		select {
		case <-l.stop:
			return
		case msg := <-l.out:
			if err := l.conn.WriteMessage(msg.mt, msg.data); err != nil {
				s.logger.Warn().Err(err).Str("type", msg.frameType).Msg("Write failed")
				return
			}
			s.metrics.RecordFrameSent(msg.frameType)
		}
	}
}

// readLoop decodes inbound frames in arrival order
func (s *Supervisor) readLoop(l *link) {
	for {
		mt, data, err := l.conn.ReadMessage()
		if err != nil {
			s.handleClosed(l, err)
			return
		}
		if mt == transport.BinaryMessage {
			s.metrics.RecordFrameReceived("binary_audio")
			if sched := s.currentScheduler(); sched != nil {
				sched.EnqueuePCM(data)
			}
			continue
		}

		evt, err := protocol.Decode(data)
		if err != nil {
			s.logger.Warn().Err(err).Int("bytes", len(data)).Msg("Ignoring undecodable frame")
			continue
		}
		s.metrics.RecordFrameReceived(evt.Type)
		s.dispatch(evt)
	}
}

func (s *Supervisor) currentScheduler() *playback.Scheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduler
}

func (s *Supervisor) callbacks() Callbacks {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cb
}

func (s *Supervisor) dispatch(evt *protocol.ServerEvent) {
	cb := s.callbacks()
	sched := s.currentScheduler()

	switch evt.Type {
	case protocol.TypeSessionCreated, protocol.TypeSessionUpdated:
		s.logger.Debug().Str("type", evt.Type).Msg("Session lifecycle event")

	case protocol.TypeInputTranscriptionComplete:
		if cb.OnUserTranscript != nil {
			cb.OnUserTranscript(evt.Transcript)
		}

	case protocol.TypeAudioTranscriptDelta:
		if cb.OnAssistantDelta != nil {
			cb.OnAssistantDelta(evt.Delta)
		}

	case protocol.TypeAudioTranscriptDone:
		if cb.OnAssistantTranscript != nil {
			cb.OnAssistantTranscript(evt.Transcript)
		}

	case protocol.TypeAudioDelta:
		if sched != nil {
			sched.EnqueueDelta(evt.Delta)
		}

	case protocol.TypeResponseCreated:
		if sched != nil {
			sched.ResponseStarted()
		}

	case protocol.TypeResponseDone:
		if sched != nil {
			sched.ResponseDone()
		}
		if s.State() == StateProcessing {
			s.transition(StateListening)
		}
		if cb.OnResponseDone != nil {
			cb.OnResponseDone()
		}

	case protocol.TypeSpeechStarted:
		// server VAD heard the user; the upstream cancels its own response
		if sched != nil && (sched.Speaking() || sched.QueueLen() > 0) {
			sched.Interrupt()
			s.metrics.RecordInterrupt("server_vad")
		}
		s.transition(StateListening)

	case protocol.TypeSpeechStopped:
		s.transition(StateProcessing)

	case protocol.TypeError:
		err := voiceerr.New(voiceerr.KindProtocol, "server", errors.New(evt.ErrorMessage()))
		s.logger.Error().Err(err).Msg("Server reported error")
		s.metrics.RecordError(voiceerr.KindProtocol.String(), "supervisor")
		if cb.OnError != nil {
			cb.OnError(err)
		}

	default:
		s.logger.Warn().Str("type", evt.Type).Msg("Unknown frame type")
	}
}

func (s *Supervisor) onSpeakingChange(speaking bool) {
	if speaking {
		s.transition(StateSpeaking)
		return
	}
	if s.State() == StateSpeaking {
		s.transition(StateListening)
	}
}

func (s *Supervisor) onLocalSpeechStart() {
	sched := s.currentScheduler()
	if sched == nil || !sched.Speaking() {
		return
	}
	s.logger.Info().Msg("Local speech detected during playback, interrupting")
	s.interrupt("local_vad")
}

// handleClosed runs when the read side of l fails
func (s *Supervisor) handleClosed(l *link, err error) {
	s.mu.Lock()
	if s.link != l {
		s.mu.Unlock()
		return
	}
	s.link = nil
	manual := s.manual
	reactor := s.reactor
	s.mu.Unlock()
	l.close(transport.CloseNormal)

	if manual {
		return
	}
	s.metrics.RecordDisconnected()

	if transport.IsNormalClose(err) {
		s.logger.Info().Msg("Server closed the session")
		s.closeAudio()
		s.transition(StateDisconnected)
		return
	}

	code, _ := transport.CloseCode(err)
	s.logger.Warn().Err(err).Int("close_code", code).Msg("Connection lost, reconnecting")

	wasCapturing := reactor != nil && reactor.Running()
	if reactor != nil {
		reactor.StopAudio()
	}
	s.transition(StateError)
	s.startReconnect(wasCapturing)
}

// startReconnect launches a reconnect loop unless one already owns
// reconnection. A capture that was running when the link dropped stays owed
// until a reconnect succeeds or the user stops it.
func (s *Supervisor) startReconnect(resumeCapture bool) {
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	if resumeCapture {
		s.resumeCapture = true
	}
	if s.manual || s.reconnectCancel != nil {
		s.mu.Unlock()
		cancel()
		return
	}
	s.reconnectEpoch++
	epoch := s.reconnectEpoch
	s.reconnectCancel = cancel
	s.mu.Unlock()

	go s.reconnectLoop(ctx, cancel, epoch)
}

func (s *Supervisor) reconnectLoop(ctx context.Context, cancel context.CancelFunc, epoch uint64) {
	defer cancel()

	cfg := s.opts.Reconnect
	cfg.Logger = s.logger
	cfg.OnAttempt = func(n int, delay time.Duration) {
		s.logger.Info().Int("attempt", n).Dur("delay", delay).Msg("Reconnect attempt")
		s.transition(StateConnecting)
	}

	var attached *link
	err := resilience.Reconnect(ctx, func(ctx context.Context, attempt int) error {
		conn, err := s.dial(ctx)
		if err != nil {
			s.metrics.RecordReconnectAttempt(false)
			s.transition(StateError)
			return err
		}
		l, err := s.attach(ctx, conn, epoch)
		if err != nil {
			return err
		}
		attached = l
		s.metrics.RecordReconnectAttempt(true)
		s.metrics.RecordConnected()
		return nil
	}, &cfg)

	if err == nil {
		// the new link may already have dropped and handed off to a fresh loop
		s.mu.Lock()
		resume := s.resumeCapture && s.link == attached && !s.manual
		if resume {
			s.resumeCapture = false
		}
		s.mu.Unlock()
		if resume {
			if err := s.StartAudio(context.Background()); err != nil {
				s.reportError(err)
			}
		}
		return
	}

	s.mu.Lock()
	if s.reconnectEpoch == epoch {
		s.reconnectCancel = nil
	}
	manual := s.manual
	s.mu.Unlock()

	if manual || errors.Is(err, context.Canceled) {
		return
	}
	s.transition(StateError)
	s.logger.Error().Err(err).Msg("Giving up on reconnection")
	s.metrics.RecordError(voiceerr.KindReconnectExhausted.String(), "supervisor")
	s.reportError(err)
}

func (s *Supervisor) reportError(err error) {
	if cb := s.callbacks().OnError; cb != nil {
		cb(err)
	}
}

// StartAudio starts microphone capture; the session must be connected
func (s *Supervisor) StartAudio(ctx context.Context) error {
	s.mu.Lock()
	reactor := s.reactor
	active := s.state.Active()
	s.mu.Unlock()
	if !active || reactor == nil {
		return voiceerr.New(voiceerr.KindConnection, "start audio", voiceerr.ErrNotConnected)
	}
	if err := reactor.StartAudio(ctx); err != nil {
		s.metrics.RecordError(voiceerr.KindDevice.String(), "capture")
		return err
	}
	if s.State() == StateConnected {
		s.transition(StateListening)
	}
	return nil
}

// StopAudio stops microphone capture; playback continues
func (s *Supervisor) StopAudio() {
	s.mu.Lock()
	reactor := s.reactor
	s.resumeCapture = false
	s.mu.Unlock()
	if reactor != nil {
		reactor.StopAudio()
	}
}

// Interrupt stops assistant playback and asks the backend to cancel its response
func (s *Supervisor) Interrupt() {
	s.interrupt("user")
}

func (s *Supervisor) interrupt(source string) {
	if sched := s.currentScheduler(); sched != nil {
		sched.Interrupt()
	}
	if err := s.SendFrame(protocol.TypeResponseCancel, protocol.NewResponseCancel()); err != nil {
		s.logger.Debug().Err(err).Msg("Could not send response.cancel")
	}
	s.metrics.RecordInterrupt(source)
	if s.State().Active() {
		s.transition(StateListening)
	}
}

// SendText sends a typed user message and requests a response
func (s *Supervisor) SendText(text string) error {
	if err := s.SendFrame(protocol.TypeConversationItemCreate, protocol.NewUserText(text)); err != nil {
		return fmt.Errorf("failed to send text: %w", err)
	}
	return s.RequestResponse()
}

// RequestResponse asks the backend to generate a response now
func (s *Supervisor) RequestResponse() error {
	if err := s.SendFrame(protocol.TypeResponseCreate, protocol.NewResponseCreate()); err != nil {
		return fmt.Errorf("failed to request response: %w", err)
	}
	return nil
}

// SetVolume sets playback gain in [0, 1]
func (s *Supervisor) SetVolume(v float64) {
	if sched := s.currentScheduler(); sched != nil {
		sched.SetVolume(v)
	}
}

// Disconnect ends the session: cancels reconnection, stops capture and
// playback, closes the channel with 1000 and releases both audio devices.
// It never waits on a goroutine that delivers callbacks, so it is safe to
// call from inside one. Calling it again is a no-op.
func (s *Supervisor) Disconnect() error {
	s.mu.Lock()
	if s.manual && s.state == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	s.manual = true
	s.resumeCapture = false
	cancel := s.reconnectCancel
	s.reconnectCancel = nil
	l := s.link
	s.link = nil
	s.mu.Unlock()

	// a cancelled loop can no longer attach, and transitions other than
	// disconnected are refused while manual is set
	if cancel != nil {
		cancel()
	}

	s.closeAudio()
	if l != nil {
		l.close(transport.CloseNormal)
		s.metrics.RecordDisconnected()
	}
	s.transition(StateDisconnected)
	s.logger.Info().Msg("Session disconnected")
	return nil
}
