// Package playback schedules decoded assistant audio for gapless output.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/device"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
)

// ErrClosed is returned when enqueueing on a closed scheduler
var ErrClosed = errors.New("playback scheduler closed")

// Config holds scheduler settings
type Config struct {
	SampleRate       int
	MinChunkDuration time.Duration // tail chunks shorter than this absorb the next delta
	Volume           float64
	SilenceThreshold float64       // RMS below this is logged as suspicious
	CompletionSlack  time.Duration // extra wait past a chunk's expected end before giving up on it
}

// DefaultConfig returns the default scheduler configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:       audio.SampleRate,
		MinChunkDuration: 400 * time.Millisecond,
		Volume:           1.0,
		SilenceThreshold: 0.001,
		CompletionSlack:  2 * time.Second,
	}
}

// Chunk is a contiguous run of samples waiting to play
type Chunk struct {
	Seq     uint64
	Samples []float32
}

// Scheduler owns the playback queue and the output device. A single drain
// goroutine plays chunks strictly in arrival order; a second goroutine
// delivers speaking notifications in the order the state changed.
type Scheduler struct {
	out        device.Output
	cfg        Config
	minSamples int
	logger     zerolog.Logger
	metrics    *observability.Metrics

	mu             sync.Mutex
	queue          []*Chunk
	nextSeq        uint64
	cursor         time.Duration
	draining       bool
	speaking       bool
	current        device.Source
	volume         float64
	generation     uint64
	responseActive bool
	rejectStale    bool
	closed         bool
	onSpeaking     func(bool)
	notes          []bool

	kick   chan struct{}
	noted  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler that plays through out and starts its
// drain goroutine
func NewScheduler(out device.Output, cfg Config, logger zerolog.Logger, metrics *observability.Metrics) *Scheduler {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.CompletionSlack <= 0 {
		cfg.CompletionSlack = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		out:        out,
		cfg:        cfg,
		minSamples: audio.SamplesFor(cfg.MinChunkDuration, cfg.SampleRate),
		logger:     logger.With().Str("component", "playback").Logger(),
		metrics:    metrics,
		volume:     clampVolume(cfg.Volume),
		kick:       make(chan struct{}, 1),
		noted:      make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go s.run()
	go s.notifyLoop()
	return s
}

// OnSpeakingChange registers a callback for playback start/stop. It runs on
// the notification goroutine without the scheduler lock held, so it may call
// back into the scheduler, including Close.
func (s *Scheduler) OnSpeakingChange(fn func(speaking bool)) {
	s.mu.Lock()
	s.onSpeaking = fn
	s.mu.Unlock()
}

// EnqueueDelta decodes a base64 PCM16 delta and queues it
func (s *Scheduler) EnqueueDelta(b64 string) error {
	pcm, err := audio.DecodeBase64(b64)
	if err != nil {
		err = voiceerr.New(voiceerr.KindDecode, "enqueue delta", err)
		s.logger.Warn().Err(err).Int("payload_len", len(b64)).Msg("Dropping undecodable audio delta")
		s.metrics.RecordDecodeError()
		return err
	}
	return s.EnqueuePCM(pcm)
}

// EnqueuePCM queues raw little-endian PCM16 audio
func (s *Scheduler) EnqueuePCM(pcm []byte) error {
	if len(pcm)%audio.BytesPerSample != 0 {
		s.logger.Warn().Int("bytes", len(pcm)).Msg("Odd-length audio payload, dropping trailing byte")
	}
	samples := audio.PCM16ToFloat(pcm)
	if len(samples) == 0 {
		s.logger.Warn().Msg("Empty audio delta, ignoring")
		return nil
	}
	if audio.IsNearSilent(samples, s.cfg.SilenceThreshold) {
		s.logger.Warn().Int("samples", len(samples)).Msg("Near-silent audio delta")
	}
	s.metrics.RecordAudioBytes("in", len(pcm))

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.rejectStale {
		s.mu.Unlock()
		s.logger.Debug().Int("samples", len(samples)).Msg("Dropping stale audio from interrupted response")
		return nil
	}
	s.responseActive = true
	if n := len(s.queue); n > 0 && len(s.queue[n-1].Samples) < s.minSamples {
		tail := s.queue[n-1]
		tail.Samples = append(tail.Samples, samples...)
		s.mu.Unlock()
		s.metrics.RecordChunkMerged()
		s.signal()
		return nil
	}
	s.nextSeq++
	s.queue = append(s.queue, &Chunk{Seq: s.nextSeq, Samples: samples})
	s.mu.Unlock()

	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// ResponseStarted marks the start of a new server response; audio is accepted again
func (s *Scheduler) ResponseStarted() {
	s.mu.Lock()
	s.rejectStale = false
	s.responseActive = true
	s.mu.Unlock()
}

// ResponseDone marks the end of the current server response
func (s *Scheduler) ResponseDone() {
	s.mu.Lock()
	s.rejectStale = false
	s.responseActive = false
	s.mu.Unlock()
}

// Interrupt stops the playing chunk and drops everything queued. When a
// response is still streaming, its remaining audio is rejected until the
// server starts or finishes a response.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	s.generation++
	dropped := len(s.queue)
	s.queue = nil
	cur := s.current
	s.current = nil
	s.cursor = 0
	s.draining = false
	wasSpeaking := s.speaking
	s.setSpeakingLocked(false)
	if s.responseActive {
		s.rejectStale = true
	}
	s.mu.Unlock()

	if cur != nil {
		cur.Stop()
	}
	s.logger.Info().Int("dropped_chunks", dropped).Bool("was_speaking", wasSpeaking).Msg("Playback interrupted")
}

// setSpeakingLocked records a speaking change and queues its notification.
// Callers hold s.mu, so notifications keep the order of the changes.
func (s *Scheduler) setSpeakingLocked(v bool) {
	if s.speaking == v {
		return
	}
	s.speaking = v
	s.notes = append(s.notes, v)
	select {
	case s.noted <- struct{}{}:
	default:
	}
}

// notifyLoop delivers queued speaking notifications one at a time
func (s *Scheduler) notifyLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.noted:
		}
		for {
			s.mu.Lock()
			if len(s.notes) == 0 || s.closed {
				s.notes = nil
				s.mu.Unlock()
				break
			}
			v := s.notes[0]
			s.notes = s.notes[1:]
			cb := s.onSpeaking
			s.mu.Unlock()
			if cb != nil {
				cb(v)
			}
		}
	}
}

// SetVolume sets the output gain for chunks scheduled from now on
func (s *Scheduler) SetVolume(v float64) {
	s.mu.Lock()
	s.volume = clampVolume(v)
	s.mu.Unlock()
}

// Volume returns the current gain
func (s *Scheduler) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// QueueLen returns the number of chunks waiting to play
func (s *Scheduler) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Draining reports whether the drain loop is working through the queue
func (s *Scheduler) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Speaking reports whether assistant audio is playing
func (s *Scheduler) Speaking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.speaking
}

// Cursor returns the output time at which the next chunk may start
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close halts playback, stops the drain goroutine and releases the output.
// Pending speaking notifications are discarded.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.queue = nil
	cur := s.current
	s.current = nil
	s.mu.Unlock()

	if cur != nil {
		cur.Stop()
	}
	s.cancel()
	<-s.done

	if err := s.out.Close(); err != nil {
		return voiceerr.New(voiceerr.KindPlayback, "close output", err)
	}
	return nil
}

func (s *Scheduler) run() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.kick:
		}
		s.drain()
	}
}

// drain plays queued chunks until the queue is empty
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.draining = false
			s.setSpeakingLocked(false)
			s.mu.Unlock()
			return
		}
		s.draining = true
		chunk := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		gen := s.generation
		s.mu.Unlock()

		if err := s.play(gen, chunk); err != nil {
			s.logger.Error().Err(err).Uint64("seq", chunk.Seq).Msg("Chunk playback failed, skipping")
			s.metrics.RecordPlaybackFailure()
			s.metrics.RecordError(voiceerr.KindPlayback.String(), "playback")
		}
	}
}

// play schedules one chunk at max(now, cursor) and waits until it finishes
func (s *Scheduler) play(gen uint64, chunk *Chunk) error {
	if s.out.Suspended() {
		if err := s.out.Resume(s.ctx); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to resume suspended output")
		}
	}

	s.mu.Lock()
	if gen != s.generation || s.closed {
		s.mu.Unlock()
		return nil
	}
	now := s.out.CurrentTime()
	if s.cursor < now {
		s.cursor = now
	}
	start := s.cursor
	dur := audio.Duration(len(chunk.Samples), s.cfg.SampleRate)

	src, err := s.out.Schedule(chunk.Samples, start, s.volume)
	if err != nil {
		s.mu.Unlock()
		return voiceerr.New(voiceerr.KindPlayback, "schedule chunk", fmt.Errorf("seq %d: %w", chunk.Seq, err))
	}
	s.cursor = start + dur
	s.current = src
	s.setSpeakingLocked(true)
	s.mu.Unlock()

	s.metrics.RecordChunkScheduled()
	s.logger.Debug().
		Uint64("seq", chunk.Seq).
		Int("samples", len(chunk.Samples)).
		Dur("start", start).
		Dur("duration", dur).
		Msg("Chunk scheduled")

	timer := time.NewTimer(start - now + dur + s.cfg.CompletionSlack)
	defer timer.Stop()

	var waitErr error
	select {
	case <-src.Done():
	case <-s.ctx.Done():
		src.Stop()
	case <-timer.C:
		src.Stop()
		waitErr = voiceerr.New(voiceerr.KindPlayback, "await chunk", fmt.Errorf("seq %d did not complete", chunk.Seq))
	}

	s.mu.Lock()
	if s.current == src {
		s.current = nil
	}
	s.mu.Unlock()
	return waitErr
}

func clampVolume(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
