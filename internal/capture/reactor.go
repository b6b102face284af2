// Package capture turns microphone input into ordered outbound audio frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/device"
	"github.com/lexiqai/voice-client/internal/observability"
	"github.com/lexiqai/voice-client/internal/protocol"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
)

// ErrReactorClosed is returned by StartAudio after Close
var ErrReactorClosed = errors.New("capture reactor closed")

// Sink accepts encoded capture frames in production order
type Sink interface {
	SendFrame(frameType string, v any) error
	SendBinary(pcm []byte) error
}

// Config holds capture settings
type Config struct {
	SampleRate     int
	BlockSize      int
	Processor      string // config.ProcessorWorklet or config.ProcessorInline
	QueueDepth     int    // worklet channel depth in device periods
	BinaryFrames   bool
	FFTSize        int
	LevelFrameRate int
	BargeIn        bool
	VAD            *audio.VADConfig
}

// DefaultConfig returns the default capture configuration
func DefaultConfig() Config {
	return Config{
		SampleRate:     audio.SampleRate,
		BlockSize:      4096,
		Processor:      config.ProcessorWorklet,
		QueueDepth:     64,
		FFTSize:        256,
		LevelFrameRate: 60,
		VAD:            audio.DefaultVADConfig(),
	}
}

// Hooks are optional notifications from the capture path
type Hooks struct {
	// OnLevel receives the input level in [0, 1] once per display frame
	OnLevel func(level float64)
	// OnSpeechStart fires when local VAD detects the user starting to talk
	OnSpeechStart func()
}

// Reactor owns the microphone stream and the block processor
type Reactor struct {
	mic     device.Microphone
	sink    Sink
	cfg     Config
	hooks   Hooks
	logger  zerolog.Logger
	metrics *observability.Metrics

	newClock  func(fps int) audio.FrameClock
	newWorker func(depth, blockSize int, emit func([]float32), onOverrun func(int)) (blockProcessor, error)

	mu       sync.Mutex
	running  bool
	closed   bool
	stream   device.Stream
	proc     blockProcessor
	analyser *audio.Analyser
	level    *audio.LevelMonitor
	vad      *audio.VADDetector
	blocks   atomic.Uint64
}

// NewReactor creates a capture reactor writing frames to sink
func NewReactor(mic device.Microphone, sink Sink, cfg Config, hooks Hooks, logger zerolog.Logger, metrics *observability.Metrics) *Reactor {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.SampleRate
	}
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = 4096
	}
	return &Reactor{
		mic:      mic,
		sink:     sink,
		cfg:      cfg,
		hooks:    hooks,
		logger:   logger.With().Str("component", "capture").Logger(),
		metrics:  metrics,
		newClock: audio.NewTickerClock,
		newWorker: func(depth, blockSize int, emit func([]float32), onOverrun func(int)) (blockProcessor, error) {
			return newWorkletProcessor(depth, blockSize, emit, onOverrun)
		},
	}
}

// Running reports whether capture is active
func (r *Reactor) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// StartAudio acquires the microphone and begins streaming blocks.
// It is a no-op while already running.
func (r *Reactor) StartAudio(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return voiceerr.New(voiceerr.KindDevice, "start audio", ErrReactorClosed)
	}
	if r.running {
		return nil
	}

	p := &pipeline{rate: r.cfg.SampleRate}
	p.analyser = audio.NewAnalyser(r.cfg.FFTSize)
	p.proc = r.newProcessor()
	if r.cfg.BargeIn {
		r.vad = audio.NewVADDetector(r.cfg.VAD)
	}

	stream, err := r.mic.Open(ctx, device.SpeechConstraints(r.cfg.SampleRate), p.handle)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Speech constraints rejected, retrying with device defaults")
		stream, err = r.mic.Open(ctx, device.MinimalConstraints(), p.handle)
	}
	if err != nil {
		p.proc.Close()
		p.analyser.Detach()
		r.metrics.RecordError(voiceerr.KindDevice.String(), "capture")
		return voiceerr.New(voiceerr.KindDevice, "start audio", fmt.Errorf("%w: %v", voiceerr.ErrDeviceUnavailable, err))
	}

	format := stream.Format()
	p.format.Store(&format)
	if format.SampleRate != r.cfg.SampleRate || format.Channels != 1 {
		r.logger.Info().
			Int("device_rate", format.SampleRate).
			Int("device_channels", format.Channels).
			Msg("Converting capture to mono 24 kHz")
	}

	r.stream = stream
	r.proc = p.proc
	r.analyser = p.analyser
	if r.hooks.OnLevel != nil {
		r.level = audio.NewLevelMonitor(p.analyser, r.newClock(r.cfg.LevelFrameRate), r.hooks.OnLevel)
		r.level.Start(context.Background())
	}
	r.running = true

	r.logger.Info().Str("processor", p.proc.Name()).Int("block_size", r.cfg.BlockSize).Msg("Audio capture started")
	return nil
}

func (r *Reactor) newProcessor() blockProcessor {
	if r.cfg.Processor != config.ProcessorInline {
		proc, err := r.newWorker(r.cfg.QueueDepth, r.cfg.BlockSize, r.emitBlock, r.onOverrun)
		if err == nil {
			return proc
		}
		r.logger.Warn().Err(err).Msg("Worklet processor unavailable, falling back to inline processing")
	}
	return newInlineProcessor(r.cfg.BlockSize, r.emitBlock)
}

func (r *Reactor) onOverrun(dropped int) {
	r.logger.Warn().Int("dropped_samples", dropped).Msg("Capture queue full, dropping samples")
}

// emitBlock encodes one block and hands it to the sink
func (r *Reactor) emitBlock(block []float32) {
	r.blocks.Add(1)
	if r.vad != nil {
		if _, started, _ := r.vad.ProcessFrame(block); started && r.hooks.OnSpeechStart != nil {
			r.hooks.OnSpeechStart()
		}
	}

	pcm := audio.FloatToPCM16(block)
	var err error
	if r.cfg.BinaryFrames {
		err = r.sink.SendBinary(pcm)
	} else {
		err = r.sink.SendFrame(protocol.TypeInputAudioBufferAppend, protocol.NewAppendAudio(audio.EncodeBase64(pcm)))
	}
	if err != nil {
		if errors.Is(err, voiceerr.ErrNotConnected) {
			r.logger.Debug().Msg("Channel not open, dropping capture block")
			return
		}
		r.logger.Warn().Err(err).Msg("Failed to send capture block")
		return
	}
	r.metrics.RecordAudioBytes("out", len(pcm))
}

// BlocksEmitted returns how many blocks were produced since creation
func (r *Reactor) BlocksEmitted() uint64 {
	return r.blocks.Load()
}

// StopAudio releases the microphone and stops block processing. Safe to call
// when not running. Playback is not affected.
func (r *Reactor) StopAudio() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false

	if err := r.stream.Close(); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to close capture stream")
	}
	r.proc.Close()
	r.analyser.Detach()
	if r.level != nil {
		r.level.Stop()
		r.level = nil
	}
	if r.vad != nil {
		r.vad.Reset()
	}
	r.stream, r.proc, r.analyser = nil, nil, nil

	r.logger.Info().Msg("Audio capture stopped")
}

// Close stops capture for good; later StartAudio calls fail with
// ErrReactorClosed
func (r *Reactor) Close() {
	r.StopAudio()
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
}

// pipeline runs on the device thread: convert to mono 24 kHz, tap the
// analyser, then feed the processor
type pipeline struct {
	rate     int
	format   atomic.Pointer[device.Format]
	analyser *audio.Analyser
	proc     blockProcessor
}

func (p *pipeline) handle(interleaved []float32) {
	f := p.format.Load()
	if f == nil {
		return
	}
	mono := audio.Downmix(interleaved, f.Channels)
	mono = audio.Resample(mono, f.SampleRate, p.rate)
	p.analyser.Write(mono)
	p.proc.Push(mono)
}
