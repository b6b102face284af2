package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/lexiqai/voice-client/internal/audio"
	"github.com/lexiqai/voice-client/internal/config"
	"github.com/lexiqai/voice-client/internal/device"
	"github.com/lexiqai/voice-client/internal/device/mock"
	"github.com/lexiqai/voice-client/internal/protocol"
	"github.com/lexiqai/voice-client/internal/voiceerr"
	"github.com/rs/zerolog"
)

type sentFrame struct {
	frameType string
	frame     any
	binary    []byte
}

type fakeSink struct {
	mu     sync.Mutex
	frames []sentFrame
	err    error
}

func (s *fakeSink) SendFrame(frameType string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, sentFrame{frameType: frameType, frame: v})
	return nil
}

func (s *fakeSink) SendBinary(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, sentFrame{binary: pcm})
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeSink) get(i int) sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames[i]
}

func waitFrames(t *testing.T, sink *fakeSink, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d frames, got %d", want, sink.count())
		}
		time.Sleep(time.Millisecond)
	}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func newTestReactor(mic device.Microphone, sink Sink, cfg Config, hooks Hooks) *Reactor {
	return NewReactor(mic, sink, cfg, hooks, zerolog.Nop(), nil)
}

func TestStartAudioStreamsBlocks(t *testing.T) {
	mic := &mock.Microphone{}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, DefaultConfig(), Hooks{})

	if err := r.StartAudio(context.Background()); err != nil {
		t.Fatalf("StartAudio failed: %v", err)
	}
	defer r.StopAudio()

	if len(mic.OpenCalls) != 1 || mic.OpenCalls[0] != device.SpeechConstraints(24000) {
		t.Errorf("Expected one open with speech constraints, got %+v", mic.OpenCalls)
	}

	mic.Emit(constant(3000, 0.1))
	mic.Emit(constant(5192, 0.1))
	waitFrames(t, sink, 2)

	f := sink.get(0)
	if f.frameType != protocol.TypeInputAudioBufferAppend {
		t.Errorf("Expected append frame, got %s", f.frameType)
	}
	frame, ok := f.frame.(protocol.AppendAudioFrame)
	if !ok {
		t.Fatalf("Expected AppendAudioFrame, got %T", f.frame)
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Audio)
	if err != nil {
		t.Fatalf("Invalid base64 audio: %v", err)
	}
	if len(pcm) != 4096*2 {
		t.Errorf("Expected 8192 PCM bytes, got %d", len(pcm))
	}
}

func TestStartAudioFallsBackToMinimalConstraints(t *testing.T) {
	mic := &mock.Microphone{
		OpenErrors:   []error{errors.New("overconstrained")},
		FormatResult: &device.Format{SampleRate: 48000, Channels: 2},
	}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, DefaultConfig(), Hooks{})

	if err := r.StartAudio(context.Background()); err != nil {
		t.Fatalf("StartAudio failed: %v", err)
	}
	defer r.StopAudio()

	if len(mic.OpenCalls) != 2 {
		t.Fatalf("Expected 2 open attempts, got %d", len(mic.OpenCalls))
	}
	if mic.OpenCalls[1] != device.MinimalConstraints() {
		t.Errorf("Expected minimal constraints on retry, got %+v", mic.OpenCalls[1])
	}

	// 16384 stereo frames at 48 kHz become 8192 mono samples at 24 kHz
	mic.Emit(constant(16384*2, 0.2))
	waitFrames(t, sink, 2)
}

func TestStartAudioDeviceUnavailable(t *testing.T) {
	mic := &mock.Microphone{OpenErrors: []error{errors.New("denied"), errors.New("denied")}}
	r := newTestReactor(mic, &fakeSink{}, DefaultConfig(), Hooks{})

	err := r.StartAudio(context.Background())
	if !errors.Is(err, voiceerr.ErrDeviceUnavailable) {
		t.Errorf("Expected ErrDeviceUnavailable, got %v", err)
	}
	if !voiceerr.Is(err, voiceerr.KindDevice) {
		t.Errorf("Expected device kind, got %v", voiceerr.KindOf(err))
	}
	if r.Running() {
		t.Error("Expected reactor not running after failure")
	}
}

func TestStartAudioIdempotent(t *testing.T) {
	mic := &mock.Microphone{}
	r := newTestReactor(mic, &fakeSink{}, DefaultConfig(), Hooks{})

	r.StartAudio(context.Background())
	r.StartAudio(context.Background())
	defer r.StopAudio()

	if len(mic.OpenCalls) != 1 {
		t.Errorf("Expected a single open, got %d", len(mic.OpenCalls))
	}
}

func TestStopAudioReleasesMicrophone(t *testing.T) {
	mic := &mock.Microphone{}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, DefaultConfig(), Hooks{})

	r.StartAudio(context.Background())
	r.StopAudio()
	r.StopAudio()

	streams := mic.Streams()
	if len(streams) != 1 || streams[0].CloseCount != 1 {
		t.Errorf("Expected stream closed exactly once")
	}
	if r.Running() {
		t.Error("Expected reactor stopped")
	}

	mic.Emit(constant(8192, 0.1))
	time.Sleep(10 * time.Millisecond)
	if sink.count() != 0 {
		t.Errorf("Expected no frames after stop, got %d", sink.count())
	}
}

func TestInlineProcessorIsSynchronous(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processor = config.ProcessorInline
	mic := &mock.Microphone{}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, cfg, Hooks{})

	r.StartAudio(context.Background())
	defer r.StopAudio()

	mic.Emit(constant(4096, 0.1))
	if sink.count() != 1 {
		t.Errorf("Expected block emitted on the device thread, got %d frames", sink.count())
	}
}

func TestWorkletFailureFallsBackToInline(t *testing.T) {
	mic := &mock.Microphone{}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, DefaultConfig(), Hooks{})
	r.newWorker = func(int, int, func([]float32), func(int)) (blockProcessor, error) {
		return nil, errors.New("no worker support")
	}

	r.StartAudio(context.Background())
	defer r.StopAudio()

	mic.Emit(constant(4096, 0.1))
	if sink.count() != 1 {
		t.Errorf("Expected inline fallback to emit synchronously, got %d frames", sink.count())
	}
}

func TestProcessorsProduceIdenticalBlocks(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	var periods [][]float32
	for i := 0; i < 50; i++ {
		p := make([]float32, 100+rng.Intn(1500))
		for j := range p {
			p[j] = rng.Float32()*2 - 1
		}
		periods = append(periods, p)
	}

	var inlineBlocks, workletBlocks [][]float32
	inline := newInlineProcessor(4096, func(b []float32) { inlineBlocks = append(inlineBlocks, b) })
	var mu sync.Mutex
	worklet, err := newWorkletProcessor(len(periods), 4096, func(b []float32) {
		mu.Lock()
		workletBlocks = append(workletBlocks, b)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("newWorkletProcessor failed: %v", err)
	}

	for _, p := range periods {
		inline.Push(p)
		worklet.Push(p)
	}
	worklet.Close()
	inline.Close()

	if len(inlineBlocks) == 0 || len(inlineBlocks) != len(workletBlocks) {
		t.Fatalf("Expected equal block counts, got inline=%d worklet=%d", len(inlineBlocks), len(workletBlocks))
	}
	for i := range inlineBlocks {
		for j := range inlineBlocks[i] {
			if inlineBlocks[i][j] != workletBlocks[i][j] {
				t.Fatalf("Block %d differs at sample %d", i, j)
			}
		}
	}
}

func TestBinaryFrames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processor = config.ProcessorInline
	cfg.BinaryFrames = true
	mic := &mock.Microphone{}
	sink := &fakeSink{}
	r := newTestReactor(mic, sink, cfg, Hooks{})

	r.StartAudio(context.Background())
	defer r.StopAudio()
	mic.Emit(constant(4096, 0.5))

	if sink.count() != 1 {
		t.Fatalf("Expected 1 frame, got %d", sink.count())
	}
	if got := len(sink.get(0).binary); got != 8192 {
		t.Errorf("Expected 8192 binary bytes, got %d", got)
	}
}

func TestSendFailureDoesNotStopCapture(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processor = config.ProcessorInline
	mic := &mock.Microphone{}
	sink := &fakeSink{err: voiceerr.ErrNotConnected}
	r := newTestReactor(mic, sink, cfg, Hooks{})

	r.StartAudio(context.Background())
	defer r.StopAudio()
	mic.Emit(constant(8192, 0.1))

	if r.BlocksEmitted() != 2 {
		t.Errorf("Expected 2 blocks processed, got %d", r.BlocksEmitted())
	}
	if !r.Running() {
		t.Error("Expected capture to keep running")
	}
}

func TestBargeInHook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processor = config.ProcessorInline
	cfg.BargeIn = true
	mic := &mock.Microphone{}
	started := 0
	r := newTestReactor(mic, &fakeSink{}, cfg, Hooks{OnSpeechStart: func() { started++ }})

	r.StartAudio(context.Background())
	defer r.StopAudio()

	mic.Emit(constant(4096, 0))
	mic.Emit(constant(4096, 0.5))
	mic.Emit(constant(4096, 0.5))

	if started != 1 {
		t.Errorf("Expected one speech start, got %d", started)
	}
}

type tickClock struct{ ch chan time.Time }

func (c *tickClock) Frames() <-chan time.Time { return c.ch }
func (c *tickClock) Stop()                    {}

func TestLevelHook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processor = config.ProcessorInline
	mic := &mock.Microphone{}
	levels := make(chan float64, 1)
	clock := &tickClock{ch: make(chan time.Time)}
	r := newTestReactor(mic, &fakeSink{}, cfg, Hooks{OnLevel: func(l float64) {
		select {
		case levels <- l:
		default:
		}
	}})
	r.newClock = func(int) audio.FrameClock { return clock }

	r.StartAudio(context.Background())
	defer r.StopAudio()

	tone := make([]float32, 4096)
	for i := range tone {
		if i%4 < 2 {
			tone[i] = 0.8
		} else {
			tone[i] = -0.8
		}
	}
	mic.Emit(tone)
	clock.ch <- time.Now()

	select {
	case l := <-levels:
		if l <= 0 {
			t.Errorf("Expected positive level, got %f", l)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a level callback")
	}
}

func TestStopAudioFromBargeInHook(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BargeIn = true
	mic := &mock.Microphone{}
	var r *Reactor
	stopped := make(chan struct{})
	r = newTestReactor(mic, &fakeSink{}, cfg, Hooks{OnSpeechStart: func() {
		r.StopAudio()
		close(stopped)
	}})

	if err := r.StartAudio(context.Background()); err != nil {
		t.Fatalf("StartAudio failed: %v", err)
	}
	mic.Emit(constant(4096, 0.5))

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAudio from the worklet goroutine did not return")
	}
	if r.Running() {
		t.Error("Expected reactor stopped")
	}
}

func TestCloseRejectsStart(t *testing.T) {
	mic := &mock.Microphone{}
	r := newTestReactor(mic, &fakeSink{}, DefaultConfig(), Hooks{})

	if err := r.StartAudio(context.Background()); err != nil {
		t.Fatalf("StartAudio failed: %v", err)
	}
	r.Close()

	if !mic.Streams()[0].Closed() {
		t.Error("Expected microphone released")
	}
	err := r.StartAudio(context.Background())
	if !errors.Is(err, ErrReactorClosed) {
		t.Errorf("Expected ErrReactorClosed, got %v", err)
	}
	if len(mic.Streams()) != 1 {
		t.Errorf("Expected no new stream after close, got %d", len(mic.Streams()))
	}
}
