package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/rs/zerolog"
)

// OtoOutput renders scheduled buffers onto a single oto player. The player
// pulls from a timeline whose read position is the output clock.
type OtoOutput struct {
	ctx      *oto.Context
	player   *oto.Player
	timeline *timeline
	logger   zerolog.Logger

	mu        sync.Mutex
	suspended bool
	closed    bool
}

var (
	sharedMu   sync.Mutex
	sharedCtx  *oto.Context
	sharedRate int
)

// playbackContext returns the process-wide oto context, creating it on first
// use. oto allows only one context per process, so later outputs must ask
// for the same sample rate.
func playbackContext(sampleRate int, bufferSize time.Duration) (*oto.Context, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedCtx != nil {
		if sharedRate != sampleRate {
			return nil, fmt.Errorf("playback context already open at %d Hz, requested %d Hz", sharedRate, sampleRate)
		}
		return sharedCtx, nil
	}

	ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   sampleRate,
		ChannelCount: 1,
		Format:       oto.FormatFloat32LE,
		BufferSize:   bufferSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init playback context: %w", err)
	}
	<-ready
	sharedCtx, sharedRate = ctx, sampleRate
	return ctx, nil
}

// NewOtoOutput creates a mono float32 output at sampleRate with its own
// player. bufferSize bounds how far ahead oto reads; zero lets oto choose.
func NewOtoOutput(sampleRate int, bufferSize time.Duration, logger zerolog.Logger) (*OtoOutput, error) {
	ctx, err := playbackContext(sampleRate, bufferSize)
	if err != nil {
		return nil, err
	}

	tl := newTimeline(sampleRate)
	player := ctx.NewPlayer(tl)
	player.Play()

	return &OtoOutput{
		ctx:      ctx,
		player:   player,
		timeline: tl,
		logger:   logger.With().Str("device", "oto_playback").Logger(),
	}, nil
}

func (o *OtoOutput) CurrentTime() time.Duration {
	return o.timeline.now()
}

func (o *OtoOutput) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.suspended
}

// Suspend pauses the hardware output; the clock stops with it
func (o *OtoOutput) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.suspended || o.closed {
		return nil
	}
	if err := o.ctx.Suspend(); err != nil {
		return fmt.Errorf("failed to suspend playback context: %w", err)
	}
	o.suspended = true
	return nil
}

func (o *OtoOutput) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.suspended {
		return nil
	}
	if err := o.ctx.Resume(); err != nil {
		return fmt.Errorf("failed to resume playback context: %w", err)
	}
	o.suspended = false
	o.logger.Debug().Msg("Playback context resumed")
	return nil
}

func (o *OtoOutput) Schedule(samples []float32, at time.Duration, gain float64) (Source, error) {
	o.mu.Lock()
	closed := o.closed
	o.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("playback context closed")
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("empty buffer")
	}
	return o.timeline.add(samples, at, gain), nil
}

// Close stops every scheduled buffer and releases the player. The shared
// context stays alive for the next output.
func (o *OtoOutput) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.timeline.stopAll()
	o.player.Pause()
	err := o.player.Err()
	o.player.Close()
	if err != nil {
		return fmt.Errorf("player failed: %w", err)
	}
	return nil
}

// timeline mixes scheduled segments into a float32 LE stream. Every sample it
// hands out advances the clock, silence included.
type timeline struct {
	rate int

	mu       sync.Mutex
	pos      int64
	segments []*segment
}

type segment struct {
	start   int64
	samples []float32
	gain    float32
	done    chan struct{}
	once    sync.Once
	tl      *timeline
}

func newTimeline(rate int) *timeline {
	return &timeline{rate: rate}
}

func (t *timeline) now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return time.Duration(t.pos) * time.Second / time.Duration(t.rate)
}

func (t *timeline) add(samples []float32, at time.Duration, gain float64) *segment {
	t.mu.Lock()
	defer t.mu.Unlock()
	start := int64(at) * int64(t.rate) / int64(time.Second)
	if start < t.pos {
		start = t.pos
	}
	s := &segment{
		start:   start,
		samples: samples,
		gain:    float32(gain),
		done:    make(chan struct{}),
		tl:      t,
	}
	t.segments = append(t.segments, s)
	return s
}

// Read implements io.Reader for the oto player
func (t *timeline) Read(p []byte) (int, error) {
	frames := len(p) / 4
	t.mu.Lock()
	defer t.mu.Unlock()

	for i := 0; i < frames; i++ {
		at := t.pos + int64(i)
		var v float32
		for _, s := range t.segments {
			if at >= s.start && at < s.start+int64(len(s.samples)) {
				v += s.samples[at-s.start] * s.gain
			}
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		binary.LittleEndian.PutUint32(p[i*4:], math.Float32bits(v))
	}
	t.pos += int64(frames)

	live := t.segments[:0]
	for _, s := range t.segments {
		if s.start+int64(len(s.samples)) <= t.pos {
			s.finish()
			continue
		}
		live = append(live, s)
	}
	t.segments = live

	return frames * 4, nil
}

func (t *timeline) remove(target *segment) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.segments {
		if s == target {
			t.segments = append(t.segments[:i], t.segments[i+1:]...)
			return
		}
	}
}

func (t *timeline) stopAll() {
	t.mu.Lock()
	segs := t.segments
	t.segments = nil
	t.mu.Unlock()
	for _, s := range segs {
		s.finish()
	}
}

func (s *segment) Done() <-chan struct{} {
	return s.done
}

func (s *segment) Stop() {
	s.tl.remove(s)
	s.finish()
}

func (s *segment) finish() {
	s.once.Do(func() { close(s.done) })
}
