// Package mock provides in-memory implementations of [device.Microphone] and
// [device.Output] for unit tests.
//
// Both mocks are safe for concurrent use. Set the exported fields to control
// behavior; inspect the recorded calls afterwards.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/lexiqai/voice-client/internal/device"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// Microphone is a mock [device.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErrors is consumed one entry per Open call; a nil entry (or running
	// past the end) means success.
	OpenErrors []error

	// FormatResult is the format reported by opened streams. Defaults to the
	// requested constraints, or mono 48000 for device defaults.
	FormatResult *device.Format

	// OpenCalls records the constraints of every Open call.
	OpenCalls []device.Constraints

	handler device.FrameHandler
	streams []*Stream
}

// Stream is the stream returned by [Microphone.Open].
type Stream struct {
	mu     sync.Mutex
	format device.Format
	mic    *Microphone

	// CloseCount records how many times Close was called.
	CloseCount int
}

// Open implements [device.Microphone].
func (m *Microphone) Open(ctx context.Context, c device.Constraints, onFrames device.FrameHandler) (device.Stream, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := len(m.OpenCalls)
	m.OpenCalls = append(m.OpenCalls, c)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if idx < len(m.OpenErrors) && m.OpenErrors[idx] != nil {
		return nil, m.OpenErrors[idx]
	}

	format := device.Format{SampleRate: c.SampleRate, Channels: c.Channels}
	if format.SampleRate == 0 {
		format.SampleRate = 48000
	}
	if format.Channels == 0 {
		format.Channels = 1
	}
	if m.FormatResult != nil {
		format = *m.FormatResult
	}

	s := &Stream{format: format, mic: m}
	m.handler = onFrames
	m.streams = append(m.streams, s)
	return s, nil
}

// Emit delivers samples to the handler of the most recently opened stream,
// as the device thread would. It is a no-op when no stream is open.
func (m *Microphone) Emit(samples []float32) {
	m.mu.Lock()
	h := m.handler
	m.mu.Unlock()
	if h != nil {
		h(samples)
	}
}

// Streams returns every stream opened so far.
func (m *Microphone) Streams() []*Stream {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Stream, len(m.streams))
	copy(out, m.streams)
	return out
}

// Format implements [device.Stream].
func (s *Stream) Format() device.Format {
	return s.format
}

// Close implements [device.Stream]; it detaches the frame handler.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCount++
	s.mu.Unlock()

	s.mic.mu.Lock()
	if len(s.mic.streams) > 0 && s.mic.streams[len(s.mic.streams)-1] == s {
		s.mic.handler = nil
	}
	s.mic.mu.Unlock()
	return nil
}

// Closed reports whether Close was called at least once.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount > 0
}

// ─── Output ──────────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of one [Output.Schedule] invocation.
type ScheduleCall struct {
	Samples []float32
	At      time.Duration
	Gain    float64
}

// Output is a mock [device.Output] with a manually driven clock.
type Output struct {
	mu sync.Mutex

	// Now is returned by CurrentTime.
	Now time.Duration

	// SuspendedResult is reported by Suspended until Resume succeeds.
	SuspendedResult bool

	// ResumeError is returned by Resume.
	ResumeError error

	// ScheduleErrors is consumed one entry per Schedule call; nil means success.
	ScheduleErrors []error

	// Hold keeps scheduled sources playing until Release or Stop. When false,
	// sources complete immediately.
	Hold bool

	// ScheduleCalls records every successful and failed Schedule call.
	ScheduleCalls []ScheduleCall

	// ResumeCount records how many times Resume was called.
	ResumeCount int

	// CloseCount records how many times Close was called.
	CloseCount int

	sources []*Source
	notify  chan struct{}
}

// Source is the source returned by [Output.Schedule].
type Source struct {
	done chan struct{}
	once sync.Once

	mu      sync.Mutex
	stopped bool
}

// CurrentTime implements [device.Output].
func (o *Output) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.Now
}

// Advance moves the clock forward by d.
func (o *Output) Advance(d time.Duration) {
	o.mu.Lock()
	o.Now += d
	o.mu.Unlock()
}

// Suspended implements [device.Output].
func (o *Output) Suspended() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.SuspendedResult
}

// Resume implements [device.Output].
func (o *Output) Resume(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ResumeCount++
	if o.ResumeError != nil {
		return o.ResumeError
	}
	o.SuspendedResult = false
	return nil
}

// Schedule implements [device.Output].
func (o *Output) Schedule(samples []float32, at time.Duration, gain float64) (device.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	idx := len(o.ScheduleCalls)
	cp := make([]float32, len(samples))
	copy(cp, samples)
	o.ScheduleCalls = append(o.ScheduleCalls, ScheduleCall{Samples: cp, At: at, Gain: gain})
	if o.notify != nil {
		select {
		case o.notify <- struct{}{}:
		default:
		}
	}
	if idx < len(o.ScheduleErrors) && o.ScheduleErrors[idx] != nil {
		return nil, o.ScheduleErrors[idx]
	}

	s := &Source{done: make(chan struct{})}
	if !o.Hold {
		s.finish()
	}
	o.sources = append(o.sources, s)
	return s, nil
}

// Scheduled returns a notification channel that receives after every Schedule
// call. Buffered by one; intended for a single waiting test goroutine.
func (o *Output) Scheduled() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.notify == nil {
		o.notify = make(chan struct{}, 1)
	}
	return o.notify
}

// Calls returns a copy of ScheduleCalls.
func (o *Output) Calls() []ScheduleCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ScheduleCall, len(o.ScheduleCalls))
	copy(out, o.ScheduleCalls)
	return out
}

// Sources returns every source created so far.
func (o *Output) Sources() []*Source {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Source, len(o.sources))
	copy(out, o.sources)
	return out
}

// Release completes the oldest source that is still playing.
func (o *Output) Release() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, s := range o.sources {
		select {
		case <-s.done:
			continue
		default:
			s.finish()
			return true
		}
	}
	return false
}

// Close implements [device.Output].
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CloseCount++
	for _, s := range o.sources {
		s.finish()
	}
	return nil
}

// Done implements [device.Source].
func (s *Source) Done() <-chan struct{} {
	return s.done
}

// Stop implements [device.Source].
func (s *Source) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.finish()
}

// Stopped reports whether Stop was called.
func (s *Source) Stopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *Source) finish() {
	s.once.Do(func() { close(s.done) })
}
