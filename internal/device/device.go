// Package device wraps the microphone and speaker behind explicit handles.
//
// Capture and playback are deliberately separate: a Microphone is backed by a
// malgo context and an Output by an oto context, so tearing one down never
// affects the other.
package device

import (
	"context"
	"time"
)

// Constraints describe what the caller would like from the microphone.
// Zero values mean "device default".
type Constraints struct {
	SampleRate       int
	Channels         int
	PeriodFrames     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// SpeechConstraints returns the preferred capture settings for conversational audio
func SpeechConstraints(sampleRate int) Constraints {
	return Constraints{
		SampleRate:       sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// MinimalConstraints accepts whatever the device offers
func MinimalConstraints() Constraints {
	return Constraints{}
}

// Format is the actual format a stream was opened with
type Format struct {
	SampleRate int
	Channels   int
}

// FrameHandler receives interleaved float32 samples. It runs on the device
// thread and must not block.
type FrameHandler func(samples []float32)

// Microphone opens capture streams
type Microphone interface {
	Open(ctx context.Context, c Constraints, onFrames FrameHandler) (Stream, error)
}

// Stream is an open capture stream
type Stream interface {
	Format() Format
	Close() error
}

// Output is a playback context with its own clock
type Output interface {
	// CurrentTime is the output clock: how much audio has been rendered
	CurrentTime() time.Duration
	Suspended() bool
	Resume(ctx context.Context) error
	// Schedule plays mono samples starting at clock time at, scaled by gain
	Schedule(samples []float32, at time.Duration, gain float64) (Source, error)
	Close() error
}

// Source is one scheduled buffer
type Source interface {
	// Done is closed when the buffer finished playing or was stopped
	Done() <-chan struct{}
	Stop()
}
