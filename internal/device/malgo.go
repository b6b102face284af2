package device

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"
)

// MalgoMicrophone captures audio through miniaudio
type MalgoMicrophone struct {
	logger zerolog.Logger
}

// NewMalgoMicrophone creates a microphone backed by the default capture device
func NewMalgoMicrophone(logger zerolog.Logger) *MalgoMicrophone {
	return &MalgoMicrophone{logger: logger.With().Str("device", "malgo_capture").Logger()}
}

type malgoStream struct {
	mctx   *malgo.AllocatedContext
	dev    *malgo.Device
	format Format

	once sync.Once
	err  error
}

// Open initializes a capture context and device and starts it
func (m *MalgoMicrophone) Open(ctx context.Context, c Constraints, onFrames FrameHandler) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.EchoCancellation || c.NoiseSuppression || c.AutoGainControl {
		m.logger.Debug().
			Bool("echo_cancellation", c.EchoCancellation).
			Bool("noise_suppression", c.NoiseSuppression).
			Bool("auto_gain", c.AutoGainControl).
			Msg("Processing hints not supported by backend, ignoring")
	}

	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to init capture context: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = uint32(c.Channels)
	cfg.SampleRate = uint32(c.SampleRate)
	if c.PeriodFrames > 0 {
		cfg.PeriodSizeInFrames = uint32(c.PeriodFrames)
	}

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			onFrames(bytesToFloat32(input))
		},
	}

	dev, err := malgo.InitDevice(mctx.Context, cfg, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to init capture device: %w", err)
	}

	if err := dev.Start(); err != nil {
		dev.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("failed to start capture device: %w", err)
	}

	s := &malgoStream{
		mctx: mctx,
		dev:  dev,
		format: Format{
			SampleRate: int(dev.SampleRate()),
			Channels:   int(dev.CaptureChannels()),
		},
	}

	m.logger.Info().
		Int("sample_rate", s.format.SampleRate).
		Int("channels", s.format.Channels).
		Msg("Capture device started")

	return s, nil
}

func (s *malgoStream) Format() Format {
	return s.format
}

// Close stops the device and releases the context; safe to call repeatedly
func (s *malgoStream) Close() error {
	s.once.Do(func() {
		if err := s.dev.Stop(); err != nil {
			s.err = fmt.Errorf("failed to stop capture device: %w", err)
		}
		s.dev.Uninit()
		if err := s.mctx.Uninit(); err != nil && s.err == nil {
			s.err = fmt.Errorf("failed to release capture context: %w", err)
		}
		s.mctx.Free()
	})
	return s.err
}

func bytesToFloat32(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}
