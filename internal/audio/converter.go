package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

const (
	// SampleRate is the negotiated wire sample rate (mono PCM16 LE)
	SampleRate = 24000

	// BytesPerSample is the size of one PCM16 sample on the wire
	BytesPerSample = 2
)

// FloatToPCM16 converts normalized samples to 16-bit signed little-endian PCM.
// Samples are clamped to [-1, 1]; negative and positive halves are scaled
// independently so that -1 maps to -32768 and 1 maps to 32767.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	v := float64(s)
	if math.IsNaN(v) {
		return 0
	}
	if v > 1 {
		v = 1
	} else if v < -1 {
		v = -1
	}
	if v < 0 {
		return int16(math.Round(v * 32768))
	}
	return int16(math.Round(v * 32767))
}

// PCM16ToFloat converts 16-bit signed little-endian PCM to normalized samples.
// A trailing odd byte is ignored; callers that care should check len(pcm)%2.
func PCM16ToFloat(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = int16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func int16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodeBase64PCM16 encodes samples as base64 PCM16 for JSON frames
func EncodeBase64PCM16(samples []float32) string {
	return EncodeBase64(FloatToPCM16(samples))
}

// EncodeBase64 encodes raw PCM16 bytes
func EncodeBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeBase64 decodes a base64 audio payload into raw PCM16 bytes
func DecodeBase64(payload string) ([]byte, error) {
	if payload == "" {
		return nil, fmt.Errorf("empty audio payload")
	}
	pcm, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 audio: %w", err)
	}
	return pcm, nil
}

// Resample performs linear interpolation resampling of mono samples.
// Used when the capture device could not honour the requested rate.
func Resample(samples []float32, inputRate, outputRate int) []float32 {
	if inputRate == outputRate || len(samples) == 0 || inputRate <= 0 || outputRate <= 0 {
		return samples
	}

	ratio := float64(outputRate) / float64(inputRate)
	outputLength := int(float64(len(samples)) * ratio)
	output := make([]float32, outputLength)

	for i := 0; i < outputLength; i++ {
		srcPos := float64(i) / ratio

		idx0 := int(srcPos)
		if idx0 >= len(samples) {
			idx0 = len(samples) - 1
		}
		idx1 := idx0 + 1
		if idx1 >= len(samples) {
			idx1 = len(samples) - 1
		}

		fraction := float32(srcPos - float64(idx0))
		output[i] = samples[idx0]*(1-fraction) + samples[idx1]*fraction
	}

	return output
}

// Downmix averages interleaved multi-channel samples into mono
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for c := 0; c < channels; c++ {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// Duration returns the playback length of n mono samples at rate
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}

// SamplesFor returns how many samples at rate cover d
func SamplesFor(d time.Duration, rate int) int {
	return int(d * time.Duration(rate) / time.Second)
}

// CalculateRMS calculates the root mean square of normalized samples.
// Useful for detecting audio levels and silence
func CalculateRMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}

// IsNearSilent reports whether samples are all zero or below the RMS threshold
func IsNearSilent(samples []float32, threshold float64) bool {
	return CalculateRMS(samples) <= threshold
}
