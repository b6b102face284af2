package audio

import (
	"math"
	"testing"
)

func sine(n int, freq float64, amp float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = amp * float32(math.Sin(2*math.Pi*freq*float64(i)/SampleRate))
	}
	return out
}

func TestAnalyserSilence(t *testing.T) {
	a := NewAnalyser(256)
	a.Write(make([]float32, 256))

	bins := make([]byte, a.FrequencyBinCount())
	n, ok := a.ByteFrequencyData(bins)
	if !ok {
		t.Fatal("Expected ok for attached analyser")
	}
	if n != 128 {
		t.Errorf("Expected 128 bins, got %d", n)
	}
	for i, b := range bins {
		if b != 0 {
			t.Errorf("Expected silent bin %d to be 0, got %d", i, b)
			break
		}
	}
}

func TestAnalyserToneRaisesBins(t *testing.T) {
	a := NewAnalyser(512)
	bins := make([]byte, a.FrequencyBinCount())

	// repeated reads let the smoothed magnitude settle
	for i := 0; i < 20; i++ {
		a.Write(sine(512, 1000, 0.8))
		a.ByteFrequencyData(bins)
	}

	peak := 0
	for _, b := range bins {
		if int(b) > peak {
			peak = int(b)
		}
	}
	if peak == 0 {
		t.Error("Expected a non-zero peak for a loud tone")
	}
}

func TestAnalyserDetached(t *testing.T) {
	a := NewAnalyser(256)
	a.Detach()

	n, ok := a.ByteFrequencyData(make([]byte, 128))
	if ok {
		t.Error("Expected !ok after Detach")
	}
	if n != 0 {
		t.Errorf("Expected 0 bins, got %d", n)
	}
}

func TestAnalyserShortDestination(t *testing.T) {
	a := NewAnalyser(256)
	a.Write(sine(256, 440, 0.5))

	n, ok := a.ByteFrequencyData(make([]byte, 10))
	if !ok || n != 10 {
		t.Errorf("Expected 10 bins, got %d (ok=%v)", n, ok)
	}
}

func TestBlackmanWindowEdges(t *testing.T) {
	w := blackman(64)
	if math.Abs(w[0]) > 1e-9 {
		t.Errorf("Expected window to start at 0, got %f", w[0])
	}
	if w[32] < 0.99 {
		t.Errorf("Expected window peak near 1, got %f", w[32])
	}
}
