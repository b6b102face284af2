package audio

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

const (
	defaultFFTSize   = 2048
	defaultSmoothing = 0.8
	defaultMinDB     = -100.0
	defaultMaxDB     = -30.0
)

// Analyser taps the capture source and exposes smoothed frequency-magnitude
// bins scaled to bytes, in the manner of a browser AnalyserNode.
type Analyser struct {
	mu        sync.Mutex
	fftSize   int
	smoothing float64
	minDB     float64
	maxDB     float64

	fft      *fourier.FFT
	window   []float64
	history  []float64 // last fftSize time-domain samples, ring ordered by pos
	pos      int
	smoothed []float64
	detached bool
}

// NewAnalyser creates an analyser with the given FFT size (power of two).
// A non-positive size selects 2048.
func NewAnalyser(fftSize int) *Analyser {
	if fftSize <= 0 {
		fftSize = defaultFFTSize
	}
	return &Analyser{
		fftSize:   fftSize,
		smoothing: defaultSmoothing,
		minDB:     defaultMinDB,
		maxDB:     defaultMaxDB,
		fft:       fourier.NewFFT(fftSize),
		window:    blackman(fftSize),
		history:   make([]float64, fftSize),
		smoothed:  make([]float64, fftSize/2),
	}
}

// FrequencyBinCount is half the FFT size
func (a *Analyser) FrequencyBinCount() int {
	return a.fftSize / 2
}

// Write feeds time-domain samples into the analyser
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return
	}
	for _, s := range samples {
		a.history[a.pos] = float64(s)
		a.pos = (a.pos + 1) % a.fftSize
	}
}

// Detach disconnects the analyser from its source; later reads report !ok
func (a *Analyser) Detach() {
	a.mu.Lock()
	a.detached = true
	a.mu.Unlock()
}

// ByteFrequencyData fills dst with up to FrequencyBinCount byte magnitudes.
// ok is false when the analyser has been detached.
func (a *Analyser) ByteFrequencyData(dst []byte) (n int, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.detached {
		return 0, false
	}

	seq := make([]float64, a.fftSize)
	for i := 0; i < a.fftSize; i++ {
		seq[i] = a.history[(a.pos+i)%a.fftSize] * a.window[i]
	}
	coeffs := a.fft.Coefficients(nil, seq)

	bins := a.FrequencyBinCount()
	if len(dst) < bins {
		bins = len(dst)
	}
	scale := 255.0 / (a.maxDB - a.minDB)
	for k := 0; k < a.FrequencyBinCount(); k++ {
		re, im := real(coeffs[k]), imag(coeffs[k])
		mag := math.Sqrt(re*re+im*im) / float64(a.fftSize)
		a.smoothed[k] = a.smoothing*a.smoothed[k] + (1-a.smoothing)*mag
		if k >= bins {
			continue
		}
		db := a.minDB
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := (db - a.minDB) * scale
		switch {
		case v < 0:
			v = 0
		case v > 255:
			v = 255
		}
		dst[k] = byte(v)
	}
	return bins, true
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := 0.5 * (1 - alpha)
	a1 := 0.5
	a2 := 0.5 * alpha
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
