package audio

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// FrameClock delivers display-refresh ticks. Implementations tied to a real
// render loop should stop delivering while the view is hidden.
type FrameClock interface {
	Frames() <-chan time.Time
	Stop()
}

type tickerClock struct {
	ticker *time.Ticker
}

// NewTickerClock returns a FrameClock firing fps times per second
func NewTickerClock(fps int) FrameClock {
	if fps <= 0 {
		fps = 60
	}
	return &tickerClock{ticker: time.NewTicker(time.Second / time.Duration(fps))}
}

func (c *tickerClock) Frames() <-chan time.Time { return c.ticker.C }
func (c *tickerClock) Stop()                    { c.ticker.Stop() }

// LevelMonitor reports a normalized input amplitude once per frame for UI
// visualization. It has no protocol role.
type LevelMonitor struct {
	analyser *Analyser
	clock    FrameClock
	onLevel  func(float64)

	mu         sync.Mutex
	cancel     context.CancelFunc
	stopped    chan struct{}
	delivering atomic.Bool
}

// NewLevelMonitor creates a monitor reading from analyser on every clock frame
func NewLevelMonitor(analyser *Analyser, clock FrameClock, onLevel func(float64)) *LevelMonitor {
	return &LevelMonitor{
		analyser: analyser,
		clock:    clock,
		onLevel:  onLevel,
	}
}

// Sample computes the mean of the analyser's byte bins normalized to [0, 1].
// ok is false if the capture graph was torn down.
func (m *LevelMonitor) Sample() (float64, bool) {
	if m.analyser == nil {
		return 0, false
	}
	bins := make([]byte, m.analyser.FrequencyBinCount())
	n, ok := m.analyser.ByteFrequencyData(bins)
	if !ok || n == 0 {
		return 0, false
	}
	sum := 0
	for _, b := range bins[:n] {
		sum += int(b)
	}
	return float64(sum) / float64(n) / 255.0, true
}

// Start begins the frame loop. Calling Start on a running monitor is a no-op.
func (m *LevelMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.stopped = make(chan struct{})
	go m.run(ctx, m.stopped)
}

func (m *LevelMonitor) run(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	frames := m.clock.Frames()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-frames:
			if !ok {
				return
			}
			level, ok := m.Sample()
			if !ok {
				continue
			}
			if m.onLevel != nil {
				m.delivering.Store(true)
				m.onLevel(level)
				m.delivering.Store(false)
			}
		}
	}
}

// Stop halts the frame loop and the clock; safe to call repeatedly. Called
// from inside the level callback it returns without waiting for the loop.
func (m *LevelMonitor) Stop() {
	m.mu.Lock()
	cancel, stopped := m.cancel, m.stopped
	m.cancel, m.stopped = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	if !m.delivering.Load() {
		<-stopped
	}
	m.clock.Stop()
}
