package audio

import (
	"context"
	"sync"
	"testing"
	"time"
)

type manualClock struct {
	ch      chan time.Time
	mu      sync.Mutex
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{ch: make(chan time.Time)}
}

func (c *manualClock) Frames() <-chan time.Time { return c.ch }

func (c *manualClock) Stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

func (c *manualClock) tick() { c.ch <- time.Now() }

func TestLevelMonitorReportsLevel(t *testing.T) {
	a := NewAnalyser(256)
	for i := 0; i < 10; i++ {
		a.Write(sine(256, 1000, 0.9))
	}

	clock := newManualClock()
	levels := make(chan float64, 4)
	m := NewLevelMonitor(a, clock, func(l float64) { levels <- l })
	m.Start(context.Background())
	defer m.Stop()

	clock.tick()

	select {
	case l := <-levels:
		if l <= 0 || l > 1 {
			t.Errorf("Expected level in (0, 1], got %f", l)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a level callback")
	}
}

func TestLevelMonitorSkipsDetached(t *testing.T) {
	a := NewAnalyser(256)
	a.Detach()

	clock := newManualClock()
	called := make(chan struct{}, 1)
	m := NewLevelMonitor(a, clock, func(float64) { called <- struct{}{} })
	m.Start(context.Background())

	clock.tick()
	clock.tick()
	m.Stop()

	select {
	case <-called:
		t.Error("Expected no callback for a detached analyser")
	default:
	}
}

func TestLevelMonitorStopIdempotent(t *testing.T) {
	clock := newManualClock()
	m := NewLevelMonitor(NewAnalyser(256), clock, nil)
	m.Start(context.Background())
	m.Stop()
	m.Stop()

	clock.mu.Lock()
	defer clock.mu.Unlock()
	if !clock.stopped {
		t.Error("Expected clock to be stopped")
	}
}

func TestLevelMonitorSampleNilAnalyser(t *testing.T) {
	m := NewLevelMonitor(nil, newManualClock(), nil)
	if _, ok := m.Sample(); ok {
		t.Error("Expected !ok without an analyser")
	}
}

func TestLevelMonitorStopFromCallback(t *testing.T) {
	a := NewAnalyser(256)
	for i := 0; i < 10; i++ {
		a.Write(sine(256, 1000, 0.9))
	}

	clock := newManualClock()
	stopped := make(chan struct{})
	var m *LevelMonitor
	m = NewLevelMonitor(a, clock, func(float64) {
		m.Stop()
		close(stopped)
	})
	m.Start(context.Background())

	clock.tick()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop from the level callback did not return")
	}
	clock.mu.Lock()
	defer clock.mu.Unlock()
	if !clock.stopped {
		t.Error("Expected clock to be stopped")
	}
}
