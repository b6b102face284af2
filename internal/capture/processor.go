package capture

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lexiqai/voice-client/internal/audio"
)

// blockProcessor turns a stream of mono samples into fixed-size blocks.
// Push is called on the device thread.
type blockProcessor interface {
	Push(samples []float32)
	Close()
	Name() string
}

// workletProcessor assembles blocks on its own goroutine, fed by a bounded
// channel so the device thread never waits on encoding or the network
type workletProcessor struct {
	in        chan []float32
	blockSize int
	emit      func([]float32)
	onOverrun func(dropped int)
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	emitting  atomic.Bool
}

func newWorkletProcessor(depth, blockSize int, emit func([]float32), onOverrun func(int)) (*workletProcessor, error) {
	if depth <= 0 {
		return nil, fmt.Errorf("worklet queue depth must be positive, got %d", depth)
	}
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}
	p := &workletProcessor{
		in:        make(chan []float32, depth),
		blockSize: blockSize,
		emit:      emit,
		onOverrun: onOverrun,
		done:      make(chan struct{}),
	}
	go p.run()
	return p, nil
}

func (p *workletProcessor) Name() string { return "worklet" }

func (p *workletProcessor) Push(samples []float32) {
	if p.closed.Load() {
		return
	}
	buf := make([]float32, len(samples))
	copy(buf, samples)
	select {
	case p.in <- buf:
	default:
		if p.onOverrun != nil {
			p.onOverrun(len(buf))
		}
	}
}

func (p *workletProcessor) run() {
	defer close(p.done)
	pending := make([]float32, 0, p.blockSize*2)
	for samples := range p.in {
		pending = append(pending, samples...)
		for len(pending) >= p.blockSize {
			block := make([]float32, p.blockSize)
			copy(block, pending[:p.blockSize])
			pending = append(pending[:0], pending[p.blockSize:]...)
			if p.closed.Load() {
				break
			}
			p.emitting.Store(true)
			p.emit(block)
			p.emitting.Store(false)
		}
	}
}

// Close stops the goroutine; a trailing partial block is discarded. Called
// while a block is being emitted, it does not wait for the goroutine.
func (p *workletProcessor) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.in)
		if !p.emitting.Load() {
			<-p.done
		}
	})
}

// inlineProcessor assembles blocks synchronously on the device thread
type inlineProcessor struct {
	mu        sync.Mutex
	ring      *audio.SampleRing
	blockSize int
	emit      func([]float32)
	closed    bool
}

func newInlineProcessor(blockSize int, emit func([]float32)) *inlineProcessor {
	return &inlineProcessor{
		ring:      audio.NewSampleRing(blockSize * 4),
		blockSize: blockSize,
		emit:      emit,
	}
}

func (p *inlineProcessor) Name() string { return "inline" }

func (p *inlineProcessor) Push(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	for len(samples) > 0 {
		n := p.ring.Write(samples)
		samples = samples[n:]
		for {
			block := p.ring.ReadBlock(p.blockSize)
			if block == nil {
				break
			}
			p.emit(block)
		}
	}
}

func (p *inlineProcessor) Close() {
	p.mu.Lock()
	p.closed = true
	p.ring.Clear()
	p.mu.Unlock()
}
