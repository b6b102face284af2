package audio

import (
	"sync"
)

// SampleRing is a thread-safe ring buffer of normalized samples.
// The capture path uses it to cut arbitrary device periods into fixed blocks.
type SampleRing struct {
	buffer []float32
	size   int
	read   int
	write  int
	mu     sync.RWMutex
}

// NewSampleRing creates a ring that can hold size-1 samples
func NewSampleRing(size int) *SampleRing {
	return &SampleRing{
		buffer: make([]float32, size),
		size:   size,
	}
}

// Write writes samples to the ring.
// Returns the number of samples written (may be less than len(data) if the ring is full)
func (rb *SampleRing) Write(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	written := 0
	for i := 0; i < len(data); i++ {
		if (rb.write+1)%rb.size == rb.read {
			break
		}

		rb.buffer[rb.write] = data[i]
		rb.write = (rb.write + 1) % rb.size
		written++
	}

	return written
}

// Read reads samples from the ring into data.
// Returns the number of samples read
func (rb *SampleRing) Read(data []float32) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for i := 0; i < len(data); i++ {
		if rb.read == rb.write {
			break
		}

		data[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
		read++
	}

	return read
}

// ReadBlock returns exactly n samples if that many are buffered, else nil
func (rb *SampleRing) ReadBlock(n int) []float32 {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.available() < n {
		return nil
	}
	block := make([]float32, n)
	for i := range block {
		block[i] = rb.buffer[rb.read]
		rb.read = (rb.read + 1) % rb.size
	}
	return block
}

// Available returns the number of samples available to read
func (rb *SampleRing) Available() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.available()
}

func (rb *SampleRing) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of samples that can still be written
func (rb *SampleRing) Space() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	return rb.size - rb.available() - 1 // -1 to prevent full/empty ambiguity
}

// Clear clears the ring
func (rb *SampleRing) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the ring is empty
func (rb *SampleRing) IsEmpty() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.read == rb.write
}

// IsFull returns true if the ring is full
func (rb *SampleRing) IsFull() bool {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return (rb.write+1)%rb.size == rb.read
}
