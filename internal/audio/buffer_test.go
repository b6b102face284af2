package audio

import (
	"testing"
)

func TestSampleRing_Write(t *testing.T) {
	rb := NewSampleRing(10)

	written := rb.Write([]float32{0.1, 0.2, 0.3, 0.4, 0.5})
	if written != 5 {
		t.Errorf("Expected to write 5 samples, got %d", written)
	}
	if rb.Available() != 5 {
		t.Errorf("Expected available 5, got %d", rb.Available())
	}

	written = rb.Write([]float32{0.6, 0.7, 0.8})
	if written != 3 {
		t.Errorf("Expected to write 3 samples, got %d", written)
	}
	if rb.Available() != 8 {
		t.Errorf("Expected available 8, got %d", rb.Available())
	}
	if rb.Space() != 1 {
		t.Errorf("Expected space 1, got %d", rb.Space())
	}
}

func TestSampleRing_WriteOverflow(t *testing.T) {
	rb := NewSampleRing(5)

	rb.Write([]float32{1, 2, 3, 4})
	if !rb.IsFull() {
		t.Error("Expected ring to be full after writing size-1 samples")
	}

	written := rb.Write([]float32{5, 6})
	if written != 0 {
		t.Errorf("Expected to write 0 samples (ring already full), got %d", written)
	}
	if rb.Available() != 4 {
		t.Errorf("Expected available 4 after overflow, got %d", rb.Available())
	}
}

func TestSampleRing_ReadEmpty(t *testing.T) {
	rb := NewSampleRing(10)

	if !rb.IsEmpty() {
		t.Error("Expected ring to be empty initially")
	}

	read := rb.Read(make([]float32, 5))
	if read != 0 {
		t.Errorf("Expected to read 0 samples from empty ring, got %d", read)
	}
}

func TestSampleRing_WrapAround(t *testing.T) {
	rb := NewSampleRing(5)

	rb.Write([]float32{1, 2, 3, 4})
	rb.Read(make([]float32, 2))
	rb.Write([]float32{5, 6})

	readBuf := make([]float32, 4)
	read := rb.Read(readBuf)
	if read != 4 {
		t.Errorf("Expected to read 4 samples, got %d", read)
	}
	expected := []float32{3, 4, 5, 6}
	for i := range expected {
		if readBuf[i] != expected[i] {
			t.Errorf("Expected %v at position %d, got %v", expected[i], i, readBuf[i])
		}
	}
}

func TestSampleRing_ReadBlock(t *testing.T) {
	rb := NewSampleRing(16)
	rb.Write([]float32{1, 2, 3})

	if block := rb.ReadBlock(4); block != nil {
		t.Errorf("Expected nil block with only 3 samples buffered, got %v", block)
	}

	rb.Write([]float32{4, 5})
	block := rb.ReadBlock(4)
	if len(block) != 4 {
		t.Fatalf("Expected block of 4, got %d", len(block))
	}
	if block[0] != 1 || block[3] != 4 {
		t.Errorf("Unexpected block contents: %v", block)
	}
	if rb.Available() != 1 {
		t.Errorf("Expected 1 sample left, got %d", rb.Available())
	}
}

func TestSampleRing_Clear(t *testing.T) {
	rb := NewSampleRing(10)
	rb.Write([]float32{1, 2, 3})

	rb.Clear()
	if !rb.IsEmpty() {
		t.Error("Expected ring to be empty after clear")
	}
	if rb.size != 10 {
		t.Errorf("Expected size 10 after clear, got %d", rb.size)
	}
}
