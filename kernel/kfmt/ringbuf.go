package kfmt

import "io"

// ringBufferSize defines the size of the ring buffer that captures Printf
// output before an output sink is attached. It is large enough to hold the
// memory map dump and the mapping diagnostics printed during boot. The size
// must be a power of 2.
const ringBufferSize = 4096

// ringBuffer is a fixed-size byte ring. When full, writes overwrite the
// oldest data.
type ringBuffer struct {
	buffer         [ringBufferSize]byte
	rIndex, wIndex int
}

// Write writes len(p) bytes from p to the ringBuffer.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex] = b
		rb.wIndex = (rb.wIndex + 1) & (ringBufferSize - 1)

		// drop the oldest byte when the writer catches up with the reader
		if rb.wIndex == rb.rIndex {
			rb.rIndex = (rb.rIndex + 1) & (ringBufferSize - 1)
		}
	}

	return len(p), nil
}

// Read reads up to len(p) bytes into p. It returns io.EOF when the buffer is
// empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	// Copy the contiguous chunk that starts at rIndex; a wrapped buffer
	// is drained by a subsequent call.
	end := rb.wIndex
	if rb.rIndex > rb.wIndex {
		end = ringBufferSize
	}

	n := copy(p, rb.buffer[rb.rIndex:end])
	rb.rIndex = (rb.rIndex + n) & (ringBufferSize - 1)
	return n, nil
}
