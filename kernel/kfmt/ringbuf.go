package kfmt

import "io"

// ringBufferSize is the capacity of the early output buffer. It must always
// be a power of 2.
const ringBufferSize = 2048

// ringBuffer keeps the last ringBufferSize bytes written to it. Once full,
// each new byte overwrites the oldest unread byte.
type ringBuffer struct {
	buffer [ringBufferSize]byte

	// rIndex and wIndex grow monotonically; they are masked when
	// indexing into buffer.
	rIndex, wIndex uint64
}

// Write appends p to the buffer, discarding the oldest bytes on overflow.
func (rb *ringBuffer) Write(p []byte) (int, error) {
	for _, b := range p {
		rb.buffer[rb.wIndex&(ringBufferSize-1)] = b
		rb.wIndex++
	}

	if rb.wIndex-rb.rIndex > ringBufferSize {
		rb.rIndex = rb.wIndex - ringBufferSize
	}

	return len(p), nil
}

// Read drains up to len(p) buffered bytes into p. It returns io.EOF once the
// buffer is empty.
func (rb *ringBuffer) Read(p []byte) (int, error) {
	if rb.rIndex == rb.wIndex {
		return 0, io.EOF
	}

	n := 0
	for ; n < len(p) && rb.rIndex < rb.wIndex; n++ {
		p[n] = rb.buffer[rb.rIndex&(ringBufferSize-1)]
		rb.rIndex++
	}

	return n, nil
}
