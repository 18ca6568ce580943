package runner

import "fmt"

// DefaultOutputCap is the retained output size for one command.
const DefaultOutputCap = 128 << 10

// truncationMarker prefixes a report whose head was evicted.
const truncationMarker = "[... %d bytes truncated ...]\n"

// RingBuffer keeps the most recent bytes written to it, up to a fixed
// capacity, and counts what it had to drop. It is not safe for concurrent use.
type RingBuffer struct {
	buf     []byte
	start   int
	size    int
	evicted int64
}

// NewRingBuffer creates a buffer holding at most capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = DefaultOutputCap
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write appends p, evicting the oldest bytes on overflow. It never fails.
func (b *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	capacity := len(b.buf)
	if n >= capacity {
		b.evicted += int64(b.size + n - capacity)
		copy(b.buf, p[n-capacity:])
		b.start = 0
		b.size = capacity
		return n, nil
	}

	if overflow := b.size + n - capacity; overflow > 0 {
		b.start = (b.start + overflow) % capacity
		b.size -= overflow
		b.evicted += int64(overflow)
	}
	end := (b.start + b.size) % capacity
	written := copy(b.buf[end:], p)
	copy(b.buf, p[written:])
	b.size += n
	return n, nil
}

// Len returns the number of retained bytes.
func (b *RingBuffer) Len() int { return b.size }

// Cap returns the buffer capacity.
func (b *RingBuffer) Cap() int { return len(b.buf) }

// Evicted returns how many bytes have been dropped so far.
func (b *RingBuffer) Evicted() int64 { return b.evicted }

// Truncated reports whether any byte was evicted.
func (b *RingBuffer) Truncated() bool { return b.evicted > 0 }

// Bytes returns a copy of the retained bytes, oldest first.
func (b *RingBuffer) Bytes() []byte {
	out := make([]byte, b.size)
	n := copy(out, b.buf[b.start:min(b.start+b.size, len(b.buf))])
	copy(out[n:], b.buf[:b.size-n])
	return out
}

// Report returns the retained bytes, prefixed with the truncation marker when
// the head of the stream was evicted.
func (b *RingBuffer) Report() []byte {
	if b.evicted == 0 {
		return b.Bytes()
	}
	marker := fmt.Sprintf(truncationMarker, b.evicted)
	return append([]byte(marker), b.Bytes()...)
}
