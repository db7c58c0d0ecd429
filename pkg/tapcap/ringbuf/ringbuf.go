// Package ringbuf provides a fixed-capacity, single-producer/single-consumer byte ring
// used to hand audio from a real-time callback to a regular goroutine.
//
// Exactly one goroutine may call Write and exactly one (other) goroutine may call Read.
// Buffered, Available, Cap and Dropped are safe to call from anywhere.
package ringbuf

import (
	"math/bits"
	"sync/atomic"
)

// MinCapacity is the smallest capacity New will allocate.
const MinCapacity = 64

// Buffer is a lock-free SPSC byte ring. Both cursors advance monotonically and are
// reduced modulo the capacity with a mask, so the capacity is always a power of two.
type Buffer struct {
	data []byte
	mask uint64

	// written by the producer only
	wpos atomic.Uint64
	_    [56]byte

	// written by the consumer only
	rpos atomic.Uint64
	_    [56]byte

	dropped atomic.Uint64
	short   atomic.Uint64
}

// New returns a buffer holding at least size bytes.
// The capacity is rounded up to the next power of two.
func New(size int) *Buffer {
	capacity := roundUp(size)
	return &Buffer{
		data: make([]byte, capacity),
		mask: uint64(capacity - 1),
	}
}

func roundUp(size int) int {
	if size <= MinCapacity {
		return MinCapacity
	}
	return 1 << bits.Len(uint(size-1))
}

// Cap returns the capacity in bytes.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Buffered returns the number of bytes ready to be read.
//
// The read cursor is loaded first: it never passes the write cursor, so the
// difference cannot go negative. Seen from a third goroutine the consumer may
// move on between the two loads, so the result is clamped to the capacity.
func (b *Buffer) Buffered() int {
	r := b.rpos.Load()
	w := b.wpos.Load()
	return int(min(w-r, uint64(len(b.data))))
}

// Available returns the number of bytes that can be written without dropping.
func (b *Buffer) Available() int {
	return len(b.data) - b.Buffered()
}

// Dropped returns the total number of bytes discarded by Write because the buffer was full.
func (b *Buffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Overruns returns the number of Write calls that could not store their whole input.
func (b *Buffer) Overruns() uint64 {
	return b.short.Load()
}

// Write copies as much of p as fits and returns the number of bytes stored.
// It never blocks and never allocates; bytes that do not fit are dropped
// (the newest data is lost, buffered data is kept) and counted.
func (b *Buffer) Write(p []byte) int {
	w := b.wpos.Load()
	free := uint64(len(b.data)) - (w - b.rpos.Load())

	n := uint64(len(p))
	if n > free {
		b.dropped.Add(n - free)
		b.short.Add(1)
		n = free
	}
	if n == 0 {
		return 0
	}

	start := w & b.mask
	first := copy(b.data[start:], p[:n])
	if uint64(first) < n {
		copy(b.data, p[first:n])
	}

	// publish after the copy so the consumer never sees unwritten bytes
	b.wpos.Store(w + n)
	return int(n)
}

// Read copies up to len(p) buffered bytes into p in the order they were written
// and returns the number of bytes copied. It returns 0 when the buffer is empty.
func (b *Buffer) Read(p []byte) int {
	r := b.rpos.Load()
	avail := b.wpos.Load() - r

	n := uint64(len(p))
	if n > avail {
		n = avail
	}
	if n == 0 {
		return 0
	}

	start := r & b.mask
	first := copy(p[:n], b.data[start:])
	if uint64(first) < n {
		copy(p[first:n], b.data)
	}

	// release the space only after the bytes are out
	b.rpos.Store(r + n)
	return int(n)
}

// Discard drops up to n buffered bytes without copying them and returns how many were dropped.
// Like Read it may only be called by the consumer.
func (b *Buffer) Discard(n int) int {
	r := b.rpos.Load()
	avail := b.wpos.Load() - r
	d := uint64(max(n, 0))
	if d > avail {
		d = avail
	}
	b.rpos.Store(r + d)
	return int(d)
}

// Reset empties the buffer and clears the drop counters.
// The caller must guarantee that no Write or Read runs concurrently.
func (b *Buffer) Reset() {
	b.wpos.Store(0)
	b.rpos.Store(0)
	b.dropped.Store(0)
	b.short.Store(0)
}
