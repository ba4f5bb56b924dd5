package router

import (
	"sync"
)

// growThreshold is the fill percentage at which the buffer doubles.
const growThreshold = 70

// GrowableBuffer is a thread-safe FIFO that doubles its capacity when it
// reaches 70% full, up to an optional maximum. Once at the maximum, Send
// evicts the oldest item so a stalled consumer cannot exhaust memory.
type GrowableBuffer[T any] struct {
	mu          sync.Mutex
	cond        *sync.Cond
	buf         []T
	head        int // read position
	tail        int // write position
	count       int
	capacity    int
	maxCapacity int // 0 = unbounded
	closed      bool

	// Stats
	totalReceived int64
	totalSent     int64
	dropped       int64
	resizeCount   int
}

// NewGrowableBuffer creates a buffer with the given initial capacity that
// grows up to maxCapacity items (0 = unbounded).
func NewGrowableBuffer[T any](initialCapacity, maxCapacity int) *GrowableBuffer[T] {
	if initialCapacity < 1 {
		initialCapacity = 1
	}
	if maxCapacity > 0 && maxCapacity < initialCapacity {
		maxCapacity = initialCapacity
	}
	b := &GrowableBuffer[T]{
		buf:         make([]T, initialCapacity),
		capacity:    initialCapacity,
		maxCapacity: maxCapacity,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Send adds an item to the buffer. Returns false if the buffer is closed.
func (b *GrowableBuffer[T]) Send(item T) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false
	}

	threshold := (b.capacity * growThreshold) / 100
	if threshold < 1 {
		threshold = 1
	}
	if b.count+1 >= threshold && b.canGrow() {
		b.grow()
	}

	if b.count == b.capacity {
		// Full at max capacity: evict the oldest.
		b.pop()
		b.totalSent--
		b.dropped++
	}

	b.buf[b.tail] = item
	b.tail = (b.tail + 1) % b.capacity
	b.count++
	b.totalReceived++

	b.cond.Signal()
	return true
}

// Receive removes and returns an item from the buffer.
// Blocks until an item is available or the buffer is closed.
// Returns the item and true, or zero value and false if closed and empty.
func (b *GrowableBuffer[T]) Receive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && !b.closed {
		b.cond.Wait()
	}

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// TryReceive attempts to receive without blocking.
func (b *GrowableBuffer[T]) TryReceive() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		var zero T
		return zero, false
	}
	return b.pop(), true
}

// DrainTo removes up to max items (0 = all) for batch processing.
func (b *GrowableBuffer[T]) DrainTo(max int) []T {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count == 0 {
		return nil
	}

	n := b.count
	if max > 0 && max < n {
		n = max
	}

	result := make([]T, n)
	for i := range result {
		result[i] = b.pop()
	}
	return result
}

// Close closes the buffer. After closing, Send returns false.
// Receivers will get remaining items then receive closed signal.
func (b *GrowableBuffer[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.cond.Broadcast()
}

// Len returns the current number of items in the buffer.
func (b *GrowableBuffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Cap returns the current capacity of the buffer.
func (b *GrowableBuffer[T]) Cap() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capacity
}

// Stats returns buffer statistics.
func (b *GrowableBuffer[T]) Stats() BufferStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BufferStats{
		Count:         b.count,
		Capacity:      b.capacity,
		TotalReceived: b.totalReceived,
		TotalSent:     b.totalSent,
		Dropped:       b.dropped,
		ResizeCount:   b.resizeCount,
	}
}

// BufferStats contains buffer statistics.
type BufferStats struct {
	Count         int
	Capacity      int
	TotalReceived int64
	TotalSent     int64
	Dropped       int64 // Evicted at max capacity
	ResizeCount   int
}

// pop removes the head item. Must be called with lock held and count > 0.
func (b *GrowableBuffer[T]) pop() T {
	item := b.buf[b.head]
	var zero T
	b.buf[b.head] = zero // Clear reference for GC
	b.head = (b.head + 1) % b.capacity
	b.count--
	b.totalSent++
	return item
}

func (b *GrowableBuffer[T]) canGrow() bool {
	return b.maxCapacity == 0 || b.capacity < b.maxCapacity
}

// grow doubles the capacity, clamped to maxCapacity. Must be called with lock held.
func (b *GrowableBuffer[T]) grow() {
	newCapacity := b.capacity * 2
	if b.maxCapacity > 0 && newCapacity > b.maxCapacity {
		newCapacity = b.maxCapacity
	}
	newBuf := make([]T, newCapacity)

	if b.count > 0 {
		if b.head < b.tail {
			copy(newBuf, b.buf[b.head:b.tail])
		} else {
			// Wrapped: [head...end) + [0...tail)
			n := copy(newBuf, b.buf[b.head:])
			copy(newBuf[n:], b.buf[:b.tail])
		}
	}

	b.buf = newBuf
	b.head = 0
	b.tail = b.count
	b.capacity = newCapacity
	b.resizeCount++
}
