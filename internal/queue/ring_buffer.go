// Package queue provides a bounded thread-safe ring buffer.
package queue

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned when attempting to push to a full queue.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueEmpty is returned when attempting to pop from an empty queue.
	ErrQueueEmpty = errors.New("queue is empty")
	// ErrQueueClosed is returned when attempting to use a closed queue.
	ErrQueueClosed = errors.New("queue is closed")
)

// RingBuffer is a thread-safe circular buffer. Push never blocks; a full
// buffer drops the item.
type RingBuffer[T any] struct {
	buffer []T
	size   int
	head   int
	tail   int
	count  int
	closed bool
	mu     sync.Mutex
	cond   *sync.Cond

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewRingBuffer creates a new RingBuffer with the specified capacity.
func NewRingBuffer[T any](size int) *RingBuffer[T] {
	if size <= 0 {
		size = 10000 // Default size
	}

	rb := &RingBuffer[T]{
		buffer: make([]T, size),
		size:   size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// Push adds an item to the queue.
// Returns ErrQueueFull if the queue is at capacity.
func (rb *RingBuffer[T]) Push(item T) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.closed {
		return ErrQueueClosed
	}

	if rb.count == rb.size {
		atomic.AddUint64(&rb.totalDropped, 1)
		return ErrQueueFull
	}

	rb.buffer[rb.tail] = item
	rb.tail = (rb.tail + 1) % rb.size
	rb.count++
	atomic.AddUint64(&rb.totalPushed, 1)

	// Signal waiting consumers
	rb.cond.Signal()
	return nil
}

// Pop removes and returns an item from the queue.
// Returns ErrQueueEmpty if the queue is empty.
func (rb *RingBuffer[T]) Pop() (T, error) {
	var zero T
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return zero, ErrQueueEmpty
	}

	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return item, nil
}

// PopBlocking removes and returns an item from the queue.
// Blocks until an item is available or the queue is closed.
func (rb *RingBuffer[T]) PopBlocking() (T, error) {
	var zero T
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.cond.Wait()
	}

	if rb.closed && rb.count == 0 {
		return zero, ErrQueueClosed
	}

	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return item, nil
}

// PopWithTimeout removes and returns an item from the queue.
// Returns ErrQueueEmpty if no item is available within the timeout.
func (rb *RingBuffer[T]) PopWithTimeout(timeout time.Duration) (T, error) {
	var zero T
	deadline := time.Now().Add(timeout)

	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 && !rb.closed {
		wake := time.AfterFunc(timeout, func() {
			rb.mu.Lock()
			rb.cond.Broadcast()
			rb.mu.Unlock()
		})
		defer wake.Stop()

		for rb.count == 0 && !rb.closed && time.Now().Before(deadline) {
			rb.cond.Wait()
		}
	}

	if rb.count == 0 {
		if rb.closed {
			return zero, ErrQueueClosed
		}
		return zero, ErrQueueEmpty
	}

	item := rb.buffer[rb.head]
	rb.buffer[rb.head] = zero
	rb.head = (rb.head + 1) % rb.size
	rb.count--
	atomic.AddUint64(&rb.totalPopped, 1)

	return item, nil
}

// Len returns the current number of items in the queue.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the queue.
func (rb *RingBuffer[T]) Cap() int {
	return rb.size
}

// IsFull returns true if the queue is at capacity.
func (rb *RingBuffer[T]) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == rb.size
}

// IsEmpty returns true if the queue is empty.
func (rb *RingBuffer[T]) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count == 0
}

// Close closes the queue and wakes up any waiting consumers.
func (rb *RingBuffer[T]) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}

// Metrics returns queue statistics.
func (rb *RingBuffer[T]) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:   atomic.LoadUint64(&rb.totalPushed),
		Popped:   atomic.LoadUint64(&rb.totalPopped),
		Dropped:  atomic.LoadUint64(&rb.totalDropped),
		Depth:    rb.Len(),
		Capacity: rb.size,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed   uint64 `json:"pushed"`
	Popped   uint64 `json:"popped"`
	Dropped  uint64 `json:"dropped"`
	Depth    int    `json:"depth"`
	Capacity int    `json:"capacity"`
}
