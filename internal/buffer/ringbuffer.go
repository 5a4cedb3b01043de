// Package buffer provides the bounded ring buffer that sits between the
// connection readers and the consumers.
//
// Producers never block: when the buffer is full the oldest reading is
// overwritten and reported through the eviction hook. Consumers block in Pop
// until a reading is available or the buffer is closed. A closed buffer keeps
// handing out the readings it still holds, which is how shutdown drains it.
package buffer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/sensorgw/internal/errors"
	"github.com/xtxerr/sensorgw/internal/types"
)

// RingBuffer is a thread-safe circular buffer of readings.
type RingBuffer struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	data     []types.Reading
	head     int // Next write position
	tail     int // Oldest data position
	count    int
	capacity int
	closed   bool

	onEvict func(types.Reading)

	// Statistics
	pushCount   atomic.Int64
	popCount    atomic.Int64
	dropCount   atomic.Int64
	rejectCount atomic.Int64
}

// New creates a RingBuffer with the given capacity.
func New(capacity int) (*RingBuffer, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(errors.ErrInvalidCapacity, "capacity %d", capacity)
	}
	rb := &RingBuffer{
		data:     make([]types.Reading, capacity),
		capacity: capacity,
	}
	rb.notEmpty = sync.NewCond(&rb.mu)
	rb.notFull = sync.NewCond(&rb.mu)
	return rb, nil
}

// SetOnEvict registers fn to be called with every reading that is
// overwritten because the buffer was full. fn runs on the producer's
// goroutine without the buffer lock held.
func (rb *RingBuffer) SetOnEvict(fn func(types.Reading)) {
	rb.mu.Lock()
	rb.onEvict = fn
	rb.mu.Unlock()
}

// Push appends r, overwriting the oldest reading if the buffer is full.
// It never blocks. Pushing to a closed buffer drops r and returns
// ErrBufferClosed.
func (rb *RingBuffer) Push(r types.Reading) error {
	rb.mu.Lock()

	if rb.closed {
		rb.mu.Unlock()
		rb.rejectCount.Add(1)
		return errors.ErrBufferClosed
	}

	var (
		evicted  types.Reading
		didEvict bool
	)
	if rb.count == rb.capacity {
		evicted = rb.data[rb.tail]
		didEvict = true
		rb.tail = (rb.tail + 1) % rb.capacity
		rb.count--
		rb.dropCount.Add(1)
	}

	rb.data[rb.head] = r
	rb.head = (rb.head + 1) % rb.capacity
	rb.count++
	rb.pushCount.Add(1)
	rb.notEmpty.Signal()

	onEvict := rb.onEvict
	rb.mu.Unlock()

	if didEvict && onEvict != nil {
		onEvict(evicted)
	}
	return nil
}

// Pop removes and returns the oldest reading, waiting while the buffer is
// empty. It returns ErrBufferClosed once the buffer is closed and empty.
func (rb *RingBuffer) Pop() (types.Reading, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count == 0 && !rb.closed {
		rb.notEmpty.Wait()
	}
	if rb.count == 0 {
		return types.Reading{}, errors.ErrBufferClosed
	}

	r := rb.data[rb.tail]
	rb.data[rb.tail] = types.Reading{}
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.count--
	rb.popCount.Add(1)
	rb.notFull.Broadcast()

	return r, nil
}

// TryPop is the non-blocking variant of Pop. ok is false when the buffer
// is empty.
func (rb *RingBuffer) TryPop() (r types.Reading, ok bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.count == 0 {
		return types.Reading{}, false
	}
	r = rb.data[rb.tail]
	rb.data[rb.tail] = types.Reading{}
	rb.tail = (rb.tail + 1) % rb.capacity
	rb.count--
	rb.popCount.Add(1)
	rb.notFull.Broadcast()
	return r, true
}

// WaitEmpty blocks until every reading has been popped or ctx is done.
func (rb *RingBuffer) WaitEmpty(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		rb.mu.Lock()
		rb.notFull.Broadcast()
		rb.mu.Unlock()
	})
	defer stop()

	rb.mu.Lock()
	defer rb.mu.Unlock()
	for rb.count > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		rb.notFull.Wait()
	}
	return nil
}

// Close marks the buffer closed and wakes every waiter. Readings still in
// the buffer remain available to Pop. Close is idempotent.
func (rb *RingBuffer) Close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}
	rb.closed = true
	rb.notEmpty.Broadcast()
	rb.notFull.Broadcast()
}

// Closed reports whether Close has been called.
func (rb *RingBuffer) Closed() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.closed
}

// Count returns the current number of readings in the buffer.
func (rb *RingBuffer) Count() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return rb.capacity
}

// UsageRatio returns the current usage as a ratio (0.0 - 1.0).
func (rb *RingBuffer) UsageRatio() float64 {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return float64(rb.count) / float64(rb.capacity)
}

// Stats returns buffer statistics.
func (rb *RingBuffer) Stats() Stats {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return Stats{
		Capacity:    rb.capacity,
		Count:       rb.count,
		UsageRatio:  float64(rb.count) / float64(rb.capacity),
		Closed:      rb.closed,
		PushCount:   rb.pushCount.Load(),
		PopCount:    rb.popCount.Load(),
		DropCount:   rb.dropCount.Load(),
		RejectCount: rb.rejectCount.Load(),
	}
}

// Stats holds buffer statistics.
type Stats struct {
	Capacity    int     `json:"capacity"`
	Count       int     `json:"count"`
	UsageRatio  float64 `json:"usage_ratio"`
	Closed      bool    `json:"closed"`
	PushCount   int64   `json:"push_count"`
	PopCount    int64   `json:"pop_count"`
	DropCount   int64   `json:"drop_count"`   // overwritten while full
	RejectCount int64   `json:"reject_count"` // pushed after Close
}
