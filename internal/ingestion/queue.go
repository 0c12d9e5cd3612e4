package ingestion

import (
	"context"
	"errors"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded FIFO between the reader and the workers.
// When full, Push evicts the oldest tick and counts it as lost.
type Queue struct {
	mu       sync.Mutex
	buf      []*domain.RawTick
	head     int
	size     int
	inflight int
	dropped  uint64
	closed   bool
	changed  chan struct{} // closed and replaced on every state change

	metrics *observability.Metrics
}

// NewQueue creates a queue holding at most capacity ticks.
func NewQueue(capacity int, metrics *observability.Metrics) *Queue {
	if capacity < 1 {
		capacity = 1
	}
	return &Queue{
		buf:     make([]*domain.RawTick, capacity),
		changed: make(chan struct{}),
		metrics: metrics,
	}
}

func (q *Queue) broadcastLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}

// Push appends t. It reports whether an older tick was evicted.
// Pushing to a closed queue is a no-op.
func (q *Queue) Push(t *domain.RawTick) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}

	evicted := false
	if q.size == len(q.buf) {
		q.buf[q.head] = nil
		q.head = (q.head + 1) % len(q.buf)
		q.size--
		q.dropped++
		evicted = true
		q.metrics.RecordDrop(observability.DropQueueOverflow)
	}

	q.buf[(q.head+q.size)%len(q.buf)] = t
	q.size++
	q.metrics.SetQueueDepth(q.size)
	q.broadcastLocked()
	return evicted
}

// Pop blocks for the oldest tick. Every successful Pop must be followed by
// Done once the tick is fully processed.
func (q *Queue) Pop(ctx context.Context) (*domain.RawTick, error) {
	for {
		q.mu.Lock()
		if q.size > 0 {
			t := q.buf[q.head]
			q.buf[q.head] = nil
			q.head = (q.head + 1) % len(q.buf)
			q.size--
			q.inflight++
			q.metrics.SetQueueDepth(q.size)
			q.broadcastLocked()
			q.mu.Unlock()
			return t, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Done marks a popped tick as processed.
func (q *Queue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inflight > 0 {
		q.inflight--
	}
	q.broadcastLocked()
}

// WaitIdle blocks until the queue is empty and no popped tick is in flight.
func (q *Queue) WaitIdle(ctx context.Context) error {
	for {
		q.mu.Lock()
		if q.size == 0 && q.inflight == 0 {
			q.mu.Unlock()
			return nil
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops accepting ticks. Pop drains what is buffered, then returns ErrQueueClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Len returns the number of buffered ticks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// Dropped returns the number of ticks evicted by overflow.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
