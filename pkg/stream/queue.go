package stream

import (
	"context"
	"errors"
	"sync"
	"time"
)

// errQueueClosed is returned by push after close, and by pop once the
// queue is closed and empty.
var errQueueClosed = errors.New("stream: queue closed")

// queue is the bounded buffer between the transport and the consumer.
// It stamps delivery sequence numbers as events leave it.
type queue struct {
	capacity int
	policy   OverflowPolicy
	onDepth  func(int)

	mu        sync.Mutex
	items     []UpdateEvent
	dropped   int
	delivered uint64
	closed    bool

	readable chan struct{}
	writable chan struct{}
	done     chan struct{}
}

func newQueue(capacity int, policy OverflowPolicy, onDepth func(int)) *queue {
	if onDepth == nil {
		onDepth = func(int) {}
	}
	return &queue{
		capacity: capacity,
		policy:   policy,
		onDepth:  onDepth,
		items:    make([]UpdateEvent, 0, capacity),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// push adds ev. When full it waits (OverflowBlock) or evicts the oldest
// event (OverflowDropOldest).
func (q *queue) push(ctx context.Context, ev UpdateEvent) error {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return errQueueClosed
		}
		if len(q.items) < q.capacity || q.policy == OverflowDropOldest {
			if len(q.items) >= q.capacity {
				q.items[0] = UpdateEvent{}
				q.items = q.items[1:]
				q.dropped++
			}
			q.items = append(q.items, ev)
			depth := len(q.items)
			q.mu.Unlock()

			q.onDepth(depth)
			signal(q.readable)
			return nil
		}
		q.mu.Unlock()

		select {
		case <-q.writable:
		case <-q.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pop removes the next event, waiting while the queue is empty.
// Pending drops are reported first as a single overflow marker.
func (q *queue) pop(ctx context.Context) (UpdateEvent, error) {
	for {
		q.mu.Lock()
		if q.dropped > 0 {
			q.delivered++
			ev := UpdateEvent{
				Seq:        q.delivered,
				Kind:       KindOverflow,
				Dropped:    q.dropped,
				ReceivedAt: time.Now(),
			}
			q.dropped = 0
			q.mu.Unlock()
			return ev, nil
		}
		if len(q.items) > 0 {
			ev := q.items[0]
			q.items[0] = UpdateEvent{}
			q.items = q.items[1:]
			q.delivered++
			ev.Seq = q.delivered
			depth := len(q.items)
			q.mu.Unlock()

			q.onDepth(depth)
			signal(q.writable)
			if depth > 0 {
				signal(q.readable)
			}
			return ev, nil
		}
		if q.closed {
			q.mu.Unlock()
			return UpdateEvent{}, errQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.readable:
		case <-q.done:
		case <-ctx.Done():
			return UpdateEvent{}, ctx.Err()
		}
	}
}

// close stops producers. Buffered events stay readable.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
}

// empty reports whether nothing (not even an overflow marker) is pending.
func (q *queue) empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) == 0 && q.dropped == 0
}

// depth returns the number of buffered events.
func (q *queue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
