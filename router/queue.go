package router

import "sync"

// fifo is an unbounded, multi-producer single-consumer queue. push never
// blocks; ready is signalled whenever the queue transitions to non-empty.
type fifo[E any] struct {
	mu     sync.Mutex
	items  []E
	ready  chan struct{}
	closed bool
}

func newFIFO[E any]() *fifo[E] {
	return &fifo[E]{ready: make(chan struct{}, 1)}
}

func (q *fifo[E]) push(e E) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, e)
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

// drain removes and returns everything currently queued.
func (q *fifo[E]) drain() []E {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

func (q *fifo[E]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close drops pending items and rejects further pushes.
func (q *fifo[E]) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}
