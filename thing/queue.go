package thing

import (
	"sync"
	"time"
)

// fifo is an unbounded thread-safe FIFO. Consumers can wait for an item
// with a timeout and a cancellation channel.
type fifo[T any] struct {
	mu    sync.Mutex
	items []T
	sig   chan struct{}
}

func newFifo[T any]() *fifo[T] {
	return &fifo[T]{sig: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

func (q *fifo[T]) signal() {
	select {
	case q.sig <- struct{}{}:
	default:
	}
}

func (q *fifo[T]) tryPop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	v := q.items[0]
	q.items = q.items[1:]
	return v, true
}

// pop waits up to timeout for an item. It returns early when stop closes.
func (q *fifo[T]) pop(timeout time.Duration, stop <-chan struct{}) (T, bool) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		if v, ok := q.tryPop(); ok {
			// wake another waiter if items remain
			if q.len() > 0 {
				q.signal()
			}
			return v, true
		}
		select {
		case <-q.sig:
		case <-timer.C:
			var zero T
			return zero, false
		case <-stop:
			var zero T
			return zero, false
		}
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// drain removes and returns everything queued at the time of the call.
func (q *fifo[T]) drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}
