package core

import (
	"context"
	"sync"
)

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// WorkItem is the unit the worker pool executes. The frame driver submits one
// WorkItem per dispatched batch.
type WorkItem func(workerID int)

// =============================================================================
// WorkQueue: per-worker FIFO with non-blocking and blocking ends
// =============================================================================

// WorkQueue is the queue owned by one worker. Other workers steal from it
// through TryPop. Push and Pop block; TryPush and TryPop give up immediately
// when the queue lock is contended or the queue cannot take or give an item.
type WorkQueue struct {
	mu       sync.Mutex
	items    []WorkItem
	capacity int

	// pending counts items pushed but not yet marked Done.
	pending int
	idle    chan struct{}

	ended  bool
	endCh  chan struct{}
	signal chan struct{} // an item was pushed
	space  chan struct{} // an item was popped
}

// NewWorkQueue creates a queue. A capacity of zero means unbounded.
func NewWorkQueue(capacity int) *WorkQueue {
	idle := make(chan struct{})
	close(idle)
	return &WorkQueue{
		items:    make([]WorkItem, 0, defaultQueueCap),
		capacity: max(capacity, 0),
		idle:     idle,
		endCh:    make(chan struct{}),
		signal:   make(chan struct{}, 1),
		space:    make(chan struct{}, 1),
	}
}

// TryPush appends item unless the lock is held by someone else, the queue is
// full or the queue has ended.
func (q *WorkQueue) TryPush(item WorkItem) bool {
	if !q.mu.TryLock() {
		return false
	}
	if q.ended || q.fullLocked() {
		q.mu.Unlock()
		return false
	}
	q.pushLocked(item)
	q.mu.Unlock()

	q.wake(q.signal)
	return true
}

// Push appends item, waiting for room in a bounded queue. It returns false
// only when the queue has ended; an ended queue accepts nothing.
func (q *WorkQueue) Push(item WorkItem) bool {
	for {
		q.mu.Lock()
		if q.ended {
			q.mu.Unlock()
			return false
		}
		if !q.fullLocked() {
			q.pushLocked(item)
			q.mu.Unlock()
			q.wake(q.signal)
			return true
		}
		q.mu.Unlock()

		select {
		case <-q.space:
		case <-q.endCh:
		}
	}
}

// TryPop removes the oldest item unless the lock is contended or the queue is empty.
func (q *WorkQueue) TryPop() (WorkItem, bool) {
	if !q.mu.TryLock() {
		return nil, false
	}
	item, ok := q.popLocked()
	q.mu.Unlock()

	if ok {
		q.wake(q.space)
	}
	return item, ok
}

// Pop removes the oldest item, waiting until one is pushed. It reports false
// only once the queue has ended and every item pushed before End is gone.
func (q *WorkQueue) Pop() (WorkItem, bool) {
	item, ok, _ := q.PopOr(nil)
	return item, ok
}

// PopOr is Pop that also gives up when wake fires, reporting woken. Workers
// use it to go back to stealing when work lands on another queue.
func (q *WorkQueue) PopOr(wake <-chan struct{}) (item WorkItem, ok bool, woken bool) {
	for {
		q.mu.Lock()
		if item, ok := q.popLocked(); ok {
			q.mu.Unlock()
			q.wake(q.space)
			return item, true, false
		}
		if q.ended {
			q.mu.Unlock()
			return nil, false, false
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.endCh:
		case <-wake:
			return nil, false, true
		}
	}
}

// Done marks one popped item as finished.
func (q *WorkQueue) Done() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.pending == 0 {
		return
	}
	q.pending--
	if q.pending == 0 {
		close(q.idle)
	}
}

// WaitIdle blocks until every pushed item has been marked Done.
func (q *WorkQueue) WaitIdle(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// End stops the queue from accepting items and wakes every waiter.
// Items already queued can still be popped.
func (q *WorkQueue) End() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.ended {
		return
	}
	q.ended = true
	close(q.endCh)
}

func (q *WorkQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Pending returns the number of items pushed and not yet marked Done.
func (q *WorkQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

func (q *WorkQueue) fullLocked() bool {
	return q.capacity > 0 && len(q.items) >= q.capacity
}

func (q *WorkQueue) pushLocked(item WorkItem) {
	q.items = append(q.items, item)
	if q.pending == 0 {
		q.idle = make(chan struct{})
	}
	q.pending++
}

func (q *WorkQueue) popLocked() (WorkItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}

	item := q.items[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.items[0] = nil
	q.items = q.items[1:]
	q.maybeCompactLocked()

	return item, true
}

func (q *WorkQueue) maybeCompactLocked() {
	n := len(q.items)
	c := cap(q.items)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.items = make([]WorkItem, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]WorkItem, n, newCap)
	copy(newSlice, q.items)
	q.items = newSlice
}

func (q *WorkQueue) wake(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
		// Channel full, a wakeup is already pending
	}
}
