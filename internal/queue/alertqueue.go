// Package queue implements C11: a bounded priority FIFO of alert payloads
// with retry/backoff, drained by the Supervisor toward the chat sink.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

// ErrQueueFull is returned by Put when the queue is at capacity and the
// bounded wait elapses without room freeing up.
var ErrQueueFull = errors.New("alert queue: full")

// minPriority is the floor a demoted retry's priority settles at (§4.10).
const minPriority = 3

// Item is one queued alert.
type Item struct {
	Signal      domain.TradingSignal
	Priority    int
	RetryCount  int
	MaxRetries  int
	EnqueuedAt  time.Time

	seq int64 // monotonic insertion order, for FIFO-within-priority
}

// pqueue is the container/heap implementation ordering by (priority, seq).
type pqueue []*Item

func (q pqueue) Len() int { return len(q) }
func (q pqueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority < q[j].Priority
	}
	return q[i].seq < q[j].seq
}
func (q pqueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *pqueue) Push(x any)   { *q = append(*q, x.(*Item)) }
func (q *pqueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return item
}

// Queue is a bounded, priority-ordered, retryable alert queue.
type Queue struct {
	cap int

	mu       sync.Mutex
	notEmpty *sync.Cond
	notFull  *sync.Cond
	items    pqueue
	nextSeq  int64

	droppedFull    int64
	droppedRetries int64
}

// NewQueue creates a bounded queue with the given capacity.
func NewQueue(capacity int) *Queue {
	q := &Queue{cap: capacity}
	q.notEmpty = sync.NewCond(&q.mu)
	q.notFull = sync.NewCond(&q.mu)
	heap.Init(&q.items)
	return q
}

// Put enqueues an alert, waiting up to 1s for room if the queue is full
// (§4.10, §5). Returns ErrQueueFull if no room frees up in time.
func (q *Queue) Put(sig domain.TradingSignal, priority, maxRetries int) error {
	return q.put(sig, priority, maxRetries, 0)
}

func (q *Queue) put(sig domain.TradingSignal, priority, maxRetries, retryCount int) error {
	deadline := time.Now().Add(time.Second)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) >= q.cap {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			q.droppedFull++
			return ErrQueueFull
		}
		waited := waitWithTimeout(q.notFull, remaining)
		if !waited {
			q.droppedFull++
			return ErrQueueFull
		}
	}

	item := &Item{
		Signal:     sig,
		Priority:   priority,
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		EnqueuedAt: time.Now(),
		seq:        q.nextSeq,
	}
	q.nextSeq++
	heap.Push(&q.items, item)
	q.notEmpty.Signal()
	return nil
}

// waitWithTimeout waits on cond for up to d, returning false on timeout.
// sync.Cond has no native timeout, so this spins a timer goroutine that
// broadcasts once, which is safe because the caller re-checks its
// condition after every wake.
func waitWithTimeout(cond *sync.Cond, d time.Duration) bool {
	timedOut := false
	timer := time.AfterFunc(d, func() {
		cond.L.Lock()
		timedOut = true
		cond.L.Unlock()
		cond.Broadcast()
	})
	defer timer.Stop()
	cond.Wait()
	return !timedOut
}

// Get dequeues the highest-priority (lowest number), earliest-enqueued
// item, blocking up to timeout if empty. A zero timeout returns
// immediately if empty.
func (q *Queue) Get(timeout time.Duration) (*Item, bool) {
	deadline := time.Now().Add(timeout)

	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, false
		}
		waitWithTimeout(q.notEmpty, remaining)
	}

	item := heap.Pop(&q.items).(*Item)
	q.notFull.Signal()
	return item, true
}

// Retry requeues item after a failed delivery: if its retry count has
// reached MaxRetries it is dropped and counted as failed; otherwise the
// count increments, priority demotes by 1 (floored at minPriority), and it
// re-enters the queue (§4.10).
func (q *Queue) Retry(ctx context.Context, item *Item) error {
	if item.RetryCount >= item.MaxRetries {
		q.mu.Lock()
		q.droppedRetries++
		q.mu.Unlock()
		return nil
	}

	newPriority := item.Priority + 1
	if newPriority > minPriority {
		newPriority = minPriority
	}
	return q.put(item.Signal, newPriority, item.MaxRetries, item.RetryCount+1)
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Stats returns the cumulative drop counters.
func (q *Queue) Stats() (droppedFull, droppedRetries int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.droppedFull, q.droppedRetries
}
