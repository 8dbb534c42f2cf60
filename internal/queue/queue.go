// Package queue holds the in-memory work queues the pipeline modules drain.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Source is a queue a worker can drain.
type Source[T any] interface {
	Pop() (T, bool)
	Ready() <-chan struct{}
}

// signal is a one-slot wakeup channel.
type signal chan struct{}

func (s signal) notify() {
	select {
	case s <- struct{}{}:
	default:
	}
}

// FIFO is a first-in first-out queue that refuses items whose key is
// already waiting.
type FIFO[T any] struct {
	mu     sync.Mutex
	items  []T
	queued map[string]struct{}
	key    func(T) string
	ready  signal
}

// NewFIFO creates a FIFO keyed by key.
func NewFIFO[T any](key func(T) string) *FIFO[T] {
	return &FIFO[T]{queued: make(map[string]struct{}), key: key, ready: make(signal, 1)}
}

// Push appends item unless an item with the same key is waiting.
func (q *FIFO[T]) Push(item T) bool {
	k := q.key(item)
	q.mu.Lock()
	if _, dup := q.queued[k]; dup {
		q.mu.Unlock()
		return false
	}
	q.queued[k] = struct{}{}
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.ready.notify()
	return true
}

// Pop removes the oldest item.
func (q *FIFO[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	delete(q.queued, q.key(item))
	return item, true
}

// Len returns the number of waiting items.
func (q *FIFO[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ready is signalled after every successful Push.
func (q *FIFO[T]) Ready() <-chan struct{} { return q.ready }

type entry[T any] struct {
	value T
	key   string
	rank  int
	seq   uint64
	index int
}

type entryHeap[T any] []*entry[T]

func (h entryHeap[T]) Len() int { return len(h) }
func (h entryHeap[T]) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}
func (h entryHeap[T]) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *entryHeap[T]) Push(x any) {
	e := x.(*entry[T])
	e.index = len(*h)
	*h = append(*h, e)
}
func (h *entryHeap[T]) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Priority orders items by rank (lower first) and then by arrival. At most
// one item per key waits at a time.
type Priority[T any] struct {
	mu     sync.Mutex
	h      entryHeap[T]
	byKey  map[string]*entry[T]
	seq    uint64
	key    func(T) string
	rankOf func(T) int
	ready  signal
}

// NewPriority creates a priority queue keyed by key and ranked by rank.
func NewPriority[T any](key func(T) string, rank func(T) int) *Priority[T] {
	return &Priority[T]{byKey: make(map[string]*entry[T]), key: key, rankOf: rank, ready: make(signal, 1)}
}

// Push adds item unless an item with the same key is waiting.
func (q *Priority[T]) Push(item T) bool {
	k := q.key(item)
	q.mu.Lock()
	if _, dup := q.byKey[k]; dup {
		q.mu.Unlock()
		return false
	}
	q.pushLocked(k, item)
	q.mu.Unlock()
	q.ready.notify()
	return true
}

// Upsert adds item, or replaces the waiting item with the same key while
// keeping its place in line unless the rank changed. Returns true if the
// item was newly added.
func (q *Priority[T]) Upsert(item T) bool {
	k := q.key(item)
	q.mu.Lock()
	if e, ok := q.byKey[k]; ok {
		e.value = item
		e.rank = q.rankOf(item)
		heap.Fix(&q.h, e.index)
		q.mu.Unlock()
		return false
	}
	q.pushLocked(k, item)
	q.mu.Unlock()
	q.ready.notify()
	return true
}

func (q *Priority[T]) pushLocked(k string, item T) {
	q.seq++
	e := &entry[T]{value: item, key: k, rank: q.rankOf(item), seq: q.seq}
	heap.Push(&q.h, e)
	q.byKey[k] = e
}

// Pop removes the best-ranked item.
func (q *Priority[T]) Pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.h.Len() == 0 {
		var zero T
		return zero, false
	}
	e := heap.Pop(&q.h).(*entry[T])
	delete(q.byKey, e.key)
	return e.value, true
}

// Remove drops the waiting item with the given key.
func (q *Priority[T]) Remove(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.h, e.index)
	delete(q.byKey, key)
	return true
}

// Contains reports whether an item with the key is waiting.
func (q *Priority[T]) Contains(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.byKey[key]
	return ok
}

// Len returns the number of waiting items.
func (q *Priority[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.h.Len()
}

// Ready is signalled after every successful Push or new Upsert.
func (q *Priority[T]) Ready() <-chan struct{} { return q.ready }

// NewLimiter spaces consecutive items by at least delay. The first item
// is never delayed; a non-positive delay disables spacing.
func NewLimiter(delay time.Duration) *rate.Limiter {
	if delay <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	return rate.NewLimiter(rate.Every(delay), 1)
}

// Drain processes items one at a time until ctx is cancelled, waiting on
// the limiter before each item.
func Drain[T any](ctx context.Context, q Source[T], limiter *rate.Limiter, process func(context.Context, T)) {
	for {
		item, ok := q.Pop()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-q.Ready():
				continue
			}
		}
		if err := limiter.Wait(ctx); err != nil {
			return
		}
		process(ctx, item)
	}
}
