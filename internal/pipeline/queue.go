package pipeline

import (
	"context"
	"sync/atomic"
)

// queue is a bounded FIFO between two stages. Pushing never blocks: when the
// queue is full the oldest buffered item is dropped, so a slow consumer
// stalls neither the producer nor the capture loop. Single producer; the
// producer closes the queue when it exits, which cascades the drain.
type queue[T any] struct {
	name   string
	ch     chan T
	drops  atomic.Uint64
	onDrop func(T)
}

func newQueue[T any](name string, capacity int, onDrop func(T)) *queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	if onDrop == nil {
		onDrop = func(T) {}
	}
	return &queue[T]{
		name:   name,
		ch:     make(chan T, capacity),
		onDrop: onDrop,
	}
}

// push enqueues item, evicting the oldest buffered item if the queue is
// full. Reports whether an eviction happened.
func (q *queue[T]) push(item T) (dropped bool) {
	select {
	case q.ch <- item:
		return false
	default:
	}

	// Full: evict the oldest, then retry once. The consumer may race us for
	// the eviction; either way one slot frees up almost always.
	select {
	case old := <-q.ch:
		q.onDrop(old)
		q.drops.Add(1)
		dropped = true
	default:
	}

	select {
	case q.ch <- item:
	default:
		// Still full (consumer re-filled is impossible with one producer,
		// but stay safe): drop the new item rather than block.
		q.onDrop(item)
		q.drops.Add(1)
		dropped = true
	}
	return dropped
}

// pop dequeues the next item. ok is false when the queue is closed and
// empty, or the context is cancelled; aborted distinguishes the latter.
func (q *queue[T]) pop(ctx context.Context) (item T, ok bool, aborted bool) {
	select {
	case item, ok = <-q.ch:
		return item, ok, false
	case <-ctx.Done():
		var zero T
		return zero, false, true
	}
}

// close marks the producer done. Only the producer may call it.
func (q *queue[T]) close() {
	close(q.ch)
}

// flush releases everything still buffered. Called after a hard stop.
func (q *queue[T]) flush() {
	for {
		select {
		case item, ok := <-q.ch:
			if !ok {
				return
			}
			q.onDrop(item)
		default:
			return
		}
	}
}

// dropCount returns the number of items dropped under backpressure.
func (q *queue[T]) dropCount() uint64 {
	return q.drops.Load()
}
