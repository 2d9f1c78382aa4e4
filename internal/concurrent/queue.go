// Package concurrent holds the lock-free structures shared between client
// goroutines and the duty-cycle agents.
package concurrent

import (
	"errors"
	"runtime"
	"sync/atomic"
)

// ErrInvalidCapacity is returned for capacities that are not a power of two >= 2.
var ErrInvalidCapacity = errors.New("concurrent: queue capacity must be a power of two and >= 2")

type slot[T any] struct {
	sequence atomic.Uint64
	value    T
}

// Queue is a bounded lock-free multi-producer queue using per-slot sequence
// numbers. Clients offer commands from any goroutine; the conductor drains
// them once per duty cycle.
type Queue[T any] struct {
	capacity uint64
	mask     uint64

	_pad0 [48]byte
	head  atomic.Uint64
	_pad1 [48]byte
	tail  atomic.Uint64
	_pad2 [48]byte

	slots []slot[T]
}

// NewQueue allocates a queue holding up to capacity elements.
func NewQueue[T any](capacity uint64) (*Queue[T], error) {
	if capacity < 2 || (capacity&(capacity-1)) != 0 {
		return nil, ErrInvalidCapacity
	}
	slots := make([]slot[T], capacity)
	for i := uint64(0); i < capacity; i++ {
		slots[i].sequence.Store(i)
	}
	return &Queue[T]{capacity: capacity, mask: capacity - 1, slots: slots}, nil
}

// Offer appends value, returning false if the queue is full.
func (q *Queue[T]) Offer(value T) bool {
	for {
		pos := q.tail.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos)
		switch {
		case delta == 0:
			if q.tail.CompareAndSwap(pos, pos+1) {
				s.value = value
				s.sequence.Store(pos + 1)
				return true
			}
		case delta < 0:
			return false
		default:
			runtime.Gosched()
		}
	}
}

// Poll removes the oldest element.
func (q *Queue[T]) Poll() (T, bool) {
	var zero T
	for {
		pos := q.head.Load()
		s := &q.slots[pos&q.mask]
		delta := int64(s.sequence.Load()) - int64(pos+1)
		switch {
		case delta == 0:
			if q.head.CompareAndSwap(pos, pos+1) {
				value := s.value
				s.value = zero
				s.sequence.Store(pos + q.capacity)
				return value, true
			}
		case delta < 0:
			return zero, false
		default:
			runtime.Gosched()
		}
	}
}

// Drain polls up to limit elements (all available if limit <= 0) into fn and
// returns how many were handled.
func (q *Queue[T]) Drain(limit int, fn func(T)) int {
	n := 0
	for limit <= 0 || n < limit {
		v, ok := q.Poll()
		if !ok {
			break
		}
		fn(v)
		n++
	}
	return n
}

// Size is an approximate element count.
func (q *Queue[T]) Size() int {
	tail, head := q.tail.Load(), q.head.Load()
	if tail < head {
		return 0
	}
	return int(tail - head)
}

// Capacity returns the maximum number of elements.
func (q *Queue[T]) Capacity() int { return int(q.capacity) }
