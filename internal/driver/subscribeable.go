package driver

import (
	"fmt"
	"sync/atomic"

	"github.com/rzbill/ipcd/internal/counters"
)

// Subscribeable is the set of consumer positions attached to one stream. The
// conductor mutates it; data-path agents read the snapshot published after
// every mutation.
type Subscribeable struct {
	array    []counters.Position
	length   int
	snapshot atomic.Pointer[[]counters.Position]
}

// NewSubscribeable returns an empty registry.
func NewSubscribeable() *Subscribeable {
	s := &Subscribeable{}
	empty := []counters.Position{}
	s.snapshot.Store(&empty)
	return s
}

// Len returns the number of attached positions.
func (s *Subscribeable) Len() int { return s.length }

// Cap returns the current capacity.
func (s *Subscribeable) Cap() int { return len(s.array) }

// Add attaches position, growing by doubling. Adding a counter already present
// is a no-op and returns false.
func (s *Subscribeable) Add(p counters.Position) bool {
	for i := 0; i < s.length; i++ {
		if s.array[i].ID() == p.ID() {
			return false
		}
	}
	if s.length == len(s.array) {
		grown := make([]counters.Position, max(2, 2*len(s.array)))
		copy(grown, s.array[:s.length])
		s.array = grown
	}
	s.array[s.length] = p
	s.length++
	s.checkInvariant()
	s.publish()
	return true
}

// Remove detaches the position with counterID by swapping in the last entry.
func (s *Subscribeable) Remove(counterID int32) bool {
	for i := 0; i < s.length; i++ {
		if s.array[i].ID() != counterID {
			continue
		}
		last := s.length - 1
		s.array[i] = s.array[last]
		s.array[last] = counters.Position{}
		s.length = last
		s.checkInvariant()
		s.publish()
		return true
	}
	return false
}

// Clear detaches every position.
func (s *Subscribeable) Clear() {
	clear(s.array)
	s.length = 0
	s.publish()
}

func (s *Subscribeable) checkInvariant() {
	if s.length > len(s.array) || s.length < 0 {
		panic(fmt.Sprintf("driver: subscribeable length %d exceeds capacity %d", s.length, len(s.array)))
	}
}

func (s *Subscribeable) publish() {
	snap := make([]counters.Position, s.length)
	copy(snap, s.array[:s.length])
	s.snapshot.Store(&snap)
}

// Snapshot returns the positions as of the last mutation. Safe from any goroutine.
func (s *Subscribeable) Snapshot() []counters.Position { return *s.snapshot.Load() }

// MinPosition returns the slowest consumer position, or producer when no
// consumer is attached. Safe from any goroutine.
func (s *Subscribeable) MinPosition(producer int64) int64 {
	snap := s.Snapshot()
	if len(snap) == 0 {
		return producer
	}
	minPos := snap[0].Get()
	for _, p := range snap[1:] {
		if v := p.Get(); v < minPos {
			minPos = v
		}
	}
	return minPos
}

// RecomputeLimit writes min(MinPosition(producer), producer) + window to limit
// and returns it.
func (s *Subscribeable) RecomputeLimit(limit counters.Position, producer, window int64) int64 {
	v := min(s.MinPosition(producer), producer) + window
	limit.Set(v)
	return v
}
