package driver

import (
	"math/rand"
	"testing"

	"github.com/rzbill/ipcd/internal/counters"
)

func newPositions(t *testing.T, n int) (*counters.Store, []counters.Position) {
	t.Helper()
	store := counters.NewInMemory(n + 1)
	a := counters.NewAllocator(store, nil, 0)
	out := make([]counters.Position, n)
	for i := range out {
		id, err := a.Allocate(counters.SubscriberPositionTypeID, int64(i), 1, 1, "", "")
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		out[i] = counters.NewPosition(store, id)
	}
	return store, out
}

func TestRecomputeLimit(t *testing.T) {
	_, ps := newPositions(t, 5)
	limit := ps[4]
	s := NewSubscribeable()

	const window = 2048
	if got := s.RecomputeLimit(limit, 512, window); got != 512+window {
		t.Fatalf("no consumers: want %d got %d", 512+window, got)
	}

	cases := []struct {
		positions []int64
		producer  int64
	}{
		{[]int64{0}, 0},
		{[]int64{0, 128, 64}, 1024},
		{[]int64{4096, 8192}, 8192},
		{[]int64{300, 100, 200, 400}, 400},
	}
	for _, tc := range cases {
		s.Clear()
		want := tc.producer
		for i, v := range tc.positions {
			ps[i].Set(v)
			s.Add(ps[i])
			want = min(want, v)
		}
		want += window
		if got := s.RecomputeLimit(limit, tc.producer, window); got != want {
			t.Fatalf("positions %v producer %d: want %d got %d", tc.positions, tc.producer, want, got)
		}
		if limit.Get() != want {
			t.Fatalf("limit counter not written: %d", limit.Get())
		}
	}
}

func TestSubscribeableAddRemoveInterleaved(t *testing.T) {
	const n = 32
	_, ps := newPositions(t, n)
	s := NewSubscribeable()
	r := rand.New(rand.NewSource(1))
	present := make(map[int32]bool)

	for i := 0; i < 1000; i++ {
		p := ps[r.Intn(n)]
		if r.Intn(2) == 0 {
			added := s.Add(p)
			if added == present[p.ID()] {
				t.Fatalf("add %d: added=%v but present=%v", p.ID(), added, present[p.ID()])
			}
			present[p.ID()] = true
		} else {
			removed := s.Remove(p.ID())
			if removed != present[p.ID()] {
				t.Fatalf("remove %d: removed=%v but present=%v", p.ID(), removed, present[p.ID()])
			}
			delete(present, p.ID())
		}
		if s.Len() != len(present) {
			t.Fatalf("length %d, want %d", s.Len(), len(present))
		}
	}
	seen := make(map[int32]bool)
	for _, p := range s.Snapshot() {
		if seen[p.ID()] {
			t.Fatalf("duplicate counter %d", p.ID())
		}
		seen[p.ID()] = true
	}
	if len(seen) != len(present) {
		t.Fatalf("snapshot has %d entries, want %d", len(seen), len(present))
	}
}

func TestSubscribeableGrows(t *testing.T) {
	_, ps := newPositions(t, 9)
	s := NewSubscribeable()
	for _, p := range ps {
		s.Add(p)
	}
	if s.Len() != 9 || s.Cap() < 9 {
		t.Fatalf("len %d cap %d", s.Len(), s.Cap())
	}
	ps[3].Set(-5)
	if got := s.MinPosition(100); got != -5 {
		t.Fatalf("min position %d", got)
	}
}

func TestManagedResourceNegativeRefcntPanics(t *testing.T) {
	m := ManagedResource{refcnt: 1}
	if !m.DecRef() {
		t.Fatalf("expected last release")
	}
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic")
		}
	}()
	m.DecRef()
}
