package concurrent

import (
	"errors"
	"sync"
	"testing"
)

func TestQueueBasic(t *testing.T) {
	q, err := NewQueue[int](8)
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	for i := 0; i < 8; i++ {
		if !q.Offer(i) {
			t.Fatalf("offer failed at %d", i)
		}
	}
	if q.Offer(99) {
		t.Fatalf("offer should fail when full")
	}
	if q.Size() != 8 {
		t.Fatalf("size %d", q.Size())
	}
	for i := 0; i < 8; i++ {
		got, ok := q.Poll()
		if !ok || got != i {
			t.Fatalf("poll %d: got %d ok=%v", i, got, ok)
		}
	}
	if _, ok := q.Poll(); ok {
		t.Fatalf("poll should fail when empty")
	}
}

func TestQueueInvalidCapacity(t *testing.T) {
	for _, c := range []uint64{0, 1, 3, 100} {
		if _, err := NewQueue[int](c); !errors.Is(err, ErrInvalidCapacity) {
			t.Fatalf("capacity %d: expected ErrInvalidCapacity, got %v", c, err)
		}
	}
}

func TestQueueDrainLimit(t *testing.T) {
	q, _ := NewQueue[int](16)
	for i := 0; i < 10; i++ {
		q.Offer(i)
	}
	var got []int
	if n := q.Drain(4, func(v int) { got = append(got, v) }); n != 4 {
		t.Fatalf("drained %d", n)
	}
	if n := q.Drain(0, func(v int) { got = append(got, v) }); n != 6 {
		t.Fatalf("drained %d", n)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("order broken at %d: %d", i, v)
		}
	}
}

func TestQueueManyProducersOneConsumer(t *testing.T) {
	const producers, perProducer = 4, 5000
	q, _ := NewQueue[int](1024)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				for !q.Offer(base*perProducer + i) {
				}
			}
		}(p)
	}

	seen := make([]bool, producers*perProducer)
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	count := 0
	for count < producers*perProducer {
		count += q.Drain(0, func(v int) {
			if seen[v] {
				t.Errorf("duplicate %d", v)
			}
			seen[v] = true
		})
	}
	<-done
	if q.Size() != 0 {
		t.Fatalf("queue not empty")
	}
}
