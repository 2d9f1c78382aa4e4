package agent

import (
	"fmt"
	"runtime"
	"time"
)

// IdleStrategy decides what a runner does after a cycle with no work.
type IdleStrategy interface {
	Idle()
	Reset()
}

// BusySpinIdleStrategy never gives up the thread.
type BusySpinIdleStrategy struct{}

func (BusySpinIdleStrategy) Idle()  {}
func (BusySpinIdleStrategy) Reset() {}

// YieldingIdleStrategy yields the processor.
type YieldingIdleStrategy struct{}

func (YieldingIdleStrategy) Idle()  { runtime.Gosched() }
func (YieldingIdleStrategy) Reset() {}

// SleepingIdleStrategy sleeps a fixed period.
type SleepingIdleStrategy struct {
	Period time.Duration
}

func (s SleepingIdleStrategy) Idle()  { time.Sleep(s.Period) }
func (s SleepingIdleStrategy) Reset() {}

// BackoffIdleStrategy spins, then yields, then parks with an exponentially
// growing sleep capped at MaxPark.
type BackoffIdleStrategy struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration

	spins  int
	yields int
	park   time.Duration
}

// NewBackoffIdleStrategy returns a strategy with driver defaults.
func NewBackoffIdleStrategy() *BackoffIdleStrategy {
	return &BackoffIdleStrategy{MaxSpins: 10, MaxYields: 5, MinPark: time.Microsecond, MaxPark: time.Millisecond}
}

func (b *BackoffIdleStrategy) Idle() {
	switch {
	case b.spins < b.MaxSpins:
		b.spins++
	case b.yields < b.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.park < b.MinPark {
			b.park = b.MinPark
		}
		time.Sleep(b.park)
		b.park *= 2
		if b.park > b.MaxPark {
			b.park = b.MaxPark
		}
	}
}

func (b *BackoffIdleStrategy) Reset() {
	b.spins, b.yields, b.park = 0, 0, 0
}

// CurrentPark reports the next park duration (zero while spinning or yielding).
func (b *BackoffIdleStrategy) CurrentPark() time.Duration { return b.park }

// NewIdleStrategy builds a strategy by name: "backoff", "sleeping",
// "yielding" or "busy". sleep is used by "sleeping" and caps "backoff".
func NewIdleStrategy(name string, sleep time.Duration) (IdleStrategy, error) {
	switch name {
	case "", "backoff":
		b := NewBackoffIdleStrategy()
		if sleep > 0 {
			b.MaxPark = sleep
		}
		return b, nil
	case "sleeping":
		if sleep <= 0 {
			sleep = time.Millisecond
		}
		return SleepingIdleStrategy{Period: sleep}, nil
	case "yielding":
		return YieldingIdleStrategy{}, nil
	case "busy":
		return BusySpinIdleStrategy{}, nil
	default:
		return nil, fmt.Errorf("agent: unknown idle strategy %q", name)
	}
}
