package id

import (
	"strconv"
	"sync"
	"time"
)

const (
	seqBits = 20
	maxSeq  = 1<<seqBits - 1
)

// Epoch is the zero point for the timestamp bits (2024-01-01T00:00:00Z).
const Epoch int64 = 1704067200000

// ID is a registration identifier: [44 bits ms since Epoch][20 bits sequence].
type ID int64

// Int64 returns the id as a plain int64.
func (i ID) Int64() int64 { return int64(i) }

// Millis returns the generation time in ms since the Unix epoch.
func (i ID) Millis() int64 { return int64(i)>>seqBits + Epoch }

// Sequence returns the per-millisecond sequence.
func (i ID) Sequence() int64 { return int64(i) & maxSeq }

// String returns the decimal form.
func (i ID) String() string { return strconv.FormatInt(int64(i), 10) }

// Generator produces monotonically increasing IDs per process.
type Generator struct {
	mu       sync.Mutex
	lastMs   int64
	sequence int64
}

// NewGenerator creates a new Generator.
func NewGenerator() *Generator { return &Generator{} }

// NowMs returns current time in milliseconds since Unix epoch.
var NowMs = func() int64 { return time.Now().UnixMilli() }

// Next returns a new ID. If the clock goes backwards it reuses lastMs and
// increments the sequence; on sequence exhaustion it waits for the next ms.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := NowMs()
	if ms < g.lastMs {
		ms = g.lastMs
	}

	if ms == g.lastMs {
		if g.sequence == maxSeq {
			for {
				ms = NowMs()
				if ms > g.lastMs {
					break
				}
				time.Sleep(time.Millisecond / 8)
			}
			g.sequence = 0
		} else {
			g.sequence++
		}
	} else {
		g.sequence = 0
	}

	g.lastMs = ms
	return makeID(ms, g.sequence)
}

func makeID(ms, seq int64) ID {
	rel := ms - Epoch
	if rel < 0 {
		rel = 0
	}
	return ID(rel<<seqBits | seq)
}
