// Package errlog keeps a distinct error log: each different error message is
// stored once with an occurrence count and first/last observation times.
package errlog

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxDistinct bounds the number of distinct entries kept.
const DefaultMaxDistinct = 1024

// Observation is one distinct error.
type Observation struct {
	Message       string    `json:"message"`
	Count         int64     `json:"count"`
	FirstObserved time.Time `json:"firstObserved"`
	LastObserved  time.Time `json:"lastObserved"`
}

// Log is safe for concurrent use.
type Log struct {
	mu          sync.Mutex
	byMessage   map[string]*Observation
	order       []*Observation
	maxDistinct int
	dropped     int64
}

// New returns a log holding up to maxDistinct entries (DefaultMaxDistinct if <= 0).
func New(maxDistinct int) *Log {
	if maxDistinct <= 0 {
		maxDistinct = DefaultMaxDistinct
	}
	return &Log{byMessage: make(map[string]*Observation), maxDistinct: maxDistinct}
}

// Record notes err at now. It returns false when a new distinct error could
// not be stored because the log is full.
func (l *Log) Record(err error, now time.Time) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	l.mu.Lock()
	defer l.mu.Unlock()
	if o, ok := l.byMessage[msg]; ok {
		o.Count++
		o.LastObserved = now
		return true
	}
	if len(l.order) >= l.maxDistinct {
		l.dropped++
		return false
	}
	o := &Observation{Message: msg, Count: 1, FirstObserved: now, LastObserved: now}
	l.byMessage[msg] = o
	l.order = append(l.order, o)
	return true
}

// Observations returns copies of all entries, most recently observed first.
func (l *Log) Observations() []Observation {
	l.mu.Lock()
	out := make([]Observation, len(l.order))
	for i, o := range l.order {
		out[i] = *o
	}
	l.mu.Unlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].LastObserved.After(out[j].LastObserved) })
	return out
}

// Dropped returns how many distinct errors were refused because the log was full.
func (l *Log) Dropped() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
