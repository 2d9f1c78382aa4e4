package counters

import (
	"fmt"
	"time"
)

// SystemCounterID names a driver-wide counter.
type SystemCounterID int

const (
	DriverHeartbeat SystemCounterID = iota
	BytesSent
	BytesReceived
	FramesSent
	FramesReceived
	InvalidFrames
	NaksSent
	StatusMessagesSent
	SenderBackPressure
	ReceiverDroppedFrames
	ConductorErrors
	PublicationsActive
	numSystemCounters
)

var systemCounterLabels = [numSystemCounters]string{
	DriverHeartbeat:       "driver-heartbeat",
	BytesSent:             "bytes-sent",
	BytesReceived:         "bytes-received",
	FramesSent:            "frames-sent",
	FramesReceived:        "frames-received",
	InvalidFrames:         "rcv-invalid-frames",
	NaksSent:              "naks-sent",
	StatusMessagesSent:    "status-messages-sent",
	SenderBackPressure:    "sender-back-pressure",
	ReceiverDroppedFrames: "rcv-dropped-frames",
	ConductorErrors:       "conductor-errors",
	PublicationsActive:    "publications-active",
}

// Label returns the counter label.
func (c SystemCounterID) Label() string {
	if c < 0 || c >= numSystemCounters {
		return "unknown"
	}
	return systemCounterLabels[c]
}

// SystemCounters holds the driver-wide counters. Each one is written by a
// single agent (named in its usage), so plain Position methods are enough.
type SystemCounters struct {
	positions [numSystemCounters]Position
}

// NewSystemCounters allocates every system counter from a.
func NewSystemCounters(a *Allocator) (*SystemCounters, error) {
	sc := &SystemCounters{}
	for i := SystemCounterID(0); i < numSystemCounters; i++ {
		id, err := a.AllocateNamed(SystemCounterTypeID, i.Label())
		if err != nil {
			return nil, fmt.Errorf("allocate system counter %s: %w", i.Label(), err)
		}
		sc.positions[i] = NewPosition(a.Store(), id)
	}
	return sc, nil
}

// Get returns the position of counter c.
func (sc *SystemCounters) Get(c SystemCounterID) Position { return sc.positions[c] }

// Inc adds one to counter c.
func (sc *SystemCounters) Inc(c SystemCounterID) { sc.positions[c].Add(1) }

// Heartbeat returns the time of the last driver heartbeat recorded in store,
// and false if the store has no heartbeat counter.
func Heartbeat(store *Store) (time.Time, bool) {
	id, ok := store.FindByLabel(SystemCounterTypeID, DriverHeartbeat.Label())
	if !ok {
		return time.Time{}, false
	}
	return time.UnixMilli(store.Get(id)), true
}

// IsDriverActive reports whether the heartbeat in store is younger than timeout.
func IsDriverActive(store *Store, timeout time.Duration, now time.Time) bool {
	hb, ok := Heartbeat(store)
	if !ok || hb.UnixMilli() == 0 {
		return false
	}
	return now.Sub(hb) <= timeout
}
