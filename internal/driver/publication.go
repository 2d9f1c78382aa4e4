package driver

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rzbill/ipcd/internal/concurrent"
	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
)

// Route says which data-path agent writes a publication's log.
type Route uint8

const (
	// RouteOutbound logs are written by the Sender from client offers.
	RouteOutbound Route = iota + 1
	// RouteInbound logs are written by the Receiver from transport frames.
	RouteInbound
)

func (r Route) String() string {
	switch r {
	case RouteOutbound:
		return "outbound"
	case RouteInbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// ParseRoute maps "outbound"/"inbound" to a Route.
func ParseRoute(s string) (Route, error) {
	switch s {
	case "outbound", "":
		return RouteOutbound, nil
	case "inbound":
		return RouteInbound, nil
	default:
		return 0, fmt.Errorf("%w: route %q", ErrInvalidArgument, s)
	}
}

// State is a publication lifecycle state.
type State int32

const (
	StateInitializing State = iota
	StateActive
	StateDraining
	StateClosing
	StateLingering
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "INITIALIZING"
	case StateActive:
		return "ACTIVE"
	case StateDraining:
		return "DRAINING"
	case StateClosing:
		return "CLOSING"
	case StateLingering:
		return "LINGERING"
	case StateDeleted:
		return "DELETED"
	default:
		return "UNKNOWN"
	}
}

type streamKey struct {
	sessionID int32
	streamID  int32
	route     Route
}

// Publication binds one term log, its flow-control counters and its
// consumers. The conductor owns the lifecycle; the Sender or Receiver writes
// the log depending on the route.
type Publication struct {
	ManagedResource

	sessionID   int32
	streamID    int32
	route       Route
	channel     string
	logFileName string
	created     time.Time

	log           *logbuffer.LogBuffer
	pubLimit      counters.Position
	pubPos        counters.Position
	rcvHwm        counters.Position
	subscribeable *Subscribeable
	window        int64

	// conductor-owned
	registrations map[int64]struct{}
	subscribers   map[int64]*Subscriber

	state atomic.Int32

	// client goroutines offer, the Sender drains
	offers        *concurrent.Queue[[]byte]
	pendingOffers atomic.Int64

	// Sender-owned, read by the conductor when draining
	sentPosition   atomic.Int64
	remotePosition atomic.Int64
}

// State returns the lifecycle state. Safe from any goroutine.
func (p *Publication) State() State { return State(p.state.Load()) }

func (p *Publication) setState(s State, nowNs int64) {
	p.state.Store(int32(s))
	p.TimeOfLastStatusChange = nowNs
}

func (p *Publication) key() streamKey { return streamKey{p.sessionID, p.streamID, p.route} }

func (p *Publication) SessionID() int32          { return p.sessionID }
func (p *Publication) StreamID() int32           { return p.streamID }
func (p *Publication) Route() Route              { return p.route }
func (p *Publication) Channel() string           { return p.channel }
func (p *Publication) LogFileName() string       { return p.logFileName }
func (p *Publication) Log() *logbuffer.LogBuffer { return p.log }

// PubLimitCounterID returns the publisher-limit counter id.
func (p *Publication) PubLimitCounterID() int32 { return p.pubLimit.ID() }

// ProducerPosition returns the position just past the last appended frame.
func (p *Publication) ProducerPosition() int64 { return p.log.ProducerPosition() }

// PublisherLimit returns the current flow-control limit.
func (p *Publication) PublisherLimit() int64 { return p.pubLimit.Get() }

// Subscribeable returns the consumer registry.
func (p *Publication) Subscribeable() *Subscribeable { return p.subscribeable }

// RemotePosition returns the last consumer position reported by a status message.
func (p *Publication) RemotePosition() int64 { return p.remotePosition.Load() }

// Offer queues payload for the Sender. It copies payload. Only outbound
// publications in ACTIVE accept offers.
func (p *Publication) Offer(payload []byte) error {
	if p.route != RouteOutbound {
		return fmt.Errorf("%w: offer on %s publication", ErrInvalidArgument, p.route)
	}
	if limit := logbuffer.MaxPayloadLength(p.log.TermLength()); len(payload) > limit {
		return fmt.Errorf("%w: payload %d exceeds %d", ErrInvalidArgument, len(payload), limit)
	}
	// counted before the state check so a draining conductor either sees
	// the offer pending or the offer sees the publication closing
	p.pendingOffers.Add(1)
	if p.State() != StateActive {
		p.pendingOffers.Add(-1)
		return ErrPublicationClosed
	}
	if !p.offers.Offer(append([]byte(nil), payload...)) {
		p.pendingOffers.Add(-1)
		return ErrBackPressure
	}
	return nil
}

// PublicationInfo is a read-only view for admin endpoints.
type PublicationInfo struct {
	RegistrationID   int64  `json:"registrationId"`
	SessionID        int32  `json:"sessionId"`
	StreamID         int32  `json:"streamId"`
	Route            string `json:"route"`
	Channel          string `json:"channel,omitempty"`
	State            string `json:"state"`
	LogFileName      string `json:"logFileName"`
	TermLength       int32  `json:"termLength"`
	TermCount        int32  `json:"termCount"`
	ProducerPosition int64  `json:"producerPosition"`
	PublisherLimit   int64  `json:"publisherLimit"`
	Subscribers      int    `json:"subscribers"`
	RemotePosition   int64  `json:"remotePosition"`
}

// Info snapshots the publication for display.
func (p *Publication) Info() PublicationInfo {
	return PublicationInfo{
		RegistrationID:   p.RegistrationID,
		SessionID:        p.sessionID,
		StreamID:         p.streamID,
		Route:            p.route.String(),
		Channel:          p.channel,
		State:            p.State().String(),
		LogFileName:      p.logFileName,
		TermLength:       p.log.TermLength(),
		TermCount:        p.log.TermCount(),
		ProducerPosition: p.ProducerPosition(),
		PublisherLimit:   p.PublisherLimit(),
		Subscribers:      len(p.subscribeable.Snapshot()),
		RemotePosition:   p.RemotePosition(),
	}
}
