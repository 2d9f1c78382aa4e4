package driver

import (
	"github.com/rzbill/ipcd/internal/logbuffer"
)

// PublicationParams are the inputs of CreatePublication. Zero TermCount uses
// the driver default; TermLength is always required.
type PublicationParams struct {
	SessionID     int32
	StreamID      int32
	TermLength    int32
	TermCount     int32
	InitialTermID int32
	Route         Route
	Channel       string
}

func (p PublicationParams) logParams(registrationID int64) logbuffer.Params {
	return logbuffer.Params{
		TermLength:     p.TermLength,
		TermCount:      p.TermCount,
		InitialTermID:  p.InitialTermID,
		SessionID:      p.SessionID,
		StreamID:       p.StreamID,
		RegistrationID: registrationID,
	}
}

// CounterParams are the inputs of AllocateCounter.
type CounterParams struct {
	TypeID         int32
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	Channel        string
	Label          string
}

type result[T any] struct {
	value T
	err   error
}

// command is executed on the conductor goroutine. Replies go to a channel
// with room for exactly one result so the conductor never blocks.
type command interface {
	execute(c *Conductor)
	abort(err error)
}

type createPublicationCmd struct {
	params PublicationParams
	reply  chan result[int64]
}

func (cmd *createPublicationCmd) execute(c *Conductor) {
	id, err := c.onCreatePublication(cmd.params)
	cmd.reply <- result[int64]{id, err}
}

func (cmd *createPublicationCmd) abort(err error) { cmd.reply <- result[int64]{-1, err} }

type closePublicationCmd struct {
	registrationID int64
	reply          chan result[struct{}]
}

func (cmd *closePublicationCmd) execute(c *Conductor) {
	cmd.reply <- result[struct{}]{err: c.onClosePublication(cmd.registrationID)}
}

func (cmd *closePublicationCmd) abort(err error) { cmd.reply <- result[struct{}]{err: err} }

type allocateCounterCmd struct {
	params CounterParams
	reply  chan result[int32]
}

func (cmd *allocateCounterCmd) execute(c *Conductor) {
	id, err := c.onAllocateCounter(cmd.params)
	cmd.reply <- result[int32]{id, err}
}

func (cmd *allocateCounterCmd) abort(err error) { cmd.reply <- result[int32]{-1, err} }

type freeCounterCmd struct {
	counterID int32
	reply     chan result[struct{}]
}

func (cmd *freeCounterCmd) execute(c *Conductor) {
	cmd.reply <- result[struct{}]{err: c.onFreeCounter(cmd.counterID)}
}

func (cmd *freeCounterCmd) abort(err error) { cmd.reply <- result[struct{}]{err: err} }

type addSubscriberCmd struct {
	publicationID int64
	reply         chan result[*Subscriber]
}

func (cmd *addSubscriberCmd) execute(c *Conductor) {
	s, err := c.onAddSubscriber(cmd.publicationID)
	cmd.reply <- result[*Subscriber]{s, err}
}

func (cmd *addSubscriberCmd) abort(err error) { cmd.reply <- result[*Subscriber]{nil, err} }

type removeSubscriberCmd struct {
	registrationID int64
	reply          chan result[struct{}]
}

func (cmd *removeSubscriberCmd) execute(c *Conductor) {
	cmd.reply <- result[struct{}]{err: c.onRemoveSubscriber(cmd.registrationID)}
}

func (cmd *removeSubscriberCmd) abort(err error) { cmd.reply <- result[struct{}]{err: err} }
