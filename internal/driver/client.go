package driver

import (
	"context"
	"fmt"
)

// Client submits commands to a Conductor. Each call blocks until the
// conductor replies, ctx is done or the conductor shuts down. A Client may be
// shared by many goroutines.
type Client struct {
	c *Conductor
}

func submit[T any](ctx context.Context, c *Conductor, cmd command, reply chan result[T]) (T, error) {
	var zero T
	if c.closed.Load() {
		return zero, ErrDriverClosed
	}
	if !c.commands.Offer(cmd) {
		return zero, fmt.Errorf("%w: command queue full", ErrResourceExhausted)
	}
	select {
	case r := <-reply:
		return r.value, r.err
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-c.stopped:
		// the conductor may still have replied before stopping
		select {
		case r := <-reply:
			return r.value, r.err
		default:
			return zero, ErrDriverClosed
		}
	}
}

// CreatePublication registers a publication and returns its registration id.
func (cl *Client) CreatePublication(ctx context.Context, params PublicationParams) (int64, error) {
	reply := make(chan result[int64], 1)
	return submit(ctx, cl.c, &createPublicationCmd{params: params, reply: reply}, reply)
}

// ClosePublication releases one registration. Unknown ids are ignored.
func (cl *Client) ClosePublication(ctx context.Context, registrationID int64) error {
	reply := make(chan result[struct{}], 1)
	_, err := submit(ctx, cl.c, &closePublicationCmd{registrationID: registrationID, reply: reply}, reply)
	return err
}

// AllocateCounter allocates a client-owned counter.
func (cl *Client) AllocateCounter(ctx context.Context, params CounterParams) (int32, error) {
	reply := make(chan result[int32], 1)
	return submit(ctx, cl.c, &allocateCounterCmd{params: params, reply: reply}, reply)
}

// FreeCounter frees a counter obtained from AllocateCounter.
func (cl *Client) FreeCounter(ctx context.Context, counterID int32) error {
	reply := make(chan result[struct{}], 1)
	_, err := submit(ctx, cl.c, &freeCounterCmd{counterID: counterID, reply: reply}, reply)
	return err
}

// AddSubscriber attaches a consumer to a publication at its current producer
// position.
func (cl *Client) AddSubscriber(ctx context.Context, publicationID int64) (*Subscriber, error) {
	reply := make(chan result[*Subscriber], 1)
	return submit(ctx, cl.c, &addSubscriberCmd{publicationID: publicationID, reply: reply}, reply)
}

// RemoveSubscriber detaches a consumer and frees its position counter.
func (cl *Client) RemoveSubscriber(ctx context.Context, registrationID int64) error {
	reply := make(chan result[struct{}], 1)
	_, err := submit(ctx, cl.c, &removeSubscriberCmd{registrationID: registrationID, reply: reply}, reply)
	return err
}

// Offer queues payload on the publication behind registrationID. It never
// waits for the conductor.
func (cl *Client) Offer(registrationID int64, payload []byte) error {
	p, ok := cl.c.snapshot().byRegistration[registrationID]
	if !ok {
		return ErrUnknownRegistration
	}
	return p.Offer(payload)
}

// Publication looks up a live publication by any of its registration ids.
func (cl *Client) Publication(registrationID int64) (*Publication, bool) {
	p, ok := cl.c.snapshot().byRegistration[registrationID]
	return p, ok
}

// Publications lists the ACTIVE and DRAINING publications.
func (cl *Client) Publications() []PublicationInfo {
	snap := cl.c.snapshot()
	out := make([]PublicationInfo, 0, len(snap.publications))
	for _, p := range snap.publications {
		out = append(out, p.Info())
	}
	return out
}
