package driver

import (
	"errors"
	"fmt"

	"github.com/rzbill/ipcd/internal/counters"
	"github.com/rzbill/ipcd/internal/logbuffer"
)

// Error taxonomy. Every error returned to a client wraps exactly one of these.
var (
	ErrResourceExhausted = errors.New("driver: resource exhausted")
	ErrInvalidArgument   = errors.New("driver: invalid argument")
	ErrIOFailure         = errors.New("driver: io failure")
	ErrProtocolViolation = errors.New("driver: protocol violation")
)

var (
	// ErrUnknownRegistration is returned for registration ids the conductor does not hold.
	ErrUnknownRegistration = fmt.Errorf("%w: unknown registration", ErrInvalidArgument)
	// ErrPublicationClosed is returned for operations on a publication that is no longer ACTIVE.
	ErrPublicationClosed = errors.New("driver: publication closed")
	// ErrBackPressure is returned by Offer when the pending queue is full.
	ErrBackPressure = errors.New("driver: back pressure")
	// ErrDriverClosed is returned once the conductor has shut down.
	ErrDriverClosed = errors.New("driver: closed")
)

// classify wraps err with the matching taxonomy sentinel.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrResourceExhausted), errors.Is(err, ErrInvalidArgument),
		errors.Is(err, ErrIOFailure), errors.Is(err, ErrProtocolViolation):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, counters.ErrCountersExhausted):
		return fmt.Errorf("%s: %w: %w", op, ErrResourceExhausted, err)
	case errors.Is(err, logbuffer.ErrInvalidGeometry), errors.Is(err, logbuffer.ErrMessageTooLong),
		errors.Is(err, counters.ErrInvalidCounterID), errors.Is(err, counters.ErrNotAllocated):
		return fmt.Errorf("%s: %w: %w", op, ErrInvalidArgument, err)
	case errors.Is(err, logbuffer.ErrMalformedFrame), errors.Is(err, logbuffer.ErrUnsupportedVersion):
		return fmt.Errorf("%s: %w: %w", op, ErrProtocolViolation, err)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrIOFailure, err)
	}
}
