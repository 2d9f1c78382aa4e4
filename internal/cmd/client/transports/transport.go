// Package transports provides the health-check transports used by the CLI.
package transports

import (
	"context"
	"errors"
)

// ErrNotServing is returned by Check when the driver answered but is not live.
var ErrNotServing = errors.New("driver not serving")

// HealthTransport asks a running driver whether it is live.
type HealthTransport interface {
	// Check returns the reported status string, and ErrNotServing when the
	// driver answered with anything other than a serving status.
	Check(ctx context.Context) (string, error)
}

// New selects a transport by name: "grpc" or "http".
func New(name, grpcAddr, httpBaseURL string) (HealthTransport, error) {
	switch name {
	case "grpc", "":
		return NewGrpcTransport(grpcAddr), nil
	case "http":
		return NewHTTPTransport(httpBaseURL, nil), nil
	default:
		return nil, errors.New("unknown transport " + name + "; use grpc|http")
	}
}
