package transports

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DriverService is the health service name registered by the driver.
const DriverService = "ipcd.Driver"

// GrpcTransport checks grpc.health.v1 on the admin gRPC endpoint.
type GrpcTransport struct {
	addr string
}

// NewGrpcTransport constructs a transport for addr with insecure credentials.
func NewGrpcTransport(addr string) *GrpcTransport {
	return &GrpcTransport{addr: addr}
}

// Check implements HealthTransport.
func (t *GrpcTransport) Check(ctx context.Context) (string, error) {
	conn, err := grpc.NewClient(t.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return "", err
	}
	defer func() { _ = conn.Close() }()
	res, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: DriverService})
	if err != nil {
		return "", err
	}
	status := res.GetStatus().String()
	if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return status, ErrNotServing
	}
	return status, nil
}
