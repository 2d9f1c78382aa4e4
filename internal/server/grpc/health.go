package grpcserver

import (
	"context"
	"time"

	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DriverService is the health service name reporting conductor liveness.
// The empty name reports the same status for the whole server.
const DriverService = "ipcd.Driver"

type checker interface {
	CheckHealth(ctx context.Context) error
}

// healthWatcher mirrors the driver heartbeat into the standard health server.
type healthWatcher struct {
	rt       checker
	srv      *health.Server
	interval time.Duration
}

func (h *healthWatcher) refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := h.rt.CheckHealth(ctx); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(DriverService, status)
	return status
}

func (h *healthWatcher) run(ctx context.Context) {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-t.C:
			h.refresh(ctx)
		}
	}
}
