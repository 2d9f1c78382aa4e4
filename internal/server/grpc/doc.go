// Package grpcserver hosts the standard grpc.health.v1 service for the
// driver. Status follows the conductor heartbeat and is refreshed once per
// heartbeat interval.
//
// Example:
//
//	s := grpcserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, "127.0.0.1:8091")
package grpcserver
