// Package client provides the operator commands of the `ipcd` CLI.
//
// stat reads the counters file of a driver straight from shared memory, so it
// works even when the admin servers are disabled. The other commands talk to
// the admin HTTP endpoint (errors, publications, archive) or the admin gRPC
// health service (health).
//
// # Address configuration
//
// The HTTP base URL comes from the embedding application through a
// BaseURLFunc (the ipcd binary reads --url or IPCD_URL, default
// http://127.0.0.1:8090). The gRPC address is read from --grpc or IPCD_GRPC
// (default 127.0.0.1:8091).
//
// Usage
//
//	ipcd stat --dir /dev/shm/ipcd-$USER
//	ipcd stat --type pub-lmt --json
//	ipcd errors
//	ipcd publications
//	ipcd health --transport http
//	ipcd archive list
//	ipcd archive frames 42 --limit 10
//	ipcd archive --dir ./archive prune --older-than 168h
package client
