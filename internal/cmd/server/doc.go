// Package serverrun is the process entrypoint behind `ipcd driver start`: it
// resolves configuration, starts the embedded driver and its admin HTTP and
// gRPC servers, and shuts everything down on signal or context cancel.
//
// Example:
//
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, serverrun.Options{ConfigPath: "ipcd.toml"})
package serverrun
