// Package httpserver is the driver's admin HTTP endpoint: liveness, the
// counters file, live publications, the distinct error log, the archive of
// retired logs and Prometheus metrics.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	rt.Start(ctx)
//	s := httpserver.New(rt, logger)
//	_ = s.ListenAndServe(ctx, "127.0.0.1:8090")
package httpserver
