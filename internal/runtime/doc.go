// Package runtime wires a complete embedded driver: the counters file in the
// driver directory, the Conductor, Sender and Receiver agents on their own
// runners, the retention worker with its archive, and the metrics registry.
//
//	cfg := config.Default()
//	cfg.DriverDir = dir
//	rt, err := runtime.Open(runtime.Options{Config: cfg})
//	if err != nil { /* handle */ }
//	rt.Start(ctx)
//	defer rt.Close()
//	id, err := rt.Client().CreatePublication(ctx, driver.PublicationParams{SessionID: 1, StreamID: 10, TermLength: 64 << 10})
package runtime
