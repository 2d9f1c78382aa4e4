// Package log provides the driver's structured logging facade.
//
// # Overview
//
// The package exposes a small Logger interface with leveled methods and a
// Field type for structured context. Records are routed through a log/slog
// handler that hands them to a Formatter and one or more Outputs, so the
// driver, its agents, and third-party code redirected through RedirectStdLog
// all end up in the same sink with the same shape.
//
// Quick start
//
//	l := log.NewLogger(
//	    log.WithLevel(log.InfoLevel),
//	    log.WithFormatter(&log.TextFormatter{}),
//	    log.WithOutput(log.NewConsoleOutput()),
//	)
//	l = l.With(log.Component("conductor"))
//	l.Info("publication created", log.Int64("registration_id", 42))
//
// # Configuration
//
// ApplyConfig builds a logger from a declarative Config (level, text or json
// format, console/file/null outputs, key redaction, per-message sampling).
//
// Duty-cycle agents must not log on their per-frame paths; they increment a
// system counter instead and let the conductor or the stat tooling report.
package log
