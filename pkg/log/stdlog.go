package log

import (
	"bytes"
	stdlog "log"
	"log/slog"
)

// RedirectStdLog routes the standard library logger (and slog's default) to l
// at info level. Libraries that log through the log package end up in the
// same sink as the driver.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	if bl, ok := l.(*BaseLogger); ok {
		// slog.SetDefault also points the log package at the handler.
		slog.SetDefault(bl.slog)
		return
	}
	stdlog.SetOutput(&stdWriter{logger: l, level: InfoLevel})
}

// ToStdLogger returns a *log.Logger that writes each line to l at the given level.
func ToStdLogger(l Logger, level Level) *stdlog.Logger {
	return stdlog.New(&stdWriter{logger: l, level: level}, "", 0)
}

type stdWriter struct {
	logger Logger
	level  Level
}

func (w *stdWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\n"))
	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}
