package log

import (
	"fmt"
	"log/slog"
	"strings"
)

// Config declares how a process-wide logger is assembled.
type Config struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
	// Output is one of "stderr" (default), "null", or "file".
	Output string `json:"output" toml:"output"`
	File   string `json:"file" toml:"file"`
	// Redact lists field keys whose values are replaced before output.
	Redact []string `json:"redact" toml:"redact"`
	// SampleInitial and SampleThereafter enable per-message sampling when
	// SampleThereafter > 0.
	SampleInitial    int `json:"sample_initial" toml:"sample_initial"`
	SampleThereafter int `json:"sample_thereafter" toml:"sample_thereafter"`
}

// ApplyConfig builds a Logger from cfg. A nil cfg yields an info/text logger on stderr.
func ApplyConfig(cfg *Config) (Logger, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var formatter Formatter
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		formatter = &TextFormatter{}
	case "json":
		formatter = &JSONFormatter{}
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	var output Output
	switch strings.ToLower(cfg.Output) {
	case "", "stderr", "console":
		output = NewConsoleOutput()
	case "null", "none":
		output = NullOutput{}
	case "file":
		if cfg.File == "" {
			return nil, fmt.Errorf("log: file output requires a path")
		}
		fo, err := NewFileOutput(cfg.File)
		if err != nil {
			return nil, fmt.Errorf("log: open %s: %w", cfg.File, err)
		}
		output = fo
	default:
		return nil, fmt.Errorf("log: unknown output %q", cfg.Output)
	}

	l := NewLogger(WithLevel(level), WithFormatter(formatter), WithOutput(output)).(*BaseLogger)
	h := newBridgeHandler(l).
		withRedactions(cfg.Redact).
		withSampler(cfg.SampleInitial, cfg.SampleThereafter)
	l.slog = slog.New(h)
	return l, nil
}
