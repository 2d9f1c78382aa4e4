package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	logpkg "github.com/rzbill/ipcd/pkg/log"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("config: invalid")

// Term length and count bounds accepted by the log buffer.
const (
	MinTermLength = 1024
	MaxTermLength = 1 << 30
	MinTermCount  = 2
	MaxTermCount  = 16
)

// Duration is a time.Duration that reads and writes as "250ms" style text in
// both JSON and TOML.
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) { return []byte(time.Duration(d).String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Config is the top-level configuration loaded from file/env.
type Config struct {
	// DriverDir holds the counters file and the publication logs.
	DriverDir            string `json:"driverDir" toml:"driver_dir"`
	DirDeleteOnStart     bool   `json:"dirDeleteOnStart" toml:"dir_delete_on_start"`
	DirDeleteOnShutdown  bool   `json:"dirDeleteOnShutdown" toml:"dir_delete_on_shutdown"`
	CommandQueueCapacity int    `json:"commandQueueCapacity" toml:"command_queue_capacity"`

	Log         Log         `json:"log" toml:"log"`
	Terms       Terms       `json:"terms" toml:"terms"`
	Counters    Counters    `json:"counters" toml:"counters"`
	Timeouts    Timeouts    `json:"timeouts" toml:"timeouts"`
	FlowControl FlowControl `json:"flowControl" toml:"flow_control"`
	Agents      Agents      `json:"agents" toml:"agents"`
	Retention   Retention   `json:"retention" toml:"retention"`
	Admin       Admin       `json:"admin" toml:"admin"`
}

// Log mirrors the logger configuration.
type Log struct {
	Level  string `json:"level" toml:"level"`
	Format string `json:"format" toml:"format"`
	Output string `json:"output" toml:"output"`
	File   string `json:"file" toml:"file"`
}

// Terms are the default term log geometry for new publications.
type Terms struct {
	Length int32 `json:"length" toml:"length"`
	Count  int32 `json:"count" toml:"count"`
}

// Counters sizes the position counter store.
type Counters struct {
	Capacity     int      `json:"capacity" toml:"capacity"`
	ReuseTimeout Duration `json:"reuseTimeout" toml:"reuse_timeout"`
}

// Timeouts drive the publication state machine and driver liveness.
type Timeouts struct {
	Linger            Duration `json:"linger" toml:"linger"`
	Drain             Duration `json:"drain" toml:"drain"`
	StatusInterval    Duration `json:"statusInterval" toml:"status_interval"`
	Driver            Duration `json:"driver" toml:"driver"`
	HeartbeatInterval Duration `json:"heartbeatInterval" toml:"heartbeat_interval"`
}

// FlowControl sets the publisher window. Zero means the largest window the
// log can hold without lapping.
type FlowControl struct {
	Window int64 `json:"window" toml:"window"`
}

// Agents selects the idle strategy shared by the duty-cycle runners.
type Agents struct {
	// IdleStrategy is one of "backoff", "sleeping", "yielding", "busy".
	IdleStrategy string   `json:"idleStrategy" toml:"idle_strategy"`
	IdleSleep    Duration `json:"idleSleep" toml:"idle_sleep"`
}

// Retention decides what happens to a log file once its publication is deleted.
type Retention struct {
	// Policy is a CEL expression evaluating to "delete", "archive" or "keep".
	Policy     string   `json:"policy" toml:"policy"`
	ArchiveDir string   `json:"archiveDir" toml:"archive_dir"`
	MaxAge     Duration `json:"maxAge" toml:"max_age"`
	PruneBatch int      `json:"pruneBatch" toml:"prune_batch"`
	Fsync      string   `json:"fsync" toml:"fsync"`
}

// Admin configures the observability endpoints.
type Admin struct {
	HTTPAddr string `json:"httpAddr" toml:"http_addr"`
	GRPCAddr string `json:"grpcAddr" toml:"grpc_addr"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		DriverDir:            DefaultDriverDir(),
		CommandQueueCapacity: 1024,
		Log:                  Log{Level: "info", Format: "text"},
		Terms:                Terms{Length: 64 << 10, Count: 3},
		Counters:             Counters{Capacity: 1024},
		Timeouts: Timeouts{
			Linger:            Duration(5 * time.Second),
			Drain:             Duration(5 * time.Second),
			StatusInterval:    Duration(200 * time.Millisecond),
			Driver:            Duration(10 * time.Second),
			HeartbeatInterval: Duration(time.Second),
		},
		Agents:    Agents{IdleStrategy: "backoff", IdleSleep: Duration(time.Millisecond)},
		Retention: Retention{Policy: `"delete"`, ArchiveDir: filepath.Join(DefaultDataDir(), "archive"), PruneBatch: 256, Fsync: "never"},
		Admin:     Admin{HTTPAddr: "127.0.0.1:8090", GRPCAddr: "127.0.0.1:8091"},
	}
}

// Load reads configuration from a JSON or TOML file (by extension) on top of
// the defaults. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	default:
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		if err := json.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LogConfig converts the log section for pkg/log.ApplyConfig.
func (c Config) LogConfig() *logpkg.Config {
	return &logpkg.Config{Level: c.Log.Level, Format: c.Log.Format, Output: c.Log.Output, File: c.Log.File}
}

// EffectiveWindow returns the flow-control window clamped to what a log of
// the given geometry can hold without lapping.
func (c Config) EffectiveWindow(termLength, termCount int32) int64 {
	limit := int64(termLength) * int64(termCount-1)
	if c.FlowControl.Window <= 0 || c.FlowControl.Window > limit {
		return limit
	}
	return c.FlowControl.Window
}

// Validate checks bounds that would otherwise fail deep inside the driver.
func (c Config) Validate() error {
	if c.DriverDir == "" {
		return fmt.Errorf("%w: driver dir is empty", ErrInvalid)
	}
	if err := ValidateTerms(c.Terms.Length, c.Terms.Count); err != nil {
		return err
	}
	if c.Counters.Capacity <= 0 {
		return fmt.Errorf("%w: counters capacity %d", ErrInvalid, c.Counters.Capacity)
	}
	if c.CommandQueueCapacity < 2 || c.CommandQueueCapacity&(c.CommandQueueCapacity-1) != 0 {
		return fmt.Errorf("%w: command queue capacity %d must be a power of two >= 2", ErrInvalid, c.CommandQueueCapacity)
	}
	if c.FlowControl.Window < 0 {
		return fmt.Errorf("%w: negative flow-control window", ErrInvalid)
	}
	switch c.Agents.IdleStrategy {
	case "", "backoff", "sleeping", "yielding", "busy":
	default:
		return fmt.Errorf("%w: idle strategy %q", ErrInvalid, c.Agents.IdleStrategy)
	}
	if c.Timeouts.Driver <= 0 || c.Timeouts.HeartbeatInterval <= 0 || c.Timeouts.HeartbeatInterval >= c.Timeouts.Driver {
		return fmt.Errorf("%w: heartbeat interval must be positive and below the driver timeout", ErrInvalid)
	}
	if c.Timeouts.Linger < 0 || c.Timeouts.Drain < 0 || c.Timeouts.StatusInterval <= 0 {
		return fmt.Errorf("%w: timeouts", ErrInvalid)
	}
	return nil
}

// ValidateTerms checks a term geometry.
func ValidateTerms(termLength, termCount int32) error {
	if termLength < MinTermLength || termLength > MaxTermLength || termLength&(termLength-1) != 0 {
		return fmt.Errorf("%w: term length %d must be a power of two in [%d, %d]", ErrInvalid, termLength, MinTermLength, MaxTermLength)
	}
	if termCount < MinTermCount || termCount > MaxTermCount {
		return fmt.Errorf("%w: term count %d must be in [%d, %d]", ErrInvalid, termCount, MinTermCount, MaxTermCount)
	}
	return nil
}
