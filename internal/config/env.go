package config

import (
	"os"
	"strconv"
	"time"
)

// FromEnv overlays IPCD_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("IPCD_DIR"); v != "" {
		cfg.DriverDir = v
	}
	envBool("IPCD_DIR_DELETE_ON_START", &cfg.DirDeleteOnStart)
	envBool("IPCD_DIR_DELETE_ON_SHUTDOWN", &cfg.DirDeleteOnShutdown)
	envInt("IPCD_COMMAND_QUEUE_CAPACITY", &cfg.CommandQueueCapacity)

	if v := os.Getenv("IPCD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("IPCD_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}

	if v := os.Getenv("IPCD_TERM_LENGTH"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Terms.Length = int32(n)
		}
	}
	if v := os.Getenv("IPCD_TERM_COUNT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Terms.Count = int32(n)
		}
	}
	envInt("IPCD_COUNTERS_CAPACITY", &cfg.Counters.Capacity)
	envDuration("IPCD_COUNTER_REUSE_TIMEOUT", &cfg.Counters.ReuseTimeout)

	envDuration("IPCD_LINGER_TIMEOUT", &cfg.Timeouts.Linger)
	envDuration("IPCD_DRAIN_TIMEOUT", &cfg.Timeouts.Drain)
	envDuration("IPCD_STATUS_INTERVAL", &cfg.Timeouts.StatusInterval)
	envDuration("IPCD_DRIVER_TIMEOUT", &cfg.Timeouts.Driver)
	envDuration("IPCD_HEARTBEAT_INTERVAL", &cfg.Timeouts.HeartbeatInterval)

	if v := os.Getenv("IPCD_FLOW_CONTROL_WINDOW"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FlowControl.Window = n
		}
	}
	if v := os.Getenv("IPCD_IDLE_STRATEGY"); v != "" {
		cfg.Agents.IdleStrategy = v
	}

	if v := os.Getenv("IPCD_RETENTION_POLICY"); v != "" {
		cfg.Retention.Policy = v
	}
	if v := os.Getenv("IPCD_ARCHIVE_DIR"); v != "" {
		cfg.Retention.ArchiveDir = v
	}
	envDuration("IPCD_ARCHIVE_MAX_AGE", &cfg.Retention.MaxAge)

	if v := os.Getenv("IPCD_HTTP_ADDR"); v != "" {
		cfg.Admin.HTTPAddr = v
	}
	if v := os.Getenv("IPCD_GRPC_ADDR"); v != "" {
		cfg.Admin.GRPCAddr = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
