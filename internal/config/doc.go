// Package config provides loading and environment overlay for the driver
// configuration. It exposes a Default() baseline, file loading (JSON or TOML
// by extension), IPCD_* environment overrides, and validation.
//
// Example:
//
//	cfg, err := config.Load("/etc/ipcd.toml")
//	if err != nil {
//	    return err
//	}
//	config.FromEnv(&cfg)
//	if err := cfg.Validate(); err != nil {
//	    return err
//	}
//	rt, _ := runtime.Open(runtime.Options{Config: cfg})
//	defer rt.Close()
package config
