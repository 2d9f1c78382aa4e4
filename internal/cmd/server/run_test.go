package serverrun

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ipcd/internal/config"
	"github.com/rzbill/ipcd/internal/runtime"
)

func TestLoadConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ipcd.toml")
	body := `
driver_dir = "/from/file"

[admin]
http_addr = "127.0.0.1:1"
grpc_addr = "127.0.0.1:2"

[terms]
length = 131072
count = 3
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("IPCD_GRPC_ADDR", "127.0.0.1:3")

	tests := []struct {
		name     string
		opts     Options
		wantDir  string
		wantHTTP string
		wantGRPC string
	}{
		{
			name:     "file and env",
			opts:     Options{ConfigPath: path},
			wantDir:  "/from/file",
			wantHTTP: "127.0.0.1:1",
			wantGRPC: "127.0.0.1:3",
		},
		{
			name:     "flags override",
			opts:     Options{ConfigPath: path, DriverDir: "/from/flag", HTTPAddr: "127.0.0.1:4"},
			wantDir:  "/from/flag",
			wantHTTP: "127.0.0.1:4",
			wantGRPC: "127.0.0.1:3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := LoadConfig(tt.opts)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.DriverDir != tt.wantDir || cfg.Admin.HTTPAddr != tt.wantHTTP || cfg.Admin.GRPCAddr != tt.wantGRPC {
				t.Fatalf("got dir=%s http=%s grpc=%s", cfg.DriverDir, cfg.Admin.HTTPAddr, cfg.Admin.GRPCAddr)
			}
			if cfg.Terms.Length != 131072 {
				t.Fatalf("term length %d", cfg.Terms.Length)
			}
		})
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Setenv("IPCD_TERM_LENGTH", "1000")
	if _, err := LoadConfig(Options{DriverDir: t.TempDir()}); !errors.Is(err, cfgpkg.ErrInvalid) {
		t.Fatalf("expected invalid config, got %v", err)
	}
}

func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	t.Setenv("IPCD_ARCHIVE_DIR", filepath.Join(t.TempDir(), "archive"))
	t.Setenv("IPCD_HEARTBEAT_INTERVAL", "10ms")
	dir := filepath.Join(t.TempDir(), "driver")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan *runtime.Runtime, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{
			DriverDir: dir,
			HTTPAddr:  "127.0.0.1:0",
			GRPCAddr:  "127.0.0.1:0",
			LogLevel:  "error",
			OnReady:   func(rt *runtime.Runtime) { ready <- rt },
		})
	}()

	select {
	case rt := <-ready:
		deadline := time.Now().Add(5 * time.Second)
		for rt.CheckHealth(ctx) != nil {
			if time.Now().After(deadline) {
				t.Fatalf("driver never became healthy")
			}
			time.Sleep(5 * time.Millisecond)
		}
	case err := <-done:
		t.Fatalf("run exited early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatalf("run never became ready")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
	if _, err := os.Stat(filepath.Join(dir, runtime.CountersFileName)); err != nil {
		t.Fatalf("counters file: %v", err)
	}
}
