//go:build unix

package mmap

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestCreateWriteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	f, err := Create(path, 4096)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	copy(f.Bytes(), "hello")
	if err := f.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	ro, err := Open(path, 4096, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer ro.Close()
	if string(ro.Bytes()[:5]) != "hello" || len(ro.Bytes()) != 4096 {
		t.Fatalf("unexpected contents")
	}
}

func TestCreateFailsWhenExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Create(path, 4096); err == nil {
		t.Fatalf("expected exclusive create to fail")
	}
}

func TestOpenTooSmall(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	if err := os.WriteFile(path, make([]byte, 10), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Open(path, 128, false); !errors.Is(err, ErrTooSmall) {
		t.Fatalf("expected ErrTooSmall, got %v", err)
	}
}

func TestCloseAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg")
	f, err := Create(path, 1024)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := f.CloseAndRemove(); err != nil {
		t.Fatalf("close and remove: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("file should be gone: %v", err)
	}
}
