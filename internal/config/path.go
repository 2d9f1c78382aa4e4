package config

import (
	"os"
	"os/user"
	"path/filepath"
	"runtime"

	"github.com/google/uuid"
)

// shmRoot is where driver directories live when tmpfs is available.
var shmRoot = "/dev/shm"

// DefaultDriverDir returns the directory for the counters file and logs.
// On Linux it prefers /dev/shm/ipcd-<user>; elsewhere it uses the temp dir.
func DefaultDriverDir() string {
	name := "ipcd-" + userName()
	if runtime.GOOS == "linux" && isDir(shmRoot) {
		return filepath.Join(shmRoot, name)
	}
	return filepath.Join(os.TempDir(), name)
}

// GenerateRandomDirName returns a unique driver directory beside the default
// one, for embedded drivers and tests that must not share state.
func GenerateRandomDirName() string {
	return DefaultDriverDir() + "-" + uuid.NewString()
}

// DefaultDataDir returns the persistent data directory (used for the
// archive). It prefers XDG_DATA_HOME, then /var/lib, then a home dotdir.
func DefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "ipcd")
	}
	homeDir, err := os.UserHomeDir()
	if err != nil || homeDir == "" {
		return "./data"
	}
	if isDir("/var/lib") && isWritable("/var/lib") {
		return "/var/lib/ipcd"
	}
	if isDir(filepath.Join(homeDir, "Library")) {
		return filepath.Join(homeDir, "Library", "Application Support", "ipcd")
	}
	return filepath.Join(homeDir, ".ipcd")
}

func userName() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "default"
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}

func isWritable(dir string) bool {
	f, err := os.CreateTemp(dir, ".ipcd-probe-*")
	if err != nil {
		return false
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return true
}
