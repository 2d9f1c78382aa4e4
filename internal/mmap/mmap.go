//go:build unix

// Package mmap creates and maps the files shared between the driver and the
// processes that observe it.
package mmap

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrTooSmall is returned by Open when the file is shorter than the caller's minimum.
var ErrTooSmall = errors.New("mmap: file too small")

// File is a mapped file.
type File struct {
	path     string
	f        *os.File
	data     []byte
	writable bool
}

// Create makes a new file of exactly size bytes (failing if it exists) and maps
// it read-write. On any error the partial file is removed.
func Create(path string, size int64) (*File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = os.Remove(path)
	}
	if err := f.Truncate(size); err != nil {
		cleanup()
		return nil, fmt.Errorf("resize %s: %w", path, err)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{path: path, f: f, data: data, writable: true}, nil
}

// Open maps an existing file. minSize guards against truncated files.
func Open(path string, minSize int64, writable bool) (*File, error) {
	flag, prot := os.O_RDONLY, unix.PROT_READ
	if writable {
		flag, prot = os.O_RDWR, unix.PROT_READ|unix.PROT_WRITE
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.Size() < minSize || info.Size() == 0 {
		_ = f.Close()
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooSmall, path, info.Size())
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), prot, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("mmap %s: %w", path, err)
	}
	return &File{path: path, f: f, data: data, writable: writable}, nil
}

// Path returns the file path.
func (m *File) Path() string { return m.path }

// Bytes returns the mapped memory. It must not be used after Close.
func (m *File) Bytes() []byte { return m.data }

// Sync flushes dirty pages to the backing file.
func (m *File) Sync() error {
	if m.data == nil || !m.writable {
		return nil
	}
	if err := unix.Msync(m.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync %s: %w", m.path, err)
	}
	return nil
}

// Close unmaps the memory and closes the file. It is idempotent.
func (m *File) Close() error {
	var errs []error
	if m.data != nil {
		if err := unix.Munmap(m.data); err != nil {
			errs = append(errs, fmt.Errorf("munmap %s: %w", m.path, err))
		}
		m.data = nil
	}
	if m.f != nil {
		if err := m.f.Close(); err != nil {
			errs = append(errs, err)
		}
		m.f = nil
	}
	return errors.Join(errs...)
}

// CloseAndRemove closes the mapping and deletes the file.
func (m *File) CloseAndRemove() error {
	err := m.Close()
	if rmErr := os.Remove(m.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		err = errors.Join(err, rmErr)
	}
	return err
}
