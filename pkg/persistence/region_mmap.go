//go:build linux || darwin || freebsd || netbsd || openbsd

package persistence

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type mmapRegion struct {
	bufRegion
	writable bool
}

// CreateRegion creates (or truncates) path to exactly size bytes and maps it
// writable.
func CreateRegion(path string, size int64) (Region, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create table file: %w", err)
	}
	defer closeFile(f)

	if err := f.Truncate(size); err != nil {
		return nil, fmt.Errorf("failed to size table file %s: %w", path, err)
	}
	if size == 0 {
		return NewHeapRegion(0), nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	return &mmapRegion{bufRegion: bufRegion{buf: data}, writable: true}, nil
}

// OpenRegion maps an existing file read-only.
func OpenRegion(path string) (Region, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open table file: %w", err)
	}
	defer closeFile(f)

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.Size() == 0 {
		return NewHeapRegion(0), nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("failed to map %s: %w", path, err)
	}
	return &mmapRegion{bufRegion: bufRegion{buf: data}}, nil
}

func (r *mmapRegion) PutUint64(off int64, v uint64) error {
	if !r.writable {
		return fmt.Errorf("write to read-only region: %w", os.ErrPermission)
	}
	return r.bufRegion.PutUint64(off, v)
}

func (r *mmapRegion) WriteAt(off int64, b []byte) error {
	if !r.writable {
		return fmt.Errorf("write to read-only region: %w", os.ErrPermission)
	}
	return r.bufRegion.WriteAt(off, b)
}

func (r *mmapRegion) Sync() error {
	if !r.writable || len(r.buf) == 0 {
		return nil
	}
	if err := unix.Msync(r.buf, unix.MS_SYNC); err != nil {
		return fmt.Errorf("failed to sync mapped region: %w", err)
	}
	return nil
}

func (r *mmapRegion) Close() error {
	if r.buf == nil {
		return nil
	}
	err := unix.Munmap(r.buf)
	r.buf = nil
	if err != nil {
		return fmt.Errorf("failed to unmap region: %w", err)
	}
	return nil
}
