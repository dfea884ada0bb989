//go:build !(linux || darwin || freebsd || netbsd || openbsd)

package persistence

import (
	"fmt"
	"os"
)

// fileRegion keeps the table in an owned buffer and writes it back on Sync.
// Used where memory mapping is unavailable.
type fileRegion struct {
	bufRegion
	path     string
	writable bool
}

func CreateRegion(path string, size int64) (Region, error) {
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return nil, fmt.Errorf("failed to create table file: %w", err)
	}
	return &fileRegion{bufRegion: bufRegion{buf: make([]byte, size)}, path: path, writable: true}, nil
}

func OpenRegion(path string) (Region, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read table file: %w", err)
	}
	return &fileRegion{bufRegion: bufRegion{buf: data}, path: path}, nil
}

func (r *fileRegion) Sync() error {
	if !r.writable {
		return nil
	}
	f, err := os.OpenFile(r.path, os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", r.path, err)
	}
	defer closeFile(f)

	if _, err := f.Write(r.buf); err != nil {
		return fmt.Errorf("failed to write %s: %w", r.path, err)
	}
	return f.Sync()
}
