package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"txkv/pkg/types"
)

const (
	tablePrefix   = "sstable_"
	dataSuffix    = ".data"
	offsetsSuffix = ".offsets"
	tmpSuffix     = ".tmp"
)

func closeFile(f *os.File) {
	if err := f.Close(); err != nil {
		slog.Warn("failed to close file", "path", f.Name(), "error", err)
	}
}

func removeFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to remove file", "path", path, "error", err)
	}
}

// tablePaths returns the data and offsets file names of generation p.
func tablePaths(dir string, p types.Priority) (data, offsets string) {
	base := filepath.Join(dir, fmt.Sprintf("%s%020d", tablePrefix, uint64(p)))
	return base + dataSuffix, base + offsetsSuffix
}

// parseTableName extracts the priority from a data file name.
func parseTableName(name string) (types.Priority, bool) {
	if !strings.HasPrefix(name, tablePrefix) || !strings.HasSuffix(name, dataSuffix) {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, tablePrefix), dataSuffix)
	p, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return types.Priority(p), true
}

// syncDir makes renames inside dir durable. Failures are logged only.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		slog.Warn("failed to open directory for sync", "path", dir, "error", err)
		return
	}
	defer closeFile(d)
	if err := d.Sync(); err != nil {
		slog.Debug("directory sync not supported", "path", dir, "error", err)
	}
}
