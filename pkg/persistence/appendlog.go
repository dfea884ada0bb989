package persistence

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/types"
)

const appendLogName = "append.log"

// AppendLog is the single-file layout: records are appended after the
// current end of file and never rewritten in place, so the same key may
// appear many times. Lookups scan the whole file and keep the last match.
type AppendLog struct {
	mu   sync.RWMutex
	path string
	file *os.File
	size int64
}

// OpenAppendLog opens dir/append.log, creating it if needed. A torn record
// at the tail, left by an interrupted append, is cut off.
func OpenAppendLog(dir string) (*AppendLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, appendLogName)
	valid, err := validPrefix(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open append log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		closeFile(f)
		return nil, fmt.Errorf("failed to stat append log: %w", err)
	}
	if info.Size() != valid {
		slog.Warn("truncating torn append log tail", "path", path, "size", info.Size(), "valid", valid)
		if err := f.Truncate(valid); err != nil {
			closeFile(f)
			return nil, fmt.Errorf("failed to truncate append log: %w", err)
		}
	}

	return &AppendLog{path: path, file: f, size: valid}, nil
}

// validPrefix returns the length of the longest run of whole records at the
// start of path.
func validPrefix(path string) (int64, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}

	r, err := OpenRegion(path)
	if err != nil {
		return 0, err
	}
	defer closeRegion(r, path)

	var off int64
	for off < r.Size() {
		_, next, err := readRecord(r, off)
		if errors.Is(err, dberrors.ErrCorrupted) {
			break
		}
		if err != nil {
			return 0, err
		}
		off = next
	}
	return off, nil
}

// Save appends entries after the current end of file. payloadSize must
// match the entries exactly.
func (a *AppendLog) Save(entries []types.Entry, payloadSize int64) error {
	if len(entries) == 0 {
		return nil
	}

	buf := NewHeapRegion(payloadSize + 2*lenSize*int64(len(entries)))
	if err := encodeRecords(buf, entries, nil); err != nil {
		return err
	}
	b, err := buf.Bytes(0, buf.Size())
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return dberrors.ErrClosed
	}
	if _, err := a.file.WriteAt(b, a.size); err != nil {
		return fmt.Errorf("failed to append to %s: %w", a.path, err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", a.path, err)
	}
	a.size += int64(len(b))
	return nil
}

// scan decodes every record in file order. Callers hold a.mu.
func (a *AppendLog) scan(fn func(e types.Entry)) error {
	if a.file == nil {
		return dberrors.ErrClosed
	}
	if a.size == 0 {
		return nil
	}
	r, err := OpenRegion(a.path)
	if err != nil {
		return err
	}
	defer closeRegion(r, a.path)

	for off := int64(0); off < a.size; {
		e, next, err := readRecord(r, off)
		if err != nil {
			return err
		}
		fn(e)
		off = next
	}
	return nil
}

// Get scans the whole file and returns the last record for key.
func (a *AppendLog) Get(key types.Key) (types.Entry, bool, error) {
	if key == nil {
		return types.Entry{}, false, fmt.Errorf("get: nil key: %w", dberrors.ErrInvalidArgument)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()

	var (
		found bool
		last  types.Entry
	)
	err := a.scan(func(e types.Entry) {
		if types.CompareKeys(e.Key, key) == 0 {
			last, found = e, true
		}
	})
	if err != nil {
		return types.Entry{}, false, fmt.Errorf("failed to scan %s: %w", a.path, err)
	}
	return last, found, nil
}

// latest returns the last record of every key, in key order.
func (a *AppendLog) latest() ([]types.Entry, error) {
	byKey := make(map[string]types.Entry)
	err := a.scan(func(e types.Entry) {
		byKey[string(e.Key)] = e
	})
	if err != nil {
		return nil, err
	}

	entries := make([]types.Entry, 0, len(byKey))
	for _, e := range byKey {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(x, y types.Entry) int {
		return types.CompareKeys(x.Key, y.Key)
	})
	return entries, nil
}

// Iterator returns the latest record of every key in [from, to), tombstones
// included.
func (a *AppendLog) Iterator(from, to types.Key) iterator.Iterator {
	a.mu.RLock()
	entries, err := a.latest()
	a.mu.RUnlock()
	if err != nil {
		return &errIterator{err: err}
	}

	lo, _ := slices.BinarySearchFunc(entries, from, func(e types.Entry, k types.Key) int {
		if k == nil {
			return 1
		}
		return types.CompareKeys(e.Key, k)
	})
	hi := len(entries)
	if to != nil {
		hi, _ = slices.BinarySearchFunc(entries, to, func(e types.Entry, k types.Key) int {
			return types.CompareKeys(e.Key, k)
		})
	}
	if hi < lo {
		hi = lo
	}
	return iterator.FromSlice(entries[lo:hi])
}

// Compact rewrites the file keeping only the last record of each key.
// Tombstones are dropped: nothing older survives for them to hide.
func (a *AppendLog) Compact() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := a.latest()
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", a.path, err)
	}
	live := entries[:0]
	var payload int64
	for _, e := range entries {
		if !e.IsTombstone() {
			live = append(live, e)
			payload += e.PayloadSize()
		}
	}

	buf := NewHeapRegion(payload + 2*lenSize*int64(len(live)))
	if err := encodeRecords(buf, live, nil); err != nil {
		return err
	}
	b, err := buf.Bytes(0, buf.Size())
	if err != nil {
		return err
	}

	tmp := a.path + tmpSuffix
	if err := writeSynced(tmp, b); err != nil {
		removeFile(tmp)
		return err
	}
	if err := os.Rename(tmp, a.path); err != nil {
		removeFile(tmp)
		return fmt.Errorf("failed to replace %s: %w", a.path, err)
	}
	syncDir(filepath.Dir(a.path))

	f, err := os.OpenFile(a.path, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen %s: %w", a.path, err)
	}
	closeFile(a.file)
	a.file = f
	a.size = int64(len(b))

	slog.Info("append log compacted", "path", a.path, "records", len(live), "bytes", a.size)
	return nil
}

func writeSynced(path string, b []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer closeFile(f)

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return nil
}

// Stats reports the log as a single table.
func (a *AppendLog) Stats() []TableStat {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return []TableStat{{Path: a.path, Bytes: a.size}}
}

func (a *AppendLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

type errIterator struct {
	err error
}

func (it *errIterator) Next() bool         { return false }
func (it *errIterator) Entry() types.Entry { return types.Entry{} }
func (it *errIterator) Err() error         { return it.err }
func (it *errIterator) Close() error       { return nil }
