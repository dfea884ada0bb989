package persistence

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/types"
)

// Table is one immutable on-disk generation: a mapped data region, a mapped
// offsets region, its priority and the reader bookkeeping that decides when
// the files may be unmapped and removed.
//
// Callers bracket every read with Acquire and Release. A table marked
// obsolete is destroyed by whichever of MarkObsolete or the last Release
// observes zero readers. Close works the same way but keeps the files.
type Table struct {
	data    Region
	offsets Region

	dataPath    string
	offsetsPath string
	priority    types.Priority
	count       int64
	bloom       *BloomFilter
	inMemory    bool

	readers   atomic.Int64
	alive     atomic.Bool
	closing   atomic.Bool
	destroyed atomic.Bool
}

// OpenTable maps generation p of dir read-only. A positive fpRate builds a
// bloom filter over the table keys.
func OpenTable(dir string, p types.Priority, fpRate float64) (*Table, error) {
	dataPath, offsetsPath := tablePaths(dir, p)

	data, err := OpenRegion(dataPath)
	if err != nil {
		return nil, err
	}
	offsets, err := OpenRegion(offsetsPath)
	if err != nil {
		closeRegion(data, dataPath)
		return nil, err
	}

	t, err := newTable(data, offsets, dataPath, offsetsPath, p)
	if err != nil {
		closeRegion(data, dataPath)
		closeRegion(offsets, offsetsPath)
		return nil, err
	}

	if fpRate > 0 {
		if err := t.buildBloom(fpRate); err != nil {
			closeRegion(data, dataPath)
			closeRegion(offsets, offsetsPath)
			return nil, fmt.Errorf("failed to load bloom filter of %s: %w", dataPath, err)
		}
	}
	return t, nil
}

// NewMemTable wraps already populated regions. Used by tests and tools that
// work on tables that never touch the disk.
func NewMemTable(data, offsets Region, p types.Priority) (*Table, error) {
	name := fmt.Sprintf("mem-%020d", uint64(p))
	t, err := newTable(data, offsets, name+dataSuffix, name+offsetsSuffix, p)
	if err != nil {
		return nil, err
	}
	t.inMemory = true
	return t, nil
}

func newTable(data, offsets Region, dataPath, offsetsPath string, p types.Priority) (*Table, error) {
	if offsets.Size()%lenSize != 0 {
		return nil, fmt.Errorf("offsets file %s has %d bytes: %w", offsetsPath, offsets.Size(), dberrors.ErrCorrupted)
	}
	t := &Table{
		data:        data,
		offsets:     offsets,
		dataPath:    dataPath,
		offsetsPath: offsetsPath,
		priority:    p,
		count:       offsets.Size() / lenSize,
	}
	t.alive.Store(true)
	return t, nil
}

func (t *Table) buildBloom(fpRate float64) error {
	bloom := NewBloomFilter(int(t.count), fpRate)
	for i := int64(0); i < t.count; i++ {
		key, err := t.keyAt(i)
		if err != nil {
			return err
		}
		bloom.Add(key)
	}
	t.bloom = bloom
	return nil
}

func (t *Table) Priority() types.Priority { return t.priority }

// Path is the data file path. It is the table identity when priorities tie.
func (t *Table) Path() string { return t.dataPath }

// Len returns the number of records.
func (t *Table) Len() int64 { return t.count }

// Bytes returns the data region size.
func (t *Table) Bytes() int64 { return t.data.Size() }

func (t *Table) Readers() int64 { return t.readers.Load() }

func (t *Table) Alive() bool { return t.alive.Load() }

// Acquire registers an in-flight reader.
func (t *Table) Acquire() {
	t.readers.Add(1)
}

// Release ends a read started with Acquire.
func (t *Table) Release() {
	if t.readers.Add(-1) != 0 {
		return
	}
	switch {
	case !t.alive.Load():
		t.destroy()
	case t.closing.Load():
		t.unmapOnce()
	}
}

// MarkObsolete flags a superseded table. Its files go away once no reader
// holds it.
func (t *Table) MarkObsolete() {
	t.alive.Store(false)
	if t.readers.Load() == 0 {
		t.destroy()
	}
}

// Close unmaps the table without removing its files. Reads started after
// Close fail with dberrors.ErrClosed; the mapping itself stays until the
// last in-flight reader releases the table.
func (t *Table) Close() error {
	t.closing.Store(true)
	if t.readers.Load() != 0 {
		return nil
	}
	return t.unmapOnce()
}

func (t *Table) unmapOnce() error {
	if !t.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	if err := t.unmap(); err != nil {
		slog.Warn("failed to unmap table", "path", t.dataPath, "error", err)
		return err
	}
	return nil
}

func (t *Table) checkOpen() error {
	if t.closing.Load() {
		return fmt.Errorf("table %s: %w", t.dataPath, dberrors.ErrClosed)
	}
	return nil
}

func (t *Table) destroy() {
	if !t.destroyed.CompareAndSwap(false, true) {
		return
	}
	if err := t.unmap(); err != nil {
		slog.Warn("failed to unmap obsolete table", "path", t.dataPath, "error", err)
	}
	if t.inMemory {
		return
	}
	removeFile(t.dataPath)
	removeFile(t.offsetsPath)
	slog.Debug("removed obsolete table", "path", t.dataPath, "priority", t.priority)
}

func (t *Table) unmap() error {
	errData := t.data.Close()
	errOffsets := t.offsets.Close()
	if errData != nil {
		return errData
	}
	return errOffsets
}

func (t *Table) offsetAt(i int64) (int64, error) {
	off, err := t.offsets.Uint64(i * lenSize)
	if err != nil {
		return 0, err
	}
	if off >= uint64(t.data.Size()) {
		return 0, fmt.Errorf("offset %d of record %d outside data: %w", off, i, dberrors.ErrCorrupted)
	}
	return int64(off), nil
}

func (t *Table) keyAt(i int64) ([]byte, error) {
	off, err := t.offsetAt(i)
	if err != nil {
		return nil, err
	}
	key, _, err := readKey(t.data, off)
	return key, err
}

// Get looks key up by binary search over the offsets array. A found
// tombstone is reported as found with a nil value. The caller must hold the
// table with Acquire.
func (t *Table) Get(key types.Key) (types.Entry, bool, error) {
	if key == nil {
		return types.Entry{}, false, fmt.Errorf("table lookup: nil key: %w", dberrors.ErrInvalidArgument)
	}
	if err := t.checkOpen(); err != nil {
		return types.Entry{}, false, err
	}
	if t.bloom != nil && !t.bloom.MayContain(key) {
		return types.Entry{}, false, nil
	}

	// exclusive bounds over record positions
	left, right := int64(-1), t.count
	for left < right-1 {
		mid := (left + right) / 2
		off, err := t.offsetAt(mid)
		if err != nil {
			return types.Entry{}, false, err
		}
		candidate, next, err := readKey(t.data, off)
		if err != nil {
			return types.Entry{}, false, err
		}

		switch c := types.CompareKeys(key, candidate); {
		case c == 0:
			value, _, err := readValue(t.data, next)
			if err != nil {
				return types.Entry{}, false, err
			}
			return types.Entry{Key: key, Value: value}, true, nil
		case c > 0:
			left = mid
		default:
			right = mid
		}
	}
	return types.Entry{}, false, nil
}

// lowerBound returns the position of the first record with key >= from.
func (t *Table) lowerBound(from types.Key) (int64, error) {
	if from == nil {
		return 0, nil
	}
	left, right := int64(-1), t.count
	for left < right-1 {
		mid := (left + right) / 2
		candidate, err := t.keyAt(mid)
		if err != nil {
			return 0, err
		}
		if types.CompareKeys(candidate, from) < 0 {
			left = mid
		} else {
			right = mid
		}
	}
	return right, nil
}

// Iterator walks records with from <= key < to (nil bounds are open),
// tombstones included. It holds the table until Close.
func (t *Table) Iterator(from, to types.Key) iterator.Iterator {
	t.Acquire()
	it := &tableIterator{t: t, to: to}
	if it.err = t.checkOpen(); it.err != nil {
		return it
	}
	it.pos, it.err = t.lowerBound(from)
	it.pos--
	return it
}

type tableIterator struct {
	t      *Table
	to     types.Key
	pos    int64
	cur    types.Entry
	err    error
	closed bool
}

func (it *tableIterator) Next() bool {
	if it.err != nil || it.closed || it.pos+1 >= it.t.count {
		return false
	}
	if err := it.t.checkOpen(); err != nil {
		it.err = err
		return false
	}
	it.pos++

	off, err := it.t.offsetAt(it.pos)
	if err != nil {
		it.err = err
		return false
	}
	e, _, err := readRecord(it.t.data, off)
	if err != nil {
		it.err = err
		return false
	}
	if it.to != nil && types.CompareKeys(e.Key, it.to) >= 0 {
		it.pos = it.t.count
		return false
	}
	it.cur = e
	return true
}

func (it *tableIterator) Entry() types.Entry { return it.cur }

func (it *tableIterator) Err() error { return it.err }

func (it *tableIterator) Close() error {
	if !it.closed {
		it.closed = true
		it.t.Release()
	}
	return nil
}

// Compare orders tables for lookups: higher priority first, then path.
func Compare(a, b *Table) int {
	switch {
	case a.priority > b.priority:
		return -1
	case a.priority < b.priority:
		return 1
	}
	return strings.Compare(a.dataPath, b.dataPath)
}

func closeRegion(r Region, path string) {
	if err := r.Close(); err != nil {
		slog.Warn("failed to close region", "path", path, "error", err)
	}
}
