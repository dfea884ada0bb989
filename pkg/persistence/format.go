package persistence

import (
	"fmt"
	"math"

	"txkv/pkg/dberrors"
	"txkv/pkg/types"
)

// Record layout, shared by the indexed and the append-only files:
//
//	[u64 keyLen][key][u64 valueLen][value]
//
// Integers are little-endian. A tombstone has valueLen = tombstoneLen and no
// value bytes. The offsets file of an indexed table is a plain [u64 offset]
// array pointing at record starts.
const (
	lenSize      = 8
	tombstoneLen = math.MaxUint64
)

func recordSize(e types.Entry) int64 {
	return 2*lenSize + e.PayloadSize()
}

// writeRecord encodes e at off and returns the offset right after it.
func writeRecord(r Region, off int64, e types.Entry) (int64, error) {
	if err := r.PutUint64(off, uint64(len(e.Key))); err != nil {
		return 0, err
	}
	off += lenSize
	if err := r.WriteAt(off, e.Key); err != nil {
		return 0, err
	}
	off += int64(len(e.Key))

	if e.IsTombstone() {
		if err := r.PutUint64(off, tombstoneLen); err != nil {
			return 0, err
		}
		return off + lenSize, nil
	}
	if err := r.PutUint64(off, uint64(len(e.Value))); err != nil {
		return 0, err
	}
	off += lenSize
	if err := r.WriteAt(off, e.Value); err != nil {
		return 0, err
	}
	return off + int64(len(e.Value)), nil
}

// readKey returns a view of the key stored at off and the offset of its value length.
func readKey(r Region, off int64) ([]byte, int64, error) {
	n, err := r.Uint64(off)
	if err != nil {
		return nil, 0, err
	}
	if n > math.MaxInt64 {
		return nil, 0, fmt.Errorf("key length %d at %d: %w", n, off, dberrors.ErrCorrupted)
	}
	key, err := r.Bytes(off+lenSize, int64(n))
	if err != nil {
		return nil, 0, err
	}
	return key, off + lenSize + int64(n), nil
}

// readValue returns a copy of the value stored at off, nil for a tombstone,
// and the offset of the next record.
func readValue(r Region, off int64) ([]byte, int64, error) {
	n, err := r.Uint64(off)
	if err != nil {
		return nil, 0, err
	}
	if n == tombstoneLen {
		return nil, off + lenSize, nil
	}
	if n > math.MaxInt64 {
		return nil, 0, fmt.Errorf("value length %d at %d: %w", n, off, dberrors.ErrCorrupted)
	}
	view, err := r.Bytes(off+lenSize, int64(n))
	if err != nil {
		return nil, 0, err
	}
	value := make([]byte, len(view))
	copy(value, view)
	return value, off + lenSize + int64(n), nil
}

// readRecord decodes the record at off into an entry that owns its bytes.
func readRecord(r Region, off int64) (types.Entry, int64, error) {
	keyView, next, err := readKey(r, off)
	if err != nil {
		return types.Entry{}, 0, err
	}
	value, next, err := readValue(r, next)
	if err != nil {
		return types.Entry{}, 0, err
	}
	key := make([]byte, len(keyView))
	copy(key, keyView)
	return types.Entry{Key: key, Value: value}, next, nil
}

// encodeRecords lays entries out back to back in region starting at 0 and
// checks that they fill it exactly.
func encodeRecords(r Region, entries []types.Entry, onRecord func(i int, off int64) error) error {
	var off int64
	for i, e := range entries {
		if off+recordSize(e) > r.Size() {
			return fmt.Errorf("record %d overflows %d declared bytes: %w", i, r.Size(), dberrors.ErrSizeMismatch)
		}
		if onRecord != nil {
			if err := onRecord(i, off); err != nil {
				return err
			}
		}
		next, err := writeRecord(r, off, e)
		if err != nil {
			return err
		}
		off = next
	}
	if off != r.Size() {
		return fmt.Errorf("wrote %d of %d declared bytes: %w", off, r.Size(), dberrors.ErrSizeMismatch)
	}
	return nil
}
