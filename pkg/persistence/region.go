package persistence

import (
	"encoding/binary"
	"fmt"

	"txkv/pkg/dberrors"
)

// byteOrder is the encoding of every fixed-width integer in table files.
var byteOrder = binary.LittleEndian

// Region is a byte-addressable view of a table file. Writable regions are
// only handed out while a table is being built; once published a region is
// read-only.
type Region interface {
	// Size is the region length in bytes.
	Size() int64
	// Bytes returns a view of n bytes at off. The view is only valid until Close.
	Bytes(off, n int64) ([]byte, error)
	// Uint64 decodes the fixed-width integer at off.
	Uint64(off int64) (uint64, error)
	// PutUint64 encodes v at off.
	PutUint64(off int64, v uint64) error
	// WriteAt copies b into the region at off.
	WriteAt(off int64, b []byte) error
	// Sync makes written bytes durable.
	Sync() error
	// Close releases the region. Views obtained from it become invalid.
	Close() error
}

func checkRange(size, off, n int64) error {
	if off < 0 || n < 0 || off > size || n > size-off {
		return fmt.Errorf("range [%d, %d+%d) outside region of %d bytes: %w",
			off, off, n, size, dberrors.ErrCorrupted)
	}
	return nil
}

// bufRegion implements Region over a byte slice. Embedded by the mmap region
// and used directly for in-memory tables.
type bufRegion struct {
	buf []byte
}

// NewHeapRegion returns an owned in-memory region of size bytes.
func NewHeapRegion(size int64) Region {
	return &bufRegion{buf: make([]byte, size)}
}

func (r *bufRegion) Size() int64 {
	return int64(len(r.buf))
}

func (r *bufRegion) Bytes(off, n int64) ([]byte, error) {
	if err := checkRange(int64(len(r.buf)), off, n); err != nil {
		return nil, err
	}
	return r.buf[off : off+n : off+n], nil
}

func (r *bufRegion) Uint64(off int64) (uint64, error) {
	b, err := r.Bytes(off, 8)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

func (r *bufRegion) PutUint64(off int64, v uint64) error {
	b, err := r.Bytes(off, 8)
	if err != nil {
		return err
	}
	byteOrder.PutUint64(b, v)
	return nil
}

func (r *bufRegion) WriteAt(off int64, b []byte) error {
	dst, err := r.Bytes(off, int64(len(b)))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *bufRegion) Sync() error {
	return nil
}

func (r *bufRegion) Close() error {
	r.buf = nil
	return nil
}
