package iterator

import "txkv/pkg/types"

// Iterator iterates forward over entries in ascending key order.
type Iterator interface {
	// Next advances to the next entry and reports whether there is one.
	Next() bool
	// Entry returns the current entry. Valid only after Next returned true.
	Entry() types.Entry
	// Err returns the first error met while iterating.
	Err() error
	// Close releases resources. It is safe to call more than once.
	Close() error
}

type sliceIterator struct {
	entries []types.Entry
	pos     int
}

// FromSlice iterates over entries, which must already be in key order.
func FromSlice(entries []types.Entry) Iterator {
	return &sliceIterator{entries: entries, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Entry() types.Entry {
	return it.entries[it.pos]
}

func (it *sliceIterator) Err() error   { return nil }
func (it *sliceIterator) Close() error { return nil }

type liveIterator struct {
	Iterator
}

// Live hides tombstones produced by it.
func Live(it Iterator) Iterator {
	return &liveIterator{Iterator: it}
}

func (it *liveIterator) Next() bool {
	for it.Iterator.Next() {
		if !it.Iterator.Entry().IsTombstone() {
			return true
		}
	}
	return false
}

// Collect drains it into a slice and closes it.
func Collect(it Iterator) ([]types.Entry, error) {
	defer it.Close()

	var result []types.Entry
	for it.Next() {
		result = append(result, it.Entry())
	}
	return result, it.Err()
}
