package memtable

import "txkv/pkg/types"

// SortedSet is a frozen memtable handed to a flush.
type SortedSet interface {
	Sorted() []types.Entry
	Size() int64
}

// Sorted returns every entry, tombstones included, in key order. It is only
// a consistent snapshot once writers have stopped touching the memtable.
func (mt *Memtable) Sorted() []types.Entry {
	result := make([]types.Entry, 0, mt.set.Len())
	mt.set.Range(func(_ []byte, c *cell) bool {
		result = append(result, *c.entry.Load())
		return true
	})

	return result
}
