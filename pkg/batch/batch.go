package batch

import (
	"slices"

	"txkv/pkg/types"
)

// WriteBatch buffers mutations keyed by their key; a later mutation of the
// same key replaces the earlier one. It is not safe for concurrent use.
type WriteBatch struct {
	entries map[string]types.Entry
}

func New() *WriteBatch {
	return &WriteBatch{entries: make(map[string]types.Entry)}
}

func (b *WriteBatch) Put(key types.Key, value types.Value) {
	b.Upsert(types.NewEntry(key, value))
}

func (b *WriteBatch) Delete(key types.Key) {
	b.Upsert(types.Tombstone(key))
}

func (b *WriteBatch) Upsert(e types.Entry) {
	b.entries[string(e.Key)] = e
}

// Get returns the buffered mutation of key, tombstones included.
func (b *WriteBatch) Get(key types.Key) (types.Entry, bool) {
	e, ok := b.entries[string(key)]
	return e, ok
}

func (b *WriteBatch) Count() int {
	return len(b.entries)
}

func (b *WriteBatch) Clear() {
	clear(b.entries)
}

// Entries returns the buffered mutations in key order.
func (b *WriteBatch) Entries() []types.Entry {
	result := make([]types.Entry, 0, len(b.entries))
	for _, e := range b.entries {
		result = append(result, e)
	}
	slices.SortFunc(result, func(x, y types.Entry) int {
		return types.CompareKeys(x.Key, y.Key)
	})
	return result
}
