package memtable

import (
	"sync/atomic"

	"txkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// cell holds the current entry of one key. Swapping the pointer lets an
// upsert learn the value it replaced, which keeps size accounting exact
// under concurrent writers.
type cell struct {
	entry atomic.Pointer[types.Entry]
}

type concurrentSet = skipmap.FuncMap[[]byte, *cell]

// Memtable is a concurrent sorted buffer of pending writes.
//
// Size is the sum over current entries of key length plus value length,
// tombstones contributing only their key.
type Memtable struct {
	size atomic.Int64
	set  *concurrentSet
}

func New() *Memtable {
	return &Memtable{
		set: skipmap.NewFunc[[]byte, *cell](types.KeyLess),
	}
}

// Get returns the current entry for k, tombstones included.
func (mt *Memtable) Get(k types.Key) (types.Entry, bool) {
	c, ok := mt.set.Load(k)
	if !ok {
		return types.Entry{}, false
	}
	return *c.entry.Load(), true
}

// Upsert replaces the entry for e.Key. Last write wins.
func (mt *Memtable) Upsert(e types.Entry) {
	c, loaded := mt.set.LoadOrStoreLazy(e.Key, func() *cell {
		nc := &cell{}
		nc.entry.Store(&e)
		return nc
	})
	if !loaded {
		mt.size.Add(e.PayloadSize())
		return
	}

	old := c.entry.Swap(&e)
	mt.size.Add(int64(len(e.Value)) - int64(len(old.Value)))
}

// Scan returns entries with from <= key < to in key order. A nil bound is
// unbounded. Tombstones are included.
func (mt *Memtable) Scan(from, to types.Key) []types.Entry {
	var result []types.Entry
	mt.set.Range(func(key []byte, c *cell) bool {
		if from != nil && types.CompareKeys(key, from) < 0 {
			return true
		}
		if to != nil && types.CompareKeys(key, to) >= 0 {
			return false
		}
		result = append(result, *c.entry.Load())
		return true
	})
	return result
}

// Size returns the resident payload size in bytes.
func (mt *Memtable) Size() int64 {
	return mt.size.Load()
}

// Len returns the number of distinct keys.
func (mt *Memtable) Len() int {
	return mt.set.Len()
}

func (mt *Memtable) Empty() bool {
	return mt.set.Len() == 0
}
