package iterator

import (
	"container/heap"
	"errors"

	"txkv/pkg/types"
)

type mergeItem struct {
	it   Iterator
	rank int
}

type mergeHeap []mergeItem

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := types.CompareKeys(h[i].it.Entry().Key, h[j].it.Entry().Key); c != 0 {
		return c < 0
	}
	return h[i].rank < h[j].rank
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x any) { *h = append(*h, x.(mergeItem)) }

func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type mergeIterator struct {
	iters   []Iterator
	h       mergeHeap
	cur     types.Entry
	err     error
	started bool
}

// Merge combines sorted iterators into one. When several inputs hold the
// same key, the entry of the earliest input wins and the rest are skipped,
// so inputs must be passed newest first.
func Merge(iters ...Iterator) Iterator {
	return &mergeIterator{iters: iters}
}

func (m *mergeIterator) init() {
	m.started = true
	m.h = make(mergeHeap, 0, len(m.iters))
	for rank, it := range m.iters {
		if it.Next() {
			m.h = append(m.h, mergeItem{it: it, rank: rank})
			continue
		}
		if err := it.Err(); err != nil {
			m.err = err
			return
		}
	}
	heap.Init(&m.h)
}

func (m *mergeIterator) Next() bool {
	if !m.started {
		m.init()
	}
	if m.err != nil || m.h.Len() == 0 {
		return false
	}

	m.cur = m.h[0].it.Entry()
	for m.h.Len() > 0 && types.CompareKeys(m.h[0].it.Entry().Key, m.cur.Key) == 0 {
		top := m.h[0]
		if top.it.Next() {
			heap.Fix(&m.h, 0)
			continue
		}
		if err := top.it.Err(); err != nil {
			m.err = err
			return false
		}
		heap.Pop(&m.h)
	}
	return true
}

func (m *mergeIterator) Entry() types.Entry {
	return m.cur
}

func (m *mergeIterator) Err() error {
	return m.err
}

func (m *mergeIterator) Close() error {
	var errs []error
	for _, it := range m.iters {
		if err := it.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.iters = nil
	m.h = nil
	return errors.Join(errs...)
}
