package clock

import "sync/atomic"

// AtomicClock hands out strictly increasing values. It issues lock owner ids
// to transactions and priorities to new generations.
type AtomicClock struct {
	atomic.Uint64
}

func NewAtomic(init uint64) *AtomicClock {
	var ac AtomicClock
	ac.Set(init)
	return &ac
}

func (ac *AtomicClock) Val() uint64 {
	return ac.Load()
}

func (ac *AtomicClock) Next() uint64 {
	return ac.Add(1)
}

func (ac *AtomicClock) Set(t uint64) {
	ac.Store(t)
}

// Advance moves the clock forward to t if it is behind. It never moves back.
func (ac *AtomicClock) Advance(t uint64) {
	for {
		cur := ac.Load()
		if cur >= t || ac.CompareAndSwap(cur, t) {
			return
		}
	}
}
