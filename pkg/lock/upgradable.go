// Package lock implements a non-blocking reader-writer lock whose readers may
// upgrade to the write lock in place.
//
// Holders are identified by an Owner id rather than by goroutine. Every
// acquisition is try-only: a call either succeeds immediately or reports
// false, it never waits for another owner. Acquisitions are reentrant per
// owner, so N successful TryRLock calls need N RUnlock calls.
package lock

import (
	"fmt"
	"sync"

	"txkv/pkg/dberrors"
)

// Owner identifies a lock holder. The zero Owner is never a valid holder.
type Owner uint64

// Upgradable is a reader-writer lock with in-place read to write upgrade.
//
// Rules:
//   - any number of owners may hold the read lock while nobody holds the write lock;
//   - the write lock is granted only if no other owner holds either lock, so a
//     reader may upgrade only while it is the sole reader;
//   - the write holder may also take the read lock;
//   - while the write lock is held, no other owner may take the read lock.
//
// The internal mutex only guards bookkeeping and is never held across calls.
type Upgradable struct {
	mu      sync.Mutex
	readers map[Owner]int
	writer  Owner
	writes  int
}

func NewUpgradable() *Upgradable {
	return &Upgradable{readers: make(map[Owner]int)}
}

// TryRLock acquires the read lock for o unless another owner holds the write lock.
func (l *Upgradable) TryRLock(o Owner) bool {
	if o == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer != 0 && l.writer != o {
		return false
	}
	l.readers[o]++
	return true
}

// TryLock acquires the write lock for o. It succeeds when o already holds the
// write lock, or when no other owner holds the read or write lock.
func (l *Upgradable) TryLock(o Owner) bool {
	if o == 0 {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == o {
		l.writes++
		return true
	}
	if l.writer != 0 {
		return false
	}
	for r := range l.readers {
		if r != o {
			return false
		}
	}

	l.writer = o
	l.writes = 1
	return true
}

// RUnlock releases one read acquisition of o.
func (l *Upgradable) RUnlock(o Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	n, ok := l.readers[o]
	if !ok {
		return fmt.Errorf("read unlock by owner %d: %w", o, dberrors.ErrIllegalLockState)
	}
	if n == 1 {
		delete(l.readers, o)
	} else {
		l.readers[o] = n - 1
	}
	return nil
}

// Unlock releases one write acquisition of o.
func (l *Upgradable) Unlock(o Owner) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if o == 0 || l.writer != o {
		return fmt.Errorf("write unlock by owner %d: %w", o, dberrors.ErrIllegalLockState)
	}
	l.writes--
	if l.writes == 0 {
		l.writer = 0
	}
	return nil
}

// HeldBy reports the read and write acquisition counts of o.
func (l *Upgradable) HeldBy(o Owner) (reads, writes int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	reads = l.readers[o]
	if l.writer == o && o != 0 {
		writes = l.writes
	}
	return reads, writes
}

// Idle reports whether nobody holds the lock.
func (l *Upgradable) Idle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.writer == 0 && len(l.readers) == 0
}
