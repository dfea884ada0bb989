package txn

import (
	"txkv/pkg/clock"
	"txkv/pkg/lock"
	"txkv/pkg/types"

	"github.com/zhangyunhao116/skipmap"
)

// Group is the lock registry shared by every transaction over one store.
// Each key gets exactly one lock, created on first reference.
type Group struct {
	locks  *skipmap.FuncMap[string, *lock.Upgradable]
	owners *clock.AtomicClock
}

func NewGroup() *Group {
	return &Group{
		locks: skipmap.NewFunc[string, *lock.Upgradable](func(a, b string) bool {
			return a < b
		}),
		owners: clock.NewAtomic(0),
	}
}

// LockFor returns the lock of key, creating it if needed. Concurrent first
// calls for the same key get the same lock.
func (g *Group) LockFor(key types.Key) *lock.Upgradable {
	l, _ := g.locks.LoadOrStoreLazy(string(key), lock.NewUpgradable)
	return l
}

func (g *Group) nextOwner() lock.Owner {
	return lock.Owner(g.owners.Next())
}
