package txn

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"txkv/pkg/config"
	"txkv/pkg/dberrors"
	"txkv/pkg/store"
	"txkv/pkg/types"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.Default()
	cfg.Persistence.RootPath = t.TempDir()
	cfg.Memtable.FlushThresholdBytes = 0
	s, err := store.New(&cfg)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *store.Store, kvs ...string) {
	t.Helper()
	for i := 0; i < len(kvs); i += 2 {
		if err := s.Upsert(types.NewEntry([]byte(kvs[i]), []byte(kvs[i+1]))); err != nil {
			t.Fatal(err)
		}
	}
}

type getter interface {
	Get(key types.Key) (types.Entry, bool, error)
}

func value(t *testing.T, s getter, k string) string {
	t.Helper()
	e, ok, err := s.Get([]byte(k))
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", k, err)
	}
	if !ok {
		return "<absent>"
	}
	return string(e.Value)
}

func expectIdle(t *testing.T, g *Group, keys ...string) {
	t.Helper()
	for _, k := range keys {
		if !g.LockFor([]byte(k)).Idle() {
			t.Fatalf("lock of %s still held", k)
		}
	}
}

// gateEngine holds every Apply until open is closed, keeping the
// committing transaction inside its write locks.
type gateEngine struct {
	Engine
	open chan struct{}
}

func (g *gateEngine) Apply(entries []types.Entry) error {
	<-g.open
	return g.Engine.Apply(entries)
}

func TestTxn_ReadYourWrites(t *testing.T) {
	s := openStore(t)
	seed(t, s, "a", "1", "b", "1")
	g := NewGroup()

	tx := New(s, g)
	if err := tx.Upsert(types.NewEntry([]byte("a"), []byte("2"))); err != nil {
		t.Fatal(err)
	}
	if err := tx.Delete([]byte("b")); err != nil {
		t.Fatal(err)
	}

	if got := value(t, tx, "a"); got != "2" {
		t.Fatalf("buffered a = %s", got)
	}
	if got := value(t, tx, "b"); got != "<absent>" {
		t.Fatalf("buffered b = %s", got)
	}
	// buffered reads take no locks
	expectIdle(t, g, "a", "b")

	// nothing reaches the store before Commit
	if got := value(t, s, "a"); got != "1" {
		t.Fatalf("store a = %s before commit", got)
	}

	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if got := value(t, s, "a"); got != "2" {
		t.Fatalf("store a = %s after commit", got)
	}
	if got := value(t, s, "b"); got != "<absent>" {
		t.Fatalf("store b = %s after commit", got)
	}
	expectIdle(t, g, "a", "b")
}

func TestTxn_DoneAfterCommit(t *testing.T) {
	s := openStore(t)
	tx := New(s, NewGroup())

	if err := tx.Commit(); err != nil {
		t.Fatalf("empty Commit failed: %v", err)
	}
	if _, _, err := tx.Get([]byte("k")); !errors.Is(err, dberrors.ErrTxnDone) {
		t.Fatalf("Get after commit: %v", err)
	}
	if err := tx.Upsert(types.NewEntry([]byte("k"), nil)); !errors.Is(err, dberrors.ErrTxnDone) {
		t.Fatalf("Upsert after commit: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, dberrors.ErrTxnDone) {
		t.Fatalf("second Commit: %v", err)
	}
}

func TestTxn_NilKey(t *testing.T) {
	tx := New(openStore(t), NewGroup())
	if _, _, err := tx.Get(nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Get(nil): %v", err)
	}
	if err := tx.Upsert(types.Entry{Value: []byte("v")}); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Upsert(nil key): %v", err)
	}
}

func TestTxn_ReadConflictAbortsEverything(t *testing.T) {
	s := openStore(t)
	seed(t, s, "a", "1", "b", "1")
	g := NewGroup()

	writer := New(s, g)
	if _, _, err := writer.Get([]byte("b")); err != nil {
		t.Fatal(err)
	}
	// simulate a commit in flight on b
	if !g.LockFor([]byte("b")).TryLock(writer.ID()) {
		t.Fatal("writer could not lock b")
	}

	reader := New(s, g)
	if _, _, err := reader.Get([]byte("a")); err != nil {
		t.Fatalf("Get(a) failed: %v", err)
	}
	if _, _, err := reader.Get([]byte("b")); !errors.Is(err, dberrors.ErrConflict) {
		t.Fatalf("Get(b) = %v, want conflict", err)
	}
	// the read lock on a was released by the abort
	if r, _ := g.LockFor([]byte("a")).HeldBy(reader.ID()); r != 0 {
		t.Fatalf("reader still holds a: %d", r)
	}
	if err := reader.Commit(); !errors.Is(err, dberrors.ErrTxnDone) {
		t.Fatalf("Commit after conflict: %v", err)
	}

	if err := g.LockFor([]byte("b")).Unlock(writer.ID()); err != nil {
		t.Fatal(err)
	}
	if err := writer.Commit(); err != nil {
		t.Fatal(err)
	}
	expectIdle(t, g, "a", "b")
}

func TestTxn_WriteConflictAppliesNothing(t *testing.T) {
	s := openStore(t)
	seed(t, s, "a", "1", "b", "1")
	g := NewGroup()

	blocker := New(s, g)
	if _, _, err := blocker.Get([]byte("b")); err != nil {
		t.Fatal(err)
	}

	tx := New(s, g)
	for _, k := range []string{"a", "b"} {
		if err := tx.Upsert(types.NewEntry([]byte(k), []byte("2"))); err != nil {
			t.Fatal(err)
		}
	}
	if err := tx.Commit(); !errors.Is(err, dberrors.ErrConflict) {
		t.Fatalf("Commit = %v, want conflict", err)
	}

	if got := value(t, s, "a"); got != "1" {
		t.Fatalf("a = %s after aborted commit", got)
	}
	if r, w := g.LockFor([]byte("a")).HeldBy(tx.ID()); r != 0 || w != 0 {
		t.Fatalf("aborted txn still holds a: %d/%d", r, w)
	}

	if err := blocker.Commit(); err != nil {
		t.Fatal(err)
	}
	expectIdle(t, g, "a", "b")
}

func TestTxn_Swap(t *testing.T) {
	s := openStore(t)
	seed(t, s, "keyA", "A", "keyB", "B")
	g := NewGroup()

	if err := swap(New(s, g), "keyA", "keyB"); err != nil {
		t.Fatalf("swap failed: %v", err)
	}
	if a, b := value(t, s, "keyA"), value(t, s, "keyB"); a != "B" || b != "B" {
		t.Fatalf("after swap keyA=%s keyB=%s", a, b)
	}
	expectIdle(t, g, "keyA", "keyB")
}

// swap writes the value of b into both keys, as the upgrade scenario does.
func swap(tx *Txn, a, b string) error {
	if _, _, err := tx.Get([]byte(a)); err != nil {
		return err
	}
	vb, _, err := tx.Get([]byte(b))
	if err != nil {
		return err
	}
	if err := tx.Upsert(types.NewEntry([]byte(a), vb.Value)); err != nil {
		return err
	}
	if err := tx.Upsert(types.NewEntry([]byte(b), vb.Value)); err != nil {
		return err
	}
	return tx.Commit()
}

func TestTxn_ParallelWriteOneWinner(t *testing.T) {
	const n = 10

	s := openStore(t)
	seed(t, s, "key", "initial")
	engine := &gateEngine{Engine: s, open: make(chan struct{})}
	g := NewGroup()

	var (
		wg        sync.WaitGroup
		start     = make(chan struct{})
		conflicts atomic.Int32
		winners   atomic.Int32
		winner    atomic.Value
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx := New(engine, g)
			v := fmt.Sprintf("value-%d", i)
			if err := tx.Upsert(types.NewEntry([]byte("key"), []byte(v))); err != nil {
				t.Errorf("Upsert failed: %v", err)
				return
			}
			<-start

			err := tx.Commit()
			switch {
			case err == nil:
				winners.Add(1)
				winner.Store(v)
			case errors.Is(err, dberrors.ErrConflict):
				if conflicts.Add(1) == n-1 {
					close(engine.open)
				}
			default:
				t.Errorf("unexpected commit error: %v", err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	if winners.Load() != 1 || conflicts.Load() != n-1 {
		t.Fatalf("winners=%d conflicts=%d", winners.Load(), conflicts.Load())
	}
	if got := value(t, s, "key"); got != winner.Load().(string) {
		t.Fatalf("stored %s, winner wrote %s", got, winner.Load())
	}
	expectIdle(t, g, "key")
}

func TestTxn_ParallelSwap(t *testing.T) {
	const n = 20

	s := openStore(t)
	seed(t, s, "keyA", "A", "keyB", "B")
	g := NewGroup()

	var (
		wg        sync.WaitGroup
		readsDone sync.WaitGroup
		failures  atomic.Int32
	)
	readsDone.Add(n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := New(s, g)

			_, _, errA := tx.Get([]byte("keyA"))
			vb, _, errB := tx.Get([]byte("keyB"))
			readsDone.Done()
			// every transaction holds its read locks before anyone commits
			readsDone.Wait()
			if errA != nil || errB != nil {
				t.Errorf("reads failed: %v %v", errA, errB)
				return
			}

			if err := tx.Upsert(types.NewEntry([]byte("keyA"), vb.Value)); err != nil {
				t.Error(err)
				return
			}
			if err := tx.Upsert(types.NewEntry([]byte("keyB"), vb.Value)); err != nil {
				t.Error(err)
				return
			}
			if err := tx.Commit(); err != nil {
				if !errors.Is(err, dberrors.ErrConflict) {
					t.Errorf("unexpected commit error: %v", err)
				}
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	if f := failures.Load(); f < n-1 {
		t.Fatalf("%d of %d swaps failed, want at least %d", f, n, n-1)
	}

	a, b := value(t, s, "keyA"), value(t, s, "keyB")
	if !(a == "A" && b == "B") && !(a == "B" && b == "B") {
		t.Fatalf("half-applied swap: keyA=%s keyB=%s", a, b)
	}
	expectIdle(t, g, "keyA", "keyB")
}

func TestTxn_ParallelReadOnly(t *testing.T) {
	const n = 10

	s := openStore(t)
	for i := 0; i < 10; i++ {
		seed(t, s, fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}
	g := NewGroup()

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx := New(s, g)
			<-start
			for k := 0; k < 10; k++ {
				e, ok, err := tx.Get([]byte(fmt.Sprintf("key%d", k)))
				if err != nil || !ok || string(e.Value) != fmt.Sprintf("value%d", k) {
					t.Errorf("Get(key%d) = %q, %v, %v", k, e.Value, ok, err)
					return
				}
			}
			if err := tx.Commit(); err != nil {
				t.Errorf("read-only Commit failed: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
}

func TestGroup_LockForIsUnique(t *testing.T) {
	g := NewGroup()

	const n = 32
	got := make([]any, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = g.LockFor([]byte("shared"))
		}(i)
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		if got[i] != got[0] {
			t.Fatal("LockFor returned different locks for the same key")
		}
	}
}

func TestTxn_PutAndDelete(t *testing.T) {
	s := openStore(t)
	seed(t, s, "gone", "1")
	g := NewGroup()

	tx := New(s, g)
	if err := tx.Put([]byte("new"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Delete([]byte("gone")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Put(nil, []byte("v")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Put(nil key): %v", err)
	}
	if err := tx.Delete(nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Delete(nil key): %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if got := value(t, s, "new"); got != "v" {
		t.Fatalf("new = %s", got)
	}
	if got := value(t, s, "gone"); got != "<absent>" {
		t.Fatalf("gone = %s", got)
	}
	if err := tx.Put([]byte("late"), []byte("v")); !errors.Is(err, dberrors.ErrTxnDone) {
		t.Fatalf("Put after commit: %v", err)
	}
	expectIdle(t, g, "new", "gone")
}

func TestTxn_ReadOnlyCommitReleasesLocks(t *testing.T) {
	s := openStore(t)
	seed(t, s, "a", "1")
	g := NewGroup()

	tx := New(s, g)
	if got := value(t, tx, "a"); got != "1" {
		t.Fatalf("a = %s", got)
	}
	if g.LockFor([]byte("a")).Idle() {
		t.Fatal("read lock not held during the transaction")
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	expectIdle(t, g, "a")
}

func TestTxn_CommitOnClosedStoreAppliesNothing(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Persistence.RootPath = dir
	cfg.Memtable.FlushThresholdBytes = 0

	s, err := store.New(&cfg)
	if err != nil {
		t.Fatalf("store.New failed: %v", err)
	}
	seed(t, s, "a", "1")
	g := NewGroup()

	tx := New(s, g)
	if err := tx.Put([]byte("a"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := tx.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := tx.Commit(); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Commit on closed store: %v", err)
	}
	expectIdle(t, g, "a", "b")

	s, err = store.New(&cfg)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()
	if got := value(t, s, "a"); got != "1" {
		t.Fatalf("a = %s after failed commit", got)
	}
	if got := value(t, s, "b"); got != "<absent>" {
		t.Fatalf("b = %s after failed commit", got)
	}
}
