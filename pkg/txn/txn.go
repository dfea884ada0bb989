// Package txn provides multi-key transactions with fail-fast optimistic
// concurrency over a store.
//
// Reads take per-key read locks that are kept until the end of the
// transaction. Writes are buffered and applied at Commit, after the write
// lock of every written key has been taken, upgrading read locks in place.
// No call ever waits on another transaction: contention aborts the
// transaction with dberrors.ErrConflict and the caller retries with a new one.
package txn

import (
	"errors"
	"fmt"
	"log/slog"

	"txkv/pkg/batch"
	"txkv/pkg/dberrors"
	"txkv/pkg/lock"
	"txkv/pkg/types"
)

// Engine is the ordered store transactions run against. Apply writes a
// whole commit; it must either write every entry or none.
type Engine interface {
	Get(key types.Key) (types.Entry, bool, error)
	Apply(entries []types.Entry) error
}

// Txn is a single transaction. It is not safe for concurrent use.
type Txn struct {
	id     lock.Owner
	engine Engine
	group  *Group

	reads   map[string]*lock.Upgradable
	writes  map[string]*lock.Upgradable
	pending *batch.WriteBatch
	done    bool
}

func New(engine Engine, group *Group) *Txn {
	return &Txn{
		id:      group.nextOwner(),
		engine:  engine,
		group:   group,
		reads:   make(map[string]*lock.Upgradable),
		writes:  make(map[string]*lock.Upgradable),
		pending: batch.New(),
	}
}

func (t *Txn) ID() lock.Owner {
	return t.id
}

// Get returns the value of key as seen by this transaction. A key written
// by the transaction is answered from its buffer without locking.
func (t *Txn) Get(key types.Key) (types.Entry, bool, error) {
	if t.done {
		return types.Entry{}, false, dberrors.ErrTxnDone
	}
	if key == nil {
		return types.Entry{}, false, fmt.Errorf("get: nil key: %w", dberrors.ErrInvalidArgument)
	}

	if e, ok := t.pending.Get(key); ok {
		return e, !e.IsTombstone(), nil
	}

	k := string(key)
	if _, held := t.reads[k]; !held {
		l := t.group.LockFor(key)
		if !l.TryRLock(t.id) {
			t.abort()
			return types.Entry{}, false, fmt.Errorf("txn %d: read lock on %q: %w", t.id, key, dberrors.ErrConflict)
		}
		t.reads[k] = l
	}

	e, ok, err := t.engine.Get(key)
	if err != nil {
		t.abort()
		return types.Entry{}, false, fmt.Errorf("txn %d: get %q: %w", t.id, key, err)
	}
	return e, ok, nil
}

// Upsert buffers e until Commit.
func (t *Txn) Upsert(e types.Entry) error {
	if err := t.writable(e.Key); err != nil {
		return err
	}
	t.pending.Upsert(e)
	return nil
}

func (t *Txn) Put(key types.Key, value types.Value) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.pending.Put(key, value)
	return nil
}

// Delete buffers a tombstone for key.
func (t *Txn) Delete(key types.Key) error {
	if err := t.writable(key); err != nil {
		return err
	}
	t.pending.Delete(key)
	return nil
}

func (t *Txn) writable(key types.Key) error {
	if t.done {
		return dberrors.ErrTxnDone
	}
	if key == nil {
		return fmt.Errorf("upsert: nil key: %w", dberrors.ErrInvalidArgument)
	}
	return nil
}

// Commit takes the write lock of every buffered key and applies the
// buffer in one Engine.Apply. If any write lock is unavailable nothing is
// applied, every lock is released and the error wraps dberrors.ErrConflict.
// The transaction is finished after Commit whatever the outcome.
func (t *Txn) Commit() error {
	if t.done {
		return dberrors.ErrTxnDone
	}
	if t.pending.Count() == 0 {
		t.done = true
		return t.release()
	}

	entries := t.pending.Entries()
	for _, e := range entries {
		l := t.group.LockFor(e.Key)
		if !l.TryLock(t.id) {
			t.abort()
			return fmt.Errorf("txn %d: write lock on %q: %w", t.id, e.Key, dberrors.ErrConflict)
		}
		t.writes[string(e.Key)] = l
	}

	if err := t.engine.Apply(entries); err != nil {
		t.abort()
		return fmt.Errorf("txn %d: apply %d writes: %w", t.id, len(entries), err)
	}

	t.done = true
	return t.release()
}

func (t *Txn) abort() {
	t.done = true
	if err := t.release(); err != nil {
		slog.Warn("failed to release transaction locks", "txn", t.id, "error", err)
	}
}

// release drops every lock the transaction holds, writes first.
func (t *Txn) release() error {
	var errs []error
	for k, l := range t.writes {
		if err := l.Unlock(t.id); err != nil {
			errs = append(errs, err)
		}
		delete(t.writes, k)
	}
	for k, l := range t.reads {
		if err := l.RUnlock(t.id); err != nil {
			errs = append(errs, err)
		}
		delete(t.reads, k)
	}
	t.pending.Clear()
	return errors.Join(errs...)
}
