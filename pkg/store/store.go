package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"txkv/pkg/config"
	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/listener"
	"txkv/pkg/memtable"
	"txkv/pkg/persistence"
	"txkv/pkg/types"
)

// persister is the on-disk half of the engine. Both layouts implement it.
type persister interface {
	Get(key types.Key) (types.Entry, bool, error)
	Save(entries []types.Entry, payloadSize int64) error
	Compact() error
	Iterator(from, to types.Key) iterator.Iterator
	Stats() []persistence.TableStat
	Close() error
}

// Store is the storage engine: an active memtable, at most one memtable
// being flushed, and the persisted generations behind them.
type Store struct {
	layout    string
	threshold int64
	disk      persister

	mu       sync.RWMutex
	active   *memtable.Memtable
	flushing *memtable.Memtable

	flushMu sync.Mutex
	flushCh chan struct{}
	flusher listener.Job

	closed atomic.Bool
}

// New opens the engine rooted at cfg.DB.Persistence.RootPath, creating the
// directory if needed, and starts the background flusher.
func New(cfg *config.Config) (*Store, error) {
	disk, err := openPersister(cfg.Persistence)
	if err != nil {
		return nil, err
	}

	s := &Store{
		layout:    cfg.Persistence.Layout,
		threshold: cfg.Memtable.FlushThresholdBytes,
		disk:      disk,
		active:    memtable.New(),
		flushCh:   make(chan struct{}, max(cfg.Memtable.FlushChanBuffSize, 1)),
	}

	s.flusher = listener.New[struct{}]("memtable-flusher", s.flushCh, func(struct{}) error {
		return s.flush()
	})
	s.flusher.Start(context.Background())

	slog.Info("store opened", "path", cfg.Persistence.RootPath, "layout", s.layout)
	return s, nil
}

func openPersister(cfg config.PersistenceConfig) (persister, error) {
	switch cfg.Layout {
	case config.LayoutIndexed, "":
		return persistence.OpenGenerations(cfg.RootPath, cfg.BloomFilter.FPRate)
	case config.LayoutAppend:
		return persistence.OpenAppendLog(cfg.RootPath)
	default:
		return nil, fmt.Errorf("%w: unknown layout %q", dberrors.ErrInvalidArgument, cfg.Layout)
	}
}

func (s *Store) memtables() (active, flushing *memtable.Memtable) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active, s.flushing
}

// Get returns the current value of key. Deleted and never written keys are
// both reported as not found.
func (s *Store) Get(key types.Key) (types.Entry, bool, error) {
	if key == nil {
		return types.Entry{}, false, fmt.Errorf("get: nil key: %w", dberrors.ErrInvalidArgument)
	}
	if s.closed.Load() {
		return types.Entry{}, false, dberrors.ErrClosed
	}

	active, flushing := s.memtables()
	for _, mt := range []*memtable.Memtable{active, flushing} {
		if mt == nil {
			continue
		}
		if e, ok := mt.Get(key); ok {
			return e, !e.IsTombstone(), nil
		}
	}

	e, ok, err := s.disk.Get(key)
	if err != nil {
		return types.Entry{}, false, err
	}
	if !ok || e.IsTombstone() {
		return types.Entry{}, false, nil
	}
	return e, true, nil
}

// Upsert writes e into the active memtable. A nil e.Value deletes the key.
func (s *Store) Upsert(e types.Entry) error {
	return s.Apply([]types.Entry{e})
}

// Apply writes entries into the same active memtable. Either all of them
// are written or, with a nil key among them or the store closed, none is.
func (s *Store) Apply(entries []types.Entry) error {
	for _, e := range entries {
		if e.Key == nil {
			return fmt.Errorf("upsert: nil key: %w", dberrors.ErrInvalidArgument)
		}
	}

	// Close flips closed under the write lock, so a write admitted here
	// lands before the final flush.
	s.mu.RLock()
	if s.closed.Load() {
		s.mu.RUnlock()
		return dberrors.ErrClosed
	}
	for _, e := range entries {
		s.active.Upsert(e)
	}
	size := s.active.Size()
	s.mu.RUnlock()

	if s.threshold > 0 && size >= s.threshold {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

func (s *Store) Delete(key types.Key) error {
	return s.Upsert(types.Tombstone(key))
}

// Scan returns a live iterator over [from, to). Nil bounds are unbounded.
// The caller must Close it.
func (s *Store) Scan(from, to types.Key) (iterator.Iterator, error) {
	if s.closed.Load() {
		return nil, dberrors.ErrClosed
	}

	active, flushing := s.memtables()
	iters := []iterator.Iterator{iterator.FromSlice(active.Scan(from, to))}
	if flushing != nil {
		iters = append(iters, iterator.FromSlice(flushing.Scan(from, to)))
	}
	iters = append(iters, s.disk.Iterator(from, to))

	return iterator.Live(iterator.Merge(iters...)), nil
}

// Flush persists the active memtable as the newest generation. A memtable
// left over by a failed flush is persisted first.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	return s.flush()
}

func (s *Store) flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	if s.flushing != nil {
		if err := s.persist(); err != nil {
			return err
		}
	}

	s.mu.Lock()
	if s.active.Empty() {
		s.mu.Unlock()
		return nil
	}
	s.flushing = s.active
	s.active = memtable.New()
	s.mu.Unlock()

	return s.persist()
}

// persist saves s.flushing and drops it. Callers hold flushMu.
func (s *Store) persist() error {
	if err := s.save(s.flushing); err != nil {
		return err
	}

	s.mu.Lock()
	s.flushing = nil
	s.mu.Unlock()
	return nil
}

func (s *Store) save(frozen memtable.SortedSet) error {
	entries := frozen.Sorted()
	if err := s.disk.Save(entries, frozen.Size()); err != nil {
		slog.Error("memtable flush failed", "records", len(entries), "error", err)
		return fmt.Errorf("failed to flush memtable: %w", err)
	}
	slog.Info("memtable flushed", "records", len(entries), "bytes", frozen.Size())
	return nil
}

// Compact merges the persisted generations into one.
func (s *Store) Compact() error {
	if s.closed.Load() {
		return dberrors.ErrClosed
	}
	if err := s.disk.Compact(); err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}
	return nil
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	Layout        string                  `json:"layout"`
	MemtableBytes int64                   `json:"memtable_bytes"`
	MemtableKeys  int                     `json:"memtable_keys"`
	FlushingBytes int64                   `json:"flushing_bytes"`
	Tables        []persistence.TableStat `json:"tables"`
}

func (s *Store) Stats() Stats {
	active, flushing := s.memtables()
	st := Stats{
		Layout:        s.layout,
		MemtableBytes: active.Size(),
		MemtableKeys:  active.Len(),
		Tables:        s.disk.Stats(),
	}
	if flushing != nil {
		st.FlushingBytes = flushing.Size()
	}
	return st
}

// Close stops the flusher, persists what is still in memory and releases
// the files. Reopening the directory restores every flushed write. Scan
// iterators still open keep their tables mapped and fail with
// dberrors.ErrClosed on their next read.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return dberrors.ErrClosed
	}
	s.closed.Store(true)
	s.mu.Unlock()

	s.flusher.Stop()

	flushErr := s.flush()
	if err := s.disk.Close(); err != nil && flushErr == nil {
		return fmt.Errorf("failed to close persisted tables: %w", err)
	}
	return flushErr
}
