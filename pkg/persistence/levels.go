package persistence

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"txkv/pkg/clock"
	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/types"
)

// TableStat describes one persisted table for Stats output.
type TableStat struct {
	Priority types.Priority `json:"priority"`
	Path     string         `json:"path"`
	Records  int64          `json:"records"`
	Bytes    int64          `json:"bytes"`
	Readers  int64          `json:"readers"`
}

// Generations is the ordered set of live tables of one directory.
type Generations struct {
	dir    string
	fpRate float64

	mu     sync.RWMutex
	tables []*Table // sorted by Compare, newest first
	closed bool

	// serializes Save and Compact so priorities follow data recency
	saveMu   sync.Mutex
	priority *clock.AtomicClock
}

// OpenGenerations maps every complete table found in dir. Leftovers of
// interrupted saves are removed.
func OpenGenerations(dir string, fpRate float64) (*Generations, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list data directory: %w", err)
	}

	g := &Generations{
		dir:      dir,
		fpRate:   fpRate,
		priority: clock.NewAtomic(0),
	}

	present := make(map[string]struct{}, len(dirEntries))
	for _, de := range dirEntries {
		present[de.Name()] = struct{}{}
	}

	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasPrefix(name, tablePrefix) {
			continue
		}
		if strings.HasSuffix(name, tmpSuffix) {
			removeFile(filepath.Join(dir, name))
			continue
		}
		if strings.HasSuffix(name, offsetsSuffix) {
			data := strings.TrimSuffix(name, offsetsSuffix) + dataSuffix
			if _, ok := present[data]; !ok {
				slog.Warn("removing offsets file without data", "path", name)
				removeFile(filepath.Join(dir, name))
			}
			continue
		}

		p, ok := parseTableName(name)
		if !ok {
			continue
		}
		t, err := OpenTable(dir, p, fpRate)
		if err != nil {
			_ = g.Close()
			return nil, fmt.Errorf("failed to open table %s: %w", name, err)
		}
		g.tables = append(g.tables, t)
		g.priority.Advance(uint64(p))
	}

	slices.SortFunc(g.tables, Compare)
	slog.Debug("generations opened", "dir", dir, "tables", len(g.tables), "priority", g.priority.Val())
	return g, nil
}

// acquire returns a snapshot of the live tables, each held for reading.
func (g *Generations) acquire() ([]*Table, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.closed {
		return nil, dberrors.ErrClosed
	}
	tables := slices.Clone(g.tables)
	for _, t := range tables {
		t.Acquire()
	}
	return tables, nil
}

func release(tables []*Table) {
	for _, t := range tables {
		t.Release()
	}
}

// Get resolves key across generations, newest first. The first table that
// holds the key decides; a tombstone is returned as found with a nil value.
func (g *Generations) Get(key types.Key) (types.Entry, bool, error) {
	if key == nil {
		return types.Entry{}, false, fmt.Errorf("get: nil key: %w", dberrors.ErrInvalidArgument)
	}

	tables, err := g.acquire()
	if err != nil {
		return types.Entry{}, false, err
	}
	defer release(tables)

	for _, t := range tables {
		e, ok, err := t.Get(key)
		if err != nil {
			return types.Entry{}, false, fmt.Errorf("failed to get from table %s: %w", t.Path(), err)
		}
		if ok {
			return e, true, nil
		}
	}
	return types.Entry{}, false, nil
}

// Save writes entries as a new, newest generation.
func (g *Generations) Save(entries []types.Entry, payloadSize int64) error {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	if len(entries) == 0 {
		return nil
	}

	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return dberrors.ErrClosed
	}

	p := types.Priority(g.priority.Next())
	t, err := WriteTable(g.dir, p, entries, payloadSize, g.fpRate)
	if err != nil {
		return fmt.Errorf("failed to write generation %d: %w", p, err)
	}

	g.mu.Lock()
	g.tables = append(g.tables, t)
	slices.SortFunc(g.tables, Compare)
	g.mu.Unlock()

	slog.Debug("generation saved", "priority", p, "records", t.Len(), "bytes", t.Bytes())
	return nil
}

// Compact merges every live generation into a single one. Tombstones are
// dropped since nothing older remains for them to hide. The inputs are
// marked obsolete and disappear once their readers are gone.
func (g *Generations) Compact() error {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()

	inputs, err := g.acquire()
	if err != nil {
		return err
	}
	defer release(inputs)
	if len(inputs) < 2 {
		return nil
	}

	iters := make([]iterator.Iterator, len(inputs))
	for i, t := range inputs {
		iters[i] = t.Iterator(nil, nil)
	}
	entries, err := iterator.Collect(iterator.Live(iterator.Merge(iters...)))
	if err != nil {
		return fmt.Errorf("failed to merge generations: %w", err)
	}

	var payload int64
	for _, e := range entries {
		payload += e.PayloadSize()
	}

	p := types.Priority(g.priority.Next())
	out, err := WriteTable(g.dir, p, entries, payload, g.fpRate)
	if err != nil {
		return fmt.Errorf("failed to write compacted generation %d: %w", p, err)
	}

	g.mu.Lock()
	kept := g.tables[:0:0]
	for _, t := range g.tables {
		if !slices.Contains(inputs, t) {
			kept = append(kept, t)
		}
	}
	if out != nil {
		kept = append(kept, out)
	}
	slices.SortFunc(kept, Compare)
	g.tables = kept
	g.mu.Unlock()

	for _, t := range inputs {
		t.MarkObsolete()
	}

	slog.Info("generations compacted", "inputs", len(inputs), "priority", p, "records", len(entries))
	return nil
}

// Iterator merges every live generation over [from, to), tombstones included.
func (g *Generations) Iterator(from, to types.Key) iterator.Iterator {
	tables, err := g.acquire()
	if err != nil {
		return &errIterator{err: err}
	}
	defer release(tables)

	iters := make([]iterator.Iterator, len(tables))
	for i, t := range tables {
		iters[i] = t.Iterator(from, to)
	}
	return iterator.Merge(iters...)
}

// Stats lists the live tables, newest first.
func (g *Generations) Stats() []TableStat {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := make([]TableStat, 0, len(g.tables))
	for _, t := range g.tables {
		stats = append(stats, TableStat{
			Priority: t.Priority(),
			Path:     t.Path(),
			Records:  t.Len(),
			Bytes:    t.Bytes(),
			Readers:  t.Readers(),
		})
	}
	return stats
}

// Close waits for a running Save or Compact and closes every table. Tables
// still held by open iterators are unmapped when the last of them is
// released. Later calls fail with dberrors.ErrClosed.
func (g *Generations) Close() error {
	g.saveMu.Lock()
	defer g.saveMu.Unlock()
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}
	g.closed = true

	var firstErr error
	for _, t := range g.tables {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	g.tables = nil
	return firstErr
}
