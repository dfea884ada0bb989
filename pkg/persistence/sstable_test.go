package persistence

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"txkv/pkg/dberrors"
	"txkv/pkg/iterator"
	"txkv/pkg/types"

	"github.com/zhangyunhao116/fastrand"
)

func payloadOf(entries []types.Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.PayloadSize()
	}
	return total
}

func sortedRandomEntries(n int) []types.Entry {
	byKey := make(map[string]types.Entry, n)
	for len(byKey) < n {
		k := make([]byte, 1+fastrand.Intn(12))
		for i := range k {
			k[i] = byte(fastrand.Intn(256))
		}
		var e types.Entry
		switch fastrand.Intn(10) {
		case 0:
			e = types.Tombstone(k)
		case 1:
			e = types.NewEntry(k, []byte{})
		default:
			e = types.NewEntry(k, bytes.Repeat(k, 1+fastrand.Intn(3)))
		}
		byKey[string(k)] = e
	}

	entries := make([]types.Entry, 0, n)
	for _, e := range byKey {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b types.Entry) int { return types.CompareKeys(a.Key, b.Key) })
	return entries
}

// linearGet is the reference the binary search is checked against.
func linearGet(t *testing.T, tbl *Table, key []byte) (types.Entry, bool) {
	t.Helper()
	got, err := iterator.Collect(tbl.Iterator(nil, nil))
	if err != nil {
		t.Fatalf("Iterator: %v", err)
	}
	for _, e := range got {
		if bytes.Equal(e.Key, key) {
			return e, true
		}
	}
	return types.Entry{}, false
}

func sameEntry(a, b types.Entry) bool {
	return bytes.Equal(a.Key, b.Key) && a.IsTombstone() == b.IsTombstone() && bytes.Equal(a.Value, b.Value)
}

func TestRecord_RoundTrip(t *testing.T) {
	entries := []types.Entry{
		types.NewEntry([]byte("k"), []byte("value")),
		types.NewEntry([]byte("empty"), []byte{}),
		types.Tombstone([]byte("gone")),
		types.NewEntry([]byte{}, []byte{0x00, 0xff}),
	}
	r := NewHeapRegion(payloadOf(entries) + 2*lenSize*int64(len(entries)))
	if err := encodeRecords(r, entries, nil); err != nil {
		t.Fatalf("encodeRecords: %v", err)
	}

	var off int64
	for i, want := range entries {
		got, next, err := readRecord(r, off)
		if err != nil {
			t.Fatalf("readRecord %d: %v", i, err)
		}
		if !sameEntry(got, want) {
			t.Fatalf("record %d = %+v, want %+v", i, got, want)
		}
		if !want.IsTombstone() && got.Value == nil {
			t.Fatalf("record %d: zero-length value decoded as tombstone", i)
		}
		off = next
	}
	if off != r.Size() {
		t.Fatalf("decoded %d of %d bytes", off, r.Size())
	}
}

func TestWriteTable_LookupMatchesLinearScan(t *testing.T) {
	for _, n := range []int{1, 2, 3, 17, 1000} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			dir := t.TempDir()
			entries := sortedRandomEntries(n)

			tbl, err := WriteTable(dir, 1, entries, payloadOf(entries), 0)
			if err != nil {
				t.Fatalf("WriteTable: %v", err)
			}
			defer tbl.Close()
			tbl.Acquire()
			defer tbl.Release()

			if tbl.Len() != int64(n) {
				t.Fatalf("Len() = %d, want %d", tbl.Len(), n)
			}

			for _, want := range entries {
				got, ok, err := tbl.Get(want.Key)
				if err != nil || !ok {
					t.Fatalf("Get(%x) = %v, %v", want.Key, ok, err)
				}
				if !sameEntry(got, want) {
					t.Fatalf("Get(%x) = %+v, want %+v", want.Key, got, want)
				}
			}

			for i := 0; i < 200; i++ {
				needle := make([]byte, fastrand.Intn(13))
				for j := range needle {
					needle[j] = byte(fastrand.Intn(256))
				}
				got, ok, err := tbl.Get(needle)
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				ref, refOK := linearGet(t, tbl, needle)
				if ok != refOK || (ok && !sameEntry(got, ref)) {
					t.Fatalf("Get(%x) = (%+v, %v), linear scan = (%+v, %v)", needle, got, ok, ref, refOK)
				}
			}
		})
	}
}

func TestTable_EmptyGeneration(t *testing.T) {
	tbl, err := NewMemTable(NewHeapRegion(0), NewHeapRegion(0), 1)
	if err != nil {
		t.Fatalf("NewMemTable: %v", err)
	}
	if _, ok, err := tbl.Get([]byte("any")); ok || err != nil {
		t.Fatalf("Get on empty table = %v, %v", ok, err)
	}
	if _, ok, err := tbl.Get([]byte{}); ok || err != nil {
		t.Fatalf("Get(empty key) on empty table = %v, %v", ok, err)
	}
}

func TestWriteTable_EmptyInputIsNoop(t *testing.T) {
	dir := t.TempDir()

	tbl, err := WriteTable(dir, 1, nil, 0, 0)
	if err != nil || tbl != nil {
		t.Fatalf("WriteTable(empty) = %v, %v", tbl, err)
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Fatalf("empty save created %d files", len(files))
	}
}

func TestWriteTable_SizeMismatch(t *testing.T) {
	dir := t.TempDir()
	entries := sortedRandomEntries(10)

	for _, declared := range []int64{payloadOf(entries) - 1, payloadOf(entries) + 5} {
		_, err := WriteTable(dir, 1, entries, declared, 0)
		if !errors.Is(err, dberrors.ErrSizeMismatch) {
			t.Fatalf("declared %d: error = %v, want ErrSizeMismatch", declared, err)
		}
	}
	files, _ := os.ReadDir(dir)
	if len(files) != 0 {
		t.Fatalf("failed saves left %d files behind", len(files))
	}
}

func TestWriteTable_RejectsUnsortedInput(t *testing.T) {
	entries := []types.Entry{
		types.NewEntry([]byte("b"), []byte("1")),
		types.NewEntry([]byte("a"), []byte("2")),
	}
	_, err := WriteTable(t.TempDir(), 1, entries, payloadOf(entries), 0)
	if !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestTable_NilKey(t *testing.T) {
	tbl, err := NewMemTable(NewHeapRegion(0), NewHeapRegion(0), 1)
	if err != nil {
		t.Fatalf("NewMemTable: %v", err)
	}
	if _, _, err := tbl.Get(nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("Get(nil) error = %v, want ErrInvalidArgument", err)
	}
}

func TestTable_CorruptedOffsets(t *testing.T) {
	data := NewHeapRegion(32)
	offsets := NewHeapRegion(8)
	if err := offsets.PutUint64(0, 1<<40); err != nil {
		t.Fatal(err)
	}
	tbl, err := NewMemTable(data, offsets, 1)
	if err != nil {
		t.Fatalf("NewMemTable: %v", err)
	}
	if _, _, err := tbl.Get([]byte("k")); !errors.Is(err, dberrors.ErrCorrupted) {
		t.Fatalf("Get error = %v, want ErrCorrupted", err)
	}

	if _, err := NewMemTable(NewHeapRegion(8), NewHeapRegion(7), 2); !errors.Is(err, dberrors.ErrCorrupted) {
		t.Fatalf("odd offsets size error = %v, want ErrCorrupted", err)
	}
}

func TestTable_IteratorBounds(t *testing.T) {
	dir := t.TempDir()
	var entries []types.Entry
	for _, k := range []string{"a", "c", "e", "g"} {
		entries = append(entries, types.NewEntry([]byte(k), []byte(k)))
	}
	tbl, err := WriteTable(dir, 1, entries, payloadOf(entries), 0.01)
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	defer tbl.Close()

	tests := []struct {
		from, to string
		want     string
	}{
		{"", "", "aceg"},
		{"b", "", "ceg"},
		{"c", "g", "ce"},
		{"", "a", ""},
		{"h", "", ""},
	}
	for _, tt := range tests {
		var from, to []byte
		if tt.from != "" {
			from = []byte(tt.from)
		}
		if tt.to != "" {
			to = []byte(tt.to)
		}
		got, err := iterator.Collect(tbl.Iterator(from, to))
		if err != nil {
			t.Fatalf("Iterator: %v", err)
		}
		var keys string
		for _, e := range got {
			keys += string(e.Key)
		}
		if keys != tt.want {
			t.Fatalf("Iterator(%q, %q) = %q, want %q", tt.from, tt.to, keys, tt.want)
		}
	}
	if tbl.Readers() != 0 {
		t.Fatalf("iterators leaked %d readers", tbl.Readers())
	}
}

func TestTable_ObsoleteWaitsForReaders(t *testing.T) {
	dir := t.TempDir()
	entries := sortedRandomEntries(5)
	tbl, err := WriteTable(dir, 3, entries, payloadOf(entries), 0)
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	dataPath, offsetsPath := tablePaths(dir, 3)

	tbl.Acquire()
	tbl.MarkObsolete()
	if tbl.Alive() {
		t.Fatal("table still alive after MarkObsolete")
	}
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("data file removed while a reader holds the table: %v", err)
	}
	if _, ok, err := tbl.Get(entries[0].Key); !ok || err != nil {
		t.Fatalf("Get on obsolete but held table = %v, %v", ok, err)
	}

	tbl.Release()
	for _, p := range []string{dataPath, offsetsPath} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s survived the last release: %v", filepath.Base(p), err)
		}
	}
}

func TestCompare_Ordering(t *testing.T) {
	mk := func(p types.Priority, name string) *Table {
		return &Table{priority: p, dataPath: name}
	}
	tables := []*Table{mk(1, "b"), mk(3, "a"), mk(2, "z"), mk(3, "0")}
	slices.SortFunc(tables, Compare)

	var got []string
	for _, tb := range tables {
		got = append(got, fmt.Sprintf("%d%s", tb.priority, tb.dataPath))
	}
	want := []string{"30", "3a", "2z", "1b"}
	if !slices.Equal(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
}

func TestBloomFilter_NoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)
	entries := sortedRandomEntries(1000)
	for _, e := range entries {
		bf.Add(e.Key)
	}
	for _, e := range entries {
		if !bf.MayContain(e.Key) {
			t.Fatalf("false negative for %x", e.Key)
		}
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.MayContain([]byte(fmt.Sprintf("absent-%d-with-long-suffix", i))) {
			falsePositives++
		}
	}
	if falsePositives > 500 {
		t.Fatalf("%d false positives out of 10000", falsePositives)
	}
}

func TestTable_CloseWaitsForReaders(t *testing.T) {
	dir := t.TempDir()
	entries := sortedRandomEntries(5)
	tbl, err := WriteTable(dir, 4, entries, payloadOf(entries), 0)
	if err != nil {
		t.Fatalf("WriteTable: %v", err)
	}
	dataPath, _ := tablePaths(dir, 4)

	it := tbl.Iterator(nil, nil)
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if tbl.destroyed.Load() {
		t.Fatal("table unmapped while an iterator holds it")
	}

	if it.Next() {
		t.Fatal("Next succeeded on a closed table")
	}
	if !errors.Is(it.Err(), dberrors.ErrClosed) {
		t.Fatalf("iterator error = %v, want ErrClosed", it.Err())
	}
	if errors.Is(it.Err(), dberrors.ErrCorrupted) {
		t.Fatalf("closed table reported as corrupted: %v", it.Err())
	}
	if _, _, err := tbl.Get(entries[0].Key); !errors.Is(err, dberrors.ErrClosed) {
		t.Fatalf("Get after Close = %v, want ErrClosed", err)
	}

	if err := it.Close(); err != nil {
		t.Fatalf("iterator Close: %v", err)
	}
	if !tbl.destroyed.Load() {
		t.Fatal("table still mapped after the last reader released it")
	}
	if _, err := os.Stat(dataPath); err != nil {
		t.Fatalf("Close removed the data file: %v", err)
	}
}
