package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
// A nil Value marks a tombstone; a zero-length non-nil Value is a real value.
type Value = []byte

// Priority is the recency rank of an on-disk generation. Larger is newer.
type Priority uint64

// Entry is an immutable key/value pair. Nobody mutates an Entry after it
// has been handed to a memtable, a batch or an SSTable writer.
type Entry struct {
	Key   Key
	Value Value
}

// NewEntry builds a live entry. A nil value is normalized to an empty one so
// that the result is never mistaken for a tombstone.
func NewEntry(key Key, value Value) Entry {
	if value == nil {
		value = []byte{}
	}
	return Entry{Key: key, Value: value}
}

// Tombstone builds an entry recording the absence of key.
func Tombstone(key Key) Entry {
	return Entry{Key: key}
}

// IsTombstone reports whether the entry records a deletion.
func (e Entry) IsTombstone() bool {
	return e.Value == nil
}

// PayloadSize is the number of key and value bytes the entry carries.
// Tombstones contribute only their key.
func (e Entry) PayloadSize() int64 {
	return int64(len(e.Key)) + int64(len(e.Value))
}
