package types

// Key is an immutable byte slice type alias used for clarity.
type Key = []byte

// Value is an immutable byte slice type alias used for clarity.
type Value = []byte

// Mutation is a single staged change destined for the storage engine.
// A Tombstone mutation deletes Key; otherwise Value replaces whatever
// the engine currently holds for Key.
type Mutation struct {
	Key       Key
	Value     Value
	Tombstone bool
}

// Size returns the number of payload bytes the mutation contributes to
// a batch. Tombstones count their key only.
func (m Mutation) Size() int {
	if m.Tombstone {
		return len(m.Key)
	}
	return len(m.Key) + len(m.Value)
}
