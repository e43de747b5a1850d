package engine

import (
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"kvingest/pkg/types"
)

// Iterator walks a sorted key range. Key and Value return slices owned by
// the iterator, valid only until the next positioning call; copy them to
// keep them.
type Iterator struct {
	it     *pebble.Iterator
	closed bool
}

// SeekGE moves to the first key >= target.
func (i *Iterator) SeekGE(target types.Key) bool {
	return i.it.SeekGE(target)
}

// First moves to the smallest key in bounds.
func (i *Iterator) First() bool {
	return i.it.First()
}

// Last moves to the largest key in bounds.
func (i *Iterator) Last() bool {
	return i.it.Last()
}

// Next advances to the next key.
func (i *Iterator) Next() bool {
	return i.it.Next()
}

// Prev moves to the previous key.
func (i *Iterator) Prev() bool {
	return i.it.Prev()
}

// Valid reports whether the iterator points at a live entry.
func (i *Iterator) Valid() bool {
	return i.it.Valid()
}

func (i *Iterator) Key() types.Key {
	return i.it.Key()
}

func (i *Iterator) Value() types.Value {
	return i.it.Value()
}

// Close releases the iterator and reports any deferred read error.
// Extra calls are no-ops.
func (i *Iterator) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	return errors.Wrap(i.it.Close(), "close iterator")
}
