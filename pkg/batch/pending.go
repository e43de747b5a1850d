// Package batch stages mutations in memory and commits them to the
// engine in atomic, size-bounded batches with retry on transient
// failures.
package batch

import (
	"bytes"
	"sync/atomic"

	"github.com/zhangyunhao116/skipmap"

	"kvingest/pkg/types"
)

type sortedSet = skipmap.FuncMap[[]byte, types.Mutation]

func newSortedSet() *sortedSet {
	return skipmap.NewFunc[[]byte, types.Mutation](func(a, b []byte) bool {
		return bytes.Compare(a, b) < 0
	})
}

// PendingBatch buffers mutations in key order until the owning writer
// flushes them. Duplicate adds for one key collapse in place, so a batch
// never holds two mutations for the same key. One goroutine owns Add and
// Reset; Get and the size accessors may be called from anywhere.
type PendingBatch struct {
	entries atomic.Pointer[sortedSet]
	count   atomic.Int64
	bytes   atomic.Int64
}

func NewPendingBatch() *PendingBatch {
	var b PendingBatch
	b.entries.Store(newSortedSet())
	return &b
}

// Add stages m, replacing any mutation already staged for m.Key.
func (b *PendingBatch) Add(m types.Mutation) {
	set := b.entries.Load()
	if prev, ok := set.Load(m.Key); ok {
		b.bytes.Add(int64(m.Size() - prev.Size()))
		set.Store(m.Key, m)
		return
	}
	b.count.Add(1)
	b.bytes.Add(int64(m.Size()))
	set.Store(m.Key, m)
}

// Get returns the staged mutation for key, if any. Resolvers read through
// it before touching the engine so back-to-back updates of one key inside
// a batch window see each other.
func (b *PendingBatch) Get(key types.Key) (types.Mutation, bool) {
	return b.entries.Load().Load(key)
}

// Len returns the number of staged mutations.
func (b *PendingBatch) Len() int {
	return int(b.count.Load())
}

// Bytes returns the staged payload size.
func (b *PendingBatch) Bytes() int {
	return int(b.bytes.Load())
}

// Sorted snapshots the staged mutations in ascending key order.
func (b *PendingBatch) Sorted() []types.Mutation {
	set := b.entries.Load()
	out := make([]types.Mutation, 0, set.Len())
	set.Range(func(_ []byte, m types.Mutation) bool {
		out = append(out, m)
		return true
	})
	return out
}

// Reset drops all staged mutations.
func (b *PendingBatch) Reset() {
	b.entries.Store(newSortedSet())
	b.count.Store(0)
	b.bytes.Store(0)
}
