// Package engine adapts the embedded ordered KV store behind the narrow
// contract the pipeline needs: point reads, atomic batch writes, range
// iteration. LSM internals (memtables, compaction scheduling, block
// caching) belong to pebble; nothing above this package sees them.
package engine

import (
	"bytes"
	"log/slog"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/pebble"

	"kvingest/pkg/kverrors"
	"kvingest/pkg/types"
)

// Options tunes how the store is opened. The zero value opens a
// read-write store with pebble defaults and snappy block compression.
type Options struct {
	// Compression selects the sstable block codec: snappy (default),
	// zstd, or none.
	Compression string
	// CacheBytes sizes the shared block cache. Zero keeps pebble's
	// default.
	CacheBytes int64
	// MaxOpenFiles caps file descriptors. Zero keeps pebble's default.
	MaxOpenFiles int
	// DisableWAL trades crash safety for bulk-load throughput. Sync
	// writes are silently downgraded while the WAL is off.
	DisableWAL bool
	// ReadOnly opens the store without write access.
	ReadOnly bool
	// MustExist fails instead of creating a store at a fresh path.
	MustExist bool
	// Logger receives pebble's internal event log. Nil keeps pebble's
	// default stderr logger.
	Logger *slog.Logger
}

// Engine is an open store. Methods are safe for concurrent use.
type Engine struct {
	db         *pebble.DB
	path       string
	disableWAL bool
	closed     atomic.Bool
}

// Open opens or creates the store at path. Failures come back as
// EngineOpenError, which callers treat as fatal.
func Open(path string, opts Options) (*Engine, error) {
	comp, err := compressionFor(opts.Compression)
	if err != nil {
		return nil, err
	}
	po := &pebble.Options{
		DisableWAL:       opts.DisableWAL,
		ReadOnly:         opts.ReadOnly,
		ErrorIfNotExists: opts.MustExist,
		MaxOpenFiles:     opts.MaxOpenFiles,
		Levels:           []pebble.LevelOptions{{Compression: comp}},
	}
	if opts.Logger != nil {
		po.Logger = slogAdapter{opts.Logger}
	}
	if opts.CacheBytes > 0 {
		cache := pebble.NewCache(opts.CacheBytes)
		defer cache.Unref()
		po.Cache = cache
	}
	db, err := pebble.Open(path, po)
	if err != nil {
		return nil, &kverrors.EngineOpenError{Path: path, Err: err}
	}
	return &Engine{db: db, path: path, disableWAL: opts.DisableWAL}, nil
}

func compressionFor(name string) (pebble.Compression, error) {
	switch name {
	case "", "snappy":
		return pebble.SnappyCompression, nil
	case "zstd":
		return pebble.ZstdCompression, nil
	case "none":
		return pebble.NoCompression, nil
	default:
		return pebble.DefaultCompression,
			errors.Wrapf(kverrors.ErrInvalidArgument, "unknown engine compression %q", name)
	}
}

// Path returns the directory the store lives in.
func (e *Engine) Path() string {
	return e.path
}

// Get returns the stored value for key. The middle return is false when
// the key has no live entry; that is not an error.
func (e *Engine) Get(key types.Key) (types.Value, bool, error) {
	v, closer, err := e.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "engine get")
	}
	out := append([]byte(nil), v...)
	if err := closer.Close(); err != nil {
		return nil, false, errors.Wrap(err, "engine get")
	}
	return out, true, nil
}

// Apply commits the mutations as one atomic batch. Either every mutation
// becomes visible or none does. With sync set the commit waits for the
// WAL unless the store was opened with DisableWAL.
func (e *Engine) Apply(muts []types.Mutation, sync bool) error {
	if len(muts) == 0 {
		return nil
	}
	b := e.db.NewBatch()
	defer b.Close()
	for _, m := range muts {
		var err error
		if m.Tombstone {
			err = b.Delete(m.Key, nil)
		} else {
			err = b.Set(m.Key, m.Value, nil)
		}
		if err != nil {
			return errors.Wrap(err, "stage mutation")
		}
	}
	wo := pebble.NoSync
	if sync && !e.disableWAL {
		wo = pebble.Sync
	}
	if err := b.Commit(wo); err != nil {
		return errors.Wrap(err, "commit batch")
	}
	return nil
}

// NewIterator returns an iterator over [lo, hi). Nil bounds leave that
// side open.
func (e *Engine) NewIterator(lo, hi types.Key) (*Iterator, error) {
	it, err := e.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, errors.Wrap(err, "open iterator")
	}
	return &Iterator{it: it}, nil
}

// Flush forces the current memtable to disk.
func (e *Engine) Flush() error {
	return errors.Wrap(e.db.Flush(), "engine flush")
}

// CompactAll compacts the whole key space, which bulk loads run once at
// the end so readers start from a settled LSM shape.
func (e *Engine) CompactAll() error {
	it, err := e.db.NewIter(nil)
	if err != nil {
		return errors.Wrap(err, "open iterator")
	}
	var first, last []byte
	if it.First() {
		first = append([]byte(nil), it.Key()...)
	}
	if it.Last() {
		last = append([]byte(nil), it.Key()...)
	}
	if err := it.Close(); err != nil {
		return errors.Wrap(err, "close iterator")
	}
	if first == nil {
		return nil
	}
	if bytes.Equal(first, last) {
		last = append(last, 0x00)
	}
	return errors.Wrap(e.db.Compact(first, last, true), "compact")
}

// Metrics renders pebble's internal metrics table.
func (e *Engine) Metrics() string {
	return e.db.Metrics().String()
}

// Close flushes pebble state and releases the store. Extra calls are
// no-ops, so a deferred Close can back up an explicit error-checked one.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return errors.Wrap(e.db.Close(), "close engine")
}
