// Package metrics holds the counters a pipeline run maintains. Workers
// bump their own slices of a Run concurrently; the status endpoint and
// the end-of-run summary read consistent-enough snapshots.
package metrics

import (
	"sync/atomic"
	"time"
)

// SkipCategory names why a record was skipped instead of applied.
type SkipCategory string

const (
	SkipMalformed SkipCategory = "malformed"
	SkipSchema    SkipCategory = "schema"
	SkipMissing   SkipCategory = "missing"
	SkipDecode    SkipCategory = "decode"
)

// Run is the counter set for one pipeline run.
type Run struct {
	start time.Time

	recordsRead      atomic.Uint64
	recordsCommitted atomic.Uint64
	flushes          atomic.Uint64
	retries          atomic.Uint64
	merged           atomic.Uint64
	upserts          atomic.Uint64
	tombstones       atomic.Uint64
	bytesRead        atomic.Int64

	skippedMalformed atomic.Uint64
	skippedSchema    atomic.Uint64
	skippedMissing   atomic.Uint64
	skippedDecode    atomic.Uint64
}

func NewRun() *Run {
	return &Run{start: time.Now()}
}

func (r *Run) AddRead(n uint64)      { r.recordsRead.Add(n) }
func (r *Run) AddCommitted(n uint64) { r.recordsCommitted.Add(n) }
func (r *Run) AddFlush()             { r.flushes.Add(1) }
func (r *Run) AddRetry()             { r.retries.Add(1) }
func (r *Run) AddMerged()            { r.merged.Add(1) }
func (r *Run) AddUpsert()            { r.upserts.Add(1) }
func (r *Run) AddTombstone()         { r.tombstones.Add(1) }
func (r *Run) SetBytesRead(n int64)  { r.bytesRead.Store(n) }

func (r *Run) AddSkip(c SkipCategory) {
	switch c {
	case SkipMalformed:
		r.skippedMalformed.Add(1)
	case SkipSchema:
		r.skippedSchema.Add(1)
	case SkipMissing:
		r.skippedMissing.Add(1)
	case SkipDecode:
		r.skippedDecode.Add(1)
	}
}

// Committed returns the records applied by successful flushes so far.
func (r *Run) Committed() uint64 {
	return r.recordsCommitted.Load()
}

// TotalSkipped sums the per-category skip counters.
func (r *Run) TotalSkipped() uint64 {
	return r.skippedMalformed.Load() + r.skippedSchema.Load() +
		r.skippedMissing.Load() + r.skippedDecode.Load()
}

// Snapshot is a point-in-time copy of the run counters, shaped for JSON.
type Snapshot struct {
	RecordsRead      uint64            `json:"records_read"`
	RecordsCommitted uint64            `json:"records_committed"`
	Skipped          map[string]uint64 `json:"skipped,omitempty"`
	Flushes          uint64            `json:"flushes"`
	Retries          uint64            `json:"retries"`
	Merged           uint64            `json:"merged,omitempty"`
	Upserts          uint64            `json:"upserts,omitempty"`
	Tombstones       uint64            `json:"tombstones,omitempty"`
	BytesRead        int64             `json:"bytes_read"`
	ElapsedSeconds   float64           `json:"elapsed_seconds"`
	RecordsPerSecond float64           `json:"records_per_second"`
}

// Snapshot reads each counter once. Counters advance while it runs, so
// the result is consistent per field, not across fields.
func (r *Run) Snapshot() Snapshot {
	elapsed := time.Since(r.start).Seconds()
	s := Snapshot{
		RecordsRead:      r.recordsRead.Load(),
		RecordsCommitted: r.recordsCommitted.Load(),
		Flushes:          r.flushes.Load(),
		Retries:          r.retries.Load(),
		Merged:           r.merged.Load(),
		Upserts:          r.upserts.Load(),
		Tombstones:       r.tombstones.Load(),
		BytesRead:        r.bytesRead.Load(),
		ElapsedSeconds:   elapsed,
	}
	skipped := map[string]uint64{
		string(SkipMalformed): r.skippedMalformed.Load(),
		string(SkipSchema):    r.skippedSchema.Load(),
		string(SkipMissing):   r.skippedMissing.Load(),
		string(SkipDecode):    r.skippedDecode.Load(),
	}
	for k, v := range skipped {
		if v == 0 {
			delete(skipped, k)
		}
	}
	if len(skipped) > 0 {
		s.Skipped = skipped
	}
	if elapsed > 0 {
		s.RecordsPerSecond = float64(s.RecordsCommitted) / elapsed
	}
	return s
}
