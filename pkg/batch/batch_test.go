package batch

import (
	"bytes"
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"kvingest/pkg/kverrors"
	"kvingest/pkg/metrics"
	"kvingest/pkg/types"
)

var errTransient = errors.New("injected engine failure")

type fakeApplier struct {
	mu       sync.Mutex
	calls    [][]types.Mutation
	syncs    []bool
	failures int
}

func (f *fakeApplier) Apply(muts []types.Mutation, sync bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	snapshot := make([]types.Mutation, len(muts))
	copy(snapshot, muts)
	f.calls = append(f.calls, snapshot)
	f.syncs = append(f.syncs, sync)
	if f.failures > 0 {
		f.failures--
		return errTransient
	}
	return nil
}

func put(k, v string) types.Mutation {
	return types.Mutation{Key: []byte(k), Value: []byte(v)}
}

func newTestWriter(applier Applier, cfg Config) (*Writer, *metrics.Run) {
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	run := metrics.NewRun()
	return NewWriter(applier, cfg, run, nil), run
}

func TestPendingBatch(t *testing.T) {
	b := NewPendingBatch()
	b.Add(put("b", "2"))
	b.Add(put("a", "1"))
	b.Add(types.Mutation{Key: []byte("c"), Tombstone: true})

	if b.Len() != 3 {
		t.Fatalf("Len = %d", b.Len())
	}
	if got, ok := b.Get([]byte("a")); !ok || !bytes.Equal(got.Value, []byte("1")) {
		t.Fatalf("Get(a) = %+v ok=%v", got, ok)
	}
	if got, ok := b.Get([]byte("c")); !ok || !got.Tombstone {
		t.Fatalf("Get(c) = %+v ok=%v", got, ok)
	}

	sorted := b.Sorted()
	for i, want := range []string{"a", "b", "c"} {
		if string(sorted[i].Key) != want {
			t.Fatalf("sorted keys = %v", sorted)
		}
	}

	// Overwriting a key keeps one entry and reaccounts bytes.
	b.Add(put("a", "longer-value"))
	if b.Len() != 3 {
		t.Fatalf("Len after overwrite = %d", b.Len())
	}
	wantBytes := put("a", "longer-value").Size() + put("b", "2").Size() + 1
	if b.Bytes() != wantBytes {
		t.Fatalf("Bytes = %d, want %d", b.Bytes(), wantBytes)
	}

	b.Reset()
	if b.Len() != 0 || b.Bytes() != 0 {
		t.Fatalf("after Reset: len=%d bytes=%d", b.Len(), b.Bytes())
	}
	if _, ok := b.Get([]byte("a")); ok {
		t.Fatal("Get after Reset found entry")
	}
}

func TestWriterMaxItems(t *testing.T) {
	f := &fakeApplier{}
	w, run := newTestWriter(f, Config{MaxItems: 2})
	ctx := context.Background()

	for _, m := range []types.Mutation{put("a", "1"), put("b", "2"), put("c", "3")} {
		if err := w.Add(ctx, m); err != nil {
			t.Fatalf("Add: %v", err)
		}
	}
	if len(f.calls) != 1 || len(f.calls[0]) != 2 {
		t.Fatalf("implicit flush calls = %v", f.calls)
	}
	if w.Pending().Len() != 1 {
		t.Fatalf("pending after implicit flush = %d", w.Pending().Len())
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	s := run.Snapshot()
	if s.Flushes != 2 || s.RecordsCommitted != 3 {
		t.Fatalf("flushes=%d committed=%d", s.Flushes, s.RecordsCommitted)
	}
}

func TestWriterMaxBytes(t *testing.T) {
	f := &fakeApplier{}
	w, _ := newTestWriter(f, Config{MaxBytes: 10})
	ctx := context.Background()

	// Each mutation is 5 bytes; the third would cross 10.
	for _, m := range []types.Mutation{put("aa", "111"), put("ab", "222"), put("ac", "333")} {
		if err := w.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.calls) != 1 || len(f.calls[0]) != 2 {
		t.Fatalf("calls = %v", f.calls)
	}
}

func TestWriterOversizedMutation(t *testing.T) {
	f := &fakeApplier{}
	w, _ := newTestWriter(f, Config{MaxBytes: 4})
	ctx := context.Background()

	if err := w.Add(ctx, put("k", "way-too-big-for-one-batch")); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Fatal("oversized mutation flushed too early")
	}
	if err := w.Add(ctx, put("l", "1")); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || len(f.calls[0]) != 1 {
		t.Fatalf("oversized mutation must flush alone, calls = %v", f.calls)
	}
}

func TestWriterDuplicateKeyCollapses(t *testing.T) {
	f := &fakeApplier{}
	w, run := newTestWriter(f, Config{})
	ctx := context.Background()

	if err := w.Add(ctx, put("a", "old")); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, put("a", "new")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || len(f.calls[0]) != 1 {
		t.Fatalf("calls = %v", f.calls)
	}
	if !bytes.Equal(f.calls[0][0].Value, []byte("new")) {
		t.Fatalf("collapsed value = %q", f.calls[0][0].Value)
	}
	if run.Committed() != 1 {
		t.Fatalf("committed = %d", run.Committed())
	}
}

func TestWriterFlushKeyOrder(t *testing.T) {
	f := &fakeApplier{}
	w, _ := newTestWriter(f, Config{Sync: true})
	ctx := context.Background()

	for _, m := range []types.Mutation{put("c", "3"), put("a", "1"), put("b", "2")} {
		if err := w.Add(ctx, m); err != nil {
			t.Fatal(err)
		}
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	got := f.calls[0]
	for i, want := range []string{"a", "b", "c"} {
		if string(got[i].Key) != want {
			t.Fatalf("flush order = %v", got)
		}
	}
	if !f.syncs[0] {
		t.Fatal("sync flag not passed through")
	}
}

func TestWriterRetriesIdenticalBatch(t *testing.T) {
	f := &fakeApplier{failures: 2}
	w, run := newTestWriter(f, Config{RetryCeiling: 5})
	ctx := context.Background()

	if err := w.Add(ctx, put("a", "1")); err != nil {
		t.Fatal(err)
	}
	if err := w.Add(ctx, put("b", "2")); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatalf("Flush after transient failures: %v", err)
	}
	if len(f.calls) != 3 {
		t.Fatalf("attempts = %d, want 3", len(f.calls))
	}
	for i := 1; i < len(f.calls); i++ {
		if !reflect.DeepEqual(f.calls[0], f.calls[i]) {
			t.Fatalf("retry %d submitted a different batch:\n%v\n%v", i, f.calls[0], f.calls[i])
		}
	}
	s := run.Snapshot()
	if s.Retries != 2 || s.RecordsCommitted != 2 || s.Flushes != 1 {
		t.Fatalf("retries=%d committed=%d flushes=%d", s.Retries, s.RecordsCommitted, s.Flushes)
	}
	if w.Pending().Len() != 0 {
		t.Fatal("pending not cleared after successful flush")
	}
}

func TestWriterRetryCeiling(t *testing.T) {
	f := &fakeApplier{failures: 100}
	w, _ := newTestWriter(f, Config{RetryCeiling: 3})
	ctx := context.Background()

	if err := w.Add(ctx, put("a", "1")); err != nil {
		t.Fatal(err)
	}
	err := w.Flush(ctx)
	var wf *kverrors.WriteFailureError
	if !errors.As(err, &wf) {
		t.Fatalf("want WriteFailureError, got %v", err)
	}
	if wf.Attempts != 3 {
		t.Fatalf("attempts = %d, want 3", wf.Attempts)
	}
	if !errors.Is(err, errTransient) {
		t.Fatal("cause not preserved")
	}
	if len(f.calls) != 3 {
		t.Fatalf("apply calls = %d", len(f.calls))
	}
	if w.Pending().Len() != 1 {
		t.Fatal("failed flush must keep the batch staged")
	}
}

func TestWriterFlushCanceled(t *testing.T) {
	f := &fakeApplier{failures: 100}
	w, _ := newTestWriter(f, Config{RetryCeiling: 10})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := w.Add(context.Background(), put("a", "1")); err != nil {
		t.Fatal(err)
	}
	err := w.Flush(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	var wf *kverrors.WriteFailureError
	if errors.As(err, &wf) {
		t.Fatal("cancellation must not masquerade as a write failure")
	}
}

func TestWriterFlushEmptyAndDiscard(t *testing.T) {
	f := &fakeApplier{}
	w, _ := newTestWriter(f, Config{})
	ctx := context.Background()

	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Fatal("empty flush reached the applier")
	}

	if err := w.Add(ctx, put("a", "1")); err != nil {
		t.Fatal(err)
	}
	w.Discard()
	if w.Pending().Len() != 0 {
		t.Fatal("Discard left mutations staged")
	}
	if err := w.Flush(ctx); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Fatal("discarded mutations were committed")
	}
}
