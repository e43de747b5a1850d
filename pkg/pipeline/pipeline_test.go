package pipeline

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"kvingest/pkg/batch"
	"kvingest/pkg/keycodec"
	"kvingest/pkg/kverrors"
	"kvingest/pkg/metrics"
	"kvingest/pkg/record"
	"kvingest/pkg/rejects"
	"kvingest/pkg/resolver"
	"kvingest/pkg/types"
)

var errInjected = errors.New("injected engine failure")

// memEngine applies batches atomically to an in-memory map.
type memEngine struct {
	mu      sync.Mutex
	m       map[string][]byte
	applies int
	fail    int
}

func newMemEngine() *memEngine {
	return &memEngine{m: make(map[string][]byte)}
}

func (e *memEngine) Get(key types.Key) (types.Value, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.m[string(key)]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (e *memEngine) Apply(muts []types.Mutation, _ bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.applies++
	if e.fail > 0 {
		e.fail--
		return errInjected
	}
	for _, m := range muts {
		if m.Tombstone {
			delete(e.m, string(m.Key))
			continue
		}
		e.m[string(m.Key)] = append([]byte(nil), m.Value...)
	}
	return nil
}

func (e *memEngine) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.m)
}

func idCodec(t *testing.T) *keycodec.Codec {
	t.Helper()
	c, err := keycodec.New([]string{"id"})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func encodeID(t *testing.T, c *keycodec.Codec, id int64) types.Key {
	t.Helper()
	key, err := c.EncodeValues(id)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func lines(docs ...string) string {
	return strings.Join(docs, "\n") + "\n"
}

func fastBatch(cfg batch.Config) batch.Config {
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	return cfg
}

func runPipeline(t *testing.T, eng Engine, cfg Config, rej *rejects.Writer, input string) (*metrics.Run, error) {
	t.Helper()
	cfg.Batch = fastBatch(cfg.Batch)
	run := metrics.NewRun()
	p := New(eng, idCodec(t), cfg, run, rej, nil)
	r := record.NewReader(strings.NewReader(input), record.Options{})
	return run, p.Run(context.Background(), r)
}

func docEqual(t *testing.T, got []byte, want string) {
	t.Helper()
	var g, w any
	if err := json.Unmarshal(got, &g); err != nil {
		t.Fatalf("stored value is not JSON: %q", got)
	}
	if err := json.Unmarshal([]byte(want), &w); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(g, w) {
		t.Fatalf("document mismatch:\n got %s\nwant %s", got, want)
	}
}

func TestInsertLastWriteWins(t *testing.T) {
	eng := newMemEngine()
	input := lines(`{"id":1,"v":"a"}`, `{"id":1,"v":"b"}`)
	run, err := runPipeline(t, eng, Config{Workers: 1}, nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	key := encodeID(t, idCodec(t), 1)
	v, ok, _ := eng.Get(key)
	if !ok {
		t.Fatal("record not stored")
	}
	if string(v) != `{"id":1,"v":"b"}` {
		t.Fatalf("stored = %q", v)
	}
	s := run.Snapshot()
	if s.RecordsRead != 2 {
		t.Fatalf("read = %d", s.RecordsRead)
	}
	// The duplicate collapsed inside one batch, so one mutation committed.
	if s.RecordsCommitted != 1 {
		t.Fatalf("committed = %d", s.RecordsCommitted)
	}
}

func TestInsertAcrossBatchesAndWorkers(t *testing.T) {
	eng := newMemEngine()
	var docs []string
	for round := 0; round < 3; round++ {
		for id := 1; id <= 20; id++ {
			docs = append(docs, `{"id":`+strconv.Itoa(id)+`,"round":`+strconv.Itoa(round)+`}`)
		}
	}
	cfg := Config{Workers: 4, QueueDepth: 2, Batch: batch.Config{MaxItems: 3}}
	run, err := runPipeline(t, eng, cfg, nil, lines(docs...))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.len() != 20 {
		t.Fatalf("stored %d keys, want 20", eng.len())
	}
	c := idCodec(t)
	for id := 1; id <= 20; id++ {
		v, ok, _ := eng.Get(encodeID(t, c, int64(id)))
		if !ok {
			t.Fatalf("id %d missing", id)
		}
		docEqual(t, v, `{"id":`+strconv.Itoa(id)+`,"round":2}`)
	}
	if got := run.Snapshot().RecordsRead; got != 60 {
		t.Fatalf("read = %d", got)
	}
}

func TestUpdateMerge(t *testing.T) {
	eng := newMemEngine()
	c := idCodec(t)
	eng.m[string(encodeID(t, c, 1))] = []byte(`{"id":1,"name":"x","age":5}`)

	input := lines(`{"id":1,"change":{"age":6}}`)
	run, err := runPipeline(t, eng, Config{Mode: ModeUpdate, Workers: 1}, nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	v, ok, _ := eng.Get(encodeID(t, c, 1))
	if !ok {
		t.Fatal("record vanished")
	}
	docEqual(t, v, `{"id":1,"name":"x","age":6}`)
	if got := run.Snapshot().Merged; got != 1 {
		t.Fatalf("merged = %d", got)
	}
}

func TestUpdateDelete(t *testing.T) {
	eng := newMemEngine()
	c := idCodec(t)
	eng.m[string(encodeID(t, c, 1))] = []byte(`{"id":1}`)
	eng.m[string(encodeID(t, c, 2))] = []byte(`{"id":2}`)

	run, err := runPipeline(t, eng, Config{Mode: ModeUpdate, Workers: 1}, nil,
		lines(`{"id":1,"change":null}`))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, ok, _ := eng.Get(encodeID(t, c, 1)); ok {
		t.Fatal("deleted record still present")
	}
	if _, ok, _ := eng.Get(encodeID(t, c, 2)); !ok {
		t.Fatal("unrelated record removed")
	}
	if got := run.Snapshot().Tombstones; got != 1 {
		t.Fatalf("tombstones = %d", got)
	}
}

func TestUpdateMissingPolicies(t *testing.T) {
	input := lines(`{"id":9,"change":{"age":1}}`)

	t.Run("skip", func(t *testing.T) {
		eng := newMemEngine()
		run, err := runPipeline(t, eng, Config{Mode: ModeUpdate, Workers: 1}, nil, input)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if eng.len() != 0 {
			t.Fatal("skip policy stored something")
		}
		if got := run.Snapshot().Skipped["missing"]; got != 1 {
			t.Fatalf("skipped missing = %d", got)
		}
	})

	t.Run("abort", func(t *testing.T) {
		eng := newMemEngine()
		_, err := runPipeline(t, eng,
			Config{Mode: ModeUpdate, Workers: 1, MissingPolicy: resolver.MissingAbort}, nil, input)
		var nf *kverrors.RecordNotFoundError
		if !errors.As(err, &nf) {
			t.Fatalf("want RecordNotFoundError, got %v", err)
		}
	})

	t.Run("upsert", func(t *testing.T) {
		eng := newMemEngine()
		run, err := runPipeline(t, eng,
			Config{Mode: ModeUpdate, Workers: 1, MissingPolicy: resolver.MissingUpsert}, nil, input)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		v, ok, _ := eng.Get(encodeID(t, idCodec(t), 9))
		if !ok {
			t.Fatal("upsert stored nothing")
		}
		docEqual(t, v, `{"id":9,"age":1}`)
		if got := run.Snapshot().Upserts; got != 1 {
			t.Fatalf("upserts = %d", got)
		}
	})
}

func TestMalformedPolicy(t *testing.T) {
	input := lines(`{"id":1,"v":"a"}`, `{broken`, `{"id":2,"v":"b"}`)

	t.Run("abort-default", func(t *testing.T) {
		eng := newMemEngine()
		_, err := runPipeline(t, eng, Config{Workers: 1}, nil, input)
		var malformed *kverrors.MalformedInputError
		if !errors.As(err, &malformed) {
			t.Fatalf("want MalformedInputError, got %v", err)
		}
	})

	t.Run("skip", func(t *testing.T) {
		eng := newMemEngine()
		path := filepath.Join(t.TempDir(), "rejects.ndjson")
		rej, err := rejects.Create(path)
		if err != nil {
			t.Fatal(err)
		}
		run, err := runPipeline(t, eng,
			Config{Workers: 1, MalformedPolicy: MalformedSkip}, rej, input)
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if err := rej.Close(); err != nil {
			t.Fatal(err)
		}
		if eng.len() != 2 {
			t.Fatalf("stored %d records, want 2", eng.len())
		}
		s := run.Snapshot()
		if s.Skipped["malformed"] != 1 {
			t.Fatalf("skipped = %v", s.Skipped)
		}
		if rej.Count() != 1 {
			t.Fatalf("rejects = %d", rej.Count())
		}
	})
}

func TestSchemaViolationSkip(t *testing.T) {
	eng := newMemEngine()
	input := lines(`{"id":1,"v":"a"}`, `{"name":"no-id"}`, `{"id":null}`)
	run, err := runPipeline(t, eng,
		Config{Workers: 1, MalformedPolicy: MalformedSkip}, nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.len() != 1 {
		t.Fatalf("stored %d records", eng.len())
	}
	if got := run.Snapshot().Skipped["schema"]; got != 2 {
		t.Fatalf("skipped schema = %d", got)
	}
}

func TestWriteFailure(t *testing.T) {
	t.Run("transient-retry", func(t *testing.T) {
		eng := newMemEngine()
		eng.fail = 1
		run, err := runPipeline(t, eng,
			Config{Workers: 1, Batch: batch.Config{RetryCeiling: 3}}, nil,
			lines(`{"id":1,"v":"a"}`))
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
		if eng.len() != 1 {
			t.Fatal("record not stored after retry")
		}
		s := run.Snapshot()
		if s.Retries != 1 || eng.applies != 2 {
			t.Fatalf("retries=%d applies=%d", s.Retries, eng.applies)
		}
	})

	t.Run("exhausted-aborts", func(t *testing.T) {
		eng := newMemEngine()
		eng.fail = 100
		_, err := runPipeline(t, eng,
			Config{Workers: 1, Batch: batch.Config{RetryCeiling: 2}}, nil,
			lines(`{"id":1,"v":"a"}`))
		var wf *kverrors.WriteFailureError
		if !errors.As(err, &wf) {
			t.Fatalf("want WriteFailureError, got %v", err)
		}
		if wf.Attempts != 2 {
			t.Fatalf("attempts = %d", wf.Attempts)
		}
	})
}

// gateReader serves a fixed payload, then blocks until released and ends
// the stream with an error, standing in for an interrupted input pipe.
type gateReader struct {
	data    []byte
	release chan struct{}
}

func (g *gateReader) Read(p []byte) (int, error) {
	if len(g.data) > 0 {
		n := copy(p, g.data)
		g.data = g.data[n:]
		return n, nil
	}
	<-g.release
	return 0, errInjected
}

func TestCancelModes(t *testing.T) {
	input := lines(`{"id":1,"v":"a"}`, `{"id":2,"v":"b"}`, `{"id":3,"v":"c"}`)

	run := func(t *testing.T, mode CancelMode) (*memEngine, *metrics.Run, error) {
		eng := newMemEngine()
		runM := metrics.NewRun()
		cfg := Config{Workers: 1, CancelMode: mode, Batch: fastBatch(batch.Config{})}
		p := New(eng, idCodec(t), cfg, runM, nil, nil)

		gate := &gateReader{data: []byte(input), release: make(chan struct{})}
		r := record.NewReader(gate, record.Options{})

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- p.Run(ctx, r) }()

		// Wait for all three records to be staged, then cancel and let
		// the blocked read return.
		deadline := time.After(5 * time.Second)
		for runM.Snapshot().RecordsRead < 3 {
			select {
			case <-deadline:
				t.Fatal("pipeline never consumed the input")
			case <-time.After(5 * time.Millisecond):
			}
		}
		cancel()
		time.Sleep(200 * time.Millisecond)
		close(gate.release)
		return eng, runM, <-errCh
	}

	t.Run("flush", func(t *testing.T) {
		eng, runM, err := run(t, CancelFlush)
		if err == nil {
			t.Fatal("interrupted run must not return nil")
		}
		if eng.len() != 3 {
			t.Fatalf("flush mode stored %d records, want 3", eng.len())
		}
		if runM.Committed() != 3 {
			t.Fatalf("committed = %d", runM.Committed())
		}
	})

	t.Run("discard", func(t *testing.T) {
		eng, _, err := run(t, CancelDiscard)
		if err == nil {
			t.Fatal("interrupted run must not return nil")
		}
		if eng.len() != 0 {
			t.Fatalf("discard mode stored %d records, want 0", eng.len())
		}
	})
}

func TestRouterDeterminism(t *testing.T) {
	router := NewRouter(4)
	seen := make(map[int]bool)
	for i := 0; i < 256; i++ {
		key := []byte{byte(i), byte(i >> 4)}
		w := router.WorkerFor(key)
		if w < 0 || w > 3 {
			t.Fatalf("worker %d out of range", w)
		}
		if router.WorkerFor(key) != w {
			t.Fatal("routing is not deterministic")
		}
		seen[w] = true
	}
	if len(seen) != 4 {
		t.Fatalf("only %d of 4 workers used", len(seen))
	}
}

func TestSkipDamagedTrailer(t *testing.T) {
	eng := newMemEngine()
	input := `{"id":1,"v":"a"}` + "\n" + `{"id":2` // no newline: damaged trailer
	run, err := runPipeline(t, eng,
		Config{Workers: 1, MalformedPolicy: MalformedSkip}, nil, input)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if eng.len() != 1 {
		t.Fatalf("stored %d records", eng.len())
	}
	if got := run.Snapshot().Skipped["malformed"]; got != 1 {
		t.Fatalf("skipped = %d", got)
	}
}

var _ io.Reader = (*gateReader)(nil)
