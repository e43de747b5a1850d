package status

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"kvingest/pkg/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealthzHandler(t *testing.T) {
	s := NewServer("", metrics.NewRun(), testLogger())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != contentTypeJSON {
		t.Fatalf("expected content type %s, got %s", contentTypeJSON, ct)
	}

	var resp healthResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode response JSON: %v, body=%s", err, rr.Body.String())
	}
	if resp.Status != "ok" {
		t.Fatalf("expected status ok, got %s", resp.Status)
	}
}

func TestProgressHandler(t *testing.T) {
	run := metrics.NewRun()
	run.AddRead(10)
	run.AddCommitted(7)
	run.AddSkip(metrics.SkipMalformed)
	run.AddFlush()

	s := NewServer("", run, testLogger())
	req := httptest.NewRequest(http.MethodGet, "/progress", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var snap metrics.Snapshot
	if err := json.Unmarshal(rr.Body.Bytes(), &snap); err != nil {
		t.Fatalf("failed to decode snapshot: %v, body=%s", err, rr.Body.String())
	}
	if snap.RecordsRead != 10 || snap.RecordsCommitted != 7 {
		t.Fatalf("unexpected counters: %+v", snap)
	}
	if snap.Skipped["malformed"] != 1 {
		t.Fatalf("expected 1 malformed skip, got %+v", snap.Skipped)
	}
	if snap.Flushes != 1 {
		t.Fatalf("expected 1 flush, got %d", snap.Flushes)
	}
}

func TestMethodNotAllowed(t *testing.T) {
	s := NewServer("", metrics.NewRun(), testLogger())
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()

	s.createRouter().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestStartStop(t *testing.T) {
	s := NewServer("127.0.0.1:0", metrics.NewRun(), testLogger())
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	defer s.Stop() //nolint:errcheck

	resp, err := http.Get(s.URL + "/healthz")
	if err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health check failed with status %d", resp.StatusCode)
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if _, err := http.Get(s.URL + "/healthz"); err == nil {
		t.Fatal("expected request to fail after shutdown")
	}
}

func TestStartBadAddr(t *testing.T) {
	s := NewServer("256.256.256.256:99999", metrics.NewRun(), testLogger())
	if err := s.Start(); err == nil {
		t.Fatal("expected bind error")
	}
}
