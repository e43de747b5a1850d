// Package rejects appends skipped records to a dead-letter file so a run
// with skip policies loses nothing silently. One NDJSON line per record:
// offset, category, error text, and the raw record base64'd for replay.
package rejects

import (
	"bufio"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"kvingest/pkg/kverrors"
)

// Entry is one rejected record. Record marshals as base64.
type Entry struct {
	Seq      uint64 `json:"seq"`
	Offset   int64  `json:"offset"`
	Category string `json:"category"`
	Error    string `json:"error"`
	Record   []byte `json:"record,omitempty"`
}

// Writer appends entries to the dead-letter file. Safe for concurrent
// use; pipeline workers share one writer.
type Writer struct {
	mu     sync.Mutex
	file   *os.File
	bw     *bufio.Writer
	count  int64
	closed bool
	path   string
}

// Create truncates and opens the dead-letter file at path.
func Create(path string) (*Writer, error) {
	if path == "" {
		return nil, errors.Wrap(kverrors.ErrInvalidArgument, "empty rejects path")
	}
	path = filepath.Clean(path)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "open rejects file")
	}
	return &Writer{file: file, bw: bufio.NewWriter(file), path: path}, nil
}

// Append writes one entry as a single NDJSON line.
func (w *Writer) Append(e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode rejects entry")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return kverrors.ErrClosed
	}
	if _, err := w.bw.Write(line); err != nil {
		return errors.Wrap(err, "write rejects entry")
	}
	if err := w.bw.WriteByte('\n'); err != nil {
		return errors.Wrap(err, "write rejects entry")
	}
	w.count++
	return nil
}

// Count returns the entries appended so far.
func (w *Writer) Count() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Path returns the file the writer appends to.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes buffered lines and syncs the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "flush rejects file")
	}
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return errors.Wrap(err, "sync rejects file")
	}
	return errors.Wrap(w.file.Close(), "close rejects file")
}
