// Package record splits an input stream into framed JSON units and decodes
// them. The reader is scanner-shaped: Next/Record/Err, lazy, one pass.
package record

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	json "github.com/goccy/go-json"

	"kvingest/pkg/kverrors"
)

// Framing selects how record boundaries are found in the input stream.
type Framing string

const (
	// FramingNewline treats each newline-terminated line as one record.
	FramingNewline Framing = "newline"
	// FramingLength reads a 4-byte little-endian length prefix before each
	// record body.
	FramingLength Framing = "length"
)

// DefaultMaxRecordBytes bounds a single record under either framing.
const DefaultMaxRecordBytes = 16 << 20

const readerBufSize = 64 << 10

var (
	errInvalidJSON  = errors.New("invalid JSON")
	errNotObject    = errors.New("input unit is not a JSON object")
	errUnterminated = errors.New("unterminated trailing record")
)

// ParseFraming validates a framing name from config or flags.
func ParseFraming(s string) (Framing, error) {
	switch Framing(s) {
	case FramingNewline, FramingLength:
		return Framing(s), nil
	case "":
		return FramingNewline, nil
	default:
		return "", errors.Wrapf(kverrors.ErrInvalidArgument, "unknown framing %q", s)
	}
}

// Record is one decoded input unit. Seq is the run-scoped sequence number
// starting at 1; Offset is the byte position of the unit's first byte in
// the (decompressed) stream. A unit that framed correctly but failed to
// parse as a JSON object carries the MalformedInputError in Err and a nil
// Fields map.
type Record struct {
	Seq    uint64
	Offset int64
	Raw    []byte
	Fields map[string]any
	Err    error
}

// Options configures a Reader. Zero values mean newline framing and the
// default record size bound.
type Options struct {
	Framing        Framing
	MaxRecordBytes int
}

// Reader yields records one at a time:
//
//	r := record.NewReader(src, opts)
//	for r.Next() {
//		rec := r.Record()
//		...
//	}
//	if err := r.Err(); err != nil { ... }
//
// Next returns false at end of stream or on a terminal framing error;
// Err distinguishes the two. Damage confined to one unit (a well-framed
// body that is not a JSON object) does not stop the reader: the unit is
// yielded with Record.Err set so the caller can apply its malformed-input
// policy and keep going.
type Reader struct {
	br   *bufio.Reader
	opts Options
	pos  int64
	seq  uint64
	rec  Record
	err  error
	done bool
}

func NewReader(src io.Reader, opts Options) *Reader {
	if opts.Framing == "" {
		opts.Framing = FramingNewline
	}
	if opts.MaxRecordBytes <= 0 {
		opts.MaxRecordBytes = DefaultMaxRecordBytes
	}
	return &Reader{br: bufio.NewReaderSize(src, readerBufSize), opts: opts}
}

// Next advances to the next input unit.
func (r *Reader) Next() bool {
	if r.done {
		return false
	}
	for {
		var (
			raw   []byte
			start int64
			err   error
		)
		if r.opts.Framing == FramingLength {
			raw, start, err = r.nextFrame()
		} else {
			raw, start, err = r.nextLine()
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				r.err = err
			}
			r.done = true
			return false
		}
		if raw == nil {
			continue // blank separator line
		}
		r.seq++
		r.rec = Record{Seq: r.seq, Offset: start, Raw: raw}
		r.rec.Fields, r.rec.Err = parseObject(raw, start)
		return true
	}
}

// Record returns the current record. Valid only after Next returned true.
func (r *Reader) Record() Record {
	return r.rec
}

// Err returns the terminal error, nil after a clean end of stream.
func (r *Reader) Err() error {
	return r.err
}

// Pos returns the number of stream bytes consumed so far.
func (r *Reader) Pos() int64 {
	return r.pos
}

func (r *Reader) nextLine() ([]byte, int64, error) {
	start := r.pos
	var line []byte
	for {
		frag, err := r.br.ReadSlice('\n')
		line = append(line, frag...)
		r.pos += int64(len(frag))
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			if len(line) > r.opts.MaxRecordBytes {
				return nil, 0, &kverrors.MalformedInputError{
					Offset: start,
					Err:    errors.Newf("record exceeds %d byte limit", r.opts.MaxRecordBytes),
				}
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			if len(line) == 0 {
				return nil, 0, io.EOF
			}
			return nil, 0, &kverrors.MalformedInputError{Offset: start, Err: errUnterminated}
		}
		return nil, 0, errors.Wrap(err, "read input")
	}
	line = line[:len(line)-1]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > r.opts.MaxRecordBytes {
		return nil, 0, &kverrors.MalformedInputError{
			Offset: start,
			Err:    errors.Newf("record exceeds %d byte limit", r.opts.MaxRecordBytes),
		}
	}
	if len(bytes.TrimSpace(line)) == 0 {
		return nil, start, nil
	}
	return line, start, nil
}

func (r *Reader) nextFrame() ([]byte, int64, error) {
	start := r.pos
	var hdr [4]byte
	if _, err := io.ReadFull(r.br, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, 0, &kverrors.MalformedInputError{
				Offset: start,
				Err:    errors.New("truncated frame header"),
			}
		}
		return nil, 0, errors.Wrap(err, "read frame header")
	}
	r.pos += int64(len(hdr))
	n := binary.LittleEndian.Uint32(hdr[:])
	if int64(n) > int64(r.opts.MaxRecordBytes) {
		return nil, 0, &kverrors.MalformedInputError{
			Offset: start,
			Err:    errors.Newf("frame of %d bytes exceeds %d byte limit", n, r.opts.MaxRecordBytes),
		}
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r.br, body); err != nil {
		return nil, 0, &kverrors.MalformedInputError{
			Offset: start,
			Err:    errors.Wrap(err, "truncated frame body"),
		}
	}
	r.pos += int64(n)
	return body, start, nil
}

func parseObject(raw []byte, offset int64) (map[string]any, error) {
	if !json.Valid(raw) {
		return nil, &kverrors.MalformedInputError{Offset: offset, Err: errInvalidJSON}
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, &kverrors.MalformedInputError{Offset: offset, Err: err}
	}
	if fields == nil {
		return nil, &kverrors.MalformedInputError{Offset: offset, Err: errNotObject}
	}
	return fields, nil
}
