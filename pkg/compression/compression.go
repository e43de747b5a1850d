// Package compression wraps input streams with the decompressor the run
// asks for. Bulk loads usually arrive gzip'd straight from the producing
// system; zstd is the cheaper choice when the producer can be changed.
package compression

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"kvingest/pkg/kverrors"
)

// Format selects the decompression applied ahead of the record reader.
type Format string

const (
	FormatAuto Format = "auto"
	FormatNone Format = "none"
	FormatGzip Format = "gzip"
	FormatZstd Format = "zstd"
)

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// ParseFormat validates a format name from config or flags.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatAuto, FormatNone, FormatGzip, FormatZstd:
		return Format(s), nil
	case "":
		return FormatAuto, nil
	default:
		return "", errors.Wrapf(kverrors.ErrInvalidArgument, "unknown compression format %q", s)
	}
}

// NewReader returns r wrapped with the decompressor for format.
// FormatAuto sniffs the leading magic bytes and passes unrecognized
// streams through untouched. The caller owns closing the returned reader;
// closing it does not close r.
func NewReader(r io.Reader, format Format) (io.ReadCloser, error) {
	if format == FormatAuto {
		br := bufio.NewReader(r)
		head, err := br.Peek(4)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, errors.Wrap(err, "sniff compression format")
		}
		switch {
		case bytes.HasPrefix(head, gzipMagic):
			format = FormatGzip
		case bytes.HasPrefix(head, zstdMagic):
			format = FormatZstd
		default:
			format = FormatNone
		}
		r = br
	}

	switch format {
	case FormatNone:
		return io.NopCloser(r), nil
	case FormatGzip:
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open gzip stream")
		}
		return gz, nil
	case FormatZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, errors.Wrap(err, "open zstd stream")
		}
		return zstdReadCloser{dec}, nil
	default:
		return nil, errors.Wrapf(kverrors.ErrInvalidArgument, "unknown compression format %q", format)
	}
}

// zstd.Decoder.Close has no error to return.
type zstdReadCloser struct {
	*zstd.Decoder
}

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}
