package compression

import (
	"io"
	"sync/atomic"
)

// CountingReader counts bytes handed downstream. Wrapped around the raw
// input ahead of decompression it gives progress reporting something to
// show for streams whose total length is unknowable.
type CountingReader struct {
	r io.Reader
	n atomic.Int64
}

func NewCountingReader(r io.Reader) *CountingReader {
	return &CountingReader{r: r}
}

func (c *CountingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n.Add(int64(n))
	return n, err
}

// Count returns the bytes read so far. Safe to call concurrently with
// Read.
func (c *CountingReader) Count() int64 {
	return c.n.Load()
}
