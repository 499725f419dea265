package middleware

import (
	"io"
)

// boundedReader enforces a hard byte cap on a request body even when the
// caller's declared Content-Length understates (or lies about) the actual
// size — it counts bytes as they're read, not what the header claims. See
// spec.md §4.1 step 7.
type boundedReader struct {
	r         io.Reader
	remaining int64
	exceeded  bool
}

func newBoundedReader(r io.Reader, limit int64) *boundedReader {
	return &boundedReader{r: r, remaining: limit}
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		b.exceeded = true
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= int64(n)
	return n, err
}

// readBounded reads all of r up to limit+1 bytes; it reports ok=false
// (without returning partial data) if the body exceeds limit.
func readBounded(r io.Reader, limit int64) (data []byte, ok bool, err error) {
	br := newBoundedReader(r, limit+1)
	data, err = io.ReadAll(br)
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		return nil, false, nil
	}
	return data, true, nil
}
