package qapi

import (
	"bufio"
	"bytes"
	"io"
)

// DefaultMaxFrameSize bounds a single frame. Some query returns are large
// (block graphs, memory maps), so the bound is generous.
const DefaultMaxFrameSize = 16 << 20

// Framer splits the duplex byte stream into discrete JSON documents. Both
// the monitor and the guest agent emit one document per line, so frames
// are newline-delimited; the framer handles documents split across reads
// and several documents arriving in one read.
//
// Transient read errors such as deadline expiry are passed through and do
// not lose data: a partially received document stays buffered and the
// next call resumes it. The guest-sync resync loop depends on this.
//
// Next is not safe for concurrent use. The connection's single read path
// is the only caller.
type Framer struct {
	r   *bufio.Reader
	buf []byte
	max int
}

// NewFramer returns a Framer reading from r. maxFrame bounds the size of
// a single document; zero means DefaultMaxFrameSize.
func NewFramer(r io.Reader, maxFrame int) *Framer {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameSize
	}
	return &Framer{r: bufio.NewReader(r), max: maxFrame}
}

// Next returns the next complete document. It returns io.EOF when the
// transport closes cleanly and a *FramingError when the stream can no
// longer be boundary-resolved (oversized or truncated document), which is
// fatal to the connection. Blank lines are skipped.
func (f *Framer) Next() ([]byte, error) {
	for {
		chunk, err := f.r.ReadSlice('\n')
		f.buf = append(f.buf, chunk...)
		if len(f.buf) > f.max {
			return nil, &FramingError{Cause: bufio.ErrTooLong}
		}
		switch err {
		case nil:
			line := bytes.TrimSpace(f.buf)
			f.buf = f.buf[:0]
			if len(line) == 0 {
				continue
			}
			frame := make([]byte, len(line))
			copy(frame, line)
			return frame, nil
		case bufio.ErrBufferFull:
			continue
		case io.EOF:
			if len(bytes.TrimSpace(f.buf)) > 0 {
				return nil, &FramingError{Cause: io.ErrUnexpectedEOF}
			}
			return nil, io.EOF
		default:
			// Transient errors (read deadlines) surface as-is; buffered
			// bytes are kept for the next call.
			return nil, err
		}
	}
}
