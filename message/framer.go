package message

import (
	"encoding/binary"
	"fmt"

	"github.com/latticedb/raft"
)

// Framer decodes a byte stream into frames one at a time, retaining
// any partial frame across calls.
// Not safe for concurrent use; every Connection owns exactly one,
// driven only from the reactor goroutine.
type Framer struct {
	buf []byte
}

// Feed appends newly read bytes to the framer's internal buffer.
func (f *Framer) Feed(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next pops one complete frame from the buffer, if available. ok is
// false when more bytes are needed; the partial prefix already read is
// retained for the next call. err is non-nil only for a malformed
// length prefix, which is fatal to the connection.
func (f *Framer) Next() (kind Kind, v interface{}, ok bool, err error) {
	if len(f.buf) < lengthPrefixSize {
		return 0, nil, false, nil
	}
	n := binary.BigEndian.Uint32(f.buf[:lengthPrefixSize])
	if n == 0 || n > maxFrameSize {
		return 0, nil, false, fmt.Errorf("%w: frame length %d", raft.ErrMalformedFrame, n)
	}
	total := lengthPrefixSize + int(n)
	if len(f.buf) < total {
		return 0, nil, false, nil
	}
	body := f.buf[lengthPrefixSize:total]
	kind = Kind(body[0])
	v, err = decodeInto(kind, body[1:])
	// Advance past this frame regardless of decode outcome: a bad
	// payload for a recognized kind should not wedge the stream.
	remaining := len(f.buf) - total
	copy(f.buf, f.buf[total:])
	f.buf = f.buf[:remaining]
	if err != nil {
		return 0, nil, false, err
	}
	return kind, v, true, nil
}

// Pending reports how many bytes (partial frame or otherwise) are
// currently buffered. Useful for diagnostics and tests.
func (f *Framer) Pending() int { return len(f.buf) }
