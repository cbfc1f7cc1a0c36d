// Package fragment splits a trace byte stream into frames.
//
// The reader interprets nothing but the payload length of each header, the
// minimum needed to keep frame boundaries aligned. Signature checks are left
// to blktrace.Decode.
package fragment

import (
	"errors"
	"fmt"
	"io"

	"github.com/mrzor/iowatcher/internal/blktrace"
)

// Frame is one raw trace record: the fixed header and its payload, stored
// contiguously.
type Frame struct {
	Raw []byte
}

// Header returns the fixed-size header bytes.
func (f Frame) Header() []byte {
	return f.Raw[:blktrace.HeaderSize]
}

// Payload returns the bytes trailing the header.
func (f Frame) Payload() []byte {
	return f.Raw[blktrace.HeaderSize:]
}

// Len returns the total frame size.
func (f Frame) Len() int {
	return len(f.Raw)
}

// Reader yields successive frames from a byte source.
type Reader struct {
	src   io.Reader
	count uint64
}

// NewReader returns a Reader consuming src.
func NewReader(src io.Reader) *Reader {
	return &Reader{src: src}
}

// Next reads the next frame.
//
// It returns io.EOF when the source ends exactly on a frame boundary. A source
// ending inside a header or payload yields an error wrapping
// blktrace.ErrTruncatedFrame; the partial bytes are discarded. Any other read
// error is wrapped and returned. Each returned frame owns its buffer.
func (r *Reader) Next() (Frame, error) {
	header := make([]byte, blktrace.HeaderSize)
	n, err := io.ReadFull(r.src, header)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF) && n == 0:
		return Frame{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		return Frame{}, fmt.Errorf("%w: frame %d: %d of %d header bytes",
			blktrace.ErrTruncatedFrame, r.count, n, blktrace.HeaderSize)
	default:
		return Frame{}, fmt.Errorf("reading frame %d header: %w", r.count, err)
	}

	payloadLen := blktrace.PayloadLen(header)
	if payloadLen == 0 {
		r.count++
		return Frame{Raw: header}, nil
	}

	raw := make([]byte, blktrace.HeaderSize+payloadLen)
	copy(raw, header)
	n, err = io.ReadFull(r.src, raw[blktrace.HeaderSize:])
	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return Frame{}, fmt.Errorf("%w: frame %d: %d of %d payload bytes",
			blktrace.ErrTruncatedFrame, r.count, n, payloadLen)
	default:
		return Frame{}, fmt.Errorf("reading frame %d payload: %w", r.count, err)
	}

	r.count++
	return Frame{Raw: raw}, nil
}

// Count returns the number of complete frames read so far.
func (r *Reader) Count() uint64 {
	return r.count
}
