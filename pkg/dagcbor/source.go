package dagcbor

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/agenthands/dagstore/pkg/core"
)

// source is the byte supply shared by Decode, Validate and Decoder.
type source interface {
	next() (byte, error)
	// take returns the next n bytes. The slice may alias the input.
	take(n int) ([]byte, error)
	skip(n int) error
	// remaining bounds preallocation; -1 when unknown.
	remaining() int
}

var errShort = fmt.Errorf("%w: %v", core.ErrIo, io.ErrUnexpectedEOF)

type sliceSource struct {
	buf []byte
	pos int
}

func (s *sliceSource) next() (byte, error) {
	if s.pos >= len(s.buf) {
		return 0, errShort
	}
	b := s.buf[s.pos]
	s.pos++
	return b, nil
}

func (s *sliceSource) take(n int) ([]byte, error) {
	if n > len(s.buf)-s.pos {
		return nil, errShort
	}
	out := s.buf[s.pos : s.pos+n]
	s.pos += n
	return out, nil
}

func (s *sliceSource) skip(n int) error {
	_, err := s.take(n)
	return err
}

func (s *sliceSource) remaining() int {
	return len(s.buf) - s.pos
}

// readChunk caps single allocations when the claimed length comes from
// untrusted input and the total size is unknown.
const readChunk = 64 << 10

type readerSource struct {
	r *bufio.Reader
}

func ioErr(err error) error {
	if errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return fmt.Errorf("%w: %v", core.ErrIo, err)
}

func (s *readerSource) next() (byte, error) {
	b, err := s.r.ReadByte()
	if err != nil {
		return 0, ioErr(err)
	}
	return b, nil
}

func (s *readerSource) take(n int) ([]byte, error) {
	out := make([]byte, 0, min(n, readChunk))
	for len(out) < n {
		step := min(n-len(out), readChunk)
		start := len(out)
		out = append(out, make([]byte, step)...)
		if _, err := io.ReadFull(s.r, out[start:]); err != nil {
			return nil, ioErr(err)
		}
	}
	return out, nil
}

func (s *readerSource) skip(n int) error {
	if _, err := s.r.Discard(n); err != nil {
		return ioErr(err)
	}
	return nil
}

func (s *readerSource) remaining() int {
	return -1
}
