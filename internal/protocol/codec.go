package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a frame's declared length exceeds
	// the configured maximum.
	ErrFrameTooLarge = errors.New("frame exceeds maximum message size")

	// ErrEmptyFrame is returned when a frame declares a zero-length body.
	ErrEmptyFrame = errors.New("frame has empty body")
)

// Frame wire format: a 4-byte big-endian length prefix followed by exactly
// that many bytes of UTF-8 JSON.

// ReadFrame reads one length-prefixed frame from r. The declared length is
// checked against maxSize before the body is allocated. An oversized frame's
// body is drained so the stream stays aligned on the next frame boundary.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if maxSize > 0 && length > uint32(maxSize) {
		// A short drain means the stream is broken anyway; surface the
		// I/O error so callers tear the connection down.
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}

	return body, nil
}

// WriteFrame writes body as one length-prefixed frame to w.
func WriteFrame(w io.Writer, body []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
