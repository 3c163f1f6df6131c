package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	bodies := [][]byte{
		[]byte(`{}`),
		[]byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`),
		[]byte(`{"jsonrpc":"2.0","id":"abc","result":{"ok":true}}`),
		bytes.Repeat([]byte("x"), 65536),
	}

	for _, body := range bodies {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, body); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}

		got, err := ReadFrame(&buf, len(body))
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		if !bytes.Equal(got, body) {
			t.Errorf("round trip mismatch: wrote %d bytes, read %d", len(body), len(got))
		}
	}
}

func TestReadFrame_PrefixLayout(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("hello")); err != nil {
		t.Fatalf("WriteFrame failed: %v", err)
	}

	raw := buf.Bytes()
	if len(raw) != 9 {
		t.Fatalf("expected 4+5 bytes, got %d", len(raw))
	}
	if binary.BigEndian.Uint32(raw[:4]) != 5 {
		t.Errorf("length prefix = %d, want 5", binary.BigEndian.Uint32(raw[:4]))
	}
	if string(raw[4:]) != "hello" {
		t.Errorf("body = %q", raw[4:])
	}
}

func TestReadFrame_TooLarge(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, bytes.Repeat([]byte("x"), 100))

	_, err := ReadFrame(&buf, 50)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestReadFrame_TooLargeDrainsBody(t *testing.T) {
	var buf bytes.Buffer
	WriteFrame(&buf, bytes.Repeat([]byte("A"), 100))
	WriteFrame(&buf, []byte(`{"jsonrpc":"2.0"}`))

	_, err := ReadFrame(&buf, 50)
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}

	// The oversized body must have been consumed so the next read lands
	// on the following frame, not inside the rejected payload.
	got, err := ReadFrame(&buf, 1024)
	if err != nil {
		t.Fatalf("ReadFrame after oversize failed: %v", err)
	}
	if string(got) != `{"jsonrpc":"2.0"}` {
		t.Errorf("next frame = %q", got)
	}
}

func TestReadFrame_TooLargeTruncatedBody(t *testing.T) {
	// Declares an oversized body but delivers only part of it.
	buf := bytes.NewBuffer([]byte{0, 0, 0, 100, 'a', 'b', 'c'})

	_, err := ReadFrame(buf, 50)
	if errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("short drain should surface the I/O error, got %v", err)
	}
	if err == nil {
		t.Error("expected error for truncated oversized frame")
	}
}

func TestReadFrame_Empty(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0})

	_, err := ReadFrame(&buf, 1024)
	if !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("expected ErrEmptyFrame, got %v", err)
	}
}

func TestReadFrame_Truncated(t *testing.T) {
	// Declares 10 bytes, delivers 3.
	buf := bytes.NewBuffer([]byte{0, 0, 0, 10, 'a', 'b', 'c'})

	_, err := ReadFrame(buf, 1024)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected ErrUnexpectedEOF, got %v", err)
	}
}
