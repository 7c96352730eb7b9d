// Package frame implements the length-prefixed message framing shared by
// the control channel (over SSH stdio) and the session protocol (over a
// QUIC stream). A frame is a 4-byte big-endian length followed by that
// many bytes of a schema-encoded payload.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxFrameSize bounds a single frame's payload so a malformed or hostile
// peer cannot force an unbounded allocation.
const MaxFrameSize = 1 << 20 // 1 MiB

var (
	// ErrMalformedFrame covers a zero-length frame or an over-cap length.
	// A payload that fails to decode is reported by package wire with its
	// own error, which does not wrap this one.
	ErrMalformedFrame = errors.New("frame: malformed frame")
	// ErrUnexpectedEOF covers a stream ending mid-frame.
	ErrUnexpectedEOF = errors.New("frame: unexpected eof")
)

// Writer writes length-prefixed frames to an underlying byte stream.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes payload as a single frame. payload must already be
// schema-encoded.
func (fw *Writer) WriteFrame(payload []byte) error {
	if len(payload) == 0 {
		return fmt.Errorf("frame: %w: empty payload", ErrMalformedFrame)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame: %w: payload %d bytes exceeds cap %d", ErrMalformedFrame, len(payload), MaxFrameSize)
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := fw.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("frame: write length: %w", err)
	}
	if _, err := fw.w.Write(payload); err != nil {
		return fmt.Errorf("frame: write payload: %w", err)
	}
	return nil
}

// Reader reads length-prefixed frames from an underlying byte stream.
type Reader struct {
	r io.Reader
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// ReadFrame reads and returns the next frame's raw payload bytes.
func (fr *Reader) ReadFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame: reading length: %w", ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("frame: reading length: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, fmt.Errorf("frame: zero length: %w", ErrMalformedFrame)
	}
	if n > MaxFrameSize {
		return nil, fmt.Errorf("frame: length %d exceeds cap %d: %w", n, MaxFrameSize, ErrMalformedFrame)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("frame: reading payload: %w", ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("frame: reading payload: %w", err)
	}
	return buf, nil
}
