// Package session implements the GET/PUT state machines of spec §4.5: it
// frames Command/Response/FileHeader/FileTrailer messages on a QUIC
// stream, copies the raw file bytes between them, and sends the
// out-of-band abort datagram. Local filesystem access is deliberately
// kept behind the ServerFS interface so this package owns only the wire
// protocol; package transfer owns opening real files, progress ticks,
// and cleanup.
//
// Grounded on the teacher's bridge.SalmonBridge stream handling
// (bridge/salmon_bridge.go's openStream/handleIncomingStream), adapted
// from a proxy's arbitrary-bytes framing to this fixed GET/PUT schema.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/quic-go/quic-go"

	"qcp/frame"
	"qcp/transport"
	"qcp/wire"
)

// DefaultChunkSize balances syscall overhead against memory pressure
// (spec §4.6).
const DefaultChunkSize = 128 * 1024

// StatusError reports a non-ok Response from the peer.
type StatusError struct {
	Status  wire.Status
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Status, e.Message)
	}
	return e.Status.String()
}

// Stream wraps one QUIC stream with the framed message helpers the
// session protocol needs. The raw stream itself is also an io.Reader and
// io.Writer for the un-framed file-byte portion of the exchange.
type Stream struct {
	Raw *quic.Stream
	fr  *frame.Reader
	fw  *frame.Writer
}

func wrapStream(s *quic.Stream) *Stream {
	return &Stream{Raw: s, fr: frame.NewReader(s), fw: frame.NewWriter(s)}
}

func (s *Stream) sendCommand(c *wire.Command) error {
	return s.fw.WriteFrame(c.Encode())
}

func (s *Stream) recvCommand() (*wire.Command, error) {
	buf, err := s.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return wire.DecodeCommand(buf)
}

func (s *Stream) sendResponse(r *wire.Response) error {
	return s.fw.WriteFrame(r.Encode())
}

func (s *Stream) recvResponse() (*wire.Response, error) {
	buf, err := s.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return wire.DecodeResponse(buf)
}

func (s *Stream) sendFileHeader(h *wire.FileHeader) error {
	return s.fw.WriteFrame(h.Encode())
}

func (s *Stream) recvFileHeader() (*wire.FileHeader, error) {
	buf, err := s.fr.ReadFrame()
	if err != nil {
		return nil, err
	}
	return wire.DecodeFileHeader(buf)
}

func (s *Stream) sendFileTrailer() error {
	return s.fw.WriteFrame((&wire.FileTrailer{}).Encode())
}

func (s *Stream) recvFileTrailer() error {
	buf, err := s.fr.ReadFrame()
	if err != nil {
		return err
	}
	_, err = wire.DecodeFileTrailer(buf)
	return err
}

// validateFilename enforces the leaf-only rule (spec §4.5 edge case):
// rejected without touching the filesystem.
func validateFilename(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || name == "." || name == ".." {
		return &StatusError{Status: wire.StatusDirectoryDoesNotExist, Message: fmt.Sprintf("%q is not a bare filename", name)}
	}
	return nil
}

// copyExactly copies exactly n bytes, distinguishing a clean short read
// (unexpected-eof) from an I/O error.
func copyExactly(dst io.Writer, src io.Reader, n uint64) (int64, error) {
	buf := make([]byte, DefaultChunkSize)
	written, err := io.CopyBuffer(dst, io.LimitReader(src, int64(n)), buf)
	if err != nil {
		return written, fmt.Errorf("session: copy: %w", err)
	}
	if uint64(written) != n {
		return written, fmt.Errorf("session: got %d bytes, want %d: %w", written, n, ErrUnexpectedEOF)
	}
	return written, nil
}

// ErrUnexpectedEOF is returned when fewer than FileHeader.Size bytes
// arrive before the stream's send side closes (spec §4.5 edge case).
var ErrUnexpectedEOF = errors.New("session: unexpected eof before declared size")

// ErrMalformedFrame surfaces a framing violation on the session stream.
// Bytes sent beyond the declared size are read as the trailer frame, so
// they are reported as malformed only when they do not form a valid
// frame header; DecodeFileTrailer accepts any non-empty payload, so
// excess bytes that happen to frame correctly are not detected.
var ErrMalformedFrame = frame.ErrMalformedFrame

// OpenClientStream opens a new bidirectional stream for one file
// operation (spec §4.5: one stream per operation).
func OpenClientStream(ctx context.Context, ep *transport.Endpoint) (*Stream, error) {
	raw, err := ep.OpenStream(ctx)
	if err != nil {
		return nil, err
	}
	return wrapStream(raw), nil
}

// AcceptServerStream blocks for the client's next stream.
func AcceptServerStream(ctx context.Context, ep *transport.Endpoint) (*Stream, error) {
	raw, err := ep.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return wrapStream(raw), nil
}
