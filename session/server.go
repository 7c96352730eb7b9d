package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"syscall"

	"qcp/transport"
	"qcp/wire"
)

// ServerFS is the local-filesystem collaborator the session protocol
// calls into. Implementations live in package transfer; this interface
// keeps package session free of any os.* call, matching spec §4's
// separation between the Session Protocol and the Transfer Engine.
type ServerFS interface {
	// OpenRead resolves filename for a GET. A non-nil err with
	// wire.StatusOK is a bug; implementations should return a non-OK
	// status instead of err for ordinary conditions (not found, is a
	// directory, ...).
	OpenRead(filename string) (src io.ReadCloser, size uint64, status wire.Status, message string, err error)

	// CheckWrite validates a PUT target (permissions, parent directory)
	// before the client sends FileHeader.
	CheckWrite(filename string) (status wire.Status, message string, err error)

	// CreateWrite opens the destination once the declared size is known.
	// A non-nil err here means the write must be aborted via datagram
	// (e.g. disk already reports less free space than size).
	CreateWrite(filename string, size uint64) (dst io.WriteCloser, status wire.Status, message string, err error)
}

// HandleStream accepts one stream's Command and drives the matching
// GET/PUT state machine from the server's side (spec §4.5 state table).
// It returns once the stream has been fully serviced (success or
// terminal failure); protocol-level errors are returned to the caller
// for logging, but a non-OK transfer outcome that was correctly reported
// to the client over Response is not itself an error.
func HandleStream(ctx context.Context, ep *transport.Endpoint, s *Stream, fs ServerFS) error {
	cmd, err := s.recvCommand()
	if err != nil {
		return fmt.Errorf("session: recv command: %w", err)
	}

	if err := validateFilename(cmd.Filename); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			_ = s.sendResponse(&wire.Response{Status: statusErr.Status, Message: statusErr.Message})
		}
		_ = s.Raw.Close()
		return nil
	}

	switch cmd.Op {
	case wire.OpGet:
		return handleGet(s, cmd.Filename, fs)
	case wire.OpPut:
		return handlePut(ctx, ep, s, cmd.Filename, fs)
	default:
		_ = s.sendResponse(&wire.Response{Status: wire.StatusNotYetImplemented})
		_ = s.Raw.Close()
		return fmt.Errorf("session: unknown command op %d", cmd.Op)
	}
}

func handleGet(s *Stream, filename string, fs ServerFS) error {
	src, size, status, message, err := fs.OpenRead(filename)
	if status != wire.StatusOK {
		if sendErr := s.sendResponse(&wire.Response{Status: status, Message: message}); sendErr != nil {
			return fmt.Errorf("session: send Get error response: %w", sendErr)
		}
		_ = s.Raw.Close()
		return err
	}
	defer src.Close()

	if err := s.sendResponse(&wire.Response{Status: wire.StatusOK}); err != nil {
		return fmt.Errorf("session: send Get ok response: %w", err)
	}
	if err := s.sendFileHeader(&wire.FileHeader{Size: size, Filename: filename}); err != nil {
		return fmt.Errorf("session: send FileHeader: %w", err)
	}
	if _, err := copyExactly(s.Raw, src, size); err != nil {
		s.Raw.CancelWrite(0)
		return err
	}
	if err := s.sendFileTrailer(); err != nil {
		return fmt.Errorf("session: send FileTrailer: %w", err)
	}
	return s.Raw.Close()
}

func handlePut(ctx context.Context, ep *transport.Endpoint, s *Stream, filename string, fs ServerFS) error {
	status, message, err := fs.CheckWrite(filename)
	if status != wire.StatusOK {
		if sendErr := s.sendResponse(&wire.Response{Status: status, Message: message}); sendErr != nil {
			return fmt.Errorf("session: send Put error response: %w", sendErr)
		}
		_ = s.Raw.Close()
		return err
	}
	if err := s.sendResponse(&wire.Response{Status: wire.StatusOK}); err != nil {
		return fmt.Errorf("session: send Put ok response: %w", err)
	}

	header, err := s.recvFileHeader()
	if err != nil {
		return fmt.Errorf("session: recv FileHeader: %w", err)
	}

	dst, status, message, err := fs.CreateWrite(filename, header.Size)
	if err != nil {
		abortPut(ep, header.Filename, status, message)
		s.Raw.CancelRead(0)
		_ = s.Raw.Close()
		return err
	}

	if _, copyErr := copyExactly(dst, s.Raw, header.Size); copyErr != nil {
		_ = dst.Close()
		abortPut(ep, header.Filename, writeErrStatus(copyErr), copyErr.Error())
		s.Raw.CancelRead(0)
		return copyErr
	}

	if err := s.recvFileTrailer(); err != nil {
		_ = dst.Close()
		abortPut(ep, header.Filename, wire.StatusIOError, err.Error())
		return fmt.Errorf("session: recv FileTrailer: %w", err)
	}

	closeErr := dst.Close()
	final := &wire.Response{Status: wire.StatusOK}
	if closeErr != nil {
		final = &wire.Response{Status: writeErrStatus(closeErr), Message: closeErr.Error()}
	}
	if err := s.sendResponse(final); err != nil {
		return fmt.Errorf("session: send final Put response: %w", err)
	}
	return s.Raw.Close()
}

// writeErrStatus classifies a write-side failure for the abort/response
// status it reports. DiskFS.CreateWrite preallocates the destination
// with Truncate (transfer/fs.go), which creates a sparse file rather
// than reserving blocks up front, so a disk that fills mid-transfer
// (spec scenario S4) surfaces here as ENOSPC, not at CreateWrite time.
func writeErrStatus(err error) wire.Status {
	if errors.Is(err, syscall.ENOSPC) {
		return wire.StatusDiskFull
	}
	return wire.StatusIOError
}

// abortPut sends TransferAbortInformation over the unreliable datagram
// channel (spec §4.5: "out-of-band so the client learns the reason even
// if the stream reset race is lost").
func abortPut(ep *transport.Endpoint, filename string, status wire.Status, message string) {
	info := &wire.TransferAbortInformation{Filename: filename, Status: status, Message: message}
	_ = ep.SendDatagram(info.Encode())
}
