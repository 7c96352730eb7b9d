package session

import (
	"context"
	"fmt"
	"io"

	"qcp/wire"
)

// ClientGet drives the GET state machine (spec §4.5) from the requester's
// side: open stream, send Command::Get, read Response, and on success
// read FileHeader, copy exactly Size bytes into dest, and read
// FileTrailer. The returned FileHeader lets the caller confirm the
// filename the server echoed back.
func ClientGet(ctx context.Context, s *Stream, filename string, dest io.Writer) (*wire.FileHeader, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	// Reset the stream if ctx is cancelled mid-transfer, so a blocked
	// read or write returns instead of waiting for the idle timeout.
	stop := context.AfterFunc(ctx, func() {
		s.Raw.CancelRead(0)
		s.Raw.CancelWrite(0)
	})
	defer stop()
	if err := s.sendCommand(&wire.Command{Op: wire.OpGet, Filename: filename}); err != nil {
		return nil, fmt.Errorf("session: send Get command: %w", err)
	}
	// Half-close the send side: GET carries no further client->server data.
	if err := s.Raw.Close(); err != nil {
		return nil, fmt.Errorf("session: half-close after Get: %w", err)
	}

	resp, err := s.recvResponse()
	if err != nil {
		return nil, fmt.Errorf("session: recv Get response: %w", err)
	}
	if resp.Status != wire.StatusOK {
		return nil, &StatusError{Status: resp.Status, Message: resp.Message}
	}

	header, err := s.recvFileHeader()
	if err != nil {
		return nil, fmt.Errorf("session: recv FileHeader: %w", err)
	}

	if _, err := copyExactly(dest, s.Raw, header.Size); err != nil {
		return header, err
	}

	if err := s.recvFileTrailer(); err != nil {
		return header, fmt.Errorf("session: recv FileTrailer: %w", err)
	}
	return header, nil
}

// ClientPut drives the PUT state machine from the sender's side. It sends
// Command::Put, waits for the initial Response, and on success sends
// FileHeader, exactly size bytes from src, and FileTrailer. The caller is
// responsible for racing the final Response against an out-of-band abort
// datagram (transfer.RunPut does this); ClientPut's final recv respects
// ctx so the caller can cancel it the moment an abort datagram arrives.
func ClientPut(ctx context.Context, s *Stream, filename string, src io.Reader, size uint64) (*wire.Response, error) {
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		s.Raw.CancelRead(0)
		s.Raw.CancelWrite(0)
	})
	defer stop()
	if err := s.sendCommand(&wire.Command{Op: wire.OpPut, Filename: filename}); err != nil {
		return nil, fmt.Errorf("session: send Put command: %w", err)
	}

	resp, err := s.recvResponse()
	if err != nil {
		return nil, fmt.Errorf("session: recv Put response: %w", err)
	}
	if resp.Status != wire.StatusOK {
		_ = s.Raw.Close()
		return nil, &StatusError{Status: resp.Status, Message: resp.Message}
	}

	if err := s.sendFileHeader(&wire.FileHeader{Size: size, Filename: filename}); err != nil {
		return nil, fmt.Errorf("session: send FileHeader: %w", err)
	}
	if _, err := copyExactly(s.Raw, src, size); err != nil {
		return nil, err
	}
	if err := s.sendFileTrailer(); err != nil {
		return nil, fmt.Errorf("session: send FileTrailer: %w", err)
	}
	if err := s.Raw.Close(); err != nil {
		return nil, fmt.Errorf("session: half-close after Put data: %w", err)
	}

	return recvResponseCtx(ctx, s)
}

// recvResponseCtx reads the final Response in a goroutine so the caller
// can abandon the wait (ctx cancellation) the instant it learns the
// abort happened over the datagram channel instead.
func recvResponseCtx(ctx context.Context, s *Stream) (*wire.Response, error) {
	type result struct {
		resp *wire.Response
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := s.recvResponse()
		ch <- result{resp, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return nil, fmt.Errorf("session: recv final Put response: %w", r.err)
		}
		return r.resp, nil
	}
}
