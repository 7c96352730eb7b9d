package transfer

import (
	"context"
	"fmt"
	"os"

	"qcp/limiter"
	"qcp/session"
	"qcp/transport"
	"qcp/wire"
)

// RunPut drives one PUT end to end: open the source file, drive
// session.ClientPut with a rate-tracked reader, and race the final
// Response against the server's out-of-band abort datagram (spec
// §4.5: "the datagram is out-of-band so the client learns the reason
// even if the stream reset race is lost").
func RunPut(ctx context.Context, ep *transport.Endpoint, localPath, remoteFilename string, ceilingBytesPerSec int64, onProgress func(Progress)) error {
	src, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("transfer: open source %s: %w", localPath, err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return fmt.Errorf("transfer: stat source %s: %w", localPath, err)
	}
	size := uint64(info.Size())

	stream, err := session.OpenClientStream(ctx, ep)
	if err != nil {
		return fmt.Errorf("transfer: open stream for put: %w", err)
	}

	putCtx, cancelPut := context.WithCancel(ctx)
	defer cancelPut()
	listenCtx, stopListen := context.WithCancel(ctx)
	defer stopListen()

	abortCh := make(chan *wire.TransferAbortInformation, 1)
	go watchAbort(listenCtx, ep, cancelPut, abortCh)

	tracker := limiter.NewTracker(ceilingBytesPerSec)
	tickCtx, stopTick := context.WithCancel(ctx)
	go runProgressTicker(tickCtx, remoteFilename, size, tracker, onProgress)

	resp, putErr := session.ClientPut(putCtx, stream, remoteFilename, tracker.WrapReader(src), size)
	stopTick()

	if putErr != nil {
		select {
		case abort := <-abortCh:
			return &session.StatusError{Status: abort.Status, Message: abort.Message}
		default:
		}
		return fmt.Errorf("transfer: put %s: %w", remoteFilename, putErr)
	}
	if resp.Status != wire.StatusOK {
		return &session.StatusError{Status: resp.Status, Message: resp.Message}
	}
	if onProgress != nil {
		onProgress(Progress{Filename: remoteFilename, TotalSize: size, BytesDone: tracker.BytesDone()})
	}
	return nil
}

// watchAbort listens for a single TransferAbortInformation datagram and,
// on receipt, cancels the PUT's final-response wait so the client
// doesn't block on a Response the server will never send.
func watchAbort(ctx context.Context, ep *transport.Endpoint, cancelPut context.CancelFunc, out chan<- *wire.TransferAbortInformation) {
	for {
		b, err := ep.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		info, err := wire.DecodeTransferAbortInformation(b)
		if err != nil {
			continue
		}
		select {
		case out <- info:
		default:
		}
		cancelPut()
		return
	}
}
