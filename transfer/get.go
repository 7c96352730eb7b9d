package transfer

import (
	"context"
	"fmt"
	"os"

	"qcp/limiter"
	"qcp/session"
	"qcp/transport"
)

// RunGet drives one GET end to end: open the destination file, drive
// session.ClientGet with a rate-tracked writer, surface progress ticks,
// and on any failure unlink the partial file (spec §4.6).
func RunGet(ctx context.Context, ep *transport.Endpoint, remoteFilename, localPath string, ceilingBytesPerSec int64, onProgress func(Progress)) error {
	dst, err := os.OpenFile(localPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("transfer: open destination %s: %w", localPath, err)
	}

	stream, err := session.OpenClientStream(ctx, ep)
	if err != nil {
		_ = dst.Close()
		_ = RemovePartial(localPath)
		return fmt.Errorf("transfer: open stream for get: %w", err)
	}

	tracker := limiter.NewTracker(ceilingBytesPerSec)
	tickCtx, stopTick := context.WithCancel(ctx)

	// header.Size isn't known until ClientGet reads it, so the ticker
	// starts reporting total size 0 and the caller reconciles once the
	// first progress event with a nonzero TotalSize arrives; this keeps
	// the ticker and the copy decoupled instead of threading the header
	// back out of session before the copy begins.
	go runProgressTicker(tickCtx, remoteFilename, 0, tracker, onProgress)

	header, getErr := session.ClientGet(ctx, stream, remoteFilename, tracker.WrapWriter(dst))
	stopTick()

	closeErr := dst.Close()
	if getErr != nil {
		_ = RemovePartial(localPath)
		return fmt.Errorf("transfer: get %s: %w", remoteFilename, getErr)
	}
	if closeErr != nil {
		_ = RemovePartial(localPath)
		return fmt.Errorf("transfer: close destination %s: %w", localPath, closeErr)
	}
	if onProgress != nil {
		onProgress(Progress{Filename: remoteFilename, TotalSize: header.Size, BytesDone: tracker.BytesDone()})
	}
	return nil
}
