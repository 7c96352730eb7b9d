package transfer

import (
	"context"
	"time"

	"qcp/limiter"
)

// ProgressTickInterval matches spec §4.6's "e.g., 4 Hz" progress cadence.
const ProgressTickInterval = 250 * time.Millisecond

// Progress is one sample of a transfer's throughput, emitted on the
// UI collaborator's channel roughly ProgressTickInterval apart.
type Progress struct {
	Filename    string
	TotalSize   uint64
	BytesDone   int64
	InstantRate int64 // bytes/sec
	EWMARate    int64 // bytes/sec
}

// runProgressTicker samples tracker on ProgressTickInterval and pushes a
// Progress onto onProgress until ctx is done. It's started in its own
// goroutine by RunGet/RunPut and stopped via the passed-in context
// rather than a dedicated channel, so the caller's single cancel covers
// both the copy and its progress feed.
func runProgressTicker(ctx context.Context, filename string, totalSize uint64, tr *limiter.Tracker, onProgress func(Progress)) {
	if onProgress == nil {
		return
	}
	ticker := time.NewTicker(ProgressTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			instant, ewma := tr.Tick()
			onProgress(Progress{
				Filename:    filename,
				TotalSize:   totalSize,
				BytesDone:   tr.BytesDone(),
				InstantRate: instant,
				EWMARate:    ewma,
			})
		}
	}
}
