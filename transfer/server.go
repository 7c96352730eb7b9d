package transfer

import (
	"context"
	"fmt"

	"qcp/session"
	"qcp/transport"
)

// ServeOne accepts the session's single file-data stream (spec §5:
// "exactly one stream per session for file data") and drives it to
// completion against rootDir, then returns so the caller can proceed to
// closedown/telemetry harvesting.
func ServeOne(ctx context.Context, ep *transport.Endpoint, rootDir string) error {
	stream, err := session.AcceptServerStream(ctx, ep)
	if err != nil {
		return fmt.Errorf("transfer: accept stream: %w", err)
	}
	fs := &DiskFS{Dir: rootDir}
	return session.HandleStream(ctx, ep, stream, fs)
}
