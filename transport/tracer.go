package transport

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/logging"
)

// packetSize approximates a lost packet's byte size for LostBytes when
// quic-go's LostPacket event doesn't report one (see below).
const packetSize = 1350

// Tracer accumulates the QUIC endpoint counters the server reports in
// its ClosedownReport (spec §3, §4.7): final congestion window, sent and
// lost packets, lost bytes, congestion events, black-hole detections, and
// sent bytes. quic-go exposes these through its logging.ConnectionTracer
// hook rather than a public stats struct, so Tracer is the adapter that
// turns that event stream into the cumulative counters the wire schema
// wants.
type Tracer struct {
	sentPackets    atomic.Uint64
	sentBytes      atomic.Uint64
	lostPackets    atomic.Uint64
	lostBytes      atomic.Uint64
	congestionEvts atomic.Uint64
	blackHoles     atomic.Uint64
	finalCwnd      atomic.Uint64
	smoothedRTT    atomic.Int64
}

// NewTracer constructs an empty counter set.
func NewTracer() *Tracer {
	return &Tracer{}
}

// Snapshot captures the current counters. Safe to call once the session's
// single QUIC connection has quiesced.
type Snapshot struct {
	FinalCongestionWindow uint64
	SentPackets           uint64
	LostPackets           uint64
	LostBytes             uint64
	CongestionEvents      uint64
	BlackHoleDetections   uint64
	SentBytes             uint64
}

// SmoothedRTT reports the most recent smoothed RTT quic-go has observed,
// used by telemetry.BuildOutcome for the observed-vs-configured RTT
// warning (spec §4.7: compare the operator's assumed --rtt against
// reality).
func (t *Tracer) SmoothedRTT() time.Duration {
	return time.Duration(t.smoothedRTT.Load())
}

func (t *Tracer) Snapshot() Snapshot {
	return Snapshot{
		FinalCongestionWindow: t.finalCwnd.Load(),
		SentPackets:           t.sentPackets.Load(),
		LostPackets:           t.lostPackets.Load(),
		LostBytes:             t.lostBytes.Load(),
		CongestionEvents:      t.congestionEvts.Load(),
		BlackHoleDetections:   t.blackHoles.Load(),
		SentBytes:             t.sentBytes.Load(),
	}
}

// Hook returns the quic.Config.Tracer constructor. One Tracer covers the
// session's single connection, so the constructor ignores the connection
// ID and always returns the same underlying counters.
func (t *Tracer) Hook() func(context.Context, logging.Perspective, quic.ConnectionID) *logging.ConnectionTracer {
	return func(_ context.Context, _ logging.Perspective, _ quic.ConnectionID) *logging.ConnectionTracer {
		return &logging.ConnectionTracer{
			SentLongHeaderPacket: func(hdr *logging.ExtendedHeader, size logging.ByteCount, _ logging.ECN, _ *logging.AckFrame, _ []logging.Frame) {
				t.sentPackets.Add(1)
				t.sentBytes.Add(uint64(size))
			},
			SentShortHeaderPacket: func(_ *logging.ShortHeader, size logging.ByteCount, _ logging.ECN, _ *logging.AckFrame, _ []logging.Frame) {
				t.sentPackets.Add(1)
				t.sentBytes.Add(uint64(size))
			},
			LostPacket: func(_ logging.EncryptionLevel, _ logging.PacketNumber, reason logging.PacketLossReason) {
				t.lostPackets.Add(1)
				// quic-go doesn't report the lost packet's byte size here;
				// approximate with the typical datagram payload size rather
				// than leave the counter permanently at zero.
				t.lostBytes.Add(packetSize)
				if reason == logging.PacketLossTimeThreshold {
					// A string of time-threshold losses with no
					// acknowledgment is the closest quic-go signal to a
					// path black hole; quic-go has no dedicated event for
					// it (documented in DESIGN.md).
					t.blackHoles.Add(1)
				}
			},
			UpdatedCongestionState: func(_ logging.CongestionState) {
				t.congestionEvts.Add(1)
			},
			UpdatedMetrics: func(rttStats *logging.RTTStats, cwnd, _ logging.ByteCount, _ int) {
				t.finalCwnd.Store(uint64(cwnd))
				if rttStats != nil {
					t.smoothedRTT.Store(int64(rttStats.SmoothedRTT()))
				}
			},
		}
	}
}
