// Package congestion turns the operator-facing --rx/--tx/--rtt/--congestion
// knobs (spec §4.4) into concrete quic.Config flow-control window sizes.
//
// quic-go (the QUIC stack the teacher already depends on) does not expose
// a pluggable congestion-controller interface in its stable API — unlike
// the BDP-aware controller selection a Rust quinn-based implementation
// would offer. This package approximates the spec's "selectable
// congestion controller" requirement the way that's actually achievable
// on top of quic-go: by sizing the initial and maximum flow-control
// windows differently per named profile. Cubic-equivalent (the default)
// sizes windows conservatively for shared-path friendliness; the
// BBR-equivalent profile sizes them aggressively up front, trading
// fairness on a shared path for faster ramp-up on a path the operator
// owns end-to-end (spec §9 design note). This is documented as a
// deliberate approximation in DESIGN.md rather than a claim of
// cross-implementation parity (spec §9 open question).
package congestion

import (
	"fmt"
	"time"
)

// Profile names a congestion behavior.
type Profile string

const (
	ProfileCubic Profile = "cubic"
	ProfileBBR   Profile = "bbr"
)

// Params are the inputs to window sizing (spec §4.4).
type Params struct {
	RxBytesPerSec int64 // expected receive throughput
	TxBytesPerSec int64 // expected send throughput
	RTT           time.Duration
	Profile       Profile
}

// DefaultParams targets the spec's stated default: 100 Mbit × 300ms.
func DefaultParams() Params {
	return Params{
		RxBytesPerSec: 100_000_000 / 8,
		TxBytesPerSec: 100_000_000 / 8,
		RTT:           300 * time.Millisecond,
		Profile:       ProfileCubic,
	}
}

// Windows are the derived QUIC flow-control window sizes.
type Windows struct {
	InitialStreamReceiveWindow     uint64
	MaxStreamReceiveWindow         uint64
	InitialConnectionReceiveWindow uint64
	MaxConnectionReceiveWindow     uint64
}

// packetSize is a typical QUIC UDP payload size; roundUpToPacket rounds a
// byte count up to the next multiple of it, per spec §4.4 ("rounded up to
// a packet multiple").
const packetSize = 1350

func roundUpToPacket(n uint64) uint64 {
	if n == 0 {
		return 0
	}
	rem := n % packetSize
	if rem == 0 {
		return n
	}
	return n - rem + packetSize
}

// Derive computes flow-control windows from bandwidth × rtt (spec §4.4).
func Derive(p Params) Windows {
	bdp := bandwidthDelayProduct(p.RxBytesPerSec, p.RTT)

	switch p.Profile {
	case ProfileBBR:
		// Aggressive: start near the full BDP and allow growth well beyond
		// it, favoring fast ramp-up on a path the operator owns.
		initial := roundUpToPacket(bdp)
		max := roundUpToPacket(bdp * 4)
		return Windows{
			InitialStreamReceiveWindow:     initial,
			MaxStreamReceiveWindow:         max,
			InitialConnectionReceiveWindow: initial * 2,
			MaxConnectionReceiveWindow:     max * 2,
		}
	default: // ProfileCubic
		// Conservative: start at a fraction of the BDP and grow to it,
		// the classic additive-increase posture on a shared path.
		initial := roundUpToPacket(bdp / 4)
		max := roundUpToPacket(bdp)
		return Windows{
			InitialStreamReceiveWindow:     initial,
			MaxStreamReceiveWindow:         max,
			InitialConnectionReceiveWindow: initial * 2,
			MaxConnectionReceiveWindow:     max * 2,
		}
	}
}

func bandwidthDelayProduct(bytesPerSec int64, rtt time.Duration) uint64 {
	if bytesPerSec <= 0 || rtt <= 0 {
		return packetSize
	}
	return uint64(float64(bytesPerSec) * rtt.Seconds())
}

// ParseProfile validates a --congestion flag value.
func ParseProfile(s string) (Profile, error) {
	switch Profile(s) {
	case ProfileCubic, ProfileBBR:
		return Profile(s), nil
	default:
		return "", fmt.Errorf("congestion: unknown controller %q (want %q or %q)", s, ProfileCubic, ProfileBBR)
	}
}
