// Package control implements the Control Protocol (spec §4.2): the
// single ClientMessage/ServerMessage exchange carried over the SSH
// stdio pipe that bootstraps trust and negotiates the UDP endpoint
// before any QUIC traffic flows.
//
// Grounded on the teacher's bridge.SalmonBridge handshake sequencing
// (bridge/salmon_bridge.go dials its control connection, exchanges a
// banner, then hands off to the QUIC transport) and crypt/ for the
// cert-minting call sites it wraps.
package control

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"qcp/frame"
	"qcp/identity"
	"qcp/wire"
)

// Channel frames ClientMessage/ServerMessage over the SSH stdio pipe
// (or, in tests, any io.ReadWriter).
type Channel struct {
	fr *frame.Reader
	fw *frame.Writer
}

// NewChannel wraps rw with the framed codec the control protocol uses.
func NewChannel(rw io.ReadWriter) *Channel {
	return &Channel{fr: frame.NewReader(rw), fw: frame.NewWriter(rw)}
}

// BandwidthParams is the client's or server's configured
// throughput/RTT assumption, serialized into ServerMessage.BandwidthInfo
// so the client can compare the two sides before trusting the
// congestion-window sizing either picked (spec §4.2).
type BandwidthParams struct {
	RxBytesPerSec int64
	TxBytesPerSec int64
	RTT           time.Duration
}

// Encode renders p as the plain-text BandwidthInfo the wire schema
// carries (a short key=value line, matching the teacher's preference
// for human-readable banner text over a second binary schema for a
// field that exists purely for an operator-facing diagnostic).
func (p BandwidthParams) Encode() string {
	return fmt.Sprintf("rx=%d tx=%d rtt=%s", p.RxBytesPerSec, p.TxBytesPerSec, p.RTT)
}

// ParseBandwidthInfo parses the text BandwidthParams.Encode produces.
// It never fails: fields that are missing or do not parse are left at
// their zero value, so an empty or malformed string yields the zero
// value. An older or differently configured peer omitting/garbling this
// informational field should never fail the handshake.
func ParseBandwidthInfo(s string) BandwidthParams {
	var p BandwidthParams
	for _, field := range strings.Fields(s) {
		kv := strings.SplitN(field, "=", 2)
		if len(kv) != 2 {
			continue
		}
		switch kv[0] {
		case "rx":
			p.RxBytesPerSec, _ = strconv.ParseInt(kv[1], 10, 64)
		case "tx":
			p.TxBytesPerSec, _ = strconv.ParseInt(kv[1], 10, 64)
		case "rtt":
			p.RTT, _ = time.ParseDuration(kv[1])
		}
	}
	return p
}

// BandwidthDivergenceThreshold is the spec §4.2 "≥10% RTT discrepancy"
// trigger for the pre-transfer configuration-mismatch notice.
const BandwidthDivergenceThreshold = 0.10

// CompareBandwidth reports a warning string when the peer's configured
// RTT assumption diverges from the local one by at least the
// threshold; empty string means no notice is warranted.
func CompareBandwidth(local, remote BandwidthParams) string {
	if local.RTT <= 0 || remote.RTT <= 0 {
		return ""
	}
	diff := float64(remote.RTT-local.RTT) / float64(local.RTT)
	if diff < 0 {
		diff = -diff
	}
	if diff < BandwidthDivergenceThreshold {
		return ""
	}
	return fmt.Sprintf("peer assumed rtt=%s, this side assumed rtt=%s; congestion windows may be mismatched", remote.RTT, local.RTT)
}

// ClientHandshake drives the client-side state machine: mint → send
// ClientMessage → recv ServerMessage. The returned ServerMessage still
// needs its ServerCertDER checked against the certificate QUIC
// actually presents (identity.TrustPeer does this); ClientHandshake
// only performs the control-channel exchange.
func ClientHandshake(ctx context.Context, ch *Channel, connType wire.ConnectionType) (*identity.Credential, *wire.ServerMessage, error) {
	cred, err := identity.Mint()
	if err != nil {
		return nil, nil, fmt.Errorf("control: mint client credential: %w", err)
	}

	msg := &wire.ClientMessage{ClientCertDER: cred.DER, ConnectionType: connType}
	if err := ch.fw.WriteFrame(msg.Encode()); err != nil {
		return nil, nil, fmt.Errorf("control: send ClientMessage: %w", err)
	}

	buf, err := ch.fr.ReadFrame()
	if err != nil {
		return nil, nil, fmt.Errorf("control: recv ServerMessage: %w", err)
	}
	serverMsg, err := wire.DecodeServerMessage(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("control: decode ServerMessage: %w", err)
	}
	return cred, serverMsg, nil
}

// BindFunc binds the server's UDP socket for the negotiated address
// family and reports the bound port. It must be called before mint so
// the port is known when ServerMessage is sent (spec §4.2 ordering
// invariant: "server must bind its UDP socket before sending
// ServerMessage").
type BindFunc func(connType wire.ConnectionType) (port int, err error)

// ServerHandshake drives the server-side state machine: recv
// ClientMessage → bind UDP → mint → send ServerMessage. warning and
// bandwidthInfo are caller-supplied informational text (spec §4.2);
// pass "" for either when there's nothing to report.
func ServerHandshake(ctx context.Context, ch *Channel, bind BindFunc, warning, bandwidthInfo string) (*identity.Credential, *wire.ClientMessage, int, error) {
	buf, err := ch.fr.ReadFrame()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("control: recv ClientMessage: %w", err)
	}
	clientMsg, err := wire.DecodeClientMessage(buf)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("control: decode ClientMessage: %w", err)
	}

	port, err := bind(clientMsg.ConnectionType)
	if err != nil {
		return nil, nil, 0, fmt.Errorf("control: bind udp: %w", err)
	}

	cred, err := identity.Mint()
	if err != nil {
		return nil, nil, 0, fmt.Errorf("control: mint server credential: %w", err)
	}

	serverMsg := &wire.ServerMessage{
		Port:          uint16(port),
		ServerCertDER: cred.DER,
		ServerCertCN:  cred.CN,
		Warning:       warning,
		BandwidthInfo: bandwidthInfo,
	}
	if err := ch.fw.WriteFrame(serverMsg.Encode()); err != nil {
		return nil, nil, 0, fmt.Errorf("control: send ServerMessage: %w", err)
	}
	return cred, clientMsg, port, nil
}

// SendClosedownReport writes the server's final ClosedownReport over
// the control channel (spec §4.7: "server sends exactly one
// ClosedownReport per session").
func SendClosedownReport(ch *Channel, report *wire.ClosedownReport) error {
	if err := ch.fw.WriteFrame(report.Encode()); err != nil {
		return fmt.Errorf("control: send ClosedownReport: %w", err)
	}
	return nil
}

// RecvClosedownReport reads the server's ClosedownReport on the client
// side.
func RecvClosedownReport(ch *Channel) (*wire.ClosedownReport, error) {
	buf, err := ch.fr.ReadFrame()
	if err != nil {
		return nil, fmt.Errorf("control: recv ClosedownReport: %w", err)
	}
	report, err := wire.DecodeClosedownReport(buf)
	if err != nil {
		return nil, fmt.Errorf("control: decode ClosedownReport: %w", err)
	}
	return report, nil
}
