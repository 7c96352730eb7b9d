// Package transport is the QUIC Transport Adapter (spec §4.4): it owns the
// one UDP socket per session, dials or listens for the single QUIC
// connection between the two qcp peers, and exposes stream/datagram
// primitives to the session protocol. Dial/listen structure is adapted
// from the teacher's connections.SalmonQuic (connections/salmon_quic.go),
// trimmed of the SOCKS-bridge reconnect loop and NIC-binding support that
// has no equivalent in a single-shot file copy (see DESIGN.md).
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"time"

	"net"

	"github.com/quic-go/quic-go"

	"qcp/congestion"
)

// ALPN identifies the session protocol version. Any bump to the wire
// schemas in package wire must bump this suffix so mismatched peers fail
// the handshake cleanly instead of misparsing frames.
const ALPN = "qcp/1"

// HandshakeTimeout bounds both the control exchange and the QUIC
// handshake (spec §5).
const HandshakeTimeout = 10 * time.Second

// IdleTimeout is deliberately large: transfers may legitimately stall on
// a slow disk (spec §5).
const IdleTimeout = 5 * time.Minute

// Endpoint wraps a single QUIC connection for one qcp session.
type Endpoint struct {
	conn   *quic.Conn
	tracer *Tracer
}

func buildConfig(w congestion.Windows, tracer *Tracer) *quic.Config {
	cfg := &quic.Config{
		MaxIdleTimeout:                 IdleTimeout,
		HandshakeIdleTimeout:           HandshakeTimeout,
		EnableDatagrams:                true,
		InitialStreamReceiveWindow:     w.InitialStreamReceiveWindow,
		MaxStreamReceiveWindow:         w.MaxStreamReceiveWindow,
		InitialConnectionReceiveWindow: w.InitialConnectionReceiveWindow,
		MaxConnectionReceiveWindow:     w.MaxConnectionReceiveWindow,
	}
	if tracer != nil {
		cfg.Tracer = tracer.Hook()
	}
	return cfg
}

// Dial opens the client side of the one QUIC connection used for this
// session.
func Dial(ctx context.Context, addr string, tlsConf *tls.Config, w congestion.Windows, tracer *Tracer) (*Endpoint, error) {
	dialCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	qcfg := buildConfig(w, tracer)
	tlsConf = withALPN(tlsConf)

	conn, err := quic.DialAddr(dialCtx, addr, tlsConf, qcfg)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return &Endpoint{conn: conn, tracer: tracer}, nil
}

// Listener is the server side: it binds one UDP socket and accepts
// exactly one incoming QUIC connection, per spec §4.4.
type Listener struct {
	ql     *quic.Listener
	port   int
	tracer *Tracer
}

// ListenPortRange binds the first free port in [low, high] (inclusive).
// low == high == 0 lets the OS pick an ephemeral port.
func ListenPortRange(tlsConf *tls.Config, w congestion.Windows, tracer *Tracer, low, high int) (*Listener, error) {
	qcfg := buildConfig(w, tracer)
	tlsConf = withALPN(tlsConf)

	if low == 0 && high == 0 {
		ql, err := quic.ListenAddr(":0", tlsConf, qcfg)
		if err != nil {
			return nil, fmt.Errorf("transport: listen on ephemeral port: %w", err)
		}
		udpAddr, ok := ql.Addr().(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("transport: unexpected listener address type %T", ql.Addr())
		}
		return &Listener{ql: ql, port: udpAddr.Port, tracer: tracer}, nil
	}

	if low > high {
		return nil, fmt.Errorf("transport: invalid port range %d-%d", low, high)
	}
	var lastErr error
	for p := low; p <= high; p++ {
		ql, err := quic.ListenAddr(fmt.Sprintf(":%d", p), tlsConf, qcfg)
		if err == nil {
			return &Listener{ql: ql, port: p, tracer: tracer}, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("transport: no free port in range %d-%d: %w", low, high, lastErr)
}

// Port reports the bound UDP port, to be conveyed in ServerMessage.
func (l *Listener) Port() int {
	return l.port
}

// Accept blocks for exactly one incoming QUIC connection and then stops
// accepting further connections (spec §4.4: "server accepts exactly one
// incoming connection").
func (l *Listener) Accept(ctx context.Context) (*Endpoint, error) {
	acceptCtx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()
	conn, err := l.ql.Accept(acceptCtx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	_ = l.ql.Close()
	return &Endpoint{conn: conn, tracer: l.tracer}, nil
}

func (l *Listener) Close() error {
	return l.ql.Close()
}

// OpenStream opens a new bidirectional stream (client side, per spec
// §4.5 one stream per file operation).
func (e *Endpoint) OpenStream(ctx context.Context) (*quic.Stream, error) {
	stream, err := e.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return stream, nil
}

// AcceptStream blocks for the next stream the peer opens (server side).
func (e *Endpoint) AcceptStream(ctx context.Context) (*quic.Stream, error) {
	stream, err := e.conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept stream: %w", err)
	}
	return stream, nil
}

// SendDatagram sends an unreliable datagram (used for
// TransferAbortInformation, spec §4.5).
func (e *Endpoint) SendDatagram(b []byte) error {
	if err := e.conn.SendDatagram(b); err != nil {
		return fmt.Errorf("transport: send datagram: %w", err)
	}
	return nil
}

// ReceiveDatagram blocks for the next datagram from the peer.
func (e *Endpoint) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	b, err := e.conn.ReceiveDatagram(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: receive datagram: %w", err)
	}
	return b, nil
}

// PeerCertificateDER returns the DER bytes of the single certificate the
// peer presented during the handshake, for the identity.TrustPeer
// byte-exact comparison invariant (spec §3).
func (e *Endpoint) PeerCertificateDER() ([]byte, error) {
	state := e.conn.ConnectionState().TLS
	if len(state.PeerCertificates) != 1 {
		return nil, fmt.Errorf("transport: expected exactly one peer certificate, got %d", len(state.PeerCertificates))
	}
	return state.PeerCertificates[0].Raw, nil
}

// Tracer returns the connection tracer installed at dial/accept time, or
// nil if none was configured. Package telemetry reads its Snapshot once
// the connection has quiesced.
func (e *Endpoint) Tracer() *Tracer {
	return e.tracer
}

// CloseWithError tears down the QUIC connection.
func (e *Endpoint) CloseWithError(code uint64, reason string) error {
	return e.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func withALPN(tlsConf *tls.Config) *tls.Config {
	if tlsConf == nil {
		return nil
	}
	cfg := tlsConf.Clone()
	cfg.NextProtos = []string{ALPN}
	return cfg
}

// DrainQuiescence is a short grace wait used by the server to let the
// QUIC endpoint flush remaining ACKs before harvesting closedown
// statistics (spec §4.7).
const DrainQuiescence = 500 * time.Millisecond
