package transport

import (
	"context"
	"strconv"
	"testing"
	"time"

	"qcp/congestion"
	"qcp/identity"
)

// TestDialListenRoundTrip opens a real loopback QUIC connection, matching
// the teacher's approach in bridge/salmon_bridge_test.go of exercising
// the actual stack over 127.0.0.1 rather than mocking it.
func TestDialListenRoundTrip(t *testing.T) {
	serverCred, err := identity.Mint()
	if err != nil {
		t.Fatal(err)
	}
	clientCred, err := identity.Mint()
	if err != nil {
		t.Fatal(err)
	}

	serverTLS, err := identity.TrustPeer(serverCred, clientCred.DER, ALPN)
	if err != nil {
		t.Fatal(err)
	}
	clientTLS, err := identity.TrustPeer(clientCred, serverCred.DER, ALPN)
	if err != nil {
		t.Fatal(err)
	}

	w := congestion.Derive(congestion.DefaultParams())

	ln, err := ListenPortRange(serverTLS, w, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan *Endpoint, 1)
	serverErr := make(chan error, 1)
	go func() {
		ep, err := ln.Accept(context.Background())
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- ep
	}()

	clientEp, err := Dial(context.Background(), "127.0.0.1:"+strconv.Itoa(ln.Port()), clientTLS, w, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverEp *Endpoint
	select {
	case serverEp = <-serverDone:
	case err := <-serverErr:
		t.Fatalf("accept: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}

	clientPeerDER, err := clientEp.PeerCertificateDER()
	if err != nil {
		t.Fatal(err)
	}
	if string(clientPeerDER) != string(serverCred.DER) {
		t.Fatal("client did not observe the server's exchanged certificate")
	}

	serverPeerDER, err := serverEp.PeerCertificateDER()
	if err != nil {
		t.Fatal(err)
	}
	if string(serverPeerDER) != string(clientCred.DER) {
		t.Fatal("server did not observe the client's exchanged certificate")
	}
}

