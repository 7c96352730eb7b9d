package transfer

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"qcp/congestion"
	"qcp/identity"
	"qcp/session"
	"qcp/transport"
	"qcp/wire"
)

// loopback mirrors session's test helper: a real client/server QUIC
// connection over 127.0.0.1, used so the engine's progress/cleanup
// logic is exercised against the real transport stack rather than a
// fake stream.
func loopback(t *testing.T) (client, server *transport.Endpoint, cleanup func()) {
	t.Helper()
	serverCred, err := identity.Mint()
	if err != nil {
		t.Fatal(err)
	}
	clientCred, err := identity.Mint()
	if err != nil {
		t.Fatal(err)
	}
	serverTLS, err := identity.TrustPeer(serverCred, clientCred.DER, transport.ALPN)
	if err != nil {
		t.Fatal(err)
	}
	clientTLS, err := identity.TrustPeer(clientCred, serverCred.DER, transport.ALPN)
	if err != nil {
		t.Fatal(err)
	}
	w := congestion.Derive(congestion.DefaultParams())

	ln, err := transport.ListenPortRange(serverTLS, w, nil, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	serverCh := make(chan *transport.Endpoint, 1)
	go func() {
		ep, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		serverCh <- ep
	}()

	addr := "127.0.0.1:" + strconv.Itoa(ln.Port())
	clientEp, err := transport.Dial(context.Background(), addr, clientTLS, w, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	var serverEp *transport.Endpoint
	select {
	case serverEp = <-serverCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server accept")
	}

	return clientEp, serverEp, func() {
		_ = clientEp.CloseWithError(0, "test done")
		_ = serverEp.CloseWithError(0, "test done")
	}
}

func TestRunGetWritesDestinationFile(t *testing.T) {
	client, server, cleanup := loopback(t)
	defer cleanup()

	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("g"), 300*1024)
	if err := os.WriteFile(filepath.Join(srcDir, "remote.bin"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	serverDone := make(chan error, 1)
	go func() { serverDone <- ServeOne(context.Background(), server, srcDir) }()

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "local.bin")

	var lastProgress Progress
	err := RunGet(context.Background(), client, "remote.bin", dest, 0, func(p Progress) { lastProgress = p })
	if err != nil {
		t.Fatalf("RunGet: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	got, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("destination content mismatch")
	}
	if lastProgress.BytesDone != int64(len(content)) {
		t.Fatalf("final progress BytesDone=%d, want %d", lastProgress.BytesDone, len(content))
	}
}

func TestRunGetMissingFileLeavesNoPartial(t *testing.T) {
	client, server, cleanup := loopback(t)
	defer cleanup()

	emptyDir := t.TempDir()
	serverDone := make(chan error, 1)
	go func() { serverDone <- ServeOne(context.Background(), server, emptyDir) }()

	destDir := t.TempDir()
	dest := filepath.Join(destDir, "local.bin")

	err := RunGet(context.Background(), client, "nope.bin", dest, 0, nil)
	if err == nil {
		t.Fatal("expected an error for a nonexistent remote file")
	}
	<-serverDone

	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatalf("expected no partial file at %s, stat err=%v", dest, statErr)
	}
}

func TestRunPutWritesRemoteFile(t *testing.T) {
	client, server, cleanup := loopback(t)
	defer cleanup()

	destDir := t.TempDir()
	serverDone := make(chan error, 1)
	go func() { serverDone <- ServeOne(context.Background(), server, destDir) }()

	srcDir := t.TempDir()
	content := bytes.Repeat([]byte("p"), 128*1024+17)
	src := filepath.Join(srcDir, "local.bin")
	if err := os.WriteFile(src, content, 0o644); err != nil {
		t.Fatal(err)
	}

	err := RunPut(context.Background(), client, src, "remote.bin", 0, nil)
	if err != nil {
		t.Fatalf("RunPut: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("ServeOne: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "remote.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatal("remote content mismatch")
	}
}

func TestRunPutRejectedByPermissionSurfacesStatus(t *testing.T) {
	client, server, cleanup := loopback(t)
	defer cleanup()

	destDir := t.TempDir()
	if err := os.Chmod(destDir, 0o555); err != nil {
		t.Fatal(err)
	}
	defer os.Chmod(destDir, 0o755)

	serverDone := make(chan error, 1)
	go func() { serverDone <- ServeOne(context.Background(), server, destDir) }()

	srcDir := t.TempDir()
	src := filepath.Join(srcDir, "local.bin")
	if err := os.WriteFile(src, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	err := RunPut(context.Background(), client, src, "remote.bin", 0, nil)
	if err == nil {
		t.Fatal("expected a permission error")
	}
	var statusErr *session.StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected a *session.StatusError, got %v", err)
	}
	if statusErr.Status != wire.StatusIncorrectPermissions {
		t.Fatalf("got status %v, want StatusIncorrectPermissions", statusErr.Status)
	}
	<-serverDone
}
