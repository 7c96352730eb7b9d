package limiter

import (
	"bytes"
	"io"
	"testing"
)

func TestTrackerRecordsInstantRate(t *testing.T) {
	tr := NewTracker(0)
	src := bytes.NewReader(bytes.Repeat([]byte{1}, 1<<20))
	wrapped := tr.WrapReader(src)
	if _, err := io.Copy(io.Discard, wrapped); err != nil {
		t.Fatal(err)
	}
	if tr.InstantRate() <= 0 {
		t.Fatal("expected a nonzero instant rate after transferring 1MiB")
	}
}

func TestTrackerUnlimitedHasNoCeiling(t *testing.T) {
	tr := NewTracker(0)
	if tr.Ceiling() != 0 {
		t.Fatalf("expected ceiling 0, got %d", tr.Ceiling())
	}
}

func TestTrackerWithCeilingReportsIt(t *testing.T) {
	tr := NewTracker(1024)
	if tr.Ceiling() != 1024 {
		t.Fatalf("expected ceiling 1024, got %d", tr.Ceiling())
	}
}

func TestTrackerBytesDoneAccumulates(t *testing.T) {
	tr := NewTracker(0)
	var buf bytes.Buffer
	w := tr.WrapWriter(&buf)
	if _, err := w.Write(make([]byte, 100)); err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(make([]byte, 50)); err != nil {
		t.Fatal(err)
	}
	if got := tr.BytesDone(); got != 150 {
		t.Fatalf("got BytesDone()=%d, want 150", got)
	}
}

func TestTrackerTickSettlesTowardInstantRate(t *testing.T) {
	tr := NewTracker(0)
	src := bytes.NewReader(bytes.Repeat([]byte{1}, 1<<20))
	if _, err := io.Copy(io.Discard, tr.WrapReader(src)); err != nil {
		t.Fatal(err)
	}
	var last int64
	for i := 0; i < 10; i++ {
		_, ewma := tr.Tick()
		last = ewma
	}
	if last <= 0 {
		t.Fatal("expected a nonzero EWMA rate after repeated ticks")
	}
}

func TestWrapWriterPassesBytesThrough(t *testing.T) {
	tr := NewTracker(0)
	var buf bytes.Buffer
	w := tr.WrapWriter(&buf)
	payload := []byte("hello world")
	n, err := w.Write(payload)
	if err != nil || n != len(payload) {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if buf.String() != "hello world" {
		t.Fatalf("got %q", buf.String())
	}
}
