package telemetry

import (
	"strings"
	"testing"
	"time"

	"qcp/wire"
)

func TestEffectiveRateZeroElapsed(t *testing.T) {
	c := LocalCounters{BytesTransferred: 1000}
	if rate := c.EffectiveRate(); rate != 0 {
		t.Fatalf("got %v, want 0", rate)
	}
}

func TestEffectiveRateComputes(t *testing.T) {
	c := LocalCounters{BytesTransferred: 1000, Elapsed: time.Second}
	if rate := c.EffectiveRate(); rate != 1000 {
		t.Fatalf("got %v, want 1000", rate)
	}
}

func TestBuildOutcomeNoWarningWithinTolerance(t *testing.T) {
	o := BuildOutcome(LocalCounters{}, &wire.ClosedownReport{}, 100*time.Millisecond, 105*time.Millisecond)
	if len(o.Warnings) != 0 {
		t.Fatalf("expected no warnings, got %v", o.Warnings)
	}
}

func TestBuildOutcomeWarnsOnDivergence(t *testing.T) {
	o := BuildOutcome(LocalCounters{}, &wire.ClosedownReport{}, 100*time.Millisecond, 200*time.Millisecond)
	if len(o.Warnings) != 1 {
		t.Fatalf("expected one warning, got %v", o.Warnings)
	}
	if !strings.Contains(o.Warnings[0], "exceeds") {
		t.Fatalf("unexpected warning text: %s", o.Warnings[0])
	}
}

func TestSummaryIncludesWarning(t *testing.T) {
	o := BuildOutcome(LocalCounters{BytesTransferred: 2048, Elapsed: time.Second}, &wire.ClosedownReport{}, 50*time.Millisecond, 400*time.Millisecond)
	summary := o.Summary()
	if !strings.Contains(summary, "warning:") {
		t.Fatalf("expected a warning line in summary, got %q", summary)
	}
}
