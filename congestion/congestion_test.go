package congestion

import "testing"

func TestDeriveCubicIsConservativeThanBBR(t *testing.T) {
	p := DefaultParams()
	p.Profile = ProfileCubic
	cubic := Derive(p)
	p.Profile = ProfileBBR
	bbr := Derive(p)

	if cubic.InitialStreamReceiveWindow >= bbr.InitialStreamReceiveWindow {
		t.Fatalf("expected cubic initial window < bbr initial window, got cubic=%d bbr=%d",
			cubic.InitialStreamReceiveWindow, bbr.InitialStreamReceiveWindow)
	}
}

func TestDeriveRoundsToPacketMultiple(t *testing.T) {
	w := Derive(DefaultParams())
	if w.InitialStreamReceiveWindow%packetSize != 0 {
		t.Fatalf("window %d not a multiple of packet size %d", w.InitialStreamReceiveWindow, packetSize)
	}
}

func TestParseProfile(t *testing.T) {
	if _, err := ParseProfile("cubic"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseProfile("bbr"); err != nil {
		t.Fatal(err)
	}
	if _, err := ParseProfile("reno"); err == nil {
		t.Fatal("expected error for unknown profile")
	}
}

func TestDeriveZeroInputsStillProducesAWindow(t *testing.T) {
	w := Derive(Params{})
	if w.InitialStreamReceiveWindow == 0 {
		t.Fatal("expected a nonzero floor window even with zero inputs")
	}
}
