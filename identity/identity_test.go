package identity

import "testing"

func TestMintProducesParsableCert(t *testing.T) {
	cred, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	if len(cred.DER) == 0 {
		t.Fatal("expected non-empty DER")
	}
	if cred.CN == "" {
		t.Fatal("expected non-empty CN")
	}
}

func TestMintProducesUniqueIdentities(t *testing.T) {
	a, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	if a.CN == b.CN {
		t.Fatal("expected distinct display names across mints")
	}
	if certEqual(a.DER, b.DER) {
		t.Fatal("expected distinct certificates across mints")
	}
}

func TestTrustPeerRejectsMismatchedCert(t *testing.T) {
	a, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	b, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := TrustPeer(a, b.DER, "qcp/1")
	if err != nil {
		t.Fatal(err)
	}
	// An attacker substituting a third certificate must be rejected even
	// though it is a validly-formed self-signed cert.
	c, err := Mint()
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.VerifyPeerCertificate([][]byte{c.DER}, nil); err == nil {
		t.Fatal("expected VerifyPeerCertificate to reject a substituted certificate")
	}
	if err := cfg.VerifyPeerCertificate([][]byte{b.DER}, nil); err != nil {
		t.Fatalf("expected the exchanged DER to be accepted, got %v", err)
	}
}
