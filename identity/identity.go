// Package identity mints the ephemeral, self-signed TLS credential each
// peer presents during the QUIC handshake (spec §4.3). The certificate's
// DER encoding is exchanged over the control channel; no certificate
// authority is ever consulted, so the only trust decision either side
// makes is "this is the exact DER the other side sent over ssh."
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// Credential is one peer's minted certificate for a single session.
type Credential struct {
	DER  []byte // the certificate in DER form, as exchanged on the wire
	CN   string // the generated display name used as the certificate's subject CN
	cert tls.Certificate
}

// TLSCertificate returns the tls.Certificate suitable for
// tls.Config.Certificates.
func (c *Credential) TLSCertificate() tls.Certificate {
	return c.cert
}

// Mint generates an ECDSA P-256 key pair and a self-signed certificate
// valid for this session only. The teacher's GenerateSelfSignedCert used
// RSA-2048; ECDSA is swapped in here because minting happens once per
// session on the hot path of connection setup, and quic-go's TLS stack
// accepts either.
func Mint() (*Credential, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	cn, err := randomDisplayName()
	if err != nil {
		return nil, fmt.Errorf("identity: generate display name: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("identity: generate serial: %w", err)
	}
	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(24 * time.Hour),

		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, fmt.Errorf("identity: create certificate: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}

	return &Credential{DER: der, CN: cn, cert: cert}, nil
}

func randomDisplayName() (string, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", err
	}
	return fmt.Sprintf("qcp-%016x", binary.BigEndian.Uint64(buf[:])), nil
}

// TrustPeer builds a tls.Config whose sole trust anchor is peerDER: the
// exact certificate bytes already exchanged over the control channel.
// No system root pool is consulted (spec §9 trust bootstrap note).
func TrustPeer(own *Credential, peerDER []byte, alpn string) (*tls.Config, error) {
	peerCert, err := x509.ParseCertificate(peerDER)
	if err != nil {
		return nil, fmt.Errorf("identity: parse peer certificate: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(peerCert)

	return &tls.Config{
		Certificates: []tls.Certificate{own.TLSCertificate()},
		RootCAs:      pool,
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		NextProtos:   []string{alpn},
		// ServerName must match the peer cert's CN; VerifyPeerCertificate
		// below is the real check (byte-exact DER), this just satisfies
		// Go's TLS stack's hostname verification.
		ServerName: peerCert.Subject.CommonName,
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			if len(rawCerts) != 1 {
				return fmt.Errorf("identity: expected exactly one peer certificate, got %d", len(rawCerts))
			}
			if !certEqual(rawCerts[0], peerDER) {
				return fmt.Errorf("identity: peer certificate does not match the DER exchanged over the control channel")
			}
			return nil
		},
		InsecureSkipVerify: true, // VerifyPeerCertificate above is the actual check
	}, nil
}

func certEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
