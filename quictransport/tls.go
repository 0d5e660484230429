package quictransport

import (
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"
)

// identity is both the TLS ALPN protocol string and the self-signed
// certificate's subject common name and DNS name, matching
// original_source/fusen-net/src/quic/support.rs's "fusen-net" constant.
const identity = "fusen-net"

// serverTLSConfig generates an ephemeral self-signed certificate and
// returns a server-side tls.Config for it. There is no third-party
// ephemeral-certificate library anywhere in the example pack (the Rust
// original reaches for rcgen, which has no idiomatic Go analogue in this
// corpus); quic-go's own documentation generates certs the same way, with
// crypto/x509 directly, so that is what is used here — see DESIGN.md.
func serverTLSConfig() (*tls.Config, error) {
	cert, err := generateSelfSignedCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{identity},
	}, nil
}

// clientTLSConfig skips server certificate verification, matching
// support.rs's SkipServerVerification: the rendezvous's identity isn't
// authenticated by this protocol (spec.md Non-goals: no authentication).
func clientTLSConfig() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{identity},
	}
}

func generateSelfSignedCert() (tls.Certificate, error) {
	priv, err := generateKey()
	if err != nil {
		return tls.Certificate{}, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, err
	}
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: identity},
		DNSNames:              []string{identity},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * 365 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, publicKey(priv), priv)
	if err != nil {
		return tls.Certificate{}, err
	}
	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}, nil
}
