// Package certs issues short-lived self-signed ECDSA certificates for the
// preview server's TLS and HTTP/3 listeners.
package certs

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"strings"
	"time"
)

// DefaultValidity keeps certificates usable with browsers that pin
// self-signed certificates by hash.
const DefaultValidity = 14 * 24 * time.Hour

// Options controls Generate. The zero value issues a localhost
// certificate valid for DefaultValidity.
type Options struct {
	Validity   time.Duration
	CommonName string
	// Hosts are DNS names or IP addresses; empty means localhost and the
	// loopback addresses.
	Hosts []string
}

// Certificate is a generated key pair and its parsed leaf.
type Certificate struct {
	TLS         tls.Certificate
	Leaf        *x509.Certificate
	Fingerprint [32]byte
}

// Generate creates a self-signed P-256 certificate.
func Generate(opts Options) (*Certificate, error) {
	if opts.Validity <= 0 {
		opts.Validity = DefaultValidity
	}
	if opts.CommonName == "" {
		opts.CommonName = "seqio"
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	notBefore := time.Now().Add(-time.Minute)
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: opts.CommonName},
		NotBefore:    notBefore,
		NotAfter:     notBefore.Add(opts.Validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	hosts := opts.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1", "::1"}
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse certificate: %w", err)
	}
	return &Certificate{
		TLS:         tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key, Leaf: leaf},
		Leaf:        leaf,
		Fingerprint: sha256.Sum256(der),
	}, nil
}

// FingerprintBase64 returns the SHA-256 fingerprint as standard base64.
func (c *Certificate) FingerprintBase64() string {
	return base64.StdEncoding.EncodeToString(c.Fingerprint[:])
}

// FingerprintHex returns the fingerprint as colon-separated hex pairs.
func (c *Certificate) FingerprintHex() string {
	var b strings.Builder
	for i, v := range c.Fingerprint {
		if i > 0 {
			b.WriteByte(':')
		}
		fmt.Fprintf(&b, "%02X", v)
	}
	return b.String()
}

// Expired reports whether the certificate is no longer valid at now.
func (c *Certificate) Expired(now time.Time) bool {
	return now.After(c.Leaf.NotAfter)
}

// TLSConfig returns a server configuration presenting the certificate.
func (c *Certificate) TLSConfig(nextProtos ...string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{c.TLS},
		NextProtos:   nextProtos,
		MinVersion:   tls.VersionTLS13,
	}
}

// WritePEM writes the certificate and its private key.
func (c *Certificate) WritePEM(certOut, keyOut io.Writer) error {
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: c.TLS.Certificate[0]}); err != nil {
		return err
	}
	der, err := x509.MarshalPKCS8PrivateKey(c.TLS.PrivateKey)
	if err != nil {
		return fmt.Errorf("marshal key: %w", err)
	}
	return pem.Encode(keyOut, &pem.Block{Type: "PRIVATE KEY", Bytes: der})
}
