// Package test generates attestation fixtures: certificate hierarchies,
// signed Intel quotes and collateral, and signed Nitro attestation documents.
package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"sync/atomic"
	"testing"
	"time"
)

// Now is the evaluation time fixtures are valid at.
var Now = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

var serial atomic.Int64

// KeyPair is a certificate with its private key.
type KeyPair struct {
	Cert *x509.Certificate
	Key  *ecdsa.PrivateKey
}

// CertOptions describes a test certificate.
type CertOptions struct {
	CommonName string
	IsCA       bool
	// Curve defaults to P-256.
	Curve elliptic.Curve
	// NotBefore and NotAfter default to a window around Now.
	NotBefore  time.Time
	NotAfter   time.Time
	Extensions []pkix.Extension
	// CRLDistributionPoints are URLs of the issuer's revocation list.
	CRLDistributionPoints []string
	// OmitStandardExtensions leaves out key usage, basic constraints and the
	// subject key identifier, as AMD does for VCEK certificates.
	OmitStandardExtensions bool
}

// GetTestCert returns a certificate described by opts and signed by parent.
// If parent is nil, the certificate is self-signed.
func GetTestCert(t *testing.T, opts CertOptions, parent *KeyPair) *KeyPair {
	t.Helper()

	curve := opts.Curve
	if curve == nil {
		curve = elliptic.P256()
	}
	certKey, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	notBefore, notAfter := opts.NotBefore, opts.NotAfter
	if notBefore.IsZero() {
		notBefore = Now.AddDate(-1, 0, 0)
	}
	if notAfter.IsZero() {
		notAfter = Now.AddDate(10, 0, 0)
	}
	spki, err := x509.MarshalPKIXPublicKey(certKey.Public())
	if err != nil {
		t.Fatalf("failed to marshal public key: %v", err)
	}
	ski := sha1.Sum(spki)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(serial.Add(1)),
		Subject:               pkix.Name{CommonName: opts.CommonName, Organization: []string{"Test Corporation"}},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  opts.IsCA,
		SubjectKeyId:          ski[:],
		ExtraExtensions:       opts.Extensions,
		CRLDistributionPoints: opts.CRLDistributionPoints,
	}
	if opts.IsCA {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if opts.OmitStandardExtensions {
		template.KeyUsage = 0
		template.BasicConstraintsValid = false
		template.SubjectKeyId = nil
	}

	parentCert, parentKey := template, certKey
	if parent != nil {
		parentCert, parentKey = parent.Cert, parent.Key
	}
	certBytes, err := x509.CreateCertificate(rand.Reader, template, parentCert, certKey.Public(), parentKey)
	if err != nil {
		t.Fatalf("Unable to create test certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		t.Fatalf("Unable to parse test certificate: %v", err)
	}
	return &KeyPair{Cert: cert, Key: certKey}
}

// PEM encodes the certificates, in order.
func PEM(certs ...*x509.Certificate) []byte {
	var out []byte
	for _, c := range certs {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}
	return out
}

// SignRaw signs digest and returns the fixed-width r||s encoding.
func SignRaw(t *testing.T, key *ecdsa.PrivateKey, digest []byte) []byte {
	t.Helper()
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	size := (key.Curve.Params().BitSize + 7) / 8
	sig := make([]byte, 2*size)
	r.FillBytes(sig[:size])
	s.FillBytes(sig[size:])
	return sig
}

// RevocationList returns a CRL issued by issuer revoking the given
// certificates.
func RevocationList(t *testing.T, issuer *KeyPair, revoked ...*x509.Certificate) *x509.RevocationList {
	t.Helper()
	tmpl := &x509.RevocationList{
		Number:     big.NewInt(serial.Add(1)),
		ThisUpdate: Now.AddDate(0, 0, -1),
		NextUpdate: Now.AddDate(0, 0, 30),
	}
	for _, c := range revoked {
		tmpl.RevokedCertificateEntries = append(tmpl.RevokedCertificateEntries, x509.RevocationListEntry{
			SerialNumber:   c.SerialNumber,
			RevocationTime: Now.AddDate(0, 0, -2),
		})
	}
	der, err := x509.CreateRevocationList(rand.Reader, tmpl, issuer.Cert, issuer.Key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		t.Fatalf("failed to parse CRL: %v", err)
	}
	return crl
}
