// Package collateral holds the Intel PCS collateral used to judge DCAP quotes:
// TCB info and QE identity, each kept together with the exact signed JSON
// body so its signature can be checked without re-serialization.
package collateral

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tdx-guest/pcs"
)

// Collateral is the verification material for one Intel quote.
type Collateral struct {
	TcbInfo    *TcbInfo
	QeIdentity *QeIdentity
	// TcbSigningChain is the "Intel SGX TCB Signing" certificate chain, leaf
	// first, that signed TcbInfo and QeIdentity.
	TcbSigningChain []*x509.Certificate
	// PckCrl is the optional revocation list issued by the PCK platform or
	// processor CA.
	PckCrl *x509.RevocationList
}

// Signed is a collateral element whose signature covers a raw JSON body.
type Signed struct {
	// Body is the exact JSON value that was signed.
	Body []byte
	// Signature is the raw r||s ECDSA P-256 signature over sha256(Body).
	Signature  []byte
	IssueDate  time.Time
	NextUpdate time.Time
}

// ValidAt reports whether t falls within [IssueDate, NextUpdate].
func (s *Signed) ValidAt(t time.Time) bool {
	return !t.Before(s.IssueDate) && !t.After(s.NextUpdate)
}

// TcbInfo is a parsed TCB info structure.
type TcbInfo struct {
	Signed
	Info pcs.TdxTcbInfo
}

// QeIdentity is a parsed QE identity structure.
type QeIdentity struct {
	Signed
	Identity pcs.QeIdentity
}

// Errors returned when parsing collateral.
var (
	ErrMissingBody      = errors.New("collateral body missing")
	ErrMissingSignature = errors.New("collateral signature missing")
)

type window struct {
	IssueDate  time.Time `json:"issueDate"`
	NextUpdate time.Time `json:"nextUpdate"`
}

// extractSigned splits a PCS response of the form {"<key>": {...},
// "signature": "<hex>"} into the raw signed body and the signature.
func extractSigned(raw []byte, key string) (Signed, error) {
	var envelope map[string]json.RawMessage
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Signed{}, fmt.Errorf("failed to decode collateral: %w", err)
	}
	body, ok := envelope[key]
	if !ok || len(body) == 0 {
		return Signed{}, fmt.Errorf("%q: %w", key, ErrMissingBody)
	}
	var sigHex string
	if err := json.Unmarshal(envelope["signature"], &sigHex); err != nil || sigHex == "" {
		return Signed{}, ErrMissingSignature
	}
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return Signed{}, fmt.Errorf("failed to decode signature: %w", err)
	}
	var w window
	if err := json.Unmarshal(body, &w); err != nil {
		return Signed{}, fmt.Errorf("failed to decode validity window: %w", err)
	}
	if w.IssueDate.IsZero() || w.NextUpdate.IsZero() {
		return Signed{}, errors.New("collateral has no validity window")
	}
	if w.NextUpdate.Before(w.IssueDate) {
		return Signed{}, fmt.Errorf("nextUpdate %v is before issueDate %v", w.NextUpdate, w.IssueDate)
	}
	return Signed{
		Body:       []byte(body),
		Signature:  sig,
		IssueDate:  w.IssueDate,
		NextUpdate: w.NextUpdate,
	}, nil
}

// ParseTcbInfo parses a PCS TCB info response for either SGX or TDX.
func ParseTcbInfo(raw []byte) (*TcbInfo, error) {
	signed, err := extractSigned(raw, "tcbInfo")
	if err != nil {
		return nil, fmt.Errorf("tcbInfo: %w", err)
	}
	t := &TcbInfo{Signed: signed}
	if err := json.Unmarshal(raw, &t.Info); err != nil {
		return nil, fmt.Errorf("tcbInfo: failed to parse: %w", err)
	}
	if len(t.Info.TcbInfo.TcbLevels) == 0 {
		return nil, errors.New("tcbInfo: no TCB levels")
	}
	return t, nil
}

// ParseQeIdentity parses a PCS QE identity response.
func ParseQeIdentity(raw []byte) (*QeIdentity, error) {
	signed, err := extractSigned(raw, "enclaveIdentity")
	if err != nil {
		return nil, fmt.Errorf("enclaveIdentity: %w", err)
	}
	q := &QeIdentity{Signed: signed}
	if err := json.Unmarshal(raw, &q.Identity); err != nil {
		return nil, fmt.Errorf("enclaveIdentity: failed to parse: %w", err)
	}
	if len(q.Identity.EnclaveIdentity.TcbLevels) == 0 {
		return nil, errors.New("enclaveIdentity: no TCB levels")
	}
	return q, nil
}

// ParseCRL parses a DER or PEM encoded certificate revocation list.
func ParseCRL(raw []byte) (*x509.RevocationList, error) {
	crl, err := x509.ParseRevocationList(raw)
	if err == nil {
		return crl, nil
	}
	if der := pemBlock(raw, "X509 CRL"); der != nil {
		return x509.ParseRevocationList(der)
	}
	return nil, fmt.Errorf("failed to parse CRL: %w", err)
}
