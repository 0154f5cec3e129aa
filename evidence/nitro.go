package evidence

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
)

const coseSign1Tag = 18

// COSE header labels and algorithm identifiers used by Nitro documents.
const (
	CoseHeaderAlg = 1
	CoseAlgES384  = -35
)

// NitroDocument is a decoded AWS Nitro Enclaves attestation document together
// with the COSE_Sign1 envelope that signs it.
type NitroDocument struct {
	ModuleID string
	Digest   string
	Time     time.Time
	PCRs     map[int][]byte
	// Certificate is the enclave leaf certificate that signed the document.
	Certificate *x509.Certificate
	// CABundle is the issuing chain as carried in the document: root first,
	// ending with the issuer of Certificate.
	CABundle  []*x509.Certificate
	PublicKey []byte
	UserData  []byte
	Nonce     []byte

	// Protected is the serialized protected header bucket.
	Protected []byte
	// Payload is the serialized attestation document.
	Payload []byte
	// Signature is the raw r||s COSE signature.
	Signature []byte
}

// coseSign1 is the untagged COSE_Sign1 array.
type coseSign1 struct {
	_           struct{} `cbor:",toarray"`
	Protected   []byte
	Unprotected cbor.RawMessage
	Payload     []byte
	Signature   []byte
}

type nitroPayload struct {
	ModuleID    string          `cbor:"module_id"`
	Digest      string          `cbor:"digest"`
	Timestamp   uint64          `cbor:"timestamp"`
	PCRs        map[uint][]byte `cbor:"pcrs"`
	Certificate []byte          `cbor:"certificate"`
	CABundle    [][]byte        `cbor:"cabundle"`
	PublicKey   []byte          `cbor:"public_key,omitempty"`
	UserData    []byte          `cbor:"user_data,omitempty"`
	Nonce       []byte          `cbor:"nonce,omitempty"`
}

func (*NitroDocument) isEvidence() {}

// Variant returns Nitro.
func (d *NitroDocument) Variant() Variant {
	if d == nil {
		return Unknown
	}
	return Nitro
}

// ReportData returns the document's user_data field.
func (d *NitroDocument) ReportData() []byte { return cloneBytes(d.UserData) }

// Timestamp returns the document timestamp.
func (d *NitroDocument) Timestamp() time.Time { return d.Time }

// Measurements returns the PCRs in index order.
func (d *NitroDocument) Measurements() MeasurementSet {
	idx := make([]int, 0, len(d.PCRs))
	for i := range d.PCRs {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	var m MeasurementSet
	for _, i := range idx {
		m.Registers = append(m.Registers, Measurement{Name: PcrName(i), Value: cloneBytes(d.PCRs[i])})
	}
	return m
}

// SigStructure returns the COSE Sig_structure the document signature covers.
func (d *NitroDocument) SigStructure() ([]byte, error) {
	return cbor.Marshal([]any{"Signature1", d.Protected, []byte{}, d.Payload})
}

// Algorithm returns the signature algorithm from the protected header.
func (d *NitroDocument) Algorithm() (int64, error) {
	var hdr map[int64]cbor.RawMessage
	if err := cbor.Unmarshal(d.Protected, &hdr); err != nil {
		return 0, fmt.Errorf("failed to decode protected header: %w", err)
	}
	raw, ok := hdr[CoseHeaderAlg]
	if !ok {
		return 0, errors.New("protected header has no algorithm")
	}
	var alg int64
	if err := cbor.Unmarshal(raw, &alg); err != nil {
		return 0, fmt.Errorf("failed to decode algorithm: %w", err)
	}
	return alg, nil
}

// ParseNitroDocument decodes a (possibly tagged) COSE_Sign1 Nitro attestation
// document.
func ParseNitroDocument(raw []byte) (*NitroDocument, error) {
	d, err := parseNitroDocument(raw)
	if err != nil {
		return nil, &DecodeError{Variant: Nitro, Err: err}
	}
	return d, nil
}

func parseNitroDocument(raw []byte) (*NitroDocument, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty document")
	}
	var tagged cbor.RawTag
	if err := cbor.Unmarshal(raw, &tagged); err == nil {
		if tagged.Number != coseSign1Tag {
			return nil, fmt.Errorf("unexpected CBOR tag %d", tagged.Number)
		}
		raw = tagged.Content
	}
	var msg coseSign1
	if err := cbor.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode COSE_Sign1: %w", err)
	}
	if len(msg.Payload) == 0 {
		return nil, errors.New("COSE_Sign1 has no payload")
	}
	var p nitroPayload
	if err := cbor.Unmarshal(msg.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to decode attestation document: %w", err)
	}
	if p.ModuleID == "" {
		return nil, errors.New("attestation document has no module_id")
	}
	if len(p.PCRs) == 0 {
		return nil, errors.New("attestation document has no PCRs")
	}
	if len(p.Certificate) == 0 {
		return nil, errors.New("attestation document has no certificate")
	}
	d := &NitroDocument{
		ModuleID:  p.ModuleID,
		Digest:    p.Digest,
		Time:      time.UnixMilli(int64(p.Timestamp)).UTC(),
		PCRs:      make(map[int][]byte, len(p.PCRs)),
		PublicKey: p.PublicKey,
		UserData:  p.UserData,
		Nonce:     p.Nonce,
		Protected: msg.Protected,
		Payload:   msg.Payload,
		Signature: msg.Signature,
	}
	for i, v := range p.PCRs {
		d.PCRs[int(i)] = v
	}
	leaf, err := x509.ParseCertificate(p.Certificate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	d.Certificate = leaf
	for i, der := range p.CABundle {
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("failed to parse cabundle[%d]: %w", i, err)
		}
		d.CABundle = append(d.CABundle, c)
	}
	return d, nil
}
