package test

import (
	"crypto/elliptic"
	"crypto/sha512"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// NitroPKI is an AWS-style hierarchy: a root, one intermediate and the
// enclave leaf that signs attestation documents. All keys are P-384.
type NitroPKI struct {
	Root         *KeyPair
	Intermediate *KeyPair
	Leaf         *KeyPair
}

// NewNitroPKI creates a Nitro certificate hierarchy.
func NewNitroPKI(t *testing.T) *NitroPKI {
	t.Helper()
	root := GetTestCert(t, CertOptions{CommonName: "aws.nitro-enclaves", IsCA: true, Curve: elliptic.P384()}, nil)
	inter := GetTestCert(t, CertOptions{CommonName: "zonal.us-east-1.aws.nitro-enclaves", IsCA: true, Curve: elliptic.P384()}, root)
	leaf := GetTestCert(t, CertOptions{CommonName: "i-0123456789abcdef0.us-east-1.aws.nitro-enclaves", Curve: elliptic.P384()}, inter)
	return &NitroPKI{Root: root, Intermediate: inter, Leaf: leaf}
}

// NitroOptions describes an attestation document.
type NitroOptions struct {
	PCRs      map[uint][]byte
	UserData  []byte
	Nonce     []byte
	Timestamp time.Time
	// Untagged omits the COSE_Sign1 CBOR tag.
	Untagged bool
	// Algorithm overrides ES384 in the protected header.
	Algorithm int64
}

// DefaultNitroPCRs returns PCR0 through PCR2 filled with known bytes.
func DefaultNitroPCRs() map[uint][]byte {
	pcrs := make(map[uint][]byte)
	for i := uint(0); i < 3; i++ {
		v := make([]byte, 48)
		for j := range v {
			v[j] = byte(0xa0 + i)
		}
		pcrs[i] = v
	}
	return pcrs
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

// NewDocument builds a COSE_Sign1 attestation document signed by the leaf.
func (p *NitroPKI) NewDocument(t *testing.T, o NitroOptions) []byte {
	t.Helper()
	if o.PCRs == nil {
		o.PCRs = DefaultNitroPCRs()
	}
	if o.Timestamp.IsZero() {
		o.Timestamp = Now.Add(-time.Minute)
	}
	if o.Algorithm == 0 {
		o.Algorithm = -35
	}
	protected, err := cbor.Marshal(map[int64]int64{1: o.Algorithm})
	if err != nil {
		t.Fatalf("failed to marshal protected header: %v", err)
	}
	payload, err := cbor.Marshal(nitroPayload{
		ModuleID:    "i-0123456789abcdef0-enc0123456789abcdef",
		Digest:      "SHA384",
		Timestamp:   uint64(o.Timestamp.UnixMilli()),
		PCRs:        o.PCRs,
		Certificate: p.Leaf.Cert.Raw,
		CABundle:    [][]byte{p.Root.Cert.Raw, p.Intermediate.Cert.Raw},
		UserData:    o.UserData,
		Nonce:       o.Nonce,
	})
	if err != nil {
		t.Fatalf("failed to marshal attestation document: %v", err)
	}
	tbs, err := cbor.Marshal([]any{"Signature1", protected, []byte{}, payload})
	if err != nil {
		t.Fatalf("failed to marshal Sig_structure: %v", err)
	}
	digest := sha512.Sum384(tbs)
	sig := SignRaw(t, p.Leaf.Key, digest[:])

	msg := []any{protected, map[int64]any{}, payload, sig}
	var out []byte
	if o.Untagged {
		out, err = cbor.Marshal(msg)
	} else {
		out, err = cbor.Marshal(cbor.Tag{Number: 18, Content: msg})
	}
	if err != nil {
		t.Fatalf("failed to marshal COSE_Sign1: %v", err)
	}
	return out
}
