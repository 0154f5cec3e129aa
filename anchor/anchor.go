// Package anchor implements the trust anchor store: the root certificates a
// relying party is willing to trust, grouped by the evidence variants they may
// vouch for.
package anchor

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/google/go-tee-verifier/evidence"
	"go.uber.org/multierr"
)

const minRSABits = 2048

// Anchor is a single trusted root.
type Anchor struct {
	Name        string
	Variants    []evidence.Variant
	Certificate *x509.Certificate
	// Intermediate is the AMD ASK for SEV-SNP anchors. Unused otherwise.
	Intermediate *x509.Certificate
	// Product is the AMD product line (for example "Milan") for SEV-SNP anchors.
	Product string
}

// KeyID returns the SHA-256 digest of the anchor's SubjectPublicKeyInfo.
func (a Anchor) KeyID() []byte {
	return KeyID(a.Certificate)
}

// KeyID returns the SHA-256 digest of a certificate's SubjectPublicKeyInfo.
func KeyID(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return sum[:]
}

// Supports reports whether the anchor may vouch for the variant.
func (a Anchor) Supports(v evidence.Variant) bool {
	for _, av := range a.Variants {
		if av == v {
			return true
		}
	}
	return false
}

// matches reports whether hint identifies the anchor, either by SPKI digest or
// by subject key identifier.
func (a Anchor) matches(hint []byte) bool {
	if len(hint) == 0 {
		return true
	}
	if bytes.Equal(hint, a.KeyID()) {
		return true
	}
	return len(a.Certificate.SubjectKeyId) > 0 && bytes.Equal(hint, a.Certificate.SubjectKeyId)
}

// Store is an immutable set of trust anchors. It is safe for concurrent use.
type Store struct {
	anchors []Anchor
}

// NewStore validates and stores the anchors in configuration order.
func NewStore(anchors ...Anchor) (*Store, error) {
	var errs error
	for i, a := range anchors {
		if err := validate(a); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("anchor %d (%q): %w", i, a.Name, err))
		}
	}
	if errs != nil {
		return nil, errs
	}
	s := &Store{anchors: make([]Anchor, len(anchors))}
	for i, a := range anchors {
		a.Variants = append([]evidence.Variant(nil), a.Variants...)
		s.anchors[i] = a
	}
	return s, nil
}

func validate(a Anchor) error {
	if a.Certificate == nil {
		return errors.New("no certificate")
	}
	var errs error
	if len(a.Variants) == 0 {
		errs = multierr.Append(errs, errors.New("no evidence variants"))
	}
	for _, v := range a.Variants {
		if _, err := evidence.ParseVariant(v.String()); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if err := checkKey(a.Certificate); err != nil {
		errs = multierr.Append(errs, err)
	}
	if !a.Certificate.BasicConstraintsValid || !a.Certificate.IsCA {
		errs = multierr.Append(errs, errors.New("certificate is not a CA"))
	}
	if a.Intermediate != nil {
		if err := checkKey(a.Intermediate); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("intermediate: %w", err))
		}
	}
	return errs
}

// ErrUnsupportedKey is returned for anchors whose key algorithm or size is not
// accepted.
var ErrUnsupportedKey = errors.New("unsupported anchor key")

func checkKey(cert *x509.Certificate) error {
	switch pub := cert.PublicKey.(type) {
	case *ecdsa.PublicKey:
		if pub.Curve != elliptic.P256() && pub.Curve != elliptic.P384() {
			return fmt.Errorf("%w: ECDSA curve %s", ErrUnsupportedKey, pub.Curve.Params().Name)
		}
	case *rsa.PublicKey:
		if pub.N.BitLen() < minRSABits {
			return fmt.Errorf("%w: RSA key of %d bits", ErrUnsupportedKey, pub.N.BitLen())
		}
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, cert.PublicKey)
	}
	return nil
}

// Len returns the number of anchors.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.anchors)
}

// Lookup returns the anchors for the variant that match keyIDHint, in
// configuration order. An empty hint matches every anchor of the variant.
func (s *Store) Lookup(v evidence.Variant, keyIDHint []byte) []Anchor {
	if s == nil {
		return nil
	}
	var out []Anchor
	for _, a := range s.anchors {
		if a.Supports(v) && a.matches(keyIDHint) {
			out = append(out, a)
		}
	}
	return out
}

// Intermediates returns the intermediate certificates configured for the
// variant's anchors, such as the AMD ASK.
func (s *Store) Intermediates(v evidence.Variant) []*x509.Certificate {
	var out []*x509.Certificate
	for _, a := range s.Lookup(v, nil) {
		if a.Intermediate != nil {
			out = append(out, a.Intermediate)
		}
	}
	return out
}

// ParsePEM reads every certificate in data as an anchor for the variants.
// Certificates are named name[0], name[1], ...
func ParsePEM(name string, data []byte, variants ...evidence.Variant) ([]Anchor, error) {
	var anchors []Anchor
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%s: failed to parse certificate %d: %w", name, len(anchors), err)
		}
		anchors = append(anchors, Anchor{
			Name:        fmt.Sprintf("%s[%d]", name, len(anchors)),
			Variants:    variants,
			Certificate: cert,
		})
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("%s: no certificates found", name)
	}
	return anchors, nil
}
