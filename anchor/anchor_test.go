package anchor

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"

	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/internal/test"
)

func p224Root(t *testing.T) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P224(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "weak root"},
		NotBefore:             test.Now.AddDate(-1, 0, 0),
		NotAfter:              test.Now.AddDate(1, 0, 0),
		BasicConstraintsValid: true,
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, key.Public(), key)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

func TestNewStoreValidation(t *testing.T) {
	root := test.GetTestCert(t, test.CertOptions{CommonName: "root", IsCA: true}, nil)
	leaf := test.GetTestCert(t, test.CertOptions{CommonName: "leaf"}, root)

	tests := []struct {
		name    string
		anchor  Anchor
		wantErr error
	}{
		{"no certificate", Anchor{Name: "a", Variants: []evidence.Variant{evidence.SGX}}, nil},
		{"no variants", Anchor{Name: "a", Certificate: root.Cert}, nil},
		{"unknown variant", Anchor{Name: "a", Certificate: root.Cert, Variants: []evidence.Variant{evidence.Unknown}}, nil},
		{"not a CA", Anchor{Name: "a", Certificate: leaf.Cert, Variants: []evidence.Variant{evidence.SGX}}, nil},
		{"weak curve", Anchor{Name: "a", Certificate: p224Root(t), Variants: []evidence.Variant{evidence.SGX}}, ErrUnsupportedKey},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewStore(tc.anchor)
			if err == nil {
				t.Fatal("NewStore() succeeded, want error")
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("NewStore() err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestLookup(t *testing.T) {
	intel := test.GetTestCert(t, test.CertOptions{CommonName: "intel", IsCA: true}, nil)
	aws := test.GetTestCert(t, test.CertOptions{CommonName: "aws", IsCA: true, Curve: elliptic.P384()}, nil)
	both := test.GetTestCert(t, test.CertOptions{CommonName: "both", IsCA: true}, nil)

	s, err := NewStore(
		Anchor{Name: "intel", Certificate: intel.Cert, Variants: []evidence.Variant{evidence.SGX, evidence.TDX}},
		Anchor{Name: "aws", Certificate: aws.Cert, Variants: []evidence.Variant{evidence.Nitro}},
		Anchor{Name: "both", Certificate: both.Cert, Variants: []evidence.Variant{evidence.SGX, evidence.Nitro}},
	)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if s.Len() != 3 {
		t.Errorf("Len() = %d, want 3", s.Len())
	}

	names := func(as []Anchor) []string {
		var out []string
		for _, a := range as {
			out = append(out, a.Name)
		}
		return out
	}
	tests := []struct {
		name    string
		variant evidence.Variant
		hint    []byte
		want    []string
	}{
		{"all SGX in order", evidence.SGX, nil, []string{"intel", "both"}},
		{"TDX", evidence.TDX, nil, []string{"intel"}},
		{"Nitro", evidence.Nitro, nil, []string{"aws", "both"}},
		{"none for SEV", evidence.SevSnp, nil, nil},
		{"SPKI hint", evidence.Nitro, KeyID(aws.Cert), []string{"aws"}},
		{"SKI hint", evidence.SGX, both.Cert.SubjectKeyId, []string{"both"}},
		{"hint of other variant", evidence.TDX, KeyID(aws.Cert), nil},
		{"unknown hint", evidence.SGX, []byte{1, 2, 3}, nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := names(s.Lookup(tc.variant, tc.hint))
			if len(got) != len(tc.want) {
				t.Fatalf("Lookup() = %q, want %q", got, tc.want)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Lookup() = %q, want %q", got, tc.want)
				}
			}
		})
	}

	var nilStore *Store
	if got := nilStore.Lookup(evidence.SGX, nil); got != nil {
		t.Errorf("nil store Lookup() = %v, want nil", got)
	}
}

func TestIntermediates(t *testing.T) {
	ark := test.GetTestCert(t, test.CertOptions{CommonName: "ARK", IsCA: true, Curve: elliptic.P384()}, nil)
	ask := test.GetTestCert(t, test.CertOptions{CommonName: "ASK", IsCA: true, Curve: elliptic.P384()}, ark)
	s, err := NewStore(Anchor{Name: "amd", Certificate: ark.Cert, Intermediate: ask.Cert, Variants: []evidence.Variant{evidence.SevSnp}, Product: "Milan"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	got := s.Intermediates(evidence.SevSnp)
	if len(got) != 1 || !got[0].Equal(ask.Cert) {
		t.Errorf("Intermediates() = %v, want the ASK", got)
	}
	if got := s.Intermediates(evidence.SGX); len(got) != 0 {
		t.Errorf("Intermediates(SGX) = %v, want none", got)
	}
}

func TestParsePEM(t *testing.T) {
	a := test.GetTestCert(t, test.CertOptions{CommonName: "a", IsCA: true}, nil)
	b := test.GetTestCert(t, test.CertOptions{CommonName: "b", IsCA: true}, nil)
	anchors, err := ParsePEM("roots", test.PEM(a.Cert, b.Cert), evidence.SGX)
	if err != nil {
		t.Fatalf("failed to parse anchors: %v", err)
	}
	if len(anchors) != 2 || anchors[1].Name != "roots[1]" || !anchors[1].Certificate.Equal(b.Cert) {
		t.Errorf("ParsePEM() = %+v, want roots[0] and roots[1]", anchors)
	}
	if _, err := NewStore(anchors...); err != nil {
		t.Errorf("failed to create store from parsed anchors: %v", err)
	}
	if _, err := ParsePEM("empty", nil, evidence.SGX); err == nil {
		t.Error("ParsePEM() succeeded without certificates")
	}
}
