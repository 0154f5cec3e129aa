package check

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/internal/test"
)

// intelFixture is a trusted Intel hierarchy with collateral for the default
// platform.
type intelFixture struct {
	pki   *test.IntelPKI
	store *anchor.Store
}

func newIntelFixture(t *testing.T) *intelFixture {
	t.Helper()
	pki := test.NewIntelPKI(t, test.DefaultPlatform())
	store, err := anchor.NewStore(anchor.Anchor{
		Name:        "intel",
		Variants:    []evidence.Variant{evidence.SGX, evidence.TDX},
		Certificate: pki.Root.Cert,
	})
	if err != nil {
		t.Fatalf("failed to create anchor store: %v", err)
	}
	return &intelFixture{pki: pki, store: store}
}

func (f *intelFixture) quote(t *testing.T, opts test.QuoteOptions) *evidence.IntelQuote {
	t.Helper()
	raw := f.pki.NewQuote(t, opts)
	parse := evidence.ParseSgxQuote
	if opts.TDX {
		parse = evidence.ParseTdxQuote
	}
	q, err := parse(raw)
	if err != nil {
		t.Fatalf("failed to parse quote: %v", err)
	}
	return q
}

func (f *intelFixture) collateral(t *testing.T, tcb test.TcbInfoOptions, qe test.QeIdentityOptions) *collateral.Collateral {
	t.Helper()
	info, err := collateral.ParseTcbInfo(f.pki.SignedTcbInfo(t, tcb))
	if err != nil {
		t.Fatalf("failed to parse TCB info: %v", err)
	}
	id, err := collateral.ParseQeIdentity(f.pki.SignedQeIdentity(t, qe))
	if err != nil {
		t.Fatalf("failed to parse QE identity: %v", err)
	}
	return &collateral.Collateral{
		TcbInfo:         info,
		QeIdentity:      id,
		TcbSigningChain: f.pki.SigningChain(),
	}
}

// input returns an input for a default quote with up-to-date collateral.
func (f *intelFixture) input(t *testing.T, tdx bool) *Input {
	t.Helper()
	opts := test.DefaultSgxQuote()
	if tdx {
		opts = test.DefaultTdxQuote()
	}
	return &Input{
		Evidence:   f.quote(t, opts),
		Collateral: f.collateral(t, test.DefaultTcbInfo(tdx, "UpToDate"), test.DefaultQeIdentity(tdx, "UpToDate")),
		Anchors:    f.store,
		Now:        test.Now,
	}
}

func run(t *testing.T, id ID, in *Input) Result {
	t.Helper()
	v, err := Lookup(id, in.Evidence.Variant())
	if err != nil {
		t.Fatalf("failed to look up %s: %v", id, err)
	}
	return v.Check(in)
}

func wantResult(t *testing.T, got Result, status Status, reason Reason) {
	t.Helper()
	if got.Status != status || got.Reason != reason {
		t.Errorf("got %v/%s (%s), want %v/%s", got.Status, got.Reason, got.Explanation, status, reason)
	}
}

func TestLookup(t *testing.T) {
	tests := []struct {
		id      ID
		variant evidence.Variant
		wantErr error
	}{
		{Signature, evidence.SGX, nil},
		{CertChain, evidence.SevSnp, nil},
		{TcbStatus, evidence.TDX, nil},
		{TcbStatus, evidence.Nitro, ErrUnsupportedVariant},
		{QeIdentity, evidence.SevSnp, ErrUnsupportedVariant},
		{NitroDocument, evidence.Nitro, nil},
		{NitroDocument, evidence.SGX, ErrUnsupportedVariant},
		{Measurement, evidence.Unknown, ErrUnsupportedVariant},
		{"attestation", evidence.SGX, ErrUnknownVerifier},
	}
	for _, tc := range tests {
		t.Run(string(tc.id)+"/"+tc.variant.String(), func(t *testing.T) {
			_, err := Lookup(tc.id, tc.variant)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("Lookup() err = %v, want %v", err, tc.wantErr)
			}
			if got := Supports(tc.id, tc.variant); got != (tc.wantErr == nil) {
				t.Errorf("Supports() = %v, want %v", got, tc.wantErr == nil)
			}
		})
	}

	want := []ID{CertChain, Freshness, Measurement, NitroDocument, QeIdentity, ReportData, Signature, TcbStatus}
	if diff := cmp.Diff(want, IDs()); diff != "" {
		t.Errorf("IDs() differs (-want +got):\n%s", diff)
	}
}

func TestVerifierRejectsOtherEvidence(t *testing.T) {
	v, err := Lookup(Signature, evidence.SGX)
	if err != nil {
		t.Fatalf("failed to look up verifier: %v", err)
	}
	nitro := test.NewNitroPKI(t)
	doc, err := evidence.ParseNitroDocument(nitro.NewDocument(t, test.NitroOptions{}))
	if err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	wantResult(t, v.Check(&Input{Evidence: doc, Now: test.Now}), Fail, MalformedEvidence)
	wantResult(t, v.Check(&Input{Now: test.Now}), Fail, MalformedEvidence)
	var nilQuote *evidence.IntelQuote
	wantResult(t, v.Check(&Input{Evidence: nilQuote, Now: test.Now}), Fail, MalformedEvidence)
}

func TestResultWith(t *testing.T) {
	r := Passed("ok").With("a", "1")
	r2 := r.With("b", "2")
	if len(r.Details) != 1 {
		t.Errorf("With modified the original result: %v", r.Details)
	}
	if diff := cmp.Diff(map[string]string{"a": "1", "b": "2"}, r2.Details); diff != "" {
		t.Errorf("Details differ (-want +got):\n%s", diff)
	}
}

func TestStatusText(t *testing.T) {
	for _, s := range []Status{Pass, Advisory, Fail} {
		text, _ := s.MarshalText()
		var got Status
		if err := got.UnmarshalText(text); err != nil || got != s {
			t.Errorf("round trip of %v gave %v, %v", s, got, err)
		}
	}
	var s Status
	if err := s.UnmarshalText([]byte("MAYBE")); err == nil {
		t.Error("UnmarshalText accepted an unknown status")
	}
}
