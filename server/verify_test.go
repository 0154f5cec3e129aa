package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/internal/test"
	"github.com/google/go-tee-verifier/policy"
)

var deadbeef = []byte{0xde, 0xad, 0xbe, 0xef}

type sgxSetup struct {
	pki        *test.IntelPKI
	store      *anchor.Store
	quote      test.QuoteOptions
	reportData []byte
}

func newSgxSetup(t *testing.T) *sgxSetup {
	t.Helper()
	pki := test.NewIntelPKI(t, test.DefaultPlatform())
	store, err := anchor.NewStore(anchor.Anchor{
		Name:        "intel-root",
		Variants:    []evidence.Variant{evidence.SGX, evidence.TDX},
		Certificate: pki.Root.Cert,
	})
	if err != nil {
		t.Fatalf("failed to create anchor store: %v", err)
	}
	reportData, err := ReportDataFromNonce(deadbeef)
	if err != nil {
		t.Fatalf("failed to build report data: %v", err)
	}
	q := test.DefaultSgxQuote()
	copy(q.ReportData[:], reportData)
	return &sgxSetup{pki: pki, store: store, quote: q, reportData: reportData}
}

func (s *sgxSetup) collateral(t *testing.T, tcbStatus string) *collateral.Collateral {
	t.Helper()
	info, err := collateral.ParseTcbInfo(s.pki.SignedTcbInfo(t, test.DefaultTcbInfo(false, tcbStatus)))
	if err != nil {
		t.Fatalf("failed to parse TCB info: %v", err)
	}
	qe, err := collateral.ParseQeIdentity(s.pki.SignedQeIdentity(t, test.DefaultQeIdentity(false, "UpToDate")))
	if err != nil {
		t.Fatalf("failed to parse QE identity: %v", err)
	}
	return &collateral.Collateral{TcbInfo: info, QeIdentity: qe, TcbSigningChain: s.pki.SigningChain()}
}

func (s *sgxSetup) evidence(t *testing.T) *evidence.IntelQuote {
	t.Helper()
	q, err := evidence.ParseSgxQuote(s.pki.NewQuote(t, s.quote))
	if err != nil {
		t.Fatalf("failed to parse quote: %v", err)
	}
	return q
}

// policy checks the chain, signature, TCB, measurement and report data.
func (s *sgxSetup) policy(t *testing.T) *policy.Policy {
	t.Helper()
	root := policy.And(
		policy.Leaf(check.CertChain),
		policy.Leaf(check.Signature),
		policy.Leaf(check.TcbStatus),
		policy.Leaf(check.Measurement),
		policy.Leaf(check.ReportData),
	)
	p, err := policy.New("sgx", evidence.SGX, root, check.Reference{
		Measurements: check.MeasurementPolicy{
			Allowed: []check.Identity{{evidence.MrEnclave: s.quote.MrEnclave[:]}},
		},
	})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	return p
}

func (s *sgxSetup) opts() *VerifyOpts {
	return &VerifyOpts{Now: test.Now, ReportData: s.reportData}
}

func TestVerifySgxAccepted(t *testing.T) {
	s := newSgxSetup(t)
	verdict, err := Verify(s.evidence(t), s.collateral(t, "UpToDate"), s.store, s.policy(t), s.opts())
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if verdict.Kind != Accepted {
		t.Fatalf("verdict = %v, want ACCEPTED", verdict)
	}
	if len(verdict.Trail) != 5 {
		t.Fatalf("trail has %d entries, want 5", len(verdict.Trail))
	}
	for _, r := range verdict.Trail {
		if r.Status != check.Pass {
			t.Errorf("%s at %s: %v (%s), want PASS", r.Verifier, r.Path, r.Status, r.Explanation)
		}
	}
	if verdict.Primary != nil || len(verdict.Advisories) != 0 {
		t.Errorf("accepted verdict has primary %v and advisories %v", verdict.Primary, verdict.Advisories)
	}
	if !verdict.Accepted() || verdict.String() != "ACCEPTED" {
		t.Errorf("Accepted() = %v, String() = %q", verdict.Accepted(), verdict.String())
	}
}

func TestVerifySgxTcb(t *testing.T) {
	tests := []struct {
		status     string
		want       Kind
		wantReason check.Reason
	}{
		{"UpToDate", Accepted, ""},
		{"Revoked", Rejected, check.TcbRevoked},
		{"OutOfDate", Rejected, check.TcbOutOfDate},
		{"ConfigurationNeeded", AcceptedWithAdvisories, check.TcbConfigNeeded},
		{"SWHardeningNeeded", AcceptedWithAdvisories, check.TcbSwHardeningNeeded},
	}
	s := newSgxSetup(t)
	for _, tc := range tests {
		t.Run(tc.status, func(t *testing.T) {
			verdict, err := Verify(s.evidence(t), s.collateral(t, tc.status), s.store, s.policy(t), s.opts())
			if err != nil {
				t.Fatalf("failed to verify: %v", err)
			}
			if verdict.Kind != tc.want {
				t.Fatalf("verdict = %v, want %v", verdict, tc.want)
			}
			switch tc.want {
			case Rejected:
				if verdict.Primary == nil || verdict.Primary.Reason != tc.wantReason {
					t.Fatalf("primary = %+v, want reason %s", verdict.Primary, tc.wantReason)
				}
				if verdict.Primary.Verifier != check.TcbStatus {
					t.Errorf("primary verifier = %s, want tcb-status", verdict.Primary.Verifier)
				}
			case AcceptedWithAdvisories:
				if len(verdict.Advisories) != 1 || verdict.Advisories[0].Reason != tc.wantReason {
					t.Fatalf("advisories = %+v, want one %s", verdict.Advisories, tc.wantReason)
				}
				if verdict.Advisories[0].Severity != check.MustAcknowledge {
					t.Errorf("advisory severity = %v, want MUST_ACKNOWLEDGE", verdict.Advisories[0].Severity)
				}
			}
		})
	}
}

func TestVerifyRawCollectedAt(t *testing.T) {
	s := newSgxSetup(t)
	pol, err := policy.Standard(evidence.SGX, check.Reference{
		Measurements: check.MeasurementPolicy{
			Allowed: []check.Identity{{evidence.MrEnclave: s.quote.MrEnclave[:]}},
		},
		Freshness: check.FreshnessPolicy{MaxEvidenceAge: 5 * time.Minute},
	})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	raw := s.pki.NewQuote(t, s.quote)

	tests := []struct {
		name        string
		collectedAt time.Time
		want        Kind
		wantReason  check.Reason
	}{
		{"fresh", test.Now.Add(-time.Minute), Accepted, ""},
		{"stale", test.Now.Add(-time.Hour), Rejected, check.Stale},
		{"from the future", test.Now.Add(time.Hour), Rejected, check.Stale},
		{"not given", time.Time{}, Rejected, check.MissingTimestamp},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			opts := s.opts()
			opts.CollectedAt = tc.collectedAt
			verdict, err := VerifyRaw(raw, s.collateral(t, "UpToDate"), s.store, pol, opts)
			if err != nil {
				t.Fatalf("failed to verify: %v", err)
			}
			if verdict.Kind != tc.want {
				t.Fatalf("verdict = %v, want %v", verdict, tc.want)
			}
			if tc.want == Rejected && (verdict.Primary.Verifier != check.Freshness || verdict.Primary.Reason != tc.wantReason) {
				t.Errorf("primary = %s/%s, want %s/%s", verdict.Primary.Verifier, verdict.Primary.Reason, check.Freshness, tc.wantReason)
			}
		})
	}

	t.Run("caller evidence is unchanged", func(t *testing.T) {
		ev := s.evidence(t)
		opts := s.opts()
		opts.CollectedAt = test.Now.Add(-time.Minute)
		if _, err := Verify(ev, s.collateral(t, "UpToDate"), s.store, pol, opts); err != nil {
			t.Fatalf("failed to verify: %v", err)
		}
		if !ev.CollectedAt.IsZero() {
			t.Errorf("Verify() set CollectedAt on the caller's quote to %v", ev.CollectedAt)
		}
	})
}

func TestVerifyChainFailureKeepsTrail(t *testing.T) {
	s := newSgxSetup(t)
	other := test.NewIntelPKI(t, test.DefaultPlatform())
	q := s.evidence(t)
	q.PCKChain = append(q.PCKChain[:1:1], other.Platform.Cert, s.pki.Root.Cert)

	verdict, err := Verify(q, s.collateral(t, "UpToDate"), s.store, s.policy(t), s.opts())
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if verdict.Kind != Rejected {
		t.Fatalf("verdict = %v, want REJECTED", verdict)
	}
	if len(verdict.Trail) != 5 {
		t.Fatalf("trail has %d entries, want 5", len(verdict.Trail))
	}
	if got := verdict.Trail[0]; got.Verifier != check.CertChain || got.Reason != check.ChainBroken {
		t.Errorf("first trail entry = %s/%s, want cert-chain/ChainBroken", got.Verifier, got.Reason)
	}
	if verdict.Primary.Reason != check.ChainBroken {
		t.Errorf("primary reason = %s, want ChainBroken", verdict.Primary.Reason)
	}
	if got := verdict.Trail[3]; got.Verifier != check.Measurement || got.Status != check.Pass {
		t.Errorf("measurement was not evaluated independently: %+v", got)
	}
}

func TestVerifyReportDataMismatch(t *testing.T) {
	s := newSgxSetup(t)
	opts := s.opts()
	opts.ReportData = bytes.Clone(s.reportData)
	opts.ReportData[3] ^= 0x01

	verdict, err := Verify(s.evidence(t), s.collateral(t, "UpToDate"), s.store, s.policy(t), opts)
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if verdict.Kind != Rejected || verdict.Primary.Reason != check.ReportDataMismatch {
		t.Errorf("verdict = %v, want REJECTED with ReportDataMismatch", verdict)
	}
}

func TestVerifyNitroPCRMismatch(t *testing.T) {
	pki := test.NewNitroPKI(t)
	store, err := anchor.NewStore(anchor.Anchor{Name: "aws", Variants: []evidence.Variant{evidence.Nitro}, Certificate: pki.Root.Cert})
	if err != nil {
		t.Fatalf("failed to create anchor store: %v", err)
	}
	raw := pki.NewDocument(t, test.NitroOptions{UserData: deadbeef})
	wrongPCR0 := bytes.Repeat([]byte{0xff}, 48)
	pol, err := policy.Standard(evidence.Nitro, check.Reference{Measurements: check.MeasurementPolicy{
		Allowed: []check.Identity{{"PCR0": wrongPCR0}},
	}})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}

	verdict, err := VerifyRaw(raw, nil, store, pol, &VerifyOpts{Now: test.Now, ReportData: deadbeef})
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if verdict.Kind != Rejected {
		t.Fatalf("verdict = %v, want REJECTED", verdict)
	}
	if verdict.Primary.Reason != check.MeasurementMismatch || verdict.Primary.Verifier != check.Measurement {
		t.Errorf("primary = %s/%s, want measurement/MeasurementMismatch", verdict.Primary.Verifier, verdict.Primary.Reason)
	}
	for _, r := range verdict.Trail {
		if r.Verifier != check.Measurement && r.Status != check.Pass {
			t.Errorf("%s: %v (%s), want PASS", r.Verifier, r.Status, r.Explanation)
		}
	}
}

func TestVerifyTdxStandardPolicy(t *testing.T) {
	pki := test.NewIntelPKI(t, test.DefaultPlatform())
	store, err := anchor.NewStore(anchor.Anchor{Name: "intel", Variants: []evidence.Variant{evidence.TDX}, Certificate: pki.Root.Cert})
	if err != nil {
		t.Fatalf("failed to create anchor store: %v", err)
	}
	opts := test.DefaultTdxQuote()
	copy(opts.ReportData[:], deadbeef)
	raw := pki.NewQuote(t, opts)

	info, err := collateral.ParseTcbInfo(pki.SignedTcbInfo(t, test.DefaultTcbInfo(true, "UpToDate")))
	if err != nil {
		t.Fatalf("failed to parse TCB info: %v", err)
	}
	qe, err := collateral.ParseQeIdentity(pki.SignedQeIdentity(t, test.DefaultQeIdentity(true, "UpToDate")))
	if err != nil {
		t.Fatalf("failed to parse QE identity: %v", err)
	}
	col := &collateral.Collateral{TcbInfo: info, QeIdentity: qe, TcbSigningChain: pki.SigningChain()}

	pol, err := policy.Standard(evidence.TDX, check.Reference{Measurements: check.MeasurementPolicy{
		Allowed: []check.Identity{{evidence.MrTd: opts.MrTd[:], "RTMR0": opts.Rtmrs[0][:]}},
	}})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	reportData, _ := ReportDataFromNonce(deadbeef)

	var verdicts []*Verdict
	for _, parallelism := range []int{0, 4} {
		verdict, err := VerifyRaw(raw, col, store, pol, &VerifyOpts{Now: test.Now, ReportData: reportData, Parallelism: parallelism})
		if err != nil {
			t.Fatalf("failed to verify: %v", err)
		}
		if verdict.Kind != Accepted {
			t.Fatalf("verdict = %v, want ACCEPTED: %+v", verdict, verdict.Trail)
		}
		if len(verdict.Trail) != 7 {
			t.Errorf("trail has %d entries, want 7", len(verdict.Trail))
		}
		verdicts = append(verdicts, verdict)
	}
	if diff := cmp.Diff(verdicts[0], verdicts[1]); diff != "" {
		t.Errorf("parallel verdict differs (-sequential +parallel):\n%s", diff)
	}
}

func TestVerifyThresholdRejectingAdvisories(t *testing.T) {
	s := newSgxSetup(t)
	root := policy.And(
		policy.Leaf(check.CertChain),
		policy.Threshold(2, policy.NoCredit, policy.Leaf(check.TcbStatus), policy.Leaf(check.Measurement)),
	)
	pol, err := policy.New("strict", evidence.SGX, root, check.Reference{Measurements: check.MeasurementPolicy{
		Allowed: []check.Identity{{evidence.MrEnclave: s.quote.MrEnclave[:]}},
	}})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	verdict, err := Verify(s.evidence(t), s.collateral(t, "ConfigurationNeeded"), s.store, pol, s.opts())
	if err != nil {
		t.Fatalf("failed to verify: %v", err)
	}
	if verdict.Kind != Rejected {
		t.Fatalf("verdict = %v, want REJECTED", verdict)
	}
	if verdict.Primary == nil || verdict.Primary.Reason != check.TcbConfigNeeded {
		t.Errorf("primary = %+v, want the TcbConfigNeeded advisory", verdict.Primary)
	}
}

func TestAuditRecordIsDeterministic(t *testing.T) {
	s := newSgxSetup(t)
	q := s.evidence(t)
	col := s.collateral(t, "ConfigurationNeeded")
	pol := s.policy(t)

	var encoded [][]byte
	for i := 0; i < 3; i++ {
		verdict, err := Verify(q, col, s.store, pol, &VerifyOpts{Now: test.Now, ReportData: s.reportData, Parallelism: i * 2})
		if err != nil {
			t.Fatalf("failed to verify: %v", err)
		}
		b, err := json.Marshal(verdict)
		if err != nil {
			t.Fatalf("failed to marshal verdict: %v", err)
		}
		encoded = append(encoded, b)
	}
	for i := 1; i < len(encoded); i++ {
		if !bytes.Equal(encoded[0], encoded[i]) {
			t.Errorf("encoding %d differs:\n%s\n%s", i, encoded[0], encoded[i])
		}
	}

	var rec struct {
		Verdict     string   `json:"verdict"`
		Variant     string   `json:"variant"`
		Policy      string   `json:"policy"`
		EvaluatedAt string   `json:"evaluatedAt"`
		Reasons     []string `json:"reasons"`
		Trail       []struct {
			Verifier string `json:"verifier"`
			Path     string `json:"path"`
			Status   string `json:"status"`
			Reason   string `json:"reason"`
			Severity string `json:"severity"`
		} `json:"trail"`
	}
	if err := json.Unmarshal(encoded[0], &rec); err != nil {
		t.Fatalf("failed to decode audit record: %v", err)
	}
	if rec.Verdict != "ACCEPTED_WITH_ADVISORIES" || rec.Variant != "SGX" || rec.Policy != "sgx" {
		t.Errorf("record header = %s/%s/%s", rec.Verdict, rec.Variant, rec.Policy)
	}
	if rec.EvaluatedAt != "2025-06-01T12:00:00Z" {
		t.Errorf("evaluatedAt = %s, want UTC RFC 3339", rec.EvaluatedAt)
	}
	if diff := cmp.Diff([]string{"TcbConfigNeeded"}, rec.Reasons); diff != "" {
		t.Errorf("reasons differ (-want +got):\n%s", diff)
	}
	if len(rec.Trail) != 5 || rec.Trail[2].Status != "ADVISORY" || rec.Trail[2].Severity != "MUST_ACKNOWLEDGE" || rec.Trail[2].Path != "0.2" {
		t.Errorf("trail = %+v", rec.Trail)
	}
}

func TestVerifyInvalidRequest(t *testing.T) {
	s := newSgxSetup(t)

	_, err := Verify(nil, nil, nil, nil, &VerifyOpts{})
	var gErr *GroupedError
	if !errors.As(err, &gErr) {
		t.Fatalf("Verify() err = %v, want *GroupedError", err)
	}
	if !gErr.containsKnownSubstrings([]string{"evidence", "anchor", "policy is nil", "time"}) {
		t.Errorf("unexpected errors: %v", gErr)
	}

	nitro, err := policy.Standard(evidence.Nitro, check.Reference{})
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	_, err = Verify(s.evidence(t), nil, s.store, nitro, s.opts())
	if !errors.As(err, &gErr) || !gErr.containsKnownSubstrings([]string{"is bound to NITRO"}) {
		t.Errorf("Verify() err = %v, want a variant mismatch", err)
	}

	_, err = VerifyRaw([]byte{1, 2, 3}, nil, s.store, s.policy(t), s.opts())
	var decodeErr *evidence.DecodeError
	if !errors.As(err, &decodeErr) || decodeErr.Variant != evidence.SGX {
		t.Errorf("VerifyRaw() err = %v, want an SGX *evidence.DecodeError", err)
	}
}

func TestReportDataFromNonce(t *testing.T) {
	got, err := ReportDataFromNonce(deadbeef)
	if err != nil {
		t.Fatalf("ReportDataFromNonce() failed: %v", err)
	}
	want := make([]byte, ReportDataSize)
	copy(want, deadbeef)
	if !bytes.Equal(got, want) {
		t.Errorf("ReportDataFromNonce() = %x, want %x", got, want)
	}
	if _, err := ReportDataFromNonce(make([]byte, ReportDataSize+1)); err == nil {
		t.Error("ReportDataFromNonce() accepted an oversized nonce")
	}
}
