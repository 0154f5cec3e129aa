package policy

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/internal/test"
	"go.uber.org/multierr"
)

func leafAt(i int) *node { return &node{kind: KindLeaf, leaf: i} }

func results(statuses ...check.Status) []check.Result {
	out := make([]check.Result, len(statuses))
	for i, s := range statuses {
		out[i].Status = s
	}
	return out
}

func TestAggregate(t *testing.T) {
	P, A, F := check.Pass, check.Advisory, check.Fail
	three := []*node{leafAt(0), leafAt(1), leafAt(2)}
	tests := []struct {
		name     string
		tree     *node
		statuses []check.Status
		want     check.Status
	}{
		{"and all pass", &node{kind: KindAnd, children: three}, []check.Status{P, P, P}, P},
		{"and advisory", &node{kind: KindAnd, children: three}, []check.Status{P, A, P}, A},
		{"and fail wins", &node{kind: KindAnd, children: three}, []check.Status{A, F, P}, F},
		{"or one pass", &node{kind: KindOr, children: three}, []check.Status{F, P, A}, P},
		{"or advisory", &node{kind: KindOr, children: three}, []check.Status{F, A, F}, A},
		{"or all fail", &node{kind: KindOr, children: three}, []check.Status{F, F, F}, F},
		{"threshold met", &node{kind: KindThreshold, k: 2, children: three}, []check.Status{P, F, P}, P},
		{"threshold no credit", &node{kind: KindThreshold, k: 2, children: three}, []check.Status{P, A, F}, F},
		{"threshold half credit short", &node{kind: KindThreshold, k: 2, credit: HalfCredit, children: three}, []check.Status{P, A, F}, F},
		{"threshold half credit", &node{kind: KindThreshold, k: 2, credit: HalfCredit, children: three}, []check.Status{P, A, A}, A},
		{"threshold full credit", &node{kind: KindThreshold, k: 2, credit: FullCredit, children: three}, []check.Status{P, A, F}, A},
		{"threshold full credit all advisory", &node{kind: KindThreshold, k: 3, credit: FullCredit, children: three}, []check.Status{A, A, A}, A},
		{"threshold fail", &node{kind: KindThreshold, k: 1, credit: FullCredit, children: three}, []check.Status{F, F, F}, F},
		{"nested", &node{kind: KindAnd, children: []*node{
			leafAt(0),
			{kind: KindOr, children: []*node{leafAt(1), leafAt(2)}},
		}}, []check.Status{P, F, A}, A},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := aggregate(tc.tree, results(tc.statuses...)); got != tc.want {
				t.Errorf("aggregate(%v) = %v, want %v", tc.statuses, got, tc.want)
			}
		})
	}
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		variant evidence.Variant
		root    *Node
		wantErr error
	}{
		{"unknown variant", evidence.Unknown, And(Leaf(check.CertChain)), nil},
		{"nil root", evidence.SGX, nil, nil},
		{"unknown verifier", evidence.SGX, And(Leaf(check.CertChain), Leaf("attest")), check.ErrUnknownVerifier},
		{"unsupported verifier", evidence.Nitro, And(Leaf(check.NitroDocument), Leaf(check.QeIdentity)), check.ErrUnsupportedVariant},
		{"empty and", evidence.SGX, And(Leaf(check.CertChain), And()), nil},
		{"empty or", evidence.SGX, And(Leaf(check.CertChain), Or()), nil},
		{"threshold k zero", evidence.SGX, And(Leaf(check.CertChain), Threshold(0, NoCredit, Leaf(check.Measurement))), nil},
		{"threshold k too large", evidence.SGX, And(Leaf(check.CertChain), Threshold(2, NoCredit, Leaf(check.Measurement))), nil},
		{"invalid credit", evidence.SGX, And(Leaf(check.CertChain), Threshold(1, Credit(3), Leaf(check.Measurement))), nil},
		{"leaf with children", evidence.SGX, And(Leaf(check.CertChain), &Node{Kind: KindLeaf, Verifier: check.Measurement, Children: []*Node{Leaf(check.ReportData)}}), nil},
		{"nil child", evidence.SGX, And(Leaf(check.CertChain), nil), nil},
		{"no chain leaf", evidence.SGX, And(Leaf(check.Measurement), Leaf(check.ReportData)), ErrChainNotMandatory},
		{"chain under or", evidence.SGX, Or(Leaf(check.CertChain), Leaf(check.Measurement)), ErrChainNotMandatory},
		{"chain optional in threshold", evidence.SGX, Threshold(1, NoCredit, Leaf(check.CertChain), Leaf(check.Measurement)), ErrChainNotMandatory},
		{"chain in nested or", evidence.Nitro, And(Leaf(check.Measurement), Or(Leaf(check.NitroDocument), Leaf(check.ReportData))), ErrChainNotMandatory},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := New(tc.name, tc.variant, tc.root, check.Reference{})
			if err == nil {
				t.Fatalf("New(%v) = %v, want error", tc.root, p)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("New() err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestNewReportsAllErrors(t *testing.T) {
	_, err := New("bad", evidence.SGX, And(Leaf(check.CertChain), Leaf("a"), Leaf("b"), Or()), check.Reference{})
	if got := len(multierr.Errors(err)); got != 3 {
		t.Errorf("got %d errors, want 3: %v", got, err)
	}
}

func TestChainMandatory(t *testing.T) {
	tests := []struct {
		name    string
		variant evidence.Variant
		root    *Node
	}{
		{"single chain leaf", evidence.SGX, Leaf(check.CertChain)},
		{"and", evidence.SGX, And(Leaf(check.CertChain), Leaf(check.Measurement))},
		{"or of chains", evidence.SGX, Or(Leaf(check.CertChain), And(Leaf(check.CertChain), Leaf(check.Measurement)))},
		{"threshold requiring chain", evidence.SGX, Threshold(2, HalfCredit, Leaf(check.CertChain), Leaf(check.Measurement))},
		{"threshold with two chain leaves", evidence.SGX, Threshold(2, NoCredit, Leaf(check.CertChain), Leaf(check.CertChain), Leaf(check.Measurement))},
		{"nitro document", evidence.Nitro, And(Leaf(check.NitroDocument), Leaf(check.Measurement))},
		{"nitro cert chain", evidence.Nitro, And(Leaf(check.CertChain), Leaf(check.Signature))},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(tc.name, tc.variant, tc.root, check.Reference{}); err != nil {
				t.Errorf("New(%v) failed: %v", tc.root, err)
			}
		})
	}
}

func TestPolicyIsImmutable(t *testing.T) {
	root := And(Leaf(check.CertChain), Leaf(check.Measurement))
	ref := check.Reference{Measurements: check.MeasurementPolicy{
		Allowed: []check.Identity{{evidence.MrEnclave: []byte{1, 2, 3}}},
	}}
	p, err := New("p", evidence.SGX, root, ref)
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	root.Children[1] = Leaf(check.ReportData)
	ref.Measurements.Allowed[0][evidence.MrEnclave][0] = 9
	p.Tree().Children[0] = Leaf(check.Freshness)

	if diff := cmp.Diff([]check.ID{check.CertChain, check.Measurement}, p.Leaves()); diff != "" {
		t.Errorf("leaves changed (-want +got):\n%s", diff)
	}
	if got := p.Reference().Measurements.Allowed[0][evidence.MrEnclave]; !bytes.Equal(got, []byte{1, 2, 3}) {
		t.Errorf("reference changed to %x", got)
	}
	if got, want := p.String(), "p[SGX]: and(cert-chain, measurement)"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

type nitroSetup struct {
	pki   *test.NitroPKI
	store *anchor.Store
	doc   evidence.Evidence
}

func newNitroSetup(t *testing.T) *nitroSetup {
	t.Helper()
	pki := test.NewNitroPKI(t)
	store, err := anchor.NewStore(anchor.Anchor{Name: "aws", Variants: []evidence.Variant{evidence.Nitro}, Certificate: pki.Root.Cert})
	if err != nil {
		t.Fatalf("failed to create anchor store: %v", err)
	}
	doc, err := evidence.ParseNitroDocument(pki.NewDocument(t, test.NitroOptions{UserData: []byte("nonce")}))
	if err != nil {
		t.Fatalf("failed to parse document: %v", err)
	}
	return &nitroSetup{pki: pki, store: store, doc: doc}
}

func (s *nitroSetup) input() check.Input {
	return check.Input{Evidence: s.doc, Anchors: s.store, ReportData: []byte("nonce"), Now: test.Now}
}

func nitroReference() check.Reference {
	return check.Reference{Measurements: check.MeasurementPolicy{
		Allowed: []check.Identity{{"PCR0": test.DefaultNitroPCRs()[0]}},
	}}
}

func TestEvaluateTrail(t *testing.T) {
	s := newNitroSetup(t)
	root := And(
		Leaf(check.NitroDocument),
		Or(Leaf(check.Measurement), Leaf(check.Measurement)),
		Threshold(1, NoCredit, Leaf(check.ReportData), Leaf(check.Freshness)),
	)
	p, err := New("nitro", evidence.Nitro, root, nitroReference())
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	status, ctx := Evaluate(p, s.input())
	if status != check.Pass {
		t.Errorf("status = %v, want PASS: %+v", status, ctx.Results)
	}

	type entry struct {
		Verifier check.ID
		Path     string
	}
	var got []entry
	for _, r := range ctx.Results {
		got = append(got, entry{r.Verifier, r.Path})
	}
	want := []entry{
		{check.NitroDocument, "0.0"},
		{check.Measurement, "0.1.0"},
		{check.Measurement, "0.1.1"},
		{check.ReportData, "0.2.0"},
		{check.Freshness, "0.2.1"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("trail differs (-want +got):\n%s", diff)
	}
	if ctx.Policy != "nitro" || ctx.Variant != evidence.Nitro || !ctx.EvaluatedAt.Equal(test.Now) {
		t.Errorf("context = %q/%v/%v", ctx.Policy, ctx.Variant, ctx.EvaluatedAt)
	}
}

func TestEvaluateParallelMatchesSequential(t *testing.T) {
	s := newNitroSetup(t)
	p, err := Standard(evidence.Nitro, nitroReference())
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	in := s.input()
	in.ReportData = []byte("other nonce")

	wantStatus, want := Evaluate(p, in)
	for _, parallelism := range []int{2, 4, 16} {
		gotStatus, got := EvaluateOpt(p, in, EvalOptions{Parallelism: parallelism})
		if gotStatus != wantStatus {
			t.Errorf("parallelism %d: status = %v, want %v", parallelism, gotStatus, wantStatus)
		}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Errorf("parallelism %d: context differs (-want +got):\n%s", parallelism, diff)
		}
	}
	if wantStatus != check.Fail {
		t.Errorf("status = %v, want FAIL for a report data mismatch", wantStatus)
	}
}

func TestEvaluateIsDeterministic(t *testing.T) {
	s := newNitroSetup(t)
	p, err := Standard(evidence.Nitro, nitroReference())
	if err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	_, first := Evaluate(p, s.input())
	for i := 0; i < 5; i++ {
		_, again := Evaluate(p, s.input())
		if diff := cmp.Diff(first, again); diff != "" {
			t.Fatalf("evaluation %d differs (-first +again):\n%s", i, diff)
		}
	}
}

func TestRunLeafRecoversPanics(t *testing.T) {
	l := leaf{
		id:   check.Measurement,
		path: "0.3",
		verifier: check.VerifierFunc(func(*check.Input) check.Result {
			panic("index out of range")
		}),
	}
	res := runLeaf(l, &check.Input{Now: time.Unix(0, 0)})
	if res.Status != check.Fail || res.Reason != check.MalformedEvidence {
		t.Errorf("got %v/%s, want FAIL/MalformedEvidence", res.Status, res.Reason)
	}
	if res.Verifier != check.Measurement || res.Path != "0.3" {
		t.Errorf("result not stamped: %q %q", res.Verifier, res.Path)
	}
}

func TestStandardTree(t *testing.T) {
	for _, v := range evidence.Variants {
		if _, err := Standard(v, check.Reference{}); err != nil {
			t.Errorf("Standard(%v) failed: %v", v, err)
		}
	}
	if _, err := StandardTree(evidence.Unknown); err == nil {
		t.Error("StandardTree(UNKNOWN) succeeded")
	}
}

func TestLoadJSON(t *testing.T) {
	const cfg = `{
		"name": "sgx-prod",
		"variant": "SGX",
		"root": {"and": [
			{"leaf": "cert-chain"},
			{"threshold": {"k": 2, "credit": "half", "of": [
				{"leaf": "tcb-status"},
				{"leaf": "qe-identity"},
				{"leaf": "measurement"}
			]}},
			{"or": [{"leaf": "report-data"}, {"leaf": "freshness"}]}
		]},
		"reference": {
			"allowed": [{"MRENCLAVE": "0a0b"}],
			"minSvn": {"ISVSVN": 2},
			"tcb": {"outOfDateTolerance": 1},
			"freshness": {"maxEvidenceAge": "5m", "collateralGrace": "24h"}
		}
	}`
	p, err := LoadJSON([]byte(cfg))
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	if p.Name() != "sgx-prod" || p.Variant() != evidence.SGX {
		t.Errorf("policy = %q/%v", p.Name(), p.Variant())
	}
	want := []check.ID{check.CertChain, check.TcbStatus, check.QeIdentity, check.Measurement, check.ReportData, check.Freshness}
	if diff := cmp.Diff(want, p.Leaves()); diff != "" {
		t.Errorf("leaves differ (-want +got):\n%s", diff)
	}
	wantRef := check.Reference{
		Measurements: check.MeasurementPolicy{
			Allowed: []check.Identity{{"MRENCLAVE": {0x0a, 0x0b}}},
			MinSVN:  map[string]uint64{"ISVSVN": 2},
		},
		Tcb:       check.TcbPolicy{OutOfDateTolerance: 1},
		Freshness: check.FreshnessPolicy{MaxEvidenceAge: 5 * time.Minute, CollateralGrace: 24 * time.Hour},
	}
	if diff := cmp.Diff(wantRef, p.Reference()); diff != "" {
		t.Errorf("reference differs (-want +got):\n%s", diff)
	}
	if tree := p.Tree(); tree.Children[1].Credit != HalfCredit || tree.Children[1].K != 2 {
		t.Errorf("threshold = %v", tree.Children[1])
	}
}

func TestLoadJSONSnpTcbFloor(t *testing.T) {
	p, err := LoadJSON([]byte(`{"name": "sev", "variant": "SEV_SNP", "reference": {"tcb": {"minimumSnpTcb": {"blSpl": 3, "snpSpl": 8, "ucodeSpl": 209}}}}`))
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	want := kds.TCBParts{BlSpl: 3, SnpSpl: 8, UcodeSpl: 209}
	if diff := cmp.Diff(want, p.Reference().Tcb.MinimumSnpTcb); diff != "" {
		t.Errorf("minimum TCB differs (-want +got):\n%s", diff)
	}
}

func TestLoadJSONStandardTree(t *testing.T) {
	p, err := LoadJSON([]byte(`{"name": "nitro", "variant": "nitro", "reference": {}}`))
	if err != nil {
		t.Fatalf("failed to load policy: %v", err)
	}
	tree, _ := StandardTree(evidence.Nitro)
	if p.Tree().String() != tree.String() {
		t.Errorf("tree = %v, want %v", p.Tree(), tree)
	}
}

func TestLoadJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		cfg     string
		wantSub string
	}{
		{"unknown field", `{"name": "x", "variant": "SGX", "extra": 1}`, "unknown field"},
		{"unknown variant", `{"name": "x", "variant": "TPM"}`, "unknown evidence variant"},
		{"two kinds", `{"name": "x", "variant": "SGX", "root": {"leaf": "cert-chain", "and": [{"leaf": "measurement"}]}}`, "exactly one"},
		{"bad credit", `{"name": "x", "variant": "SGX", "root": {"threshold": {"k": 1, "credit": "most", "of": [{"leaf": "cert-chain"}]}}}`, "advisory credit"},
		{"bad hex", `{"name": "x", "variant": "SGX", "reference": {"allowed": [{"MRENCLAVE": "zz"}]}}`, "MRENCLAVE"},
		{"bad duration", `{"name": "x", "variant": "SGX", "reference": {"freshness": {"maxEvidenceAge": "soon"}}}`, "maxEvidenceAge"},
		{"negative duration", `{"name": "x", "variant": "SGX", "reference": {"freshness": {"maxClockSkew": "-1s"}}}`, "negative"},
		{"negative tolerance", `{"name": "x", "variant": "SGX", "reference": {"tcb": {"outOfDateTolerance": -1}}}`, "negative"},
		{"SNP SPL out of range", `{"name": "x", "variant": "SEV_SNP", "reference": {"tcb": {"minimumSnpTcb": {"snpSpl": 200}}}}`, "minimumSnpTcb"},
		{"chain not mandatory", `{"name": "x", "variant": "SGX", "root": {"leaf": "measurement"}}`, ErrChainNotMandatory.Error()},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadJSON([]byte(tc.cfg))
			if err == nil || !strings.Contains(err.Error(), tc.wantSub) {
				t.Errorf("LoadJSON() err = %v, want error containing %q", err, tc.wantSub)
			}
		})
	}
}
