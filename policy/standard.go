package policy

import (
	"fmt"

	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
)

// StandardTree returns the recommended policy tree for a variant: every
// applicable verifier combined with And.
func StandardTree(v evidence.Variant) (*Node, error) {
	switch v {
	case evidence.SGX, evidence.TDX:
		return And(
			Leaf(check.CertChain),
			Leaf(check.Signature),
			Leaf(check.TcbStatus),
			Leaf(check.QeIdentity),
			Leaf(check.Measurement),
			Leaf(check.ReportData),
			Leaf(check.Freshness),
		), nil
	case evidence.Nitro:
		return And(
			Leaf(check.NitroDocument),
			Leaf(check.Measurement),
			Leaf(check.ReportData),
			Leaf(check.Freshness),
		), nil
	case evidence.SevSnp:
		return And(
			Leaf(check.CertChain),
			Leaf(check.Signature),
			Leaf(check.TcbStatus),
			Leaf(check.Measurement),
			Leaf(check.ReportData),
			Leaf(check.Freshness),
		), nil
	}
	return nil, fmt.Errorf("no standard policy for %v", v)
}

// Standard builds the recommended policy for a variant.
func Standard(v evidence.Variant, ref check.Reference) (*Policy, error) {
	tree, err := StandardTree(v)
	if err != nil {
		return nil, err
	}
	return New(fmt.Sprintf("standard-%s", v), v, tree, ref)
}
