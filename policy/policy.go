// Package policy implements the combinator engine: an immutable tree of
// And, Or, Threshold and Leaf nodes bound to the verifiers of one evidence
// variant, and the evaluation that runs every leaf and aggregates the
// results.
package policy

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
	"go.uber.org/multierr"
)

// ChainVerifiers are the verifier IDs that establish certificate-chain trust.
// A policy must fail whenever all of its chain leaves fail.
var ChainVerifiers = []check.ID{check.CertChain, check.NitroDocument}

// ErrChainNotMandatory is reported for trees in which a certificate-chain
// failure would not reject the evidence.
var ErrChainNotMandatory = errors.New("certificate chain check is not mandatory")

// Policy is a validated policy tree bound to one evidence variant. It is
// immutable and safe for concurrent use.
type Policy struct {
	name    string
	variant evidence.Variant
	tree    *Node
	root    *node
	leaves  []leaf
	ref     check.Reference
}

type node struct {
	kind     Kind
	k        int
	credit   Credit
	children []*node
	// leaf is the index into Policy.leaves for leaf nodes.
	leaf int
}

type leaf struct {
	id       check.ID
	path     string
	verifier check.Verifier
}

// New validates root, binds every leaf to the implementation for variant and
// returns the policy. All configuration problems are reported together.
func New(name string, variant evidence.Variant, root *Node, ref check.Reference) (*Policy, error) {
	p := &Policy{
		name:    name,
		variant: variant,
		tree:    root.clone(),
		ref:     cloneReference(ref),
	}
	var errs error
	if variant == evidence.Unknown {
		errs = multierr.Append(errs, fmt.Errorf("policy %q has no evidence variant", name))
	}
	if root == nil {
		return nil, multierr.Append(errs, fmt.Errorf("policy %q has no root", name))
	}
	p.root = p.bind(p.tree, "0", &errs)
	if errs != nil {
		return nil, errs
	}
	if !p.chainMandatory(p.root) {
		return nil, fmt.Errorf("policy %q: %w", name, ErrChainNotMandatory)
	}
	return p, nil
}

// bind validates n and builds the internal tree, numbering leaves depth
// first. Paths are dot-separated child indexes from the root.
func (p *Policy) bind(n *Node, path string, errs *error) *node {
	if n == nil {
		*errs = multierr.Append(*errs, fmt.Errorf("node %s is nil", path))
		return nil
	}
	out := &node{kind: n.Kind, k: n.K, credit: n.Credit, leaf: -1}
	switch n.Kind {
	case KindLeaf:
		if len(n.Children) != 0 {
			*errs = multierr.Append(*errs, fmt.Errorf("leaf %s (%s) has children", path, n.Verifier))
		}
		v, err := check.Lookup(n.Verifier, p.variant)
		if err != nil {
			*errs = multierr.Append(*errs, fmt.Errorf("leaf %s: %w", path, err))
		}
		out.leaf = len(p.leaves)
		p.leaves = append(p.leaves, leaf{id: n.Verifier, path: path, verifier: v})
		return out
	case KindAnd, KindOr:
		if len(n.Children) == 0 {
			*errs = multierr.Append(*errs, fmt.Errorf("%v node %s has no children", n.Kind, path))
		}
	case KindThreshold:
		if n.K < 1 || n.K > len(n.Children) {
			*errs = multierr.Append(*errs, fmt.Errorf("threshold node %s needs 1 <= k <= %d, got %d", path, len(n.Children), n.K))
		}
		if _, ok := creditNames[n.Credit]; !ok {
			*errs = multierr.Append(*errs, fmt.Errorf("threshold node %s has invalid advisory credit %d", path, int(n.Credit)))
		}
	default:
		*errs = multierr.Append(*errs, fmt.Errorf("node %s has unknown kind %v", path, n.Kind))
		return out
	}
	for i, c := range n.Children {
		out.children = append(out.children, p.bind(c, path+"."+strconv.Itoa(i), errs))
	}
	return out
}

// chainMandatory reports whether the subtree fails whenever every chain
// leaf fails.
func (p *Policy) chainMandatory(n *node) bool {
	switch n.kind {
	case KindLeaf:
		id := p.leaves[n.leaf].id
		for _, chain := range ChainVerifiers {
			if id == chain {
				return true
			}
		}
		return false
	case KindAnd:
		for _, c := range n.children {
			if p.chainMandatory(c) {
				return true
			}
		}
		return false
	case KindOr:
		for _, c := range n.children {
			if !p.chainMandatory(c) {
				return false
			}
		}
		return true
	case KindThreshold:
		mandatory := 0
		for _, c := range n.children {
			if p.chainMandatory(c) {
				mandatory++
			}
		}
		// With every mandatory child failing, at most this many can pass.
		return len(n.children)-mandatory < n.k
	}
	return false
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Variant returns the evidence variant the policy is bound to.
func (p *Policy) Variant() evidence.Variant { return p.variant }

// Reference returns a copy of the policy's reference values.
func (p *Policy) Reference() check.Reference { return cloneReference(p.ref) }

// Tree returns a copy of the policy tree.
func (p *Policy) Tree() *Node { return p.tree.clone() }

// Leaves returns the verifier IDs of the leaves in evaluation order.
func (p *Policy) Leaves() []check.ID {
	ids := make([]check.ID, len(p.leaves))
	for i, l := range p.leaves {
		ids[i] = l.id
	}
	return ids
}

func (p *Policy) String() string {
	return fmt.Sprintf("%s[%v]: %v", p.name, p.variant, p.tree)
}

func cloneReference(ref check.Reference) check.Reference {
	out := ref
	out.Measurements.Allowed = make([]check.Identity, len(ref.Measurements.Allowed))
	for i, id := range ref.Measurements.Allowed {
		c := make(check.Identity, len(id))
		for name, v := range id {
			c[name] = append([]byte(nil), v...)
		}
		out.Measurements.Allowed[i] = c
	}
	if ref.Measurements.MinSVN != nil {
		out.Measurements.MinSVN = make(map[string]uint64, len(ref.Measurements.MinSVN))
		for name, v := range ref.Measurements.MinSVN {
			out.Measurements.MinSVN[name] = v
		}
	}
	return out
}
