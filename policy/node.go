package policy

import (
	"fmt"
	"strings"

	"github.com/google/go-tee-verifier/check"
)

// Kind is the type of a policy tree node.
type Kind int

// Node kinds.
const (
	KindLeaf Kind = iota
	KindAnd
	KindOr
	KindThreshold
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindAnd:
		return "and"
	case KindOr:
		return "or"
	case KindThreshold:
		return "threshold"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Credit is how much an Advisory child counts towards a threshold, in half
// units of a Pass.
type Credit int

// Advisory credits.
const (
	NoCredit   Credit = 0
	HalfCredit Credit = 1
	FullCredit Credit = 2
)

var creditNames = map[Credit]string{NoCredit: "none", HalfCredit: "half", FullCredit: "full"}

func (c Credit) String() string {
	if name, ok := creditNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Credit(%d)", int(c))
}

// ParseCredit parses "none", "half" or "full".
func ParseCredit(s string) (Credit, error) {
	for c, name := range creditNames {
		if name == strings.ToLower(s) {
			return c, nil
		}
	}
	return NoCredit, fmt.Errorf("unknown advisory credit %q", s)
}

// Node is a policy tree node as supplied by the caller. Policies copy the
// tree when they are built, so a Node may be reused or modified afterwards.
type Node struct {
	Kind     Kind
	Verifier check.ID
	// K and Credit apply to threshold nodes.
	K        int
	Credit   Credit
	Children []*Node
}

// Leaf returns a node that runs a single verifier.
func Leaf(id check.ID) *Node { return &Node{Kind: KindLeaf, Verifier: id} }

// And returns a node that fails if any child fails.
func And(children ...*Node) *Node { return &Node{Kind: KindAnd, Children: children} }

// Or returns a node that passes if any child passes.
func Or(children ...*Node) *Node { return &Node{Kind: KindOr, Children: children} }

// Threshold returns a node that passes when at least k children pass. An
// Advisory child contributes credit half-units towards k.
func Threshold(k int, credit Credit, children ...*Node) *Node {
	return &Node{Kind: KindThreshold, K: k, Credit: credit, Children: children}
}

// String renders the tree, for example "and(cert-chain, or(measurement, report-data))".
func (n *Node) String() string {
	if n == nil {
		return "<nil>"
	}
	if n.Kind == KindLeaf {
		return string(n.Verifier)
	}
	parts := make([]string, len(n.Children))
	for i, c := range n.Children {
		parts[i] = c.String()
	}
	if n.Kind == KindThreshold {
		return fmt.Sprintf("threshold[%d,%v](%s)", n.K, n.Credit, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%v(%s)", n.Kind, strings.Join(parts, ", "))
}

func (n *Node) clone() *Node {
	if n == nil {
		return nil
	}
	c := *n
	c.Children = make([]*Node, len(n.Children))
	for i, child := range n.Children {
		c.Children[i] = child.clone()
	}
	return &c
}
