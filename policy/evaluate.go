package policy

import (
	"time"

	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
	"golang.org/x/sync/errgroup"
)

// Context is the trail of one evaluation: exactly one result per leaf, in
// depth-first left-to-right order.
type Context struct {
	Policy      string           `json:"policy"`
	Variant     evidence.Variant `json:"variant"`
	EvaluatedAt time.Time        `json:"evaluatedAt"`
	Results     []check.Result   `json:"results"`
}

// EvalOptions tunes evaluation.
type EvalOptions struct {
	// Parallelism is the maximum number of leaves evaluated concurrently.
	// Values below 2 evaluate sequentially.
	Parallelism int
}

// Evaluate runs every leaf of p against in, sequentially.
func Evaluate(p *Policy, in check.Input) (check.Status, *Context) {
	return EvaluateOpt(p, in, EvalOptions{})
}

// EvaluateOpt runs every leaf of p against in exactly once and aggregates the
// results. The policy's reference values replace in.Reference.
func EvaluateOpt(p *Policy, in check.Input, opts EvalOptions) (check.Status, *Context) {
	ref := p.Reference()
	in.Reference = &ref

	results := make([]check.Result, len(p.leaves))
	if opts.Parallelism < 2 {
		for i, l := range p.leaves {
			results[i] = runLeaf(l, &in)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(opts.Parallelism)
		for i, l := range p.leaves {
			i, l := i, l
			g.Go(func() error {
				results[i] = runLeaf(l, &in)
				return nil
			})
		}
		// runLeaf never returns an error.
		_ = g.Wait()
	}

	ctx := &Context{
		Policy:      p.name,
		Variant:     p.variant,
		EvaluatedAt: in.Now,
		Results:     results,
	}
	return aggregate(p.root, results), ctx
}

func runLeaf(l leaf, in *check.Input) (res check.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = check.Failed(check.MalformedEvidence, "verifier %s panicked: %v", l.id, r)
		}
		res.Verifier = l.id
		res.Path = l.path
	}()
	return l.verifier.Check(in)
}

func aggregate(n *node, results []check.Result) check.Status {
	if n.kind == KindLeaf {
		return results[n.leaf].Status
	}
	var passes, advisories, fails int
	for _, c := range n.children {
		switch aggregate(c, results) {
		case check.Pass:
			passes++
		case check.Advisory:
			advisories++
		default:
			fails++
		}
	}
	switch n.kind {
	case KindAnd:
		if fails > 0 {
			return check.Fail
		}
		if advisories > 0 {
			return check.Advisory
		}
		return check.Pass
	case KindOr:
		if passes > 0 {
			return check.Pass
		}
		if advisories > 0 {
			return check.Advisory
		}
		return check.Fail
	case KindThreshold:
		if passes >= n.k {
			return check.Pass
		}
		if 2*passes+int(n.credit)*advisories >= 2*n.k {
			return check.Advisory
		}
		return check.Fail
	}
	return check.Fail
}
