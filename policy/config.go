package policy

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
)

// Config is the JSON form of a policy.
//
//	{
//	  "name": "sgx-prod",
//	  "variant": "SGX",
//	  "root": {"and": [{"leaf": "cert-chain"}, {"leaf": "measurement"}]},
//	  "reference": {
//	    "allowed": [{"MRENCLAVE": "ab12..."}],
//	    "minSvn": {"ISVSVN": 2},
//	    "tcb": {"outOfDateTolerance": 1},
//	    "freshness": {"maxEvidenceAge": "5m"}
//	  }
//	}
//
// When root is omitted the standard tree for the variant is used.
type Config struct {
	Name      string           `json:"name"`
	Variant   evidence.Variant `json:"variant"`
	Root      *NodeConfig      `json:"root,omitempty"`
	Reference ReferenceConfig  `json:"reference"`
}

// NodeConfig is the JSON form of a node. Exactly one field must be set.
type NodeConfig struct {
	Leaf      check.ID         `json:"leaf,omitempty"`
	And       []*NodeConfig    `json:"and,omitempty"`
	Or        []*NodeConfig    `json:"or,omitempty"`
	Threshold *ThresholdConfig `json:"threshold,omitempty"`
}

// ThresholdConfig is the JSON form of a threshold node.
type ThresholdConfig struct {
	K int `json:"k"`
	// Credit is "none", "half" or "full". Defaults to "none".
	Credit string        `json:"credit,omitempty"`
	Of     []*NodeConfig `json:"of"`
}

// ReferenceConfig is the JSON form of check.Reference. Register values are
// hex encoded and durations use time.ParseDuration syntax.
type ReferenceConfig struct {
	Allowed   []map[string]string `json:"allowed,omitempty"`
	MinSVN    map[string]uint64   `json:"minSvn,omitempty"`
	Tcb       TcbConfig           `json:"tcb"`
	Freshness FreshnessConfig     `json:"freshness"`
}

// TcbConfig is the JSON form of check.TcbPolicy.
type TcbConfig struct {
	OutOfDateTolerance int          `json:"outOfDateTolerance,omitempty"`
	MinimumSnpTcb      SnpTcbConfig `json:"minimumSnpTcb"`
}

// SnpTcbConfig is the JSON form of a SEV-SNP TCB version floor.
type SnpTcbConfig struct {
	BlSpl    uint8 `json:"blSpl,omitempty"`
	TeeSpl   uint8 `json:"teeSpl,omitempty"`
	SnpSpl   uint8 `json:"snpSpl,omitempty"`
	UcodeSpl uint8 `json:"ucodeSpl,omitempty"`
}

func (c SnpTcbConfig) build() (kds.TCBParts, error) {
	parts := kds.TCBParts{BlSpl: c.BlSpl, TeeSpl: c.TeeSpl, SnpSpl: c.SnpSpl, UcodeSpl: c.UcodeSpl}
	if _, err := kds.ComposeTCBParts(parts); err != nil {
		return kds.TCBParts{}, fmt.Errorf("minimumSnpTcb: %w", err)
	}
	return parts, nil
}

// FreshnessConfig is the JSON form of check.FreshnessPolicy.
type FreshnessConfig struct {
	MaxEvidenceAge  string `json:"maxEvidenceAge,omitempty"`
	MaxClockSkew    string `json:"maxClockSkew,omitempty"`
	CollateralGrace string `json:"collateralGrace,omitempty"`
}

// LoadJSON parses and builds a policy from its JSON configuration.
func LoadJSON(data []byte) (*Policy, error) {
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}
	return cfg.Build()
}

// Build converts the configuration into a policy.
func (c *Config) Build() (*Policy, error) {
	ref, err := c.Reference.build()
	if err != nil {
		return nil, fmt.Errorf("policy %q: %w", c.Name, err)
	}
	var root *Node
	if c.Root == nil {
		if root, err = StandardTree(c.Variant); err != nil {
			return nil, fmt.Errorf("policy %q: %w", c.Name, err)
		}
	} else if root, err = c.Root.build(); err != nil {
		return nil, fmt.Errorf("policy %q: %w", c.Name, err)
	}
	return New(c.Name, c.Variant, root, ref)
}

func (n *NodeConfig) build() (*Node, error) {
	if n == nil {
		return nil, errors.New("empty node")
	}
	set := 0
	for _, ok := range []bool{n.Leaf != "", n.And != nil, n.Or != nil, n.Threshold != nil} {
		if ok {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("node must have exactly one of leaf, and, or, threshold; has %d", set)
	}
	switch {
	case n.Leaf != "":
		return Leaf(n.Leaf), nil
	case n.And != nil:
		children, err := buildAll(n.And)
		return And(children...), err
	case n.Or != nil:
		children, err := buildAll(n.Or)
		return Or(children...), err
	}
	credit := NoCredit
	if n.Threshold.Credit != "" {
		var err error
		if credit, err = ParseCredit(n.Threshold.Credit); err != nil {
			return nil, err
		}
	}
	children, err := buildAll(n.Threshold.Of)
	return Threshold(n.Threshold.K, credit, children...), err
}

func buildAll(cfgs []*NodeConfig) ([]*Node, error) {
	nodes := make([]*Node, len(cfgs))
	for i, c := range cfgs {
		n, err := c.build()
		if err != nil {
			return nil, fmt.Errorf("child %d: %w", i, err)
		}
		nodes[i] = n
	}
	return nodes, nil
}

func (r ReferenceConfig) build() (check.Reference, error) {
	ref := check.Reference{
		Measurements: check.MeasurementPolicy{MinSVN: r.MinSVN},
		Tcb: check.TcbPolicy{
			OutOfDateTolerance: r.Tcb.OutOfDateTolerance,
		},
	}
	if r.Tcb.OutOfDateTolerance < 0 {
		return check.Reference{}, fmt.Errorf("negative outOfDateTolerance %d", r.Tcb.OutOfDateTolerance)
	}
	floor, err := r.Tcb.MinimumSnpTcb.build()
	if err != nil {
		return check.Reference{}, err
	}
	ref.Tcb.MinimumSnpTcb = floor
	for i, allowed := range r.Allowed {
		id := make(check.Identity, len(allowed))
		for name, value := range allowed {
			b, err := hex.DecodeString(value)
			if err != nil {
				return check.Reference{}, fmt.Errorf("allowed[%d].%s: %w", i, name, err)
			}
			id[name] = b
		}
		ref.Measurements.Allowed = append(ref.Measurements.Allowed, id)
	}
	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"maxEvidenceAge", r.Freshness.MaxEvidenceAge, &ref.Freshness.MaxEvidenceAge},
		{"maxClockSkew", r.Freshness.MaxClockSkew, &ref.Freshness.MaxClockSkew},
		{"collateralGrace", r.Freshness.CollateralGrace, &ref.Freshness.CollateralGrace},
	} {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return check.Reference{}, fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return check.Reference{}, fmt.Errorf("%s is negative", d.name)
		}
		*d.out = v
	}
	return ref, nil
}
