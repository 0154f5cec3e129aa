package server

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/policy"
)

// Kind is the overall outcome of a verification.
type Kind int

// Verdict kinds.
const (
	Rejected Kind = iota
	Accepted
	AcceptedWithAdvisories
)

var kindNames = map[Kind]string{
	Rejected:               "REJECTED",
	Accepted:               "ACCEPTED",
	AcceptedWithAdvisories: "ACCEPTED_WITH_ADVISORIES",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// Verdict is the trust decision for one piece of evidence. It is never
// modified after FormatVerdict returns it.
type Verdict struct {
	Kind Kind
	// Primary is the first failing check in evaluation order. Set only for
	// Rejected verdicts.
	Primary *check.Result
	// Advisories are the Advisory results, in evaluation order. Set only for
	// AcceptedWithAdvisories verdicts.
	Advisories []check.Result
	// Trail holds one result per policy leaf.
	Trail []check.Result

	Variant     evidence.Variant
	Policy      string
	EvaluatedAt time.Time
}

// FormatVerdict turns an aggregate status and its context into a verdict.
// It has no side effects and does not retain ctx.
func FormatVerdict(status check.Status, ctx *policy.Context) Verdict {
	v := Verdict{
		Trail:       append([]check.Result(nil), ctx.Results...),
		Variant:     ctx.Variant,
		Policy:      ctx.Policy,
		EvaluatedAt: ctx.EvaluatedAt,
	}
	switch status {
	case check.Pass:
		v.Kind = Accepted
	case check.Advisory:
		v.Kind = AcceptedWithAdvisories
		for _, r := range v.Trail {
			if r.Status == check.Advisory {
				v.Advisories = append(v.Advisories, r)
			}
		}
	default:
		v.Kind = Rejected
		v.Primary = primaryReason(v.Trail)
	}
	return v
}

// primaryReason returns the first Fail result, or the first Advisory when a
// threshold rejected evidence that only had advisories.
func primaryReason(trail []check.Result) *check.Result {
	for _, want := range []check.Status{check.Fail, check.Advisory} {
		for i := range trail {
			if trail[i].Status == want {
				r := trail[i]
				return &r
			}
		}
	}
	return nil
}

// Accepted reports whether the verdict accepts the evidence, with or without
// advisories.
func (v *Verdict) Accepted() bool { return v.Kind != Rejected }

// Reasons returns the reason codes of every non-passing check, in evaluation
// order.
func (v *Verdict) Reasons() []check.Reason {
	var reasons []check.Reason
	for _, r := range v.Trail {
		if r.Status != check.Pass {
			reasons = append(reasons, r.Reason)
		}
	}
	return reasons
}

func (v *Verdict) String() string {
	switch v.Kind {
	case Rejected:
		if v.Primary != nil {
			return fmt.Sprintf("%v: %s: %s", v.Kind, v.Primary.Reason, v.Primary.Explanation)
		}
	case AcceptedWithAdvisories:
		return fmt.Sprintf("%v: %v", v.Kind, v.Reasons())
	}
	return v.Kind.String()
}

// AuditRecord is the stable serialized form of a verdict.
type AuditRecord struct {
	Verdict       Kind             `json:"verdict"`
	Variant       evidence.Variant `json:"variant"`
	Policy        string           `json:"policy"`
	EvaluatedAt   time.Time        `json:"evaluatedAt"`
	PrimaryReason check.Reason     `json:"primaryReason,omitempty"`
	Reasons       []check.Reason   `json:"reasons"`
	Advisories    []check.Result   `json:"advisories,omitempty"`
	Trail         []check.Result   `json:"trail"`
}

// AuditRecord returns the audit form of the verdict.
func (v *Verdict) AuditRecord() AuditRecord {
	rec := AuditRecord{
		Verdict:     v.Kind,
		Variant:     v.Variant,
		Policy:      v.Policy,
		EvaluatedAt: v.EvaluatedAt.UTC(),
		Reasons:     v.Reasons(),
		Advisories:  v.Advisories,
		Trail:       v.Trail,
	}
	if rec.Reasons == nil {
		rec.Reasons = []check.Reason{}
	}
	if v.Primary != nil {
		rec.PrimaryReason = v.Primary.Reason
	}
	return rec
}

// MarshalJSON encodes the audit record. The output is a pure function of the
// verdict.
func (v *Verdict) MarshalJSON() ([]byte, error) {
	return json.Marshal(v.AuditRecord())
}
