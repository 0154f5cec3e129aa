package check

import (
	"time"

	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
)

func freshness(in *Input, ev evidence.Evidence) Result {
	policy := reference(in).Freshness
	checked := 0

	if policy.MaxEvidenceAge > 0 {
		ts := ev.Timestamp()
		if ts.IsZero() {
			return Failed(MissingTimestamp, "evidence carries no timestamp")
		}
		if ts.After(in.Now.Add(policy.MaxClockSkew)) {
			return Failed(Stale, "evidence timestamp %v is in the future", ts.UTC())
		}
		if age := in.Now.Sub(ts); age > policy.MaxEvidenceAge {
			return Failed(Stale, "evidence is %v old, maximum is %v", age, policy.MaxEvidenceAge)
		}
		checked++
	}

	var advisory *Result
	if col := in.Collateral; col != nil {
		for _, s := range []struct {
			name string
			el   *collateral.Signed
		}{
			{"TCB info", signedOf(col.TcbInfo)},
			{"QE identity", signedOfQe(col.QeIdentity)},
		} {
			if s.el == nil {
				continue
			}
			res := collateralWindow(in.Now, s.name, s.el, policy.CollateralGrace)
			switch res.Status {
			case Fail:
				return res
			case Advisory:
				if advisory == nil {
					advisory = &res
				}
			}
			checked++
		}
	}
	if advisory != nil {
		return *advisory
	}
	if checked == 0 {
		return Passed("no freshness constraints apply")
	}
	return Passed("evidence and collateral are fresh")
}

// collateralWindow checks that now falls within the validity window of s.
// Collateral past its nextUpdate but within grace is an informational
// advisory.
func collateralWindow(now time.Time, name string, s *collateral.Signed, grace time.Duration) Result {
	if s.ValidAt(now) {
		return Passed("%s is current", name)
	}
	if now.Before(s.IssueDate) {
		return Failed(Stale, "%s is not valid until %v", name, s.IssueDate.UTC())
	}
	if now.After(s.NextUpdate.Add(grace)) {
		return Failed(Stale, "%s expired at %v", name, s.NextUpdate.UTC())
	}
	return Advise(Stale, Informational, "%s expired at %v, within the %v grace period", name, s.NextUpdate.UTC(), grace).
		With("nextUpdate", s.NextUpdate.UTC().Format(time.RFC3339))
}

func signedOf(t *collateral.TcbInfo) *collateral.Signed {
	if t == nil {
		return nil
	}
	return &t.Signed
}

func signedOfQe(q *collateral.QeIdentity) *collateral.Signed {
	if q == nil {
		return nil
	}
	return &q.Signed
}
