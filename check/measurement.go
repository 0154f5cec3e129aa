package check

import (
	"crypto/subtle"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/google/go-tee-verifier/evidence"
)

func (id Identity) names() []string {
	names := make([]string, 0, len(id))
	for name := range id {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (id Identity) matches(m evidence.MeasurementSet) bool {
	if len(id) == 0 {
		return false
	}
	for name, want := range id {
		got, ok := m.Register(name)
		if !ok || len(got) != len(want) || subtle.ConstantTimeCompare(got, want) != 1 {
			return false
		}
	}
	return true
}

func measurement(in *Input, ev evidence.Evidence) Result {
	policy := reference(in).Measurements
	if len(policy.Allowed) == 0 {
		return Failed(MeasurementMismatch, "no allowed identities are configured")
	}
	m := ev.Measurements()
	matched := -1
	for i, id := range policy.Allowed {
		if id.matches(m) {
			matched = i
			break
		}
	}
	if matched < 0 {
		return Failed(MeasurementMismatch, "measurements %s match no allowed identity", describeMeasurements(m, policy.Allowed))
	}

	names := make([]string, 0, len(policy.MinSVN))
	for name := range policy.MinSVN {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		got, ok := m.SVN(name)
		if !ok {
			return Failed(SecurityVersionTooLow, "evidence does not report %s", name)
		}
		if want := policy.MinSVN[name]; got < want {
			return Failed(SecurityVersionTooLow, "%s is %d, minimum is %d", name, got, want)
		}
	}
	return Passed("measurements match allowed identity %d (%s)", matched, strings.Join(policy.Allowed[matched].names(), ", "))
}

// describeMeasurements lists the evidence values of every register named by
// some allowed identity, in name order.
func describeMeasurements(m evidence.MeasurementSet, allowed []Identity) string {
	seen := map[string]bool{}
	var names []string
	for _, id := range allowed {
		for name := range id {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := m.Register(name); ok {
			parts = append(parts, name+"="+hex.EncodeToString(v))
		} else {
			parts = append(parts, name+"=<absent>")
		}
	}
	return "[" + strings.Join(parts, " ") + "]"
}
