// Package check implements the atomic verifiers of the attestation engine.
//
// Each verifier inspects one aspect of a piece of evidence (signature,
// certificate chain, TCB status, QE identity, measurements, report data or
// freshness) and returns a single Result. Verifiers never panic, perform no
// I/O and do not read the wall clock: the evaluation time is part of Input.
//
// Implementations are specific to an evidence variant and are selected when a
// policy is built, using Lookup.
package check

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
)

// ID names an atomic verifier.
type ID string

// Verifier IDs.
const (
	Signature     ID = "signature"
	CertChain     ID = "cert-chain"
	TcbStatus     ID = "tcb-status"
	QeIdentity    ID = "qe-identity"
	Measurement   ID = "measurement"
	ReportData    ID = "report-data"
	Freshness     ID = "freshness"
	NitroDocument ID = "nitro-document"
)

// Input is everything a verifier may look at. Verifiers must treat it as
// read-only.
type Input struct {
	Evidence   evidence.Evidence
	Collateral *collateral.Collateral
	Anchors    *anchor.Store
	Reference  *Reference
	// ReportData is the exact value the evidence must carry.
	ReportData []byte
	// Now is the evaluation time.
	Now time.Time
}

// Reference holds the relying party's expectations.
type Reference struct {
	Measurements MeasurementPolicy
	Tcb          TcbPolicy
	Freshness    FreshnessPolicy
}

// Identity is a set of expected register values. Evidence matches an identity
// when every named register is present and equal.
type Identity map[string][]byte

// MeasurementPolicy lists the acceptable identities.
type MeasurementPolicy struct {
	// Allowed identities, any of which is accepted.
	Allowed []Identity
	// MinSVN holds minimum security version numbers by name, such as ISVSVN.
	MinSVN map[string]uint64
}

// TcbPolicy configures how TCB levels are judged.
type TcbPolicy struct {
	// OutOfDateTolerance is how many TCB levels below the newest an OutOfDate
	// platform may be and still be accepted with an advisory.
	OutOfDateTolerance int
	// MinimumSnpTcb is the lowest acceptable SEV-SNP reported TCB.
	MinimumSnpTcb kds.TCBParts
}

// FreshnessPolicy bounds the age of evidence and collateral.
type FreshnessPolicy struct {
	// MaxEvidenceAge, if non-zero, requires evidence to carry a timestamp no
	// older than this.
	MaxEvidenceAge time.Duration
	// MaxClockSkew is how far in the future an evidence timestamp may be.
	MaxClockSkew time.Duration
	// CollateralGrace extends the nextUpdate deadline of collateral.
	CollateralGrace time.Duration
}

// Verifier is an atomic check.
type Verifier interface {
	Check(in *Input) Result
}

// VerifierFunc adapts a function to the Verifier interface.
type VerifierFunc func(in *Input) Result

// Check calls f(in).
func (f VerifierFunc) Check(in *Input) Result { return f(in) }

// forVariant adapts a function of a concrete evidence type, failing evidence
// of any other type.
func forVariant[E evidence.Evidence](fn func(in *Input, ev E) Result) Verifier {
	return VerifierFunc(func(in *Input) Result {
		if in == nil || in.Evidence == nil {
			return Failed(MalformedEvidence, "no evidence")
		}
		ev, ok := in.Evidence.(E)
		if !ok || ev.Variant() == evidence.Unknown {
			return Failed(MalformedEvidence, "verifier cannot inspect %v evidence", in.Evidence.Variant())
		}
		return fn(in, ev)
	})
}

// anyVariant adapts a function that works on every evidence type.
func anyVariant(fn func(in *Input, ev evidence.Evidence) Result) Verifier {
	return forVariant[evidence.Evidence](fn)
}

var registry = map[ID]map[evidence.Variant]Verifier{
	Signature: {
		evidence.SGX:    forVariant(intelSignature),
		evidence.TDX:    forVariant(intelSignature),
		evidence.Nitro:  forVariant(nitroSignature),
		evidence.SevSnp: forVariant(sevSignature),
	},
	CertChain: {
		evidence.SGX:    forVariant(intelChain),
		evidence.TDX:    forVariant(intelChain),
		evidence.Nitro:  forVariant(nitroChain),
		evidence.SevSnp: forVariant(sevChain),
	},
	TcbStatus: {
		evidence.SGX:    forVariant(intelTcbStatus),
		evidence.TDX:    forVariant(intelTcbStatus),
		evidence.SevSnp: forVariant(sevTcbStatus),
	},
	QeIdentity: {
		evidence.SGX: forVariant(intelQeIdentity),
		evidence.TDX: forVariant(intelQeIdentity),
	},
	Measurement: allVariants(anyVariant(measurement)),
	ReportData:  allVariants(anyVariant(reportData)),
	Freshness:   allVariants(anyVariant(freshness)),
	NitroDocument: {
		evidence.Nitro: forVariant(nitroDocument),
	},
}

func allVariants(v Verifier) map[evidence.Variant]Verifier {
	m := make(map[evidence.Variant]Verifier, len(evidence.Variants))
	for _, variant := range evidence.Variants {
		m[variant] = v
	}
	return m
}

// ErrUnknownVerifier and ErrUnsupportedVariant are returned by Lookup.
var (
	ErrUnknownVerifier    = errors.New("unknown verifier")
	ErrUnsupportedVariant = errors.New("unsupported evidence variant")
)

// Lookup returns the implementation of verifier id for evidence variant v.
func Lookup(id ID, v evidence.Variant) (Verifier, error) {
	impls, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownVerifier, id)
	}
	impl, ok := impls[v]
	if !ok {
		return nil, fmt.Errorf("%q: %w %v", id, ErrUnsupportedVariant, v)
	}
	return impl, nil
}

// IDs returns every verifier ID, sorted.
func IDs() []ID {
	ids := make([]ID, 0, len(registry))
	for id := range registry {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Supports reports whether verifier id has an implementation for v.
func Supports(id ID, v evidence.Variant) bool {
	_, err := Lookup(id, v)
	return err == nil
}
