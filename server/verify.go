// Package server provides the entry point of the attestation engine: it runs
// a policy over decoded evidence and formats the verdict.
package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/policy"
)

// ReportDataSize is the size of the report data field in Intel and AMD
// evidence.
const ReportDataSize = 64

// VerifyOpts allows for customizing the verification.
type VerifyOpts struct {
	// Now is the time checks are evaluated at. Verification is deterministic
	// for a fixed Now.
	Now time.Time
	// ReportData is the exact report data the evidence must carry.
	ReportData []byte
	// Parallelism is the maximum number of checks run concurrently.
	Parallelism int
	// CollectedAt is when the evidence was produced, for SGX, TDX and SEV-SNP
	// evidence that carries no timestamp of its own. Nitro documents keep
	// their signed timestamp.
	CollectedAt time.Time
}

// DefaultVerifyOpts returns options evaluating at the current time.
func DefaultVerifyOpts() *VerifyOpts {
	return &VerifyOpts{Now: time.Now()}
}

// ReportDataFromNonce zero-pads a nonce to the 64 byte report data of SGX,
// TDX and SEV-SNP evidence.
func ReportDataFromNonce(nonce []byte) ([]byte, error) {
	if len(nonce) > ReportDataSize {
		return nil, fmt.Errorf("nonce is %d bytes, report data holds at most %d", len(nonce), ReportDataSize)
	}
	reportData := make([]byte, ReportDataSize)
	copy(reportData, nonce)
	return reportData, nil
}

// Verify evaluates the policy over the evidence and returns the verdict.
// Problems with the evidence are always reported in the verdict; the error
// is reserved for invalid arguments.
func Verify(ev evidence.Evidence, col *collateral.Collateral, store *anchor.Store, pol *policy.Policy, opts *VerifyOpts) (*Verdict, error) {
	if opts == nil {
		opts = DefaultVerifyOpts()
	}
	var errs []error
	if ev == nil {
		errs = append(errs, errors.New("evidence is nil"))
	}
	if store == nil {
		errs = append(errs, errors.New("trust anchor store is nil"))
	}
	if pol == nil {
		errs = append(errs, errors.New("policy is nil"))
	}
	if opts.Now.IsZero() {
		errs = append(errs, errors.New("evaluation time is not set"))
	}
	if ev != nil && pol != nil && ev.Variant() != pol.Variant() {
		errs = append(errs, fmt.Errorf("policy %q is bound to %v, evidence is %v", pol.Name(), pol.Variant(), ev.Variant()))
	}
	if err := createGroupedError("invalid verification request:", errs); err != nil {
		return nil, err
	}

	if !opts.CollectedAt.IsZero() {
		ev = evidence.WithCollectedAt(ev, opts.CollectedAt)
	}
	status, ctx := policy.EvaluateOpt(pol, check.Input{
		Evidence:   ev,
		Collateral: col,
		Anchors:    store,
		ReportData: opts.ReportData,
		Now:        opts.Now,
	}, policy.EvalOptions{Parallelism: opts.Parallelism})
	verdict := FormatVerdict(status, ctx)
	return &verdict, nil
}

// VerifyRaw decodes raw evidence for the policy's variant and verifies it.
// Decoding failures are returned as *evidence.DecodeError.
func VerifyRaw(raw []byte, col *collateral.Collateral, store *anchor.Store, pol *policy.Policy, opts *VerifyOpts) (*Verdict, error) {
	if pol == nil {
		return nil, errors.New("policy is nil")
	}
	ev, err := evidence.Decode(raw, pol.Variant())
	if err != nil {
		return nil, err
	}
	return Verify(ev, col, store, pol, opts)
}
