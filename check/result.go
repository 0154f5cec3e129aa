package check

import (
	"fmt"
)

// Status is the outcome of a single check or of a policy subtree.
type Status int

// Check outcomes.
const (
	Pass Status = iota
	Advisory
	Fail
)

var statusNames = map[Status]string{
	Pass:     "PASS",
	Advisory: "ADVISORY",
	Fail:     "FAIL",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// MarshalText encodes the status by name.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a status name.
func (s *Status) UnmarshalText(text []byte) error {
	for st, name := range statusNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Severity grades an Advisory result.
type Severity int

// Severities.
const (
	SeverityNone Severity = iota
	Informational
	MustAcknowledge
)

var severityNames = map[Severity]string{
	SeverityNone:    "NONE",
	Informational:   "INFORMATIONAL",
	MustAcknowledge: "MUST_ACKNOWLEDGE",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", int(s))
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	for sv, name := range severityNames {
		if name == string(text) {
			*s = sv
			return nil
		}
	}
	return fmt.Errorf("unknown severity %q", text)
}

// Reason is a stable, machine-readable code explaining a result.
type Reason string

// Reason codes. These strings are part of the audit record format and must
// not change.
const (
	ReasonOK Reason = "OK"

	SignatureInvalid     Reason = "SignatureInvalid"
	UnsupportedAlgorithm Reason = "UnsupportedAlgorithm"
	MalformedEvidence    Reason = "MalformedEvidence"

	ChainBroken        Reason = "ChainBroken"
	Expired            Reason = "Expired"
	UntrustedRoot      Reason = "UntrustedRoot"
	CertificateRevoked Reason = "CertificateRevoked"

	TcbConfigNeeded               Reason = "TcbConfigNeeded"
	TcbSwHardeningNeeded          Reason = "TcbSwHardeningNeeded"
	TcbConfigAndSwHardeningNeeded Reason = "TcbConfigAndSwHardeningNeeded"
	TcbOutOfDateTolerated         Reason = "TcbOutOfDateTolerated"
	TcbRevoked                    Reason = "TcbRevoked"
	TcbOutOfDate                  Reason = "TcbOutOfDate"
	TcbLevelUnsupported           Reason = "TcbLevelUnsupported"

	CollateralInvalid  Reason = "CollateralInvalid"
	CollateralMissing  Reason = "CollateralMissing"
	CollateralMismatch Reason = "CollateralMismatch"
	QeIdentityMismatch Reason = "QeIdentityMismatch"

	MeasurementMismatch   Reason = "MeasurementMismatch"
	SecurityVersionTooLow Reason = "SecurityVersionTooLow"
	ReportDataMismatch    Reason = "ReportDataMismatch"

	Stale            Reason = "Stale"
	MissingTimestamp Reason = "MissingTimestamp"
)

// Result is the outcome of one atomic verifier.
type Result struct {
	// Verifier and Path are filled in by the policy engine.
	Verifier    ID                `json:"verifier"`
	Path        string            `json:"path"`
	Status      Status            `json:"status"`
	Reason      Reason            `json:"reason"`
	Severity    Severity          `json:"severity"`
	Explanation string            `json:"explanation"`
	Details     map[string]string `json:"details,omitempty"`
}

// Passed returns a Pass result.
func Passed(format string, args ...any) Result {
	return Result{Status: Pass, Reason: ReasonOK, Explanation: fmt.Sprintf(format, args...)}
}

// Failed returns a Fail result.
func Failed(reason Reason, format string, args ...any) Result {
	return Result{Status: Fail, Reason: reason, Explanation: fmt.Sprintf(format, args...)}
}

// Advise returns an Advisory result.
func Advise(reason Reason, severity Severity, format string, args ...any) Result {
	return Result{Status: Advisory, Reason: reason, Severity: severity, Explanation: fmt.Sprintf(format, args...)}
}

// With returns a copy of r with the detail key set.
func (r Result) With(key, value string) Result {
	details := make(map[string]string, len(r.Details)+1)
	for k, v := range r.Details {
		details[k] = v
	}
	details[key] = value
	r.Details = details
	return r
}
