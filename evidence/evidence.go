// Package evidence contains the typed attestation evidence consumed by the
// verification engine, along with decoders that turn raw TEE output into it.
//
// Evidence is a closed set of variants: Intel SGX and TDX DCAP quotes
// (IntelQuote), AWS Nitro Enclave attestation documents (NitroDocument) and
// AMD SEV-SNP attestation reports (SevSnpReport). Values are immutable once
// decoded.
package evidence

import (
	"bytes"
	"fmt"
	"strings"
	"time"
)

// Variant identifies the kind of TEE that produced a piece of evidence.
type Variant int

// Supported evidence variants.
const (
	Unknown Variant = iota
	SGX
	TDX
	Nitro
	SevSnp
)

var variantNames = map[Variant]string{
	Unknown: "UNKNOWN",
	SGX:     "SGX",
	TDX:     "TDX",
	Nitro:   "NITRO",
	SevSnp:  "SEV_SNP",
}

// Variants lists every known variant, in declaration order.
var Variants = []Variant{SGX, TDX, Nitro, SevSnp}

func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return fmt.Sprintf("Variant(%d)", int(v))
}

// MarshalText encodes the variant by name.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText decodes a variant name, as accepted by ParseVariant.
func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := ParseVariant(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// ParseVariant returns the Variant with the given (case-insensitive) name.
func ParseVariant(name string) (Variant, error) {
	normalized := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", "_"))
	for v, n := range variantNames {
		if v != Unknown && n == normalized {
			return v, nil
		}
	}
	return Unknown, fmt.Errorf("unknown evidence variant %q", name)
}

// Evidence is decoded attestation evidence. The interface is sealed: only the
// types in this package implement it.
type Evidence interface {
	// Variant reports which TEE produced the evidence. A nil evidence value
	// reports Unknown.
	Variant() Variant
	// ReportData returns the caller-chosen bytes embedded in the evidence.
	ReportData() []byte
	// Measurements returns the identity registers and security versions.
	Measurements() MeasurementSet
	// Timestamp returns when the evidence was produced, or the zero time if
	// the format does not carry one and the decoder was not given one.
	Timestamp() time.Time

	isEvidence()
}

// Measurement is a single named identity register.
type Measurement struct {
	Name  string
	Value []byte
}

// SVN is a single named security version number.
type SVN struct {
	Name  string
	Value uint64
}

// MeasurementSet is the ordered collection of measurement registers and
// security version numbers reported by a piece of evidence.
type MeasurementSet struct {
	Registers []Measurement
	SVNs      []SVN
}

// Register returns the named register value.
func (m MeasurementSet) Register(name string) ([]byte, bool) {
	for _, r := range m.Registers {
		if r.Name == name {
			return r.Value, true
		}
	}
	return nil, false
}

// SVN returns the named security version number.
func (m MeasurementSet) SVN(name string) (uint64, bool) {
	for _, s := range m.SVNs {
		if s.Name == name {
			return s.Value, true
		}
	}
	return 0, false
}

// Register names used by the evidence variants.
const (
	MrEnclave     = "MRENCLAVE"
	MrSigner      = "MRSIGNER"
	MrTd          = "MRTD"
	MrSeam        = "MRSEAM"
	MrSignerSeam  = "MRSIGNERSEAM"
	MrConfigID    = "MRCONFIGID"
	MrOwner       = "MROWNER"
	MrOwnerConfig = "MROWNERCONFIG"
	SnpMeasure    = "MEASUREMENT"
	SnpHostData   = "HOST_DATA"
	SnpIDKey      = "ID_KEY_DIGEST"

	IsvProdID = "ISVPRODID"
	IsvSvn    = "ISVSVN"
	GuestSvn  = "GUEST_SVN"
)

// RtmrName returns the register name of TDX runtime measurement register i.
func RtmrName(i int) string { return fmt.Sprintf("RTMR%d", i) }

// PcrName returns the register name of Nitro platform configuration register i.
func PcrName(i int) string { return fmt.Sprintf("PCR%d", i) }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return bytes.Clone(b)
}
