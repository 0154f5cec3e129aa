package evidence

import (
	"errors"
	"time"

	"github.com/google/go-sev-guest/abi"
	"github.com/google/go-sev-guest/kds"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
	"google.golang.org/protobuf/proto"
)

// SevSnpReport is an AMD SEV-SNP attestation report with its certificate
// chain.
type SevSnpReport struct {
	// Attestation must be treated as read-only.
	Attestation *spb.Attestation
	CollectedAt time.Time
}

func (*SevSnpReport) isEvidence() {}

// Variant returns SevSnp.
func (r *SevSnpReport) Variant() Variant {
	if r == nil || r.Attestation.GetReport() == nil {
		return Unknown
	}
	return SevSnp
}

// ReportData returns the 64 bytes of guest-provided report data.
func (r *SevSnpReport) ReportData() []byte {
	return cloneBytes(r.Attestation.GetReport().GetReportData())
}

// Timestamp returns CollectedAt.
func (r *SevSnpReport) Timestamp() time.Time { return r.CollectedAt }

// ReportedTcb returns the decomposed reported TCB.
func (r *SevSnpReport) ReportedTcb() kds.TCBParts {
	return kds.DecomposeTCBVersion(kds.TCBVersion(r.Attestation.GetReport().GetReportedTcb()))
}

// Measurements returns the launch measurement, host data and ID key digest
// plus the guest SVN.
func (r *SevSnpReport) Measurements() MeasurementSet {
	rep := r.Attestation.GetReport()
	return MeasurementSet{
		Registers: []Measurement{
			{Name: SnpMeasure, Value: cloneBytes(rep.GetMeasurement())},
			{Name: SnpHostData, Value: cloneBytes(rep.GetHostData())},
			{Name: SnpIDKey, Value: cloneBytes(rep.GetIdKeyDigest())},
		},
		SVNs: []SVN{{Name: GuestSvn, Value: uint64(rep.GetGuestSvn())}},
	}
}

// NewSevSnpReport wraps a decoded attestation. The attestation is cloned.
func NewSevSnpReport(att *spb.Attestation) (*SevSnpReport, error) {
	if att.GetReport() == nil {
		return nil, &DecodeError{Variant: SevSnp, Err: errors.New("attestation has no report")}
	}
	return &SevSnpReport{Attestation: proto.Clone(att).(*spb.Attestation)}, nil
}

// ParseSevSnpReport decodes a raw attestation report as returned by the
// SNP_GET_REPORT guest request, attaching the given certificate chain.
func ParseSevSnpReport(raw []byte, certs *spb.CertificateChain) (*SevSnpReport, error) {
	report, err := abi.ReportToProto(raw)
	if err != nil {
		return nil, &DecodeError{Variant: SevSnp, Err: err}
	}
	att := &spb.Attestation{Report: report}
	if certs != nil {
		att.CertificateChain = proto.Clone(certs).(*spb.CertificateChain)
	}
	return &SevSnpReport{Attestation: att}, nil
}
