package test

import (
	"bytes"
	"crypto/elliptic"
	"crypto/x509/pkix"
	"testing"

	"github.com/google/go-sev-guest/kds"
	spb "github.com/google/go-sev-guest/proto/sevsnp"
)

// SevPKI is an AMD-style hierarchy: ARK, ASK and a VCEK. All keys are P-384.
type SevPKI struct {
	ARK  *KeyPair
	ASK  *KeyPair
	VCEK *KeyPair
}

// NewSevPKI creates an SEV-SNP certificate hierarchy whose VCEK is issued
// for SnpChipID at SnpReportedTcb.
func NewSevPKI(t *testing.T) *SevPKI {
	t.Helper()
	ark := GetTestCert(t, CertOptions{CommonName: "ARK-Milan", IsCA: true, Curve: elliptic.P384()}, nil)
	ask := GetTestCert(t, CertOptions{CommonName: "SEV-Milan", IsCA: true, Curve: elliptic.P384()}, ark)
	p := &SevPKI{ARK: ark, ASK: ask}
	p.VCEK = p.IssueVcek(t, SnpChipID, SnpReportedTcb)
	return p
}

// IssueVcek returns a VCEK signed by the ASK for the chip and TCB version.
func (p *SevPKI) IssueVcek(t *testing.T, chipID []byte, tcb uint64) *KeyPair {
	t.Helper()
	return GetTestCert(t, CertOptions{
		CommonName:             "SEV-VCEK",
		Curve:                  elliptic.P384(),
		Extensions:             VcekExtensions(t, chipID, tcb),
		OmitStandardExtensions: true,
	}, p.ASK)
}

// VcekExtensions encodes the AMD KDS extensions of a Milan VCEK.
func VcekExtensions(t *testing.T, chipID []byte, tcb uint64) []pkix.Extension {
	t.Helper()
	parts := kds.DecomposeTCBVersion(kds.TCBVersion(tcb))
	spl := func(v uint8) []byte { return der(t, int(v), "") }
	return []pkix.Extension{
		{Id: kds.OidStructVersion, Value: der(t, 1, "")},
		{Id: kds.OidProductName1, Value: der(t, "Milan-B0", "ia5")},
		{Id: kds.OidBlSpl, Value: spl(parts.BlSpl)},
		{Id: kds.OidTeeSpl, Value: spl(parts.TeeSpl)},
		{Id: kds.OidSnpSpl, Value: spl(parts.SnpSpl)},
		{Id: kds.OidSpl4, Value: spl(parts.Spl4)},
		{Id: kds.OidSpl5, Value: spl(parts.Spl5)},
		{Id: kds.OidSpl6, Value: spl(parts.Spl6)},
		{Id: kds.OidSpl7, Value: spl(parts.Spl7)},
		{Id: kds.OidUcodeSpl, Value: spl(parts.UcodeSpl)},
		// The KDS stores the HWID without an OCTET STRING header.
		{Id: kds.OidHwid, Value: bytes.Clone(chipID)},
	}
}

// SnpChipID is the chip the default VCEK is issued for.
var SnpChipID = bytes.Repeat([]byte{0xc1}, 64)

// SnpMeasurement is the launch measurement of NewAttestation reports.
var SnpMeasurement = func() []byte {
	m := make([]byte, 48)
	for i := range m {
		m[i] = 0x5e
	}
	return m
}()

// SnpReportedTcb is bl=3 tee=0 snp=8 ucode=115.
const SnpReportedTcb = uint64(0x7308000000000003)

// NewAttestation returns an attestation carrying reportData and the VCEK
// and ASK certificates. The report is not signed.
func (p *SevPKI) NewAttestation(reportData []byte) *spb.Attestation {
	rd := make([]byte, 64)
	copy(rd, reportData)
	return &spb.Attestation{
		Report: &spb.Report{
			Version:         2,
			GuestSvn:        4,
			Policy:          0x30000,
			ReportData:      rd,
			Measurement:     bytes.Clone(SnpMeasurement),
			HostData:        make([]byte, 32),
			IdKeyDigest:     make([]byte, 48),
			AuthorKeyDigest: make([]byte, 48),
			ReportId:        make([]byte, 32),
			ReportIdMa:      make([]byte, 32),
			ReportedTcb:     SnpReportedTcb,
			ChipId:          bytes.Clone(SnpChipID),
			CurrentTcb:      SnpReportedTcb,
			CommittedTcb:    SnpReportedTcb,
			LaunchTcb:       SnpReportedTcb,
			FamilyId:        make([]byte, 16),
			ImageId:         make([]byte, 16),
			Signature:       make([]byte, 512),
		},
		CertificateChain: &spb.CertificateChain{
			VcekCert: p.VCEK.Cert.Raw,
			AskCert:  p.ASK.Cert.Raw,
		},
	}
}
