package check

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tdx-guest/pcs"
	"github.com/google/go-tee-verifier/evidence"
)

// Intel TCB status values. Older PCS responses spell configuration statuses
// in full, newer tooling abbreviates them.
const (
	statusUpToDate                          = "UpToDate"
	statusSWHardeningNeeded                 = "SWHardeningNeeded"
	statusConfigurationNeeded               = "ConfigurationNeeded"
	statusConfigNeeded                      = "ConfigNeeded"
	statusConfigurationAndSWHardeningNeeded = "ConfigurationAndSWHardeningNeeded"
	statusOutOfDate                         = "OutOfDate"
	statusOutOfDateConfigurationNeeded      = "OutOfDateConfigurationNeeded"
	statusRevoked                           = "Revoked"
)

func reference(in *Input) *Reference {
	if in.Reference == nil {
		return &Reference{}
	}
	return in.Reference
}

// judgeTcbStatus maps the status of the matched TCB level to a result. depth
// is the number of newer levels above the matched one.
func judgeTcbStatus(what, status string, depth, tolerance int) Result {
	switch status {
	case statusUpToDate:
		return Passed("%s is up to date", what)
	case statusSWHardeningNeeded:
		return Advise(TcbSwHardeningNeeded, MustAcknowledge, "%s requires software hardening", what)
	case statusConfigurationNeeded, statusConfigNeeded:
		return Advise(TcbConfigNeeded, MustAcknowledge, "%s requires platform configuration", what)
	case statusConfigurationAndSWHardeningNeeded:
		return Advise(TcbConfigAndSwHardeningNeeded, MustAcknowledge, "%s requires platform configuration and software hardening", what)
	case statusOutOfDate, statusOutOfDateConfigurationNeeded:
		if tolerance > 0 && depth <= tolerance {
			return Advise(TcbOutOfDateTolerated, MustAcknowledge, "%s is out of date by %d level(s), within tolerance %d", what, depth, tolerance)
		}
		return Failed(TcbOutOfDate, "%s is out of date by %d level(s)", what, depth)
	case statusRevoked:
		return Failed(TcbRevoked, "%s is revoked", what)
	}
	return Failed(TcbLevelUnsupported, "%s has unknown status %q", what, status)
}

func intelTcbStatus(in *Input, q *evidence.IntelQuote) Result {
	col := in.Collateral
	if col == nil || col.TcbInfo == nil {
		return Failed(CollateralMissing, "no TCB info supplied")
	}
	v := q.Variant()
	if res := verifyCollateral(in, v, "TCB info", &col.TcbInfo.Signed); res.Status != Pass {
		return res
	}
	if res := collateralWindow(in.Now, "TCB info", &col.TcbInfo.Signed, reference(in).Freshness.CollateralGrace); res.Status == Fail {
		return res
	}
	info := col.TcbInfo.Info.TcbInfo
	want := wantCollateralID(v, "SGX", "TDX")
	if info.ID != want && !(info.ID == "" && v == evidence.SGX) {
		return collateralIDMismatch("TCB info", info.ID, want)
	}

	if len(q.PCKChain) == 0 {
		return Failed(MalformedEvidence, "quote carries no PCK certificate")
	}
	ext, err := pcs.PckCertificateExtensions(q.PCKChain[0])
	if err != nil {
		return Failed(MalformedEvidence, "PCK certificate: %v", err)
	}
	if !strings.EqualFold(info.Fmspc, ext.FMSPC) {
		return Failed(CollateralMismatch, "TCB info is for FMSPC %s, platform is %s", info.Fmspc, ext.FMSPC)
	}
	if !strings.EqualFold(info.PceID, ext.PCEID) {
		return Failed(CollateralMismatch, "TCB info is for PCEID %s, platform is %s", info.PceID, ext.PCEID)
	}

	var teeTcbSvn []byte
	if q.TD != nil {
		teeTcbSvn = q.TD.TeeTcbSvn[:]
	}
	for i, level := range info.TcbLevels {
		if !tcbLevelMatches(&ext.TCB, teeTcbSvn, level.Tcb.SgxTcbcomponents, uint16(level.Tcb.Pcesvn), level.Tcb.TdxTcbcomponents) {
			continue
		}
		return judgeTcbStatus("platform TCB", string(level.TcbStatus), i, reference(in).Tcb.OutOfDateTolerance).
			With("tcbStatus", string(level.TcbStatus)).
			With("tcbDate", fmt.Sprint(level.TcbDate))
	}
	return Failed(TcbLevelUnsupported, "platform TCB (pcesvn %d) is below every TCB level", ext.TCB.PCESvn)
}

func tcbLevelMatches(tcb *pcs.PckCertTCB, teeTcbSvn []byte, comps []pcs.TcbComponent, pceSvn uint16, tdx []pcs.TcbComponent) bool {
	if len(comps) != len(tcb.CPUSvnComponents) {
		return false
	}
	for i, c := range comps {
		if tcb.CPUSvnComponents[i] < c.Svn {
			return false
		}
	}
	if tcb.PCESvn < pceSvn {
		return false
	}
	if teeTcbSvn != nil {
		if len(tdx) != len(teeTcbSvn) {
			return false
		}
		for i, c := range tdx {
			if teeTcbSvn[i] < c.Svn {
				return false
			}
		}
	}
	return true
}

func intelQeIdentity(in *Input, q *evidence.IntelQuote) Result {
	col := in.Collateral
	if col == nil || col.QeIdentity == nil {
		return Failed(CollateralMissing, "no QE identity supplied")
	}
	v := q.Variant()
	if res := verifyCollateral(in, v, "QE identity", &col.QeIdentity.Signed); res.Status != Pass {
		return res
	}
	if res := collateralWindow(in.Now, "QE identity", &col.QeIdentity.Signed, reference(in).Freshness.CollateralGrace); res.Status == Fail {
		return res
	}
	id := col.QeIdentity.Identity.EnclaveIdentity
	if want := wantCollateralID(v, "QE", "TD_QE"); id.ID != want {
		return Failed(QeIdentityMismatch, "QE identity is for %q, quote needs %q", id.ID, want)
	}
	qe := q.QEReport
	if !bytes.Equal(id.Mrsigner.Bytes, qe.MrSigner[:]) {
		return Failed(QeIdentityMismatch, "QE MRSIGNER %x, want %x", qe.MrSigner, id.Mrsigner.Bytes)
	}
	if qe.IsvProdID != uint16(id.IsvProdID) {
		return Failed(QeIdentityMismatch, "QE ISVPRODID %d, want %d", qe.IsvProdID, id.IsvProdID)
	}
	if len(id.MiscselectMask.Bytes) != 4 || len(id.Miscselect.Bytes) != 4 {
		return Failed(CollateralInvalid, "QE identity MISCSELECT fields must be 4 bytes")
	}
	mask := binary.LittleEndian.Uint32(id.MiscselectMask.Bytes)
	if got, want := qe.MiscSelect&mask, binary.LittleEndian.Uint32(id.Miscselect.Bytes); got != want {
		return Failed(QeIdentityMismatch, "QE MISCSELECT %#x, want %#x", got, want)
	}
	if len(id.AttributesMask.Bytes) != len(qe.Attributes) || len(id.Attributes.Bytes) != len(qe.Attributes) {
		return Failed(CollateralInvalid, "QE identity attribute fields must be %d bytes", len(qe.Attributes))
	}
	var attrs [16]byte
	for i := range attrs {
		attrs[i] = qe.Attributes[i] & id.AttributesMask.Bytes[i]
	}
	if !bytes.Equal(attrs[:], id.Attributes.Bytes) {
		return Failed(QeIdentityMismatch, "QE attributes %x, want %x", attrs, id.Attributes.Bytes)
	}

	for i, level := range id.TcbLevels {
		if uint16(level.Tcb.Isvsvn) > qe.IsvSvn {
			continue
		}
		return judgeTcbStatus("quoting enclave", string(level.TcbStatus), i, reference(in).Tcb.OutOfDateTolerance).
			With("tcbStatus", string(level.TcbStatus))
	}
	return Failed(TcbLevelUnsupported, "QE ISVSVN %d is below every TCB level", qe.IsvSvn)
}

// sevTcbStatus checks that the VCEK was issued for the reported TCB and that
// the reported TCB meets the minimum.
func sevTcbStatus(in *Input, r *evidence.SevSnpReport) Result {
	ext, res := vcekExtensions(r)
	if res.Status != Pass {
		return res
	}
	reported := r.ReportedTcb()
	if certified := kds.DecomposeTCBVersion(ext.TCBVersion); certified != reported {
		return Failed(TcbOutOfDate, "VCEK is certified for TCB %s, report claims %s", snpTcbString(certified), snpTcbString(reported))
	}
	floor := reference(in).Tcb.MinimumSnpTcb
	if !kds.TCBPartsLE(floor, reported) {
		return Failed(TcbOutOfDate, "reported TCB (%s) is below the minimum (%s)", snpTcbString(reported), snpTcbString(floor))
	}
	return Passed("reported TCB (%s) meets the minimum", snpTcbString(reported))
}

func snpTcbString(t kds.TCBParts) string {
	return fmt.Sprintf("bl=%d tee=%d snp=%d ucode=%d", t.BlSpl, t.TeeSpl, t.SnpSpl, t.UcodeSpl)
}
