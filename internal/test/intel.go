package test

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-tdx-guest/pcs"
)

// Intel certificate common names.
const (
	IntelRootCN       = "Intel SGX Root CA"
	IntelPlatformCN   = "Intel SGX PCK Platform CA"
	IntelPckCN        = "Intel SGX PCK Certificate"
	IntelTcbSigningCN = "Intel SGX TCB Signing"
)

// Platform values encoded in the default PCK certificate.
var (
	DefaultFmspc  = []byte{0x00, 0x90, 0x6e, 0xa1, 0x00, 0x00}
	DefaultPceID  = []byte{0x00, 0x00}
	DefaultPceSvn = uint16(13)
	// DefaultTcbComponents are the SGX TCB components 1 through 16.
	DefaultTcbComponents = [16]byte{4, 4, 3, 3, 255, 255, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
)

// IntelQeVendorID identifies the Intel quoting enclave.
var IntelQeVendorID = [16]byte{0x93, 0x9a, 0x72, 0x33, 0xf7, 0x9c, 0x4c, 0xa9, 0x94, 0x0a, 0x0d, 0xb3, 0x95, 0x7f, 0x06, 0x07}

// QE identity values the default quote is built with.
var (
	QeMrSigner  = [32]byte{0x8c, 0x4f, 0x57, 0x75, 0xd7, 0x96, 0x50, 0x3e, 0x96, 0x13, 0x7f, 0x77, 0xc6, 0x8a, 0x82, 0x9a}
	QeIsvProdID = uint16(1)
	QeIsvSvn    = uint16(8)
	// QeAttributes are the QE report attributes: INIT and MODE64BIT.
	QeAttributes = [16]byte{0x11}
)

var oidSgxType = asn1.ObjectIdentifier{1, 2, 840, 113741, 1, 13, 1, 5}

type sgxEntry struct {
	ID    asn1.ObjectIdentifier
	Value asn1.RawValue
}

// PlatformOptions describes the platform a PCK certificate is issued for.
type PlatformOptions struct {
	Fmspc         []byte
	PceID         []byte
	PceSvn        uint16
	TcbComponents [16]byte
}

// DefaultPlatform returns the platform described by the Default values.
func DefaultPlatform() PlatformOptions {
	return PlatformOptions{
		Fmspc:         DefaultFmspc,
		PceID:         DefaultPceID,
		PceSvn:        DefaultPceSvn,
		TcbComponents: DefaultTcbComponents,
	}
}

func der(t *testing.T, v any, params string) []byte {
	t.Helper()
	b, err := asn1.MarshalWithParams(v, params)
	if err != nil {
		t.Fatalf("failed to marshal %T: %v", v, err)
	}
	return b
}

func rawValue(t *testing.T, v any) asn1.RawValue {
	t.Helper()
	return asn1.RawValue{FullBytes: der(t, v, "")}
}

// SgxExtension encodes the Intel SGX PCK certificate extension.
func SgxExtension(t *testing.T, p PlatformOptions) pkix.Extension {
	t.Helper()
	var tcb []sgxEntry
	for i, svn := range p.TcbComponents {
		id := append(append(asn1.ObjectIdentifier{}, pcs.OidTCB...), i+1)
		tcb = append(tcb, sgxEntry{ID: id, Value: rawValue(t, int(svn))})
	}
	tcb = append(tcb,
		sgxEntry{ID: append(append(asn1.ObjectIdentifier{}, pcs.OidTCB...), 17), Value: rawValue(t, int(p.PceSvn))},
		sgxEntry{ID: append(append(asn1.ObjectIdentifier{}, pcs.OidTCB...), 18), Value: rawValue(t, p.TcbComponents[:])},
	)
	ext, err := asn1.Marshal([]sgxEntry{
		{ID: pcs.OidPPID, Value: rawValue(t, make([]byte, 16))},
		{ID: pcs.OidTCB, Value: rawValue(t, tcb)},
		{ID: pcs.OidPCEID, Value: rawValue(t, p.PceID)},
		{ID: pcs.OidFMSPC, Value: rawValue(t, p.Fmspc)},
		{ID: oidSgxType, Value: rawValue(t, asn1.Enumerated(0))},
	})
	if err != nil {
		t.Fatalf("failed to marshal SGX extension: %v", err)
	}
	return pkix.Extension{Id: pcs.OidSgxExtension, Value: ext}
}

// IntelPKI is an Intel-style hierarchy: a root CA issuing the PCK platform CA
// and the TCB signing certificate, and a PCK certificate for one platform.
type IntelPKI struct {
	Root       *KeyPair
	Platform   *KeyPair
	PCK        *KeyPair
	TcbSigning *KeyPair
}

// NewIntelPKI creates a hierarchy whose PCK certificate describes p.
func NewIntelPKI(t *testing.T, p PlatformOptions) *IntelPKI {
	t.Helper()
	root := GetTestCert(t, CertOptions{CommonName: IntelRootCN, IsCA: true}, nil)
	platform := GetTestCert(t, CertOptions{CommonName: IntelPlatformCN, IsCA: true}, root)
	pck := GetTestCert(t, CertOptions{
		CommonName:            IntelPckCN,
		Extensions:            []pkix.Extension{SgxExtension(t, p)},
		CRLDistributionPoints: []string{pcs.PckCrlURL("platform")},
	}, platform)
	return &IntelPKI{
		Root:       root,
		Platform:   platform,
		PCK:        pck,
		TcbSigning: GetTestCert(t, CertOptions{CommonName: IntelTcbSigningCN}, root),
	}
}

// PCKChain returns the PCK chain, leaf first.
func (p *IntelPKI) PCKChain() []*x509.Certificate {
	return []*x509.Certificate{p.PCK.Cert, p.Platform.Cert, p.Root.Cert}
}

// SigningChain returns the TCB signing chain, leaf first.
func (p *IntelPKI) SigningChain() []*x509.Certificate {
	return []*x509.Certificate{p.TcbSigning.Cert, p.Root.Cert}
}

// QuoteOptions describes an SGX or TDX quote.
type QuoteOptions struct {
	TDX        bool
	ReportData [64]byte

	// SGX enclave identity.
	MrEnclave [32]byte
	MrSigner  [32]byte
	IsvProdID uint16
	IsvSvn    uint16

	// TDX TD identity.
	TeeTcbSvn [16]byte
	MrTd      [48]byte
	Rtmrs     [4][48]byte

	// Quoting enclave identity. Zero values are replaced by the Qe defaults.
	QeMrSigner [32]byte
	QeIsvSvn   uint16
	QeAuthData []byte
}

// DefaultSgxQuote returns options for an SGX quote from a known enclave.
func DefaultSgxQuote() QuoteOptions {
	o := QuoteOptions{IsvProdID: 1, IsvSvn: 3}
	for i := range o.MrEnclave {
		o.MrEnclave[i] = 0xe0 | byte(i&0x0f)
		o.MrSigner[i] = 0x50 | byte(i&0x0f)
	}
	return o
}

// DefaultTdxQuote returns options for a TDX quote from a known TD.
func DefaultTdxQuote() QuoteOptions {
	o := QuoteOptions{TDX: true, TeeTcbSvn: [16]byte{3, 0, 5}}
	for i := range o.MrTd {
		o.MrTd[i] = 0x70 | byte(i&0x0f)
	}
	for r := range o.Rtmrs {
		o.Rtmrs[r][0] = byte(r + 1)
	}
	return o
}

func putUint16(b []byte, v uint16) []byte { return binary.LittleEndian.AppendUint16(b, v) }
func putUint32(b []byte, v uint32) []byte { return binary.LittleEndian.AppendUint32(b, v) }

func enclaveReport(cpusvn [16]byte, misc uint32, attrs [16]byte, mrEnclave, mrSigner [32]byte, prodID, svn uint16, reportData [64]byte) []byte {
	b := make([]byte, 384)
	copy(b[0:16], cpusvn[:])
	binary.LittleEndian.PutUint32(b[16:20], misc)
	copy(b[48:64], attrs[:])
	copy(b[64:96], mrEnclave[:])
	copy(b[128:160], mrSigner[:])
	binary.LittleEndian.PutUint16(b[256:258], prodID)
	binary.LittleEndian.PutUint16(b[258:260], svn)
	copy(b[320:384], reportData[:])
	return b
}

func tdReport(o QuoteOptions) []byte {
	b := make([]byte, 584)
	copy(b[0:16], o.TeeTcbSvn[:])
	copy(b[136:184], o.MrTd[:])
	for i, rtmr := range o.Rtmrs {
		copy(b[328+48*i:376+48*i], rtmr[:])
	}
	copy(b[520:584], o.ReportData[:])
	return b
}

// NewQuote builds a quote signed by a fresh attestation key whose QE report
// is signed by the PCK key.
func (p *IntelPKI) NewQuote(t *testing.T, o QuoteOptions) []byte {
	t.Helper()
	if o.QeMrSigner == ([32]byte{}) {
		o.QeMrSigner = QeMrSigner
	}
	if o.QeIsvSvn == 0 {
		o.QeIsvSvn = QeIsvSvn
	}
	if o.QeAuthData == nil {
		o.QeAuthData = make([]byte, 32)
		for i := range o.QeAuthData {
			o.QeAuthData[i] = byte(i)
		}
	}

	version, tee := uint16(3), uint32(0)
	if o.TDX {
		version, tee = 4, 0x81
	}
	quote := putUint16(nil, version)
	quote = putUint16(quote, 2)
	quote = putUint32(quote, tee)
	quote = append(quote, make([]byte, 4)...)
	quote = append(quote, IntelQeVendorID[:]...)
	quote = append(quote, make([]byte, 20)...)
	if o.TDX {
		quote = append(quote, tdReport(o)...)
	} else {
		quote = append(quote, enclaveReport([16]byte{}, 0, [16]byte{0x07}, o.MrEnclave, o.MrSigner, o.IsvProdID, o.IsvSvn, o.ReportData)...)
	}

	ak, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate attestation key: %v", err)
	}
	akRaw := make([]byte, 64)
	ak.X.FillBytes(akRaw[:32])
	ak.Y.FillBytes(akRaw[32:])
	digest := sha256.Sum256(quote)
	quoteSig := SignRaw(t, ak, digest[:])

	var qeReportData [64]byte
	binding := sha256.Sum256(append(append([]byte{}, akRaw...), o.QeAuthData...))
	copy(qeReportData[:], binding[:])
	qeReport := enclaveReport([16]byte{}, 0, QeAttributes, [32]byte{}, o.QeMrSigner, QeIsvProdID, o.QeIsvSvn, qeReportData)
	qeDigest := sha256.Sum256(qeReport)
	qeSig := SignRaw(t, p.PCK.Key, qeDigest[:])

	certData := PEM(p.PCKChain()...)
	inner := append([]byte{}, qeReport...)
	inner = append(inner, qeSig...)
	inner = putUint16(inner, uint16(len(o.QeAuthData)))
	inner = append(inner, o.QeAuthData...)
	inner = putUint16(inner, 5)
	inner = putUint32(inner, uint32(len(certData)))
	inner = append(inner, certData...)

	sigData := append(append([]byte{}, quoteSig...), akRaw...)
	if o.TDX {
		sigData = putUint16(sigData, 6)
		sigData = putUint32(sigData, uint32(len(inner)))
	}
	sigData = append(sigData, inner...)

	quote = putUint32(quote, uint32(len(sigData)))
	return append(quote, sigData...)
}

// TcbLevel is one level of a TCB info structure.
type TcbLevel struct {
	Components [16]byte
	PceSvn     uint16
	// TdxComponents are only emitted for TDX TCB info.
	TdxComponents [16]byte
	Status        string
	Date          time.Time
}

// TcbInfoOptions describes a TCB info structure.
type TcbInfoOptions struct {
	TDX        bool
	Fmspc      []byte
	PceID      []byte
	Levels     []TcbLevel
	IssueDate  time.Time
	NextUpdate time.Time
}

// DefaultTcbInfo returns a single level matching the default platform.
func DefaultTcbInfo(tdx bool, status string) TcbInfoOptions {
	return TcbInfoOptions{
		TDX:   tdx,
		Fmspc: DefaultFmspc,
		PceID: DefaultPceID,
		Levels: []TcbLevel{{
			Components:    DefaultTcbComponents,
			PceSvn:        DefaultPceSvn,
			TdxComponents: DefaultTdxQuote().TeeTcbSvn,
			Status:        status,
			Date:          Now.AddDate(0, -2, 0),
		}},
	}
}

type tcbComponentJSON struct {
	Svn byte `json:"svn"`
}

type tcbJSON struct {
	SgxTcbComponents []tcbComponentJSON `json:"sgxtcbcomponents,omitempty"`
	PceSvn           uint16             `json:"pcesvn,omitempty"`
	TdxTcbComponents []tcbComponentJSON `json:"tdxtcbcomponents,omitempty"`
	IsvSvn           uint16             `json:"isvsvn,omitempty"`
}

type tcbLevelJSON struct {
	Tcb       tcbJSON `json:"tcb"`
	TcbDate   string  `json:"tcbDate"`
	TcbStatus string  `json:"tcbStatus"`
}

type tcbInfoJSON struct {
	ID                      string         `json:"id"`
	Version                 int            `json:"version"`
	IssueDate               string         `json:"issueDate"`
	NextUpdate              string         `json:"nextUpdate"`
	Fmspc                   string         `json:"fmspc"`
	PceID                   string         `json:"pceId"`
	TcbType                 int            `json:"tcbType"`
	TcbEvaluationDataNumber int            `json:"tcbEvaluationDataNumber"`
	TcbLevels               []tcbLevelJSON `json:"tcbLevels"`
}

func components(svns []byte) []tcbComponentJSON {
	out := make([]tcbComponentJSON, len(svns))
	for i, s := range svns {
		out[i].Svn = s
	}
	return out
}

func window(issue, next time.Time) (string, string) {
	if issue.IsZero() {
		issue = Now.AddDate(0, 0, -7)
	}
	if next.IsZero() {
		next = Now.AddDate(0, 0, 23)
	}
	return issue.UTC().Format(time.RFC3339), next.UTC().Format(time.RFC3339)
}

// signEnvelope marshals body under key and signs it with the TCB signing key.
func (p *IntelPKI) signEnvelope(t *testing.T, key string, body any) []byte {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("failed to marshal %s: %v", key, err)
	}
	digest := sha256.Sum256(raw)
	sig := SignRaw(t, p.TcbSigning.Key, digest[:])
	out, err := json.Marshal(map[string]any{
		key:         json.RawMessage(raw),
		"signature": hex.EncodeToString(sig),
	})
	if err != nil {
		t.Fatalf("failed to marshal %s envelope: %v", key, err)
	}
	return out
}

// SignedTcbInfo returns a PCS TCB info response signed by the TCB signing key.
func (p *IntelPKI) SignedTcbInfo(t *testing.T, o TcbInfoOptions) []byte {
	t.Helper()
	issue, next := window(o.IssueDate, o.NextUpdate)
	info := tcbInfoJSON{
		ID:                      "SGX",
		Version:                 3,
		IssueDate:               issue,
		NextUpdate:              next,
		Fmspc:                   hex.EncodeToString(o.Fmspc),
		PceID:                   hex.EncodeToString(o.PceID),
		TcbEvaluationDataNumber: 17,
	}
	if o.TDX {
		info.ID = "TDX"
	}
	for _, l := range o.Levels {
		level := tcbLevelJSON{
			Tcb: tcbJSON{
				SgxTcbComponents: components(l.Components[:]),
				PceSvn:           l.PceSvn,
			},
			TcbDate:   l.Date.UTC().Format(time.RFC3339),
			TcbStatus: l.Status,
		}
		if o.TDX {
			level.Tcb.TdxTcbComponents = components(l.TdxComponents[:])
		}
		info.TcbLevels = append(info.TcbLevels, level)
	}
	return p.signEnvelope(t, "tcbInfo", info)
}

// QeLevel is one level of a QE identity structure.
type QeLevel struct {
	IsvSvn uint16
	Status string
}

// QeIdentityOptions describes a QE identity structure.
type QeIdentityOptions struct {
	TDX        bool
	MrSigner   [32]byte
	IsvProdID  uint16
	Levels     []QeLevel
	IssueDate  time.Time
	NextUpdate time.Time
}

// DefaultQeIdentity returns an identity matching the default quoting enclave.
func DefaultQeIdentity(tdx bool, status string) QeIdentityOptions {
	return QeIdentityOptions{
		TDX:       tdx,
		MrSigner:  QeMrSigner,
		IsvProdID: QeIsvProdID,
		Levels:    []QeLevel{{IsvSvn: QeIsvSvn, Status: status}},
	}
}

type qeIdentityJSON struct {
	ID                      string         `json:"id"`
	Version                 int            `json:"version"`
	IssueDate               string         `json:"issueDate"`
	NextUpdate              string         `json:"nextUpdate"`
	TcbEvaluationDataNumber int            `json:"tcbEvaluationDataNumber"`
	Miscselect              string         `json:"miscselect"`
	MiscselectMask          string         `json:"miscselectMask"`
	Attributes              string         `json:"attributes"`
	AttributesMask          string         `json:"attributesMask"`
	Mrsigner                string         `json:"mrsigner"`
	IsvProdID               uint16         `json:"isvprodid"`
	TcbLevels               []tcbLevelJSON `json:"tcbLevels"`
}

// SignedQeIdentity returns a PCS QE identity response signed by the TCB
// signing key.
func (p *IntelPKI) SignedQeIdentity(t *testing.T, o QeIdentityOptions) []byte {
	t.Helper()
	issue, next := window(o.IssueDate, o.NextUpdate)
	attrsMask := [16]byte{0xfb, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	var attrs [16]byte
	for i := range attrs {
		attrs[i] = QeAttributes[i] & attrsMask[i]
	}
	id := qeIdentityJSON{
		ID:                      "QE",
		Version:                 2,
		IssueDate:               issue,
		NextUpdate:              next,
		TcbEvaluationDataNumber: 17,
		Miscselect:              "00000000",
		MiscselectMask:          "ffffffff",
		Attributes:              hex.EncodeToString(attrs[:]),
		AttributesMask:          hex.EncodeToString(attrsMask[:]),
		Mrsigner:                hex.EncodeToString(o.MrSigner[:]),
		IsvProdID:               o.IsvProdID,
	}
	if o.TDX {
		id.ID = "TD_QE"
	}
	for _, l := range o.Levels {
		id.TcbLevels = append(id.TcbLevels, tcbLevelJSON{
			Tcb:       tcbJSON{IsvSvn: l.IsvSvn},
			TcbDate:   Now.AddDate(0, -3, 0).UTC().Format(time.RFC3339),
			TcbStatus: l.Status,
		})
	}
	return p.signEnvelope(t, "enclaveIdentity", id)
}
