package evidence

import (
	"bytes"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-tdx-guest/abi"
	tdxpb "github.com/google/go-tdx-guest/proto/tdx"
)

// Intel DCAP quote layout constants.
const (
	QuoteHeaderSize    = 48
	SgxReportBodySize  = 384
	TdxReportBodySize  = 584
	EnclaveReportSize  = 384
	ecdsa256SigSize    = 64
	ecdsa256KeySize    = 64

	quoteVersionSgx = 3
	quoteVersionTdx = 4

	// AttestationKeyTypeECDSA256 identifies ECDSA-256-with-P-256 attestation keys.
	AttestationKeyTypeECDSA256 = 2

	teeTypeSgx = 0x00000000
	teeTypeTdx = 0x00000081

	certTypePckChain    = 5
	certTypeQeReportCer = 6
)

// QuoteHeader is the 48 byte header shared by SGX and TDX quotes.
type QuoteHeader struct {
	Version            uint16
	AttestationKeyType uint16
	TeeType            uint32
	QeSvn              uint16
	PceSvn             uint16
	QeVendorID         [16]byte
	UserData           [20]byte
}

// EnclaveReport is an SGX enclave report body. It is both the body of an SGX
// quote and the quoting enclave report embedded in any Intel quote.
type EnclaveReport struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes [16]byte
	MrEnclave  [32]byte
	MrSigner   [32]byte
	IsvProdID  uint16
	IsvSvn     uint16
	ReportData [64]byte
}

// TDReport is the TDX 1.0 TD quote body.
type TDReport struct {
	TeeTcbSvn      [16]byte
	MrSeam         [48]byte
	MrSignerSeam   [48]byte
	SeamAttributes [8]byte
	TdAttributes   [8]byte
	Xfam           [8]byte
	MrTd           [48]byte
	MrConfigID     [48]byte
	MrOwner        [48]byte
	MrOwnerConfig  [48]byte
	Rtmrs          [4][48]byte
	ReportData     [64]byte
}

// IntelQuote is a decoded Intel DCAP quote, either SGX (version 3) or TDX
// (version 4).
type IntelQuote struct {
	Header QuoteHeader
	// Enclave is set for SGX quotes.
	Enclave *EnclaveReport
	// TD is set for TDX quotes.
	TD *TDReport

	// Signature is the raw r||s ECDSA signature over SignedData.
	Signature []byte
	// AttestationKey is the raw X||Y P-256 public key of the quoting enclave.
	AttestationKey []byte
	QEReport       EnclaveReport
	// RawQEReport holds the bytes covered by QEReportSignature.
	RawQEReport       []byte
	QEReportSignature []byte
	QEAuthData        []byte
	// PCKChain is the PCK certificate chain, leaf first.
	PCKChain []*x509.Certificate

	// CollectedAt is a caller-provided production time. Quotes do not carry
	// one of their own.
	CollectedAt time.Time

	signed []byte
	tee    Variant
}

func (*IntelQuote) isEvidence() {}

// Variant returns SGX or TDX.
func (q *IntelQuote) Variant() Variant {
	if q == nil {
		return Unknown
	}
	return q.tee
}

// SignedData returns the header and body bytes covered by the quote signature.
func (q *IntelQuote) SignedData() []byte { return cloneBytes(q.signed) }

// ReportData returns the 64 bytes of report data from the enclave or TD body.
func (q *IntelQuote) ReportData() []byte {
	switch {
	case q.Enclave != nil:
		return cloneBytes(q.Enclave.ReportData[:])
	case q.TD != nil:
		return cloneBytes(q.TD.ReportData[:])
	}
	return nil
}

// Timestamp returns CollectedAt.
func (q *IntelQuote) Timestamp() time.Time { return q.CollectedAt }

// Measurements returns MRENCLAVE/MRSIGNER for SGX and MRTD, RTMR0-3 and the
// SEAM module registers for TDX.
func (q *IntelQuote) Measurements() MeasurementSet {
	var m MeasurementSet
	if e := q.Enclave; e != nil {
		m.Registers = []Measurement{
			{Name: MrEnclave, Value: cloneBytes(e.MrEnclave[:])},
			{Name: MrSigner, Value: cloneBytes(e.MrSigner[:])},
		}
		m.SVNs = []SVN{
			{Name: IsvProdID, Value: uint64(e.IsvProdID)},
			{Name: IsvSvn, Value: uint64(e.IsvSvn)},
		}
	}
	if td := q.TD; td != nil {
		m.Registers = []Measurement{
			{Name: MrTd, Value: cloneBytes(td.MrTd[:])},
		}
		for i := range td.Rtmrs {
			m.Registers = append(m.Registers, Measurement{Name: RtmrName(i), Value: cloneBytes(td.Rtmrs[i][:])})
		}
		m.Registers = append(m.Registers,
			Measurement{Name: MrSeam, Value: cloneBytes(td.MrSeam[:])},
			Measurement{Name: MrSignerSeam, Value: cloneBytes(td.MrSignerSeam[:])},
			Measurement{Name: MrConfigID, Value: cloneBytes(td.MrConfigID[:])},
			Measurement{Name: MrOwner, Value: cloneBytes(td.MrOwner[:])},
			Measurement{Name: MrOwnerConfig, Value: cloneBytes(td.MrOwnerConfig[:])},
		)
	}
	return m
}

// ParseSgxQuote decodes an SGX DCAP version 3 quote.
func ParseSgxQuote(raw []byte) (*IntelQuote, error) {
	q, err := parseIntelQuote(raw, quoteVersionSgx)
	if err != nil {
		return nil, &DecodeError{Variant: SGX, Err: err}
	}
	return q, nil
}

// ParseTdxQuote decodes a TDX version 4 quote. The layout is checked by
// go-tdx-guest before the signature region is extracted.
func ParseTdxQuote(raw []byte) (*IntelQuote, error) {
	parsed, err := abi.QuoteToProto(raw)
	if err != nil {
		return nil, &DecodeError{Variant: TDX, Err: err}
	}
	pb, ok := parsed.(*tdxpb.QuoteV4)
	if !ok {
		return nil, &DecodeError{Variant: TDX, Err: fmt.Errorf("unsupported TDX quote format %T", parsed)}
	}
	q, err := parseIntelQuote(raw, quoteVersionTdx)
	if err != nil {
		return nil, &DecodeError{Variant: TDX, Err: err}
	}
	q.TD = tdReportFromProto(pb.GetTdQuoteBody())
	return q, nil
}

func tdReportFromProto(body *tdxpb.TDQuoteBody) *TDReport {
	td := &TDReport{}
	copy(td.TeeTcbSvn[:], body.GetTeeTcbSvn())
	copy(td.MrSeam[:], body.GetMrSeam())
	copy(td.MrSignerSeam[:], body.GetMrSignerSeam())
	copy(td.SeamAttributes[:], body.GetSeamAttributes())
	copy(td.TdAttributes[:], body.GetTdAttributes())
	copy(td.Xfam[:], body.GetXfam())
	copy(td.MrTd[:], body.GetMrTd())
	copy(td.MrConfigID[:], body.GetMrConfigId())
	copy(td.MrOwner[:], body.GetMrOwner())
	copy(td.MrOwnerConfig[:], body.GetMrOwnerConfig())
	for i, rtmr := range body.GetRtmrs() {
		if i < len(td.Rtmrs) {
			copy(td.Rtmrs[i][:], rtmr)
		}
	}
	copy(td.ReportData[:], body.GetReportData())
	return td
}

// quoteReader walks a byte slice, recording the first out-of-bounds access.
type quoteReader struct {
	b   []byte
	off int
	err error
}

func (r *quoteReader) next(n int, field string) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.b)-r.off < n {
		r.err = fmt.Errorf("quote truncated reading %s: need %d bytes at offset %d, have %d", field, n, r.off, len(r.b)-r.off)
		return nil
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out
}

func (r *quoteReader) uint16(field string) uint16 {
	if b := r.next(2, field); b != nil {
		return binary.LittleEndian.Uint16(b)
	}
	return 0
}

func (r *quoteReader) uint32(field string) uint32 {
	if b := r.next(4, field); b != nil {
		return binary.LittleEndian.Uint32(b)
	}
	return 0
}

func parseIntelQuote(raw []byte, version uint16) (*IntelQuote, error) {
	r := &quoteReader{b: raw}
	q := &IntelQuote{}

	hdr := r.next(QuoteHeaderSize, "header")
	if r.err != nil {
		return nil, r.err
	}
	q.Header = parseHeader(hdr)
	if q.Header.Version != version {
		return nil, fmt.Errorf("quote version %d, want %d", q.Header.Version, version)
	}
	if q.Header.AttestationKeyType != AttestationKeyTypeECDSA256 {
		return nil, fmt.Errorf("attestation key type %d is not supported", q.Header.AttestationKeyType)
	}

	switch version {
	case quoteVersionSgx:
		if q.Header.TeeType != teeTypeSgx {
			return nil, fmt.Errorf("TEE type %#x is not SGX", q.Header.TeeType)
		}
		body := r.next(SgxReportBodySize, "enclave report")
		if r.err != nil {
			return nil, r.err
		}
		report := parseEnclaveReport(body)
		q.Enclave = &report
		q.tee = SGX
	case quoteVersionTdx:
		if q.Header.TeeType != teeTypeTdx {
			return nil, fmt.Errorf("TEE type %#x is not TDX", q.Header.TeeType)
		}
		r.next(TdxReportBodySize, "TD report")
		q.tee = TDX
	}
	if r.err != nil {
		return nil, r.err
	}
	q.signed = bytes.Clone(raw[:r.off])

	sigLen := r.uint32("signature data length")
	if r.err != nil {
		return nil, r.err
	}
	if int(sigLen) != len(raw)-r.off {
		return nil, fmt.Errorf("signature data length %d does not match remaining %d bytes", sigLen, len(raw)-r.off)
	}

	q.Signature = bytes.Clone(r.next(ecdsa256SigSize, "quote signature"))
	q.AttestationKey = bytes.Clone(r.next(ecdsa256KeySize, "attestation key"))

	if version == quoteVersionTdx {
		certType := r.uint16("certification data type")
		size := r.uint32("certification data size")
		if r.err != nil {
			return nil, r.err
		}
		if certType != certTypeQeReportCer {
			return nil, fmt.Errorf("outer certification data type %d, want %d", certType, certTypeQeReportCer)
		}
		if int(size) != len(raw)-r.off {
			return nil, fmt.Errorf("certification data size %d does not match remaining %d bytes", size, len(raw)-r.off)
		}
	}

	q.RawQEReport = bytes.Clone(r.next(EnclaveReportSize, "QE report"))
	q.QEReportSignature = bytes.Clone(r.next(ecdsa256SigSize, "QE report signature"))
	authLen := r.uint16("QE auth data size")
	q.QEAuthData = bytes.Clone(r.next(int(authLen), "QE auth data"))
	certType := r.uint16("PCK certification data type")
	certLen := r.uint32("PCK certification data size")
	certData := r.next(int(certLen), "PCK certification data")
	if r.err != nil {
		return nil, r.err
	}
	if certType != certTypePckChain {
		return nil, fmt.Errorf("certification data type %d is not a PCK certificate chain", certType)
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%d trailing bytes after certification data", len(raw)-r.off)
	}
	q.QEReport = parseEnclaveReport(q.RawQEReport)

	chain, err := ParsePEMChain(certData)
	if err != nil {
		return nil, fmt.Errorf("PCK certificate chain: %w", err)
	}
	q.PCKChain = chain
	return q, nil
}

func parseHeader(b []byte) QuoteHeader {
	h := QuoteHeader{
		Version:            binary.LittleEndian.Uint16(b[0:2]),
		AttestationKeyType: binary.LittleEndian.Uint16(b[2:4]),
		TeeType:            binary.LittleEndian.Uint32(b[4:8]),
		QeSvn:              binary.LittleEndian.Uint16(b[8:10]),
		PceSvn:             binary.LittleEndian.Uint16(b[10:12]),
	}
	copy(h.QeVendorID[:], b[12:28])
	copy(h.UserData[:], b[28:48])
	return h
}

func parseEnclaveReport(b []byte) EnclaveReport {
	var e EnclaveReport
	copy(e.CPUSVN[:], b[0:16])
	e.MiscSelect = binary.LittleEndian.Uint32(b[16:20])
	copy(e.Attributes[:], b[48:64])
	copy(e.MrEnclave[:], b[64:96])
	copy(e.MrSigner[:], b[128:160])
	e.IsvProdID = binary.LittleEndian.Uint16(b[256:258])
	e.IsvSvn = binary.LittleEndian.Uint16(b[258:260])
	copy(e.ReportData[:], b[320:384])
	return e
}

// ParsePEMChain decodes a concatenation of PEM certificates, leaf first.
// Trailing NUL padding is ignored.
func ParsePEMChain(data []byte) ([]*x509.Certificate, error) {
	data = bytes.TrimRight(data, "\x00")
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate %d: %w", len(certs), err)
		}
		certs = append(certs, cert)
	}
	if len(bytes.TrimSpace(data)) != 0 {
		return nil, errors.New("trailing data after PEM certificates")
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found")
	}
	return certs, nil
}
