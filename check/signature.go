package check

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"math/big"

	sv "github.com/google/go-sev-guest/verify"
	"github.com/google/go-tee-verifier/evidence"
)

// verifyRawECDSA checks a fixed-width r||s signature over digest.
func verifyRawECDSA(pub *ecdsa.PublicKey, digest, sig []byte) bool {
	size := (pub.Curve.Params().BitSize + 7) / 8
	if len(sig) != 2*size {
		return false
	}
	r := new(big.Int).SetBytes(sig[:size])
	s := new(big.Int).SetBytes(sig[size:])
	return ecdsa.Verify(pub, digest, r, s)
}

// rawP256Key decodes an uncompressed X||Y P-256 point.
func rawP256Key(b []byte) (*ecdsa.PublicKey, bool) {
	if len(b) != 64 {
		return nil, false
	}
	x := new(big.Int).SetBytes(b[:32])
	y := new(big.Int).SetBytes(b[32:])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, false
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, true
}

func intelSignature(_ *Input, q *evidence.IntelQuote) Result {
	if q.Header.AttestationKeyType != evidence.AttestationKeyTypeECDSA256 {
		return Failed(UnsupportedAlgorithm, "attestation key type %d", q.Header.AttestationKeyType)
	}
	ak, ok := rawP256Key(q.AttestationKey)
	if !ok {
		return Failed(MalformedEvidence, "attestation key is not a P-256 point")
	}
	digest := sha256.Sum256(q.SignedData())
	if !verifyRawECDSA(ak, digest[:], q.Signature) {
		return Failed(SignatureInvalid, "quote signature does not verify with the attestation key")
	}

	if len(q.PCKChain) == 0 {
		return Failed(MalformedEvidence, "quote carries no PCK certificate")
	}
	pck, ok := q.PCKChain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok || pck.Curve != elliptic.P256() {
		return Failed(UnsupportedAlgorithm, "PCK key is %T, want ECDSA P-256", q.PCKChain[0].PublicKey)
	}
	qeDigest := sha256.Sum256(q.RawQEReport)
	if !verifyRawECDSA(pck, qeDigest[:], q.QEReportSignature) {
		return Failed(SignatureInvalid, "QE report signature does not verify with the PCK key")
	}

	// The QE binds the attestation key by reporting sha256(AK || auth data)
	// in the first half of its report data.
	binding := sha256.Sum256(append(bytes.Clone(q.AttestationKey), q.QEAuthData...))
	var want [64]byte
	copy(want[:], binding[:])
	if subtle.ConstantTimeCompare(want[:], q.QEReport.ReportData[:]) != 1 {
		return Failed(SignatureInvalid, "QE report data does not bind the attestation key")
	}
	return Passed("quote and QE report signatures are valid")
}

func nitroSignature(_ *Input, d *evidence.NitroDocument) Result {
	alg, err := d.Algorithm()
	if err != nil {
		return Failed(MalformedEvidence, "%v", err)
	}
	if alg != evidence.CoseAlgES384 {
		return Failed(UnsupportedAlgorithm, "COSE algorithm %d, want ES384", alg)
	}
	pub, ok := d.Certificate.PublicKey.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P384() {
		return Failed(UnsupportedAlgorithm, "document certificate key is %T, want ECDSA P-384", d.Certificate.PublicKey)
	}
	tbs, err := d.SigStructure()
	if err != nil {
		return Failed(MalformedEvidence, "failed to build Sig_structure: %v", err)
	}
	digest := sha512.Sum384(tbs)
	if !verifyRawECDSA(pub, digest[:], d.Signature) {
		return Failed(SignatureInvalid, "COSE_Sign1 signature does not verify with the document certificate")
	}
	return Passed("COSE_Sign1 signature is valid")
}

func sevSignature(_ *Input, r *evidence.SevSnpReport) Result {
	vcek, _, err := sevCerts(r)
	if err != nil {
		return Failed(MalformedEvidence, "%v", err)
	}
	if err := sv.SnpProtoReportSignature(r.Attestation.GetReport(), vcek); err != nil {
		return Failed(SignatureInvalid, "%v", err)
	}
	return Passed("report signature is valid")
}

// nitroDocument combines the COSE signature and certificate chain checks.
func nitroDocument(in *Input, d *evidence.NitroDocument) Result {
	if res := nitroSignature(in, d); res.Status != Pass {
		return res
	}
	res := nitroChain(in, d)
	if res.Status != Pass {
		return res
	}
	return Passed("attestation document is signed by a certificate chaining to %q", res.Details["anchor"]).With("anchor", res.Details["anchor"])
}
