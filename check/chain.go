package check

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/evidence"
)

// Intel certificate common names, by role.
const (
	CNRootCA      = "Intel SGX Root CA"
	CNPlatformCA  = "Intel SGX PCK Platform CA"
	CNProcessorCA = "Intel SGX PCK Processor CA"
	CNPck         = "Intel SGX PCK Certificate"
	CNTcbSigning  = "Intel SGX TCB Signing"
)

// verifyToAnchor checks that chain[0] chains through chain[1:] and extra to
// one of the store's anchors for variant v. The first anchor that yields a
// valid path wins.
func verifyToAnchor(in *Input, v evidence.Variant, chain []*x509.Certificate, extra []*x509.Certificate) Result {
	if len(chain) == 0 || chain[0] == nil {
		return Failed(ChainBroken, "no certificates")
	}
	for _, cert := range chain {
		if cert == nil {
			return Failed(ChainBroken, "nil certificate in chain")
		}
		if in.Now.Before(cert.NotBefore) || in.Now.After(cert.NotAfter) {
			return Failed(Expired, "certificate %q is valid from %v to %v, not at %v",
				cert.Subject.CommonName, cert.NotBefore.UTC(), cert.NotAfter.UTC(), in.Now.UTC())
		}
	}

	top := chain[len(chain)-1]
	hint := top.AuthorityKeyId
	if isSelfSigned(top) {
		hint = anchor.KeyID(top)
	}
	candidates := in.Anchors.Lookup(v, hint)
	// A chain that ends in a configured anchor but does not verify is broken
	// rather than untrusted.
	anchored := isSelfSigned(top) && len(candidates) > 0
	if len(candidates) == 0 {
		candidates = in.Anchors.Lookup(v, nil)
	}
	if len(candidates) == 0 {
		return Failed(UntrustedRoot, "no trust anchor is configured for %v", v)
	}

	intermediates := x509.NewCertPool()
	for _, cert := range chain[1:] {
		intermediates.AddCert(cert)
	}
	for _, cert := range extra {
		intermediates.AddCert(cert)
	}

	var lastErr error
	for _, a := range candidates {
		roots := x509.NewCertPool()
		roots.AddCert(a.Certificate)
		_, err := chain[0].Verify(x509.VerifyOptions{
			Roots:         roots,
			Intermediates: intermediates,
			CurrentTime:   in.Now,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		})
		if err == nil {
			return Passed("%q chains to trust anchor %q", chain[0].Subject.CommonName, a.Name).With("anchor", a.Name)
		}
		lastErr = err
	}
	return classifyChainError(lastErr, anchored)
}

func classifyChainError(err error, anchored bool) Result {
	var unknown x509.UnknownAuthorityError
	if errors.As(err, &unknown) && !anchored {
		return Failed(UntrustedRoot, "chain does not lead to a trusted anchor: %v", err)
	}
	var invalid x509.CertificateInvalidError
	if errors.As(err, &invalid) && invalid.Reason == x509.Expired {
		return Failed(Expired, "%v", err)
	}
	return Failed(ChainBroken, "%v", err)
}

func isSelfSigned(cert *x509.Certificate) bool {
	return bytes.Equal(cert.RawIssuer, cert.RawSubject) && cert.CheckSignatureFrom(cert) == nil
}

// checkRole fails unless cert has one of the expected common names.
func checkRole(cert *x509.Certificate, role string, names ...string) error {
	for _, name := range names {
		if cert.Subject.CommonName == name {
			return nil
		}
	}
	return fmt.Errorf("%s certificate has common name %q, want one of %q", role, cert.Subject.CommonName, names)
}

func intelChain(in *Input, q *evidence.IntelQuote) Result {
	chain := q.PCKChain
	if len(chain) < 2 {
		return Failed(ChainBroken, "PCK chain has %d certificates, want at least 2", len(chain))
	}
	if err := checkRole(chain[0], "PCK", CNPck); err != nil {
		return Failed(ChainBroken, "%v", err)
	}
	if err := checkRole(chain[1], "PCK issuer", CNPlatformCA, CNProcessorCA); err != nil {
		return Failed(ChainBroken, "%v", err)
	}
	if chain[0].Issuer.CommonName != chain[1].Subject.CommonName {
		return Failed(ChainBroken, "PCK certificate issued by %q, not %q", chain[0].Issuer.CommonName, chain[1].Subject.CommonName)
	}
	res := verifyToAnchor(in, q.Variant(), chain, nil)
	if res.Status != Pass {
		return res
	}
	if col := in.Collateral; col != nil && col.PckCrl != nil {
		if r := checkRevocation(in, chain[0], chain[1], col.PckCrl); r.Status != Pass {
			return r
		}
	}
	return res
}

func checkRevocation(in *Input, cert, issuer *x509.Certificate, crl *x509.RevocationList) Result {
	if err := crl.CheckSignatureFrom(issuer); err != nil {
		return Failed(CollateralInvalid, "PCK CRL is not signed by %q: %v", issuer.Subject.CommonName, err)
	}
	if in.Now.After(crl.NextUpdate) {
		return Failed(Stale, "PCK CRL expired at %v", crl.NextUpdate.UTC())
	}
	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(cert.SerialNumber) == 0 {
			return Failed(CertificateRevoked, "certificate %q (serial %v) was revoked at %v",
				cert.Subject.CommonName, cert.SerialNumber, entry.RevocationTime.UTC())
		}
	}
	return Passed("certificate %q is not revoked", cert.Subject.CommonName)
}

// nitroCertChain returns the document's chain leaf first.
func nitroCertChain(d *evidence.NitroDocument) []*x509.Certificate {
	chain := []*x509.Certificate{d.Certificate}
	for i := len(d.CABundle) - 1; i >= 0; i-- {
		chain = append(chain, d.CABundle[i])
	}
	return chain
}

func nitroChain(in *Input, d *evidence.NitroDocument) Result {
	return verifyToAnchor(in, evidence.Nitro, nitroCertChain(d), nil)
}

func sevChain(in *Input, r *evidence.SevSnpReport) Result {
	vcek, ask, err := sevCerts(r)
	if err != nil {
		return Failed(ChainBroken, "%v", err)
	}
	ext, res := vcekExtensions(r)
	if res.Status != Pass {
		return res
	}
	if chipID := r.Attestation.GetReport().GetChipId(); !bytes.Equal(ext.HWID, chipID) {
		return Failed(ChainBroken, "VCEK is issued for chip %x, report is from chip %x", ext.HWID, chipID)
	}
	chain := []*x509.Certificate{vcek}
	if ask != nil {
		chain = append(chain, ask)
	}
	return verifyToAnchor(in, evidence.SevSnp, chain, in.Anchors.Intermediates(evidence.SevSnp))
}

// vcekExtensions parses the AMD KDS extensions of the report's VCEK.
func vcekExtensions(r *evidence.SevSnpReport) (*kds.Extensions, Result) {
	vcek, _, err := sevCerts(r)
	if err != nil {
		return nil, Failed(MalformedEvidence, "%v", err)
	}
	ext, err := kds.VcekCertificateExtensions(vcek)
	if err != nil {
		return nil, Failed(ChainBroken, "VCEK certificate extensions: %v", err)
	}
	return ext, Passed("VCEK certificate extensions are valid")
}

func sevCerts(r *evidence.SevSnpReport) (vcek, ask *x509.Certificate, err error) {
	certs := r.Attestation.GetCertificateChain()
	if len(certs.GetVcekCert()) == 0 {
		return nil, nil, errors.New("attestation carries no VCEK certificate")
	}
	vcek, err = x509.ParseCertificate(certs.GetVcekCert())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse VCEK certificate: %w", err)
	}
	if der := certs.GetAskCert(); len(der) != 0 {
		ask, err = x509.ParseCertificate(der)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse ASK certificate: %w", err)
		}
	}
	return vcek, ask, nil
}
