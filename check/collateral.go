package check

import (
	"crypto/ecdsa"
	"crypto/sha256"

	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
)

// verifyCollateral checks that a signed collateral element was produced by
// the TCB signing key and that the signing chain leads to a trust anchor.
func verifyCollateral(in *Input, v evidence.Variant, name string, s *collateral.Signed) Result {
	chain := in.Collateral.TcbSigningChain
	if len(chain) == 0 {
		return Failed(CollateralMissing, "no TCB signing chain for %s", name)
	}
	if err := checkRole(chain[0], "TCB signing", CNTcbSigning); err != nil {
		return Failed(CollateralInvalid, "%v", err)
	}
	if res := verifyToAnchor(in, v, chain, nil); res.Status != Pass {
		return Failed(CollateralInvalid, "%s signing chain: %s", name, res.Explanation).With("chain", string(res.Reason))
	}
	pub, ok := chain[0].PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return Failed(CollateralInvalid, "TCB signing key is %T, want ECDSA", chain[0].PublicKey)
	}
	digest := sha256.Sum256(s.Body)
	if !verifyRawECDSA(pub, digest[:], s.Signature) {
		return Failed(CollateralInvalid, "%s signature does not verify", name)
	}
	return Passed("%s signature is valid", name)
}

func wantCollateralID(v evidence.Variant, sgx, tdx string) string {
	if v == evidence.TDX {
		return tdx
	}
	return sgx
}

func collateralIDMismatch(name, got, want string) Result {
	return Failed(CollateralMismatch, "%s id is %q, want %q", name, got, want)
}
