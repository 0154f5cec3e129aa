package cmd

import (
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/go-sev-guest/kds"
	"github.com/google/go-tee-verifier/anchor"
	"github.com/google/go-tee-verifier/check"
	"github.com/google/go-tee-verifier/collateral"
	"github.com/google/go-tee-verifier/evidence"
	"github.com/google/go-tee-verifier/policy"
	"github.com/google/go-tee-verifier/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	spb "github.com/google/go-sev-guest/proto/sevsnp"
)

// ErrRejected is returned by the verify command after writing a Rejected
// verdict.
var ErrRejected = errors.New("evidence rejected")

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify attestation evidence against a policy",
	Long: `Verify attestation evidence against a policy

The evidence is decoded for the policy's variant, every check of the policy
runs, and the verdict is written as a JSON audit record. The command fails
when the verdict is REJECTED; ACCEPTED_WITH_ADVISORIES verdicts succeed and
list their advisories in the record.

Intel SGX and TDX quotes need the TCB info, QE identity and TCB signing chain
collateral for the tcb-status and qe-identity checks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		requestID := uuid.New()

		pol, err := loadPolicy()
		if err != nil {
			return err
		}
		raw, err := io.ReadAll(dataInput())
		if err != nil {
			return fmt.Errorf("reading evidence: %w", err)
		}
		ev, err := decodeEvidence(raw, pol.Variant())
		if err != nil {
			return err
		}
		store, err := loadAnchors()
		if err != nil {
			return err
		}
		col, err := loadCollateral()
		if err != nil {
			return err
		}
		now, err := evaluationTime()
		if err != nil {
			return err
		}
		collected, err := collectionTime()
		if err != nil {
			return err
		}
		expected, err := expectedReportData(pol.Variant())
		if err != nil {
			return err
		}

		log.Infof("[%s] verifying %v evidence with policy %s", requestID, pol.Variant(), pol)
		verdict, err := server.Verify(ev, col, store, pol, &server.VerifyOpts{
			Now:         now,
			ReportData:  expected,
			Parallelism: parallelism,
			CollectedAt: collected,
		})
		if err != nil {
			return err
		}
		for _, r := range verdict.Trail {
			logResult(requestID, r)
		}
		log.Infof("[%s] verdict: %v", requestID, verdict)

		out, err := json.MarshalIndent(verdict, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding verdict: %w", err)
		}
		if _, err := dataOutput().Write(append(out, '\n')); err != nil {
			return fmt.Errorf("failed to write verdict: %v", err)
		}
		if !verdict.Accepted() {
			return fmt.Errorf("%w: %v", ErrRejected, verdict)
		}
		return nil
	},
}

func logResult(requestID uuid.UUID, r check.Result) {
	switch r.Status {
	case check.Pass:
		log.Infof("[%s] %s %s: %v: %s", requestID, r.Path, r.Verifier, r.Status, r.Explanation)
	case check.Advisory:
		log.Warningf("[%s] %s %s: %v %s (%v): %s", requestID, r.Path, r.Verifier, r.Status, r.Reason, r.Severity, r.Explanation)
	default:
		log.Errorf("[%s] %s %s: %v %s: %s", requestID, r.Path, r.Verifier, r.Status, r.Reason, r.Explanation)
	}
}

// loadPolicy reads --policy, or builds the standard policy for --variant.
func loadPolicy() (*policy.Policy, error) {
	if policyFile == "" {
		if variant == evidence.Unknown {
			return nil, errNoVariant
		}
		return policy.Standard(variant, check.Reference{})
	}
	data, err := os.ReadFile(policyFile)
	if err != nil {
		return nil, err
	}
	pol, err := policy.LoadJSON(data)
	if err != nil {
		return nil, err
	}
	if variant != evidence.Unknown && variant != pol.Variant() {
		return nil, fmt.Errorf("--variant %v does not match policy variant %v", variant, pol.Variant())
	}
	return pol, nil
}

func decodeEvidence(raw []byte, v evidence.Variant) (evidence.Evidence, error) {
	switch format {
	case "raw":
		return evidence.Decode(raw, v)
	case "textproto":
		if v != evidence.SevSnp {
			return nil, fmt.Errorf("textproto evidence is only supported for %v", evidence.SevSnp)
		}
		att := &spb.Attestation{}
		if err := unmarshalOptions.Unmarshal(raw, att); err != nil {
			return nil, fmt.Errorf("fail to unmarshal attestation: %v", err)
		}
		return evidence.NewSevSnpReport(att)
	}
	return nil, fmt.Errorf("format should be either raw or textproto")
}

// loadAnchors builds the trust anchor store from the --anchor flags.
func loadAnchors() (*anchor.Store, error) {
	if len(anchorSpecs) == 0 {
		return nil, errors.New("at least one --anchor is required")
	}
	var all []anchor.Anchor
	for _, arg := range anchorSpecs {
		names, file, ok := strings.Cut(arg, "=")
		if !ok || file == "" {
			return nil, fmt.Errorf("invalid --anchor %q, want VARIANT[,VARIANT...]=file.pem", arg)
		}
		var variants []evidence.Variant
		for _, name := range strings.Split(names, ",") {
			v, err := evidence.ParseVariant(strings.TrimSpace(name))
			if err != nil {
				return nil, fmt.Errorf("invalid --anchor %q: %w", arg, err)
			}
			variants = append(variants, v)
		}
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		if len(variants) == 1 && variants[0] == evidence.SevSnp {
			if a, err := sevProductAnchor(file, data); err == nil {
				all = append(all, a)
				continue
			}
		}
		anchors, err := anchor.ParsePEM(file, data, variants...)
		if err != nil {
			return nil, err
		}
		all = append(all, anchors...)
	}
	return anchor.NewStore(all...)
}

// sevProductAnchor reads an AMD KDS cert_chain file, the ASK followed by the
// ARK, as one anchor.
func sevProductAnchor(name string, data []byte) (anchor.Anchor, error) {
	askDER, arkDER, err := kds.ParseProductCertChain(data)
	if err != nil {
		return anchor.Anchor{}, err
	}
	ask, err := x509.ParseCertificate(askDER)
	if err != nil {
		return anchor.Anchor{}, fmt.Errorf("%s: could not parse ASK certificate: %w", name, err)
	}
	ark, err := x509.ParseCertificate(arkDER)
	if err != nil {
		return anchor.Anchor{}, fmt.Errorf("%s: could not parse ARK certificate: %w", name, err)
	}
	return anchor.Anchor{
		Name:         name,
		Variants:     []evidence.Variant{evidence.SevSnp},
		Certificate:  ark,
		Intermediate: ask,
		Product:      strings.TrimPrefix(ark.Subject.CommonName, "ARK-"),
	}, nil
}

// loadCollateral reads the Intel collateral flags. It returns nil when none
// are set.
func loadCollateral() (*collateral.Collateral, error) {
	if tcbInfoFile == "" && qeIdentityFile == "" && signingChainFile == "" && pckCrlFile == "" {
		return nil, nil
	}
	col := &collateral.Collateral{}
	var err error
	if tcbInfoFile != "" {
		if col.TcbInfo, err = readAndParse(tcbInfoFile, collateral.ParseTcbInfo); err != nil {
			return nil, err
		}
	}
	if qeIdentityFile != "" {
		if col.QeIdentity, err = readAndParse(qeIdentityFile, collateral.ParseQeIdentity); err != nil {
			return nil, err
		}
	}
	if signingChainFile != "" {
		if col.TcbSigningChain, err = readAndParse(signingChainFile, collateral.ParseSigningChain); err != nil {
			return nil, err
		}
	}
	if pckCrlFile != "" {
		if col.PckCrl, err = readAndParse(pckCrlFile, collateral.ParseCRL); err != nil {
			return nil, err
		}
	}
	return col, nil
}

func readAndParse[T any](file string, parse func([]byte) (T, error)) (T, error) {
	var zero T
	data, err := os.ReadFile(file)
	if err != nil {
		return zero, err
	}
	v, err := parse(data)
	if err != nil {
		return zero, fmt.Errorf("%s: %w", file, err)
	}
	return v, nil
}

// expectedReportData returns --report-data, or --nonce as the variant embeds
// it: Nitro documents carry it unpadded as user data.
func expectedReportData(v evidence.Variant) ([]byte, error) {
	switch {
	case len(reportData) > 0:
		return reportData, nil
	case len(nonce) == 0:
		return nil, nil
	case v == evidence.Nitro:
		return nonce, nil
	}
	return server.ReportDataFromNonce(nonce)
}

func init() {
	RootCmd.AddCommand(verifyCmd)
	addInputFlag(verifyCmd)
	addOutputFlag(verifyCmd)
	addVariantFlag(verifyCmd)
	addFormatFlag(verifyCmd)
	addNonceFlags(verifyCmd)
	addPolicyFlags(verifyCmd)
	addCollateralFlags(verifyCmd)
}
