package cmd

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"time"

	"github.com/google/go-tee-verifier/evidence"
	"github.com/spf13/cobra"
)

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Output decoded evidence without verifying it",
	Long: `Output parts of decoded attestation evidence

Nothing is verified: signatures, certificate chains and TCB levels are not
checked. For debugging purposes only.`,
	Args: cobra.NoArgs,
}

var measurementsCmd = &cobra.Command{
	Use:   "measurements",
	Short: "Output the measurements, report data and timestamp as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := readEvidence()
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(summarize(ev), "", "  ")
		if err != nil {
			return err
		}
		_, err = dataOutput().Write(append(out, '\n'))
		return err
	},
}

var certsCmd = &cobra.Command{
	Use:   "certs",
	Short: "Output the certificates carried by the evidence in PEM format",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ev, err := readEvidence()
		if err != nil {
			return err
		}
		certs, err := evidenceCerts(ev)
		if err != nil {
			return err
		}
		if len(certs) == 0 {
			return fmt.Errorf("%v evidence carries no certificates", ev.Variant())
		}
		w := dataOutput()
		for _, cert := range certs {
			log.Infof("%s (issuer %s)", cert.Subject, cert.Issuer)
			if err := pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}); err != nil {
				return err
			}
		}
		return nil
	},
}

var sevAttestationCmd = &cobra.Command{
	Use:   "sev-attestation",
	Short: "Output a SEV-SNP attestation as textproto",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if variant != evidence.SevSnp {
			return fmt.Errorf("--variant must be %v", evidence.SevSnp)
		}
		ev, err := readEvidence()
		if err != nil {
			return err
		}
		out, err := marshalOptions.Marshal(ev.(*evidence.SevSnpReport).Attestation)
		if err != nil {
			return err
		}
		_, err = dataOutput().Write(out)
		return err
	},
}

func readEvidence() (evidence.Evidence, error) {
	if variant == evidence.Unknown {
		return nil, errNoVariant
	}
	raw, err := io.ReadAll(dataInput())
	if err != nil {
		return nil, fmt.Errorf("reading evidence: %w", err)
	}
	return decodeEvidence(raw, variant)
}

type evidenceSummary struct {
	Variant      evidence.Variant  `json:"variant"`
	ReportData   string            `json:"reportData"`
	Timestamp    *time.Time        `json:"timestamp,omitempty"`
	Measurements map[string]string `json:"measurements"`
	SVNs         map[string]uint64 `json:"svns,omitempty"`
}

func summarize(ev evidence.Evidence) evidenceSummary {
	s := evidenceSummary{
		Variant:      ev.Variant(),
		ReportData:   hex.EncodeToString(ev.ReportData()),
		Measurements: map[string]string{},
	}
	if ts := ev.Timestamp(); !ts.IsZero() {
		ts = ts.UTC()
		s.Timestamp = &ts
	}
	m := ev.Measurements()
	for _, r := range m.Registers {
		s.Measurements[r.Name] = hex.EncodeToString(r.Value)
	}
	if len(m.SVNs) > 0 {
		s.SVNs = map[string]uint64{}
		for _, svn := range m.SVNs {
			s.SVNs[svn.Name] = svn.Value
		}
	}
	return s
}

func evidenceCerts(ev evidence.Evidence) ([]*x509.Certificate, error) {
	switch e := ev.(type) {
	case *evidence.IntelQuote:
		return e.PCKChain, nil
	case *evidence.NitroDocument:
		return append([]*x509.Certificate{e.Certificate}, e.CABundle...), nil
	case *evidence.SevSnpReport:
		var certs []*x509.Certificate
		for _, der := range [][]byte{e.Attestation.GetCertificateChain().GetVcekCert(), e.Attestation.GetCertificateChain().GetAskCert()} {
			if len(der) == 0 {
				continue
			}
			cert, err := x509.ParseCertificate(der)
			if err != nil {
				return nil, fmt.Errorf("parsing SEV-SNP certificate: %w", err)
			}
			certs = append(certs, cert)
		}
		return certs, nil
	}
	return nil, fmt.Errorf("unsupported evidence %T", ev)
}

func init() {
	RootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(measurementsCmd)
	debugCmd.AddCommand(certsCmd)
	debugCmd.AddCommand(sevAttestationCmd)
	addInputFlag(debugCmd)
	addOutputFlag(debugCmd)
	addVariantFlag(debugCmd)
	addFormatFlag(debugCmd)
	hideHelp(debugCmd)
}
