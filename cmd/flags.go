package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/go-tee-verifier/evidence"
	"github.com/spf13/cobra"
)

var (
	output      string
	input       string
	variant     = evidence.Unknown
	format      string
	nonce       []byte
	reportData  []byte
	policyFile  string
	anchorSpecs []string
	evalTime    string
	collectedAt string
	parallelism int

	tcbInfoFile      string
	qeIdentityFile   string
	signingChainFile string
	pckCrlFile       string
)

type variantFlag struct {
	value *evidence.Variant
}

func (f *variantFlag) Set(val string) error {
	v, err := evidence.ParseVariant(val)
	if err != nil {
		return err
	}
	*f.value = v
	return nil
}

func (f *variantFlag) Type() string {
	return "variant"
}

func (f *variantFlag) String() string {
	if *f.value == evidence.Unknown {
		return ""
	}
	return f.value.String()
}

// Allowed gives a string list of the permitted variant values for this flag.
func (f *variantFlag) Allowed() string {
	out := make([]string, len(evidence.Variants))
	for i, v := range evidence.Variants {
		out[i] = v.String()
	}
	return strings.Join(out, ", ")
}

// Disable the "help" subcommand (and just use the -h/--help flags).
// This should be called on all commands with subcommands.
// See https://github.com/spf13/cobra/issues/587 for why this is needed.
func hideHelp(cmd *cobra.Command) {
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
}

// Lets this command specify an output file, for use with dataOutput().
func addOutputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&output, "output", "",
		"output file (defaults to stdout)")
}

// Lets this command specify an input file, for use with dataInput().
func addInputFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&input, "input", "",
		"evidence file (defaults to stdin)")
}

// Lets this command specify the evidence variant.
func addVariantFlag(cmd *cobra.Command) {
	f := variantFlag{&variant}
	cmd.PersistentFlags().Var(&f, "variant", "evidence variant: "+f.Allowed())
}

// Lets this command specify the encoding of SEV-SNP evidence.
func addFormatFlag(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&format, "format", "raw",
		"encoding of the evidence <raw|textproto>; textproto is a sevsnp.Attestation")
}

func addNonceFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().BytesHexVar(&nonce, "nonce", []byte{},
		"hex encoded nonce, zero padded to 64 bytes of expected report data")
	cmd.PersistentFlags().BytesHexVar(&reportData, "report-data", []byte{},
		"hex encoded report data, compared exactly (overrides --nonce)")
}

func addPolicyFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&policyFile, "policy", "",
		"JSON policy file (defaults to the standard policy with no allowed measurements)")
	cmd.PersistentFlags().StringArrayVar(&anchorSpecs, "anchor", nil,
		"trust anchors as VARIANT[,VARIANT...]=file.pem, may be repeated; a SEV_SNP file may be an AMD cert_chain (ASK then ARK)")
	cmd.PersistentFlags().StringVar(&evalTime, "time", "",
		"RFC 3339 evaluation time (defaults to now)")
	cmd.PersistentFlags().StringVar(&collectedAt, "collected-at", "",
		"RFC 3339 time the SGX, TDX or SEV-SNP evidence was produced, for freshness checks")
	cmd.PersistentFlags().IntVar(&parallelism, "parallelism", 0,
		"maximum number of checks run concurrently")
}

func addCollateralFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&tcbInfoFile, "tcb-info", "",
		"Intel TCB info JSON")
	cmd.PersistentFlags().StringVar(&qeIdentityFile, "qe-identity", "",
		"Intel QE identity JSON")
	cmd.PersistentFlags().StringVar(&signingChainFile, "tcb-signing-chain", "",
		"PEM chain that signed the TCB info and QE identity")
	cmd.PersistentFlags().StringVar(&pckCrlFile, "pck-crl", "",
		"PCK certificate revocation list, DER or PEM")
}

// evaluationTime parses --time, defaulting to the current time.
func evaluationTime() (time.Time, error) {
	if evalTime == "" {
		return time.Now(), nil
	}
	t, err := time.Parse(time.RFC3339, evalTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --time: %w", err)
	}
	return t, nil
}

// collectionTime parses --collected-at. It returns the zero time when the
// flag is not set.
func collectionTime() (time.Time, error) {
	if collectedAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, collectedAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --collected-at: %w", err)
	}
	return t, nil
}

// alwaysError implements io.ReadWriter by always returning an error
type alwaysError struct {
	error
}

func (ae alwaysError) Write([]byte) (int, error) {
	return 0, ae.error
}

func (ae alwaysError) Read(_ []byte) (n int, err error) {
	return 0, ae.error
}

// Handle to output data file. If there is an issue opening the file, the Writer
// returned will return the error upon any call to Write()
func dataOutput() io.Writer {
	if output == "" {
		return os.Stdout
	}

	file, err := os.Create(output)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

// Handle to input data file. If there is an issue opening the file, the Reader
// returned will return the error upon any call to Read()
func dataInput() io.Reader {
	if input == "" {
		return os.Stdin
	}

	file, err := os.Open(input)
	if err != nil {
		return alwaysError{err}
	}
	return file
}

var errNoVariant = errors.New("--variant is required unless --policy names one")
