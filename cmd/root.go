// Package cmd contains a CLI to verify TEE attestation evidence.
package cmd

import (
	"io"

	"github.com/google/logger"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/prototext"
)

// RootCmd is the entrypoint for teeverify.
var RootCmd = &cobra.Command{
	Use: "teeverify",
	Long: `Command line tool for verifying TEE attestation evidence

Intel SGX and TDX quotes, AWS Nitro Enclave attestation documents and AMD
SEV-SNP attestation reports are checked against a policy, trust anchors and
(for Intel) TCB collateral. The verdict is written as a JSON audit record.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		logOut := io.Discard
		if verbose {
			logOut = cmd.ErrOrStderr()
		}
		// Logs go to logOut only; verbose mode in google/logger writes to stdout.
		log = logger.Init("teeverify", false, false, logOut)
	},
	PersistentPostRun: func(*cobra.Command, []string) {
		if log != nil {
			log.Close()
		}
	},
}

var (
	verbose bool
	log     *logger.Logger
)

var marshalOptions = prototext.MarshalOptions{Multiline: true, EmitUnknown: true}
var unmarshalOptions = prototext.UnmarshalOptions{}

func init() {
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log every check result to stderr")
	hideHelp(RootCmd)
}
