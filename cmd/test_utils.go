package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-tee-verifier/evidence"
)

func makeTempFile(tb testing.TB, content []byte) string {
	tb.Helper()
	file, err := os.CreateTemp(tb.TempDir(), "teeverify_test_*")
	if err != nil {
		tb.Fatal(err)
	}
	defer file.Close()
	if content != nil {
		if _, err := file.Write(content); err != nil {
			tb.Fatal(err)
		}
	}
	return file.Name()
}

func makeOutputFile(tb testing.TB, name string) string {
	tb.Helper()
	return filepath.Join(tb.TempDir(), name)
}

// resetFlags restores the flag variables shared by every command, since
// RootCmd keeps them between Execute calls.
func resetFlags() {
	output, input = "", ""
	variant = evidence.Unknown
	format = "raw"
	nonce, reportData = nil, nil
	policyFile = ""
	anchorSpecs = nil
	evalTime, collectedAt = "", ""
	parallelism = 0
	tcbInfoFile, qeIdentityFile, signingChainFile, pckCrlFile = "", "", "", ""
}
