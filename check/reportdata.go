package check

import (
	"crypto/subtle"
	"encoding/hex"

	"github.com/google/go-tee-verifier/evidence"
)

func reportData(in *Input, ev evidence.Evidence) Result {
	if len(in.ReportData) == 0 {
		return Failed(ReportDataMismatch, "no expected report data was supplied")
	}
	got := ev.ReportData()
	if len(got) != len(in.ReportData) || subtle.ConstantTimeCompare(got, in.ReportData) != 1 {
		return Failed(ReportDataMismatch, "report data %s does not match the expected %s",
			hex.EncodeToString(got), hex.EncodeToString(in.ReportData))
	}
	return Passed("report data matches")
}
