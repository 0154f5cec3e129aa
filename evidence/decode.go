package evidence

import (
	"errors"
	"fmt"
	"time"

	spb "github.com/google/go-sev-guest/proto/sevsnp"
	"google.golang.org/protobuf/proto"
)

// DecodeError reports evidence that could not be decoded.
type DecodeError struct {
	Variant Variant
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("failed to decode %v evidence: %v", e.Variant, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// ErrUnknownVariant is returned by Decode for a hint it cannot dispatch on.
var ErrUnknownVariant = errors.New("unknown evidence variant")

// Decode decodes raw evidence of the given variant. SEV-SNP evidence is
// accepted either as a serialized sevsnp.Attestation or as a bare report.
func Decode(raw []byte, hint Variant) (Evidence, error) {
	var (
		ev  Evidence
		err error
	)
	switch hint {
	case SGX:
		ev, err = asEvidence(ParseSgxQuote(raw))
	case TDX:
		ev, err = asEvidence(ParseTdxQuote(raw))
	case Nitro:
		ev, err = asEvidence(ParseNitroDocument(raw))
	case SevSnp:
		att := &spb.Attestation{}
		if uerr := proto.Unmarshal(raw, att); uerr == nil && att.GetReport() != nil {
			ev, err = asEvidence(NewSevSnpReport(att))
		} else {
			ev, err = asEvidence(ParseSevSnpReport(raw, nil))
		}
	default:
		err = &DecodeError{Variant: hint, Err: ErrUnknownVariant}
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func asEvidence[E Evidence](ev E, err error) (Evidence, error) {
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// WithCollectedAt returns ev with its production time set to t. Quotes and
// SEV-SNP reports are copied rather than modified; Nitro documents carry a
// signed timestamp of their own and are returned unchanged.
func WithCollectedAt(ev Evidence, t time.Time) Evidence {
	switch e := ev.(type) {
	case *IntelQuote:
		c := *e
		c.CollectedAt = t
		return &c
	case *SevSnpReport:
		c := *e
		c.CollectedAt = t
		return &c
	}
	return ev
}
