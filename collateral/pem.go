package collateral

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/go-tee-verifier/evidence"
)

func pemBlock(raw []byte, blockType string) []byte {
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			return nil
		}
		if block.Type == blockType {
			return block.Bytes
		}
	}
}

// ParseSigningChain parses the TCB signing certificate chain. PCS returns it
// URL-escaped in the TCB-Info-Issuer-Chain header, which is accepted as well
// as plain PEM.
func ParseSigningChain(raw []byte) ([]*x509.Certificate, error) {
	s := string(raw)
	if strings.Contains(s, "%2D") || strings.Contains(s, "%20") {
		unescaped, err := url.PathUnescape(s)
		if err != nil {
			return nil, fmt.Errorf("failed to unescape signing chain: %w", err)
		}
		s = unescaped
	}
	return evidence.ParsePEMChain([]byte(s))
}
