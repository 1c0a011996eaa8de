// Issue creates an attested certificate against the mock platform, verifies
// it, and writes certificate and quote to disk for inspection.
//
// Usage: issue [output directory]
package main

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/ratls"
	"github.com/edgelesssys/go-sgx-ratls/testutil"
	"github.com/edgelesssys/go-sgx-ratls/verification"
)

func main() {
	outDir := "."
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}
	if err := issue(outDir); err != nil {
		panic(err)
	}
}

func issue(outDir string) error {
	platform, err := testutil.NewPlatform()
	if err != nil {
		return fmt.Errorf("creating mock platform: %w", err)
	}

	identity := enclave.MockIdentity{
		MRENCLAVE: [32]byte{0x01},
		MRSIGNER:  [32]byte{0x02},
		ISVProdID: 1,
		ISVSVN:    1,
	}

	issuer, err := ratls.NewIssuer(ratls.IssuerConfig{
		Device:         platform.Device(identity),
		Quoting:        platform.QuotingService(),
		KeyDeriver:     platform.Mock,
		QuoteFreshness: 6 * time.Hour,
		CommonName:     "issue tool",
	})
	if err != nil {
		return fmt.Errorf("creating issuer: %w", err)
	}

	creds, err := issuer.Issue(context.Background(), 6*time.Hour)
	if err != nil {
		return fmt.Errorf("issuing credentials: %w", err)
	}

	quotes, err := verification.New(platform.VerifierConfig())
	if err != nil {
		return fmt.Errorf("creating quote verifier: %w", err)
	}
	verifier, err := ratls.NewVerifier(ratls.VerifierConfig{
		Quotes: quotes,
		Policy: ratls.Policy{
			AllowedEnclaves: []ratls.EnclaveIdentity{{MRENCLAVE: identity.MRENCLAVE, MRSIGNER: identity.MRSIGNER}},
		},
	})
	if err != nil {
		return fmt.Errorf("creating certificate verifier: %w", err)
	}

	verified, err := verifier.Verify(creds.TLSCertificate.Certificate[0], time.Now())
	if err != nil {
		return fmt.Errorf("verifying issued certificate: %w", err)
	}
	fmt.Printf("verified: MRENCLAVE=%x MRSIGNER=%x ISVSVN=%d TCB=%s\n",
		verified.MRENCLAVE, verified.MRSIGNER, verified.ISVSVN, verified.TCBStatus)

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: creds.TLSCertificate.Certificate[0]})
	if err := os.WriteFile(filepath.Join(outDir, "cert.pem"), certPEM, 0o644); err != nil {
		return err
	}

	var rawQuote []byte
	for _, ext := range creds.TLSCertificate.Leaf.Extensions {
		if ext.Id.Equal(ratls.QuoteExtensionOID) {
			rawQuote = ext.Value
		}
	}
	return os.WriteFile(filepath.Join(outDir, "quote"), rawQuote, 0o644)
}
