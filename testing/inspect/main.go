// Inspect parses an SGX quote or an attested certificate and pretty-prints
// its contents.
//
// Usage: inspect <quote.bin | cert.der | cert.pem>
package main

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/edgelesssys/go-sgx-ratls/ratls"
	"github.com/edgelesssys/go-sgx-ratls/verification/types"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "Usage: inspect <quote.bin | cert.der | cert.pem>")
		os.Exit(1)
	}
	if err := inspect(os.Args[1]); err != nil {
		panic(err)
	}
}

func inspect(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if block, _ := pem.Decode(raw); block != nil {
		raw = block.Bytes
	}

	rawQuote := raw
	if quote, err := quoteFromCertificate(raw); err == nil {
		rawQuote = quote
	}

	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return fmt.Errorf("parsing quote: %w", err)
	}

	prettyPrint, err := json.MarshalIndent(quote, "", " ")
	if err != nil {
		return err
	}
	fmt.Println(string(prettyPrint))

	return nil
}

// quoteFromCertificate extracts the raw quote from a DER certificate.
func quoteFromCertificate(raw []byte) ([]byte, error) {
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		return nil, err
	}
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(ratls.QuoteExtensionOID) {
			return ext.Value, nil
		}
	}
	return nil, fmt.Errorf("certificate carries no quote extension")
}
