package quoting

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

const (
	gramineAttestationDir = "/dev/attestation"
	gramineTargetInfo     = "target_info"
	gramineUserReportData = "user_report_data"
	gramineQuote          = "quote"
)

// GramineClient obtains quotes via Gramine's /dev/attestation pseudo-files.
// Gramine performs the report generation and the local attestation with the
// quoting enclave inside the runtime: writing 64 bytes of report data and
// reading the quote file yields a quote over the running enclave with that
// report data.
type GramineClient struct {
	dir string
}

// NewGramineClient returns a Client backed by Gramine's quote pseudo-file.
// It fails if the process does not run under Gramine with DCAP attestation
// enabled.
func NewGramineClient() (*GramineClient, error) {
	c := &GramineClient{dir: gramineAttestationDir}
	if _, err := os.Stat(filepath.Join(c.dir, gramineQuote)); err != nil {
		return nil, fmt.Errorf("gramine quote file not available: %w", err)
	}
	return c, nil
}

// TargetInfo returns the quoting enclave's target info as provisioned by
// Gramine.
func (c *GramineClient) TargetInfo(ctx context.Context) (sgx.TargetInfo, error) {
	if err := ctx.Err(); err != nil {
		return sgx.TargetInfo{}, err
	}
	raw, err := os.ReadFile(filepath.Join(c.dir, gramineTargetInfo))
	if err != nil {
		return sgx.TargetInfo{}, fmt.Errorf("reading QE target info: %w", err)
	}
	targetInfo, err := sgx.ParseTargetInfo(raw)
	if err != nil {
		return sgx.TargetInfo{}, fmt.Errorf("parsing QE target info: %w", err)
	}
	return targetInfo, nil
}

// Quote returns a quote carrying the report's user data. Gramine regenerates
// the report from the staged report data under the hood, so only the
// report's data field is submitted.
func (c *GramineClient) Quote(ctx context.Context, report sgx.Report) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.WriteFile(filepath.Join(c.dir, gramineUserReportData), report.Body.ReportData[:], 0o600); err != nil {
		return nil, fmt.Errorf("writing report data: %w", err)
	}

	quote, err := os.ReadFile(filepath.Join(c.dir, gramineQuote))
	if err != nil {
		return nil, fmt.Errorf("reading quote: %w", err)
	}
	if len(quote) == 0 {
		return nil, fmt.Errorf("quoting enclave returned an empty quote")
	}
	return quote, nil
}
