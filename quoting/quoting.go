// Package quoting provides access to the platform quoting path that turns
// local SGX reports into remotely verifiable quotes.
package quoting

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

// Client is the interface to the quoting enclave. Calls cross the
// enclave/host bridge and take contexts with a bounded timeout.
type Client interface {
	// TargetInfo returns the quoting enclave's target info. Reports to be
	// quoted must be targeted at it.
	TargetInfo(ctx context.Context) (sgx.TargetInfo, error)

	// Quote turns a report targeted at the quoting enclave into a signed
	// quote.
	Quote(ctx context.Context, report sgx.Report) ([]byte, error)
}

// ReportingClient is a Client whose quoting enclave can authenticate itself
// by issuing a report targeted back at the caller. The Gramine quoting path
// performs this exchange inside the runtime and does not implement it.
type ReportingClient interface {
	Client

	// Report returns a report over the quoting enclave's identity, targeted
	// at the given enclave.
	Report(ctx context.Context, target sgx.TargetInfo) (sgx.Report, error)
}

// Authenticate performs the local attestation handshake with the quoting
// enclave before its quotes are trusted: the caller sends its own target
// info, receives a report over the quoting enclave's identity, and verifies
// the report's MAC. Only an enclave on the same platform can produce a
// verifying MAC, so a passing check proves the quoting path terminates in
// local hardware rather than a remote impersonator.
func Authenticate(ctx context.Context, client ReportingClient, device enclave.Device, deriver sgx.ReportKeyDeriver) error {
	selfTarget, err := device.TargetInfo()
	if err != nil {
		return fmt.Errorf("getting own target info: %w", err)
	}

	qeReport, err := client.Report(ctx, selfTarget)
	if err != nil {
		return fmt.Errorf("getting QE report: %w", err)
	}

	if err := sgx.VerifyReportMAC(&qeReport, deriver); err != nil {
		return fmt.Errorf("verifying QE report MAC: %w", err)
	}
	return nil
}
