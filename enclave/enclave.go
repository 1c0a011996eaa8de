// Package enclave provides access to the SGX hardware report primitives of
// the enclave the process runs in.
package enclave

import (
	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

// Device issues hardware reports for the running enclave.
type Device interface {
	// TargetInfo returns the target info of the running enclave, to hand to
	// a peer enclave that should issue reports verifiable by us.
	TargetInfo() (sgx.TargetInfo, error)

	// Report issues a report over the running enclave's identity, carrying
	// reportData and MAC-able only by the enclave described by target.
	Report(target sgx.TargetInfo, reportData [sgx.ReportDataSize]byte) (sgx.Report, error)
}
