package enclave

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

// Gramine exposes SGX attestation primitives as pseudo-files instead of
// syscalls. Writing target info and report data stages an EREPORT, reading
// the report file executes it.
const gramineAttestationDir = "/dev/attestation"

const (
	gramineMyTargetInfo   = "my_target_info"
	gramineTargetInfo     = "target_info"
	gramineUserReportData = "user_report_data"
	gramineReport         = "report"
)

// GramineDevice issues SGX reports via Gramine's /dev/attestation
// pseudo-filesystem.
type GramineDevice struct {
	dir string
}

// NewGramineDevice returns a Device backed by Gramine's attestation
// pseudo-files. It fails if the process does not run under Gramine with
// attestation enabled.
func NewGramineDevice() (*GramineDevice, error) {
	d := &GramineDevice{dir: gramineAttestationDir}
	if _, err := os.Stat(filepath.Join(d.dir, gramineMyTargetInfo)); err != nil {
		return nil, fmt.Errorf("gramine attestation files not available: %w", err)
	}
	return d, nil
}

// TargetInfo returns the target info of the running enclave.
func (d *GramineDevice) TargetInfo() (sgx.TargetInfo, error) {
	raw, err := os.ReadFile(filepath.Join(d.dir, gramineMyTargetInfo))
	if err != nil {
		return sgx.TargetInfo{}, fmt.Errorf("reading own target info: %w", err)
	}
	targetInfo, err := sgx.ParseTargetInfo(raw)
	if err != nil {
		return sgx.TargetInfo{}, fmt.Errorf("parsing own target info: %w", err)
	}
	return targetInfo, nil
}

// Report issues a hardware report targeted at the given enclave.
func (d *GramineDevice) Report(target sgx.TargetInfo, reportData [sgx.ReportDataSize]byte) (sgx.Report, error) {
	rawTarget := target.Marshal()
	if err := os.WriteFile(filepath.Join(d.dir, gramineTargetInfo), rawTarget[:], 0o600); err != nil {
		return sgx.Report{}, fmt.Errorf("writing target info: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, gramineUserReportData), reportData[:], 0o600); err != nil {
		return sgx.Report{}, fmt.Errorf("writing report data: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(d.dir, gramineReport))
	if err != nil {
		return sgx.Report{}, fmt.Errorf("reading report: %w", err)
	}
	report, err := sgx.ParseReport(raw)
	if err != nil {
		return sgx.Report{}, fmt.Errorf("parsing report: %w", err)
	}
	return report, nil
}

// IsGramineEnclave reports whether the process runs inside a Gramine enclave
// with attestation enabled.
func IsGramineEnclave() bool {
	_, err := os.Stat(filepath.Join(gramineAttestationDir, gramineMyTargetInfo))
	return err == nil
}
