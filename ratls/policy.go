package ratls

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/verification/status"
)

// EnclaveIdentity is an allowed (MRENCLAVE, MRSIGNER) pair.
type EnclaveIdentity struct {
	MRENCLAVE [sgx.MeasurementSize]byte
	MRSIGNER  [sgx.MeasurementSize]byte
}

// Policy decides which attested enclaves a verifier trusts. The zero value
// is not a usable policy: either AllowedEnclaves or AllowedSigners must be
// populated.
type Policy struct {
	// AllowedEnclaves lists exact (MRENCLAVE, MRSIGNER) pairs to trust.
	AllowedEnclaves []EnclaveIdentity

	// AllowedSigners lists MRSIGNER values to trust regardless of
	// MRENCLAVE, for deployments that trust every enclave of a signer.
	AllowedSigners [][sgx.MeasurementSize]byte

	// MinISVSVN is the minimum enclave security version number.
	MinISVSVN uint16

	// MinTCBStatus is the worst acceptable TCB status. Defaults to
	// SWHardeningNeeded. Revoked is never acceptable regardless of this
	// setting.
	MinTCBStatus status.TCBStatus

	// AllowDebug permits enclaves launched with the debug attribute.
	// Debug enclaves offer no confidentiality; never set this in
	// production.
	AllowDebug bool
}

// validate checks that the policy can accept at least one identity.
func (p *Policy) validate() error {
	if len(p.AllowedEnclaves) == 0 && len(p.AllowedSigners) == 0 {
		return errors.New("policy must allow at least one enclave identity or signer")
	}
	if p.MinTCBStatus != "" && !p.MinTCBStatus.IsValid() {
		return fmt.Errorf("invalid minimum TCB status %q", string(p.MinTCBStatus))
	}
	if p.MinTCBStatus == status.Revoked {
		return errors.New("minimum TCB status cannot be Revoked")
	}
	return nil
}

// minTCBStatus returns the configured TCB floor or the default.
func (p *Policy) minTCBStatus() status.TCBStatus {
	if p.MinTCBStatus == "" {
		return status.SWHardeningNeeded
	}
	return p.MinTCBStatus
}

// permits checks the identity facts of a verified report against the policy.
// TCB status is checked separately so the caller can distinguish TCBTooLow
// from PolicyDenied.
func (p *Policy) permits(report *sgx.ReportBody) error {
	if report.Attributes.IsDebug() && !p.AllowDebug {
		return errors.New("enclave is in debug mode")
	}
	if report.ISVSVN < p.MinISVSVN {
		return fmt.Errorf("enclave ISVSVN %d is below required minimum %d", report.ISVSVN, p.MinISVSVN)
	}

	for _, allowed := range p.AllowedEnclaves {
		if bytes.Equal(report.MRENCLAVE[:], allowed.MRENCLAVE[:]) && bytes.Equal(report.MRSIGNER[:], allowed.MRSIGNER[:]) {
			return nil
		}
	}
	for _, signer := range p.AllowedSigners {
		if bytes.Equal(report.MRSIGNER[:], signer[:]) {
			return nil
		}
	}
	return fmt.Errorf("enclave identity (MRENCLAVE %x, MRSIGNER %x) is not allowed", report.MRENCLAVE, report.MRSIGNER)
}
