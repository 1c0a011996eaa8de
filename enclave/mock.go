package enclave

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"

	"github.com/aead/cmac"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

// MockPlatform models the shared secret of an SGX platform for development
// hosts and tests. Real hardware derives report keys bound to the target
// enclave's identity; the mock derives them from a single per-platform
// secret, so every mock enclave of the same platform can verify every mock
// report. Reports from different platforms do not verify.
type MockPlatform struct {
	secret [sgx.ReportKeySize]byte
}

// NewMockPlatform creates a mock platform with a random secret.
func NewMockPlatform() (*MockPlatform, error) {
	var p MockPlatform
	if _, err := rand.Read(p.secret[:]); err != nil {
		return nil, fmt.Errorf("generating mock platform secret: %w", err)
	}
	return &p, nil
}

// ReportKey derives the report key for a key ID from the platform secret.
// It implements sgx.ReportKeyDeriver.
func (p *MockPlatform) ReportKey(keyID [sgx.KeyIDSize]byte) ([sgx.ReportKeySize]byte, error) {
	var key [sgx.ReportKeySize]byte
	block, err := aes.NewCipher(p.secret[:])
	if err != nil {
		return key, fmt.Errorf("initializing platform secret cipher: %w", err)
	}
	mac, err := cmac.Sum(keyID[:], block, aes.BlockSize)
	if err != nil {
		return key, fmt.Errorf("deriving mock report key: %w", err)
	}
	copy(key[:], mac)
	return key, nil
}

// MockIdentity is the enclave identity a MockDevice reports.
type MockIdentity struct {
	MRENCLAVE [sgx.MeasurementSize]byte
	MRSIGNER  [sgx.MeasurementSize]byte
	ISVProdID uint16
	ISVSVN    uint16
	Debug     bool
}

// MockDevice is a Device issuing CMAC-authenticated reports for a fixed
// identity on a MockPlatform.
type MockDevice struct {
	platform *MockPlatform
	identity MockIdentity
}

// Device returns a mock Device reporting the given identity.
func (p *MockPlatform) Device(identity MockIdentity) *MockDevice {
	return &MockDevice{platform: p, identity: identity}
}

// TargetInfo returns the target info of the mock enclave.
func (d *MockDevice) TargetInfo() (sgx.TargetInfo, error) {
	return sgx.TargetInfo{
		MRENCLAVE:  d.identity.MRENCLAVE,
		Attributes: d.attributes(),
	}, nil
}

// Report issues a report over the mock identity. The target parameter is
// accepted for interface compatibility; mock reports verify against any
// enclave of the same platform.
func (d *MockDevice) Report(_ sgx.TargetInfo, reportData [sgx.ReportDataSize]byte) (sgx.Report, error) {
	report := sgx.Report{
		Body: sgx.ReportBody{
			Attributes: d.attributes(),
			MRENCLAVE:  d.identity.MRENCLAVE,
			MRSIGNER:   d.identity.MRSIGNER,
			ISVProdID:  d.identity.ISVProdID,
			ISVSVN:     d.identity.ISVSVN,
			ReportData: reportData,
		},
	}
	if _, err := rand.Read(report.KeyID[:]); err != nil {
		return sgx.Report{}, fmt.Errorf("generating report key ID: %w", err)
	}
	if err := sgx.MACReport(&report, d.platform); err != nil {
		return sgx.Report{}, fmt.Errorf("authenticating mock report: %w", err)
	}
	return report, nil
}

func (d *MockDevice) attributes() sgx.Attributes {
	attributes := sgx.Attributes{
		Flags: sgx.AttributeInit | sgx.AttributeMode64Bit,
		XFRM:  0x3,
	}
	if d.identity.Debug {
		attributes.Flags |= sgx.AttributeDebug
	}
	return attributes
}
