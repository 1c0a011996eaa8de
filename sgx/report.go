/*
Package sgx implements the fixed-layout Intel SGX hardware structures used
during attestation: the local attestation report produced by EREPORT, the
report body embedded in DCAP quotes, and the target info that selects which
enclave can verify a report.

Layouts follow the Intel SDM definitions of sgx_report_t, sgx_report_body_t
and sgx_target_info_t. All multi-byte fields are little-endian.
*/
package sgx

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// ReportBodySize is the size of a serialized report body in bytes.
	ReportBodySize = 384

	// ReportSize is the size of a serialized report in bytes (body + key ID + MAC).
	ReportSize = 432

	// TargetInfoSize is the size of a serialized target info in bytes.
	TargetInfoSize = 512

	// ReportDataSize is the size of the user-controlled report data field in bytes.
	ReportDataSize = 64

	// KeyIDSize is the size of the report key ID in bytes.
	KeyIDSize = 32

	// MACSize is the size of the report MAC in bytes (AES-128-CMAC).
	MACSize = 16

	// MeasurementSize is the size of MRENCLAVE and MRSIGNER in bytes (SHA256).
	MeasurementSize = 32
)

// Enclave attribute flags, from sgx_attributes.h.
const (
	AttributeInit      = uint64(1) << 0
	AttributeDebug     = uint64(1) << 1
	AttributeMode64Bit = uint64(1) << 2
)

// ErrMalformedReport is returned when a report, report body, or target info
// does not have the exact hardware layout.
var ErrMalformedReport = errors.New("malformed SGX report")

// Attributes are the ATTRIBUTES of an enclave: a flags word and the XFRM
// (enabled processor extended features) word.
type Attributes struct {
	Flags uint64
	XFRM  uint64
}

// IsDebug reports whether the enclave was launched with the debug attribute.
func (a Attributes) IsDebug() bool {
	return a.Flags&AttributeDebug != 0
}

// ReportBody is the 384-byte body of an SGX report. The same structure is
// embedded in DCAP quotes as the ISV enclave report and the QE report.
type ReportBody struct {
	CPUSVN     [16]byte
	MiscSelect uint32
	Attributes Attributes
	MRENCLAVE  [MeasurementSize]byte
	MRSIGNER   [MeasurementSize]byte
	ISVProdID  uint16
	ISVSVN     uint16
	ReportData [ReportDataSize]byte
}

// ParseReportBody parses a report body from its exact 384-byte representation.
// Reserved ranges must be zero.
func ParseReportBody(raw []byte) (ReportBody, error) {
	if len(raw) != ReportBodySize {
		return ReportBody{}, fmt.Errorf("%w: report body must be %d bytes, got %d", ErrMalformedReport, ReportBodySize, len(raw))
	}
	if !isZero(raw[20:48]) || !isZero(raw[96:128]) || !isZero(raw[160:256]) || !isZero(raw[260:320]) {
		return ReportBody{}, fmt.Errorf("%w: reserved report body bytes are not zero", ErrMalformedReport)
	}

	return ReportBody{
		CPUSVN:     [16]byte(raw[0:16]),
		MiscSelect: binary.LittleEndian.Uint32(raw[16:20]),
		Attributes: Attributes{
			Flags: binary.LittleEndian.Uint64(raw[48:56]),
			XFRM:  binary.LittleEndian.Uint64(raw[56:64]),
		},
		MRENCLAVE:  [32]byte(raw[64:96]),
		MRSIGNER:   [32]byte(raw[128:160]),
		ISVProdID:  binary.LittleEndian.Uint16(raw[256:258]),
		ISVSVN:     binary.LittleEndian.Uint16(raw[258:260]),
		ReportData: [64]byte(raw[320:384]),
	}, nil
}

// Marshal serializes the report body to its 384-byte representation.
func (b *ReportBody) Marshal() [ReportBodySize]byte {
	var result [ReportBodySize]byte
	copy(result[0:16], b.CPUSVN[:])
	binary.LittleEndian.PutUint32(result[16:20], b.MiscSelect)
	binary.LittleEndian.PutUint64(result[48:56], b.Attributes.Flags)
	binary.LittleEndian.PutUint64(result[56:64], b.Attributes.XFRM)
	copy(result[64:96], b.MRENCLAVE[:])
	copy(result[128:160], b.MRSIGNER[:])
	binary.LittleEndian.PutUint16(result[256:258], b.ISVProdID)
	binary.LittleEndian.PutUint16(result[258:260], b.ISVSVN)
	copy(result[320:384], b.ReportData[:])
	return result
}

// Report is a full 432-byte SGX report as produced by EREPORT: the report
// body, the key ID selecting the report key, and the AES-128-CMAC over the
// body computed with that key.
type Report struct {
	Body  ReportBody
	KeyID [KeyIDSize]byte
	MAC   [MACSize]byte
}

// ParseReport parses a report from its exact 432-byte representation.
func ParseReport(raw []byte) (Report, error) {
	if len(raw) != ReportSize {
		return Report{}, fmt.Errorf("%w: report must be %d bytes, got %d", ErrMalformedReport, ReportSize, len(raw))
	}

	body, err := ParseReportBody(raw[0:ReportBodySize])
	if err != nil {
		return Report{}, err
	}

	return Report{
		Body:  body,
		KeyID: [KeyIDSize]byte(raw[384:416]),
		MAC:   [MACSize]byte(raw[416:432]),
	}, nil
}

// Marshal serializes the report to its 432-byte representation.
func (r *Report) Marshal() [ReportSize]byte {
	var result [ReportSize]byte
	body := r.Body.Marshal()
	copy(result[0:384], body[:])
	copy(result[384:416], r.KeyID[:])
	copy(result[416:432], r.MAC[:])
	return result
}

// TargetInfo identifies the enclave a report is targeted at, i.e. the only
// enclave able to derive the report key that verifies the report's MAC.
type TargetInfo struct {
	MRENCLAVE  [MeasurementSize]byte
	Attributes Attributes
	ConfigSVN  uint16
	MiscSelect uint32
	ConfigID   [64]byte
}

// ParseTargetInfo parses a target info from its exact 512-byte representation.
func ParseTargetInfo(raw []byte) (TargetInfo, error) {
	if len(raw) != TargetInfoSize {
		return TargetInfo{}, fmt.Errorf("%w: target info must be %d bytes, got %d", ErrMalformedReport, TargetInfoSize, len(raw))
	}

	return TargetInfo{
		MRENCLAVE: [32]byte(raw[0:32]),
		Attributes: Attributes{
			Flags: binary.LittleEndian.Uint64(raw[32:40]),
			XFRM:  binary.LittleEndian.Uint64(raw[40:48]),
		},
		ConfigSVN:  binary.LittleEndian.Uint16(raw[50:52]),
		MiscSelect: binary.LittleEndian.Uint32(raw[52:56]),
		ConfigID:   [64]byte(raw[64:128]),
	}, nil
}

// Marshal serializes the target info to its 512-byte representation.
func (t *TargetInfo) Marshal() [TargetInfoSize]byte {
	var result [TargetInfoSize]byte
	copy(result[0:32], t.MRENCLAVE[:])
	binary.LittleEndian.PutUint64(result[32:40], t.Attributes.Flags)
	binary.LittleEndian.PutUint64(result[40:48], t.Attributes.XFRM)
	binary.LittleEndian.PutUint16(result[50:52], t.ConfigSVN)
	binary.LittleEndian.PutUint32(result[52:56], t.MiscSelect)
	copy(result[64:128], t.ConfigID[:])
	return result
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
