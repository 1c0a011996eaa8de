package sgx

import (
	"crypto/aes"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/aead/cmac"
)

// ReportKeySize is the size of the symmetric report key in bytes.
const ReportKeySize = 16

// ErrMACMismatch is returned when a report's MAC does not verify under the
// derived report key.
var ErrMACMismatch = errors.New("report MAC mismatch")

// ReportKeyDeriver derives the 128-bit report key for a given report key ID.
// On SGX hardware this is the EGETKEY instruction with the REPORT key name:
// the derived key is bound to the calling enclave's identity and the
// platform, so only the enclave a report was targeted at can re-derive the
// key that MACed it. Off hardware, mock derivers share a platform secret.
type ReportKeyDeriver interface {
	ReportKey(keyID [KeyIDSize]byte) ([ReportKeySize]byte, error)
}

// VerifyReportMAC recomputes the AES-128-CMAC over the report body using the
// report key derived for the report's key ID and compares it against the
// report's MAC in constant time. The derived key is zeroed before returning.
func VerifyReportMAC(report *Report, deriver ReportKeyDeriver) error {
	key, err := deriver.ReportKey(report.KeyID)
	if err != nil {
		return fmt.Errorf("deriving report key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("initializing report key cipher: %w", err)
	}

	body := report.Body.Marshal()
	mac, err := cmac.Sum(body[:], block, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("computing report CMAC: %w", err)
	}

	if subtle.ConstantTimeCompare(mac, report.MAC[:]) != 1 {
		return ErrMACMismatch
	}
	return nil
}

// MACReport computes the AES-128-CMAC over the report body with the report
// key for the report's key ID and stores it in the report. This is the
// issuing side of VerifyReportMAC, used by software report generators.
func MACReport(report *Report, deriver ReportKeyDeriver) error {
	key, err := deriver.ReportKey(report.KeyID)
	if err != nil {
		return fmt.Errorf("deriving report key: %w", err)
	}
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return fmt.Errorf("initializing report key cipher: %w", err)
	}

	body := report.Body.Marshal()
	mac, err := cmac.Sum(body[:], block, aes.BlockSize)
	if err != nil {
		return fmt.Errorf("computing report CMAC: %w", err)
	}

	report.MAC = [MACSize]byte(mac)
	return nil
}
