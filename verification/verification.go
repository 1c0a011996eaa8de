/*
# Intel SGX Quote Verification

This package verifies Intel SGX ECDSA (DCAP) quotes against the Intel SGX
certificate hierarchy and the platform's published TCB levels.

Verification of a quote follows these steps, each a hard failure:

  - Parse the quote and reject anything but a well-formed v3 ECDSA-P256 quote.

  - Verify the embedded PCK certificate chain: exactly PCK leaf, PCK CA, and
    root, with the root byte-equal to the pinned Intel SGX Root CA.

  - Check the QE report against the expected QE Identity (MRSIGNER,
    ISVProdID, masked MISCSELECT and attributes) so only known-good quoting
    enclaves are accepted.

  - Verify the QE report signature with the PCK leaf key, and that the QE
    report data binds the attestation key and QE auth data.

  - Verify the quote signature over the header and ISV report with the
    attestation key.

  - Classify the platform TCB from the PCK certificate's SGX extension
    against the TCB Info levels, combined with the QE TCB level. A revoked
    TCB always fails closed.

Collateral (TCB Info and QE Identity) is provided at construction time, e.g.
fetched via the collateral package. No network access happens per quote.
*/
package verification

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/verification/crypto"
	"github.com/edgelesssys/go-sgx-ratls/verification/status"
	"github.com/edgelesssys/go-sgx-ratls/verification/types"
)

// Verification errors. All failures returned by VerifyQuote wrap one of
// these so callers can branch on the failure class.
var (
	// ErrMalformedQuote is returned when the quote does not parse as an SGX
	// ECDSA v3 quote.
	ErrMalformedQuote = errors.New("malformed quote")

	// ErrChainInvalid is returned when the PCK certificate chain, the QE
	// identity, or one of the quote signatures does not verify.
	ErrChainInvalid = errors.New("quote certificate chain invalid")

	// ErrRevoked is returned when the platform or QE TCB level is revoked.
	ErrRevoked = errors.New("TCB level revoked")

	// ErrCollateralExpired is returned when the configured TCB Info or QE
	// Identity is past its next update date.
	ErrCollateralExpired = errors.New("verification collateral expired")
)

// Config configures a Verifier.
type Config struct {
	// TCBInfo is the TCB Info for the platform type (FMSPC) quotes are
	// expected from.
	TCBInfo types.TCBInfo

	// QEIdentity is the expected identity of the quoting enclave.
	QEIdentity types.QEIdentity

	// RootCA overrides the pinned Intel SGX Root CA. Only set this in tests.
	RootCA *x509.Certificate
}

// Result is the outcome of a successful quote verification.
type Result struct {
	// Report is the verified ISV enclave report embedded in the quote.
	Report sgx.ReportBody

	// TCBStatus is the combined platform and QE TCB status. It is never
	// Revoked; revoked TCB levels fail verification.
	TCBStatus status.TCBStatus

	// AdvisoryIDs lists the Intel security advisories affecting the
	// platform's TCB level, if any.
	AdvisoryIDs []string
}

// Verifier verifies SGX ECDSA quotes.
type Verifier struct {
	rootCA     *x509.Certificate
	roots      *x509.CertPool
	tcbInfo    types.TCBInfo
	qeIdentity types.QEIdentity
}

// New creates a new Verifier. The collateral in cfg is validated for the SGX
// platform and pinned version.
func New(cfg Config) (*Verifier, error) {
	if cfg.TCBInfo.ID != types.TCBInfoSGXID {
		return nil, fmt.Errorf("TCB Info was generated for a different TEE: expected %s, got %s", types.TCBInfoSGXID, cfg.TCBInfo.ID)
	}
	if cfg.TCBInfo.Version < types.TCBInfoMinVersion {
		return nil, fmt.Errorf("TCB Info version %d is not supported (minimum: %d)", cfg.TCBInfo.Version, types.TCBInfoMinVersion)
	}
	if len(cfg.TCBInfo.TCBLevels) == 0 {
		return nil, errors.New("TCB Info contains no TCB levels")
	}
	if cfg.QEIdentity.ID != types.QEIdentitySGXID {
		return nil, fmt.Errorf("QE Identity was generated for a different QE: expected %s, got %s", types.QEIdentitySGXID, cfg.QEIdentity.ID)
	}
	if cfg.QEIdentity.Version != types.QEIdentityVersion {
		return nil, fmt.Errorf("QE Identity version %d is not supported (expected: %d)", cfg.QEIdentity.Version, types.QEIdentityVersion)
	}

	rootCA := cfg.RootCA
	if rootCA == nil {
		rootCA = IntelSGXRootCA()
	}
	roots := x509.NewCertPool()
	roots.AddCert(rootCA)

	return &Verifier{
		rootCA:     rootCA,
		roots:      roots,
		tcbInfo:    cfg.TCBInfo,
		qeIdentity: cfg.QEIdentity,
	}, nil
}

// VerifyQuote verifies a raw SGX ECDSA quote at the given point in time and
// returns the verified report and TCB classification.
func (v *Verifier) VerifyQuote(rawQuote []byte, now time.Time) (Result, error) {
	quote, err := types.ParseQuote(rawQuote)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedQuote, err)
	}
	if quote.Header.QEVendorID != types.QEVendorIDIntel {
		return Result{}, fmt.Errorf("%w: unexpected QE vendor ID %x", ErrChainInvalid, quote.Header.QEVendorID)
	}

	if now.After(v.tcbInfo.NextUpdate) {
		return Result{}, fmt.Errorf("%w: TCB Info next update was %s", ErrCollateralExpired, v.tcbInfo.NextUpdate.Format(time.RFC3339))
	}
	if now.After(v.qeIdentity.NextUpdate) {
		return Result{}, fmt.Errorf("%w: QE Identity next update was %s", ErrCollateralExpired, v.qeIdentity.NextUpdate.Format(time.RFC3339))
	}

	pckCert, err := v.verifyPCKCertChain(quote.Signature.CertificationData.Data, now)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}

	pckExt, err := types.ParsePCKSGXExtensions(pckCert)
	if err != nil {
		return Result{}, fmt.Errorf("%w: parsing PCK certificate SGX extension: %v", ErrChainInvalid, err)
	}
	if !bytes.Equal(pckExt.FMSPC[:], v.tcbInfo.FMSPC[:]) {
		return Result{}, fmt.Errorf("%w: FMSPC in PCK certificate (%x) does not match FMSPC in TCB Info (%x)", ErrChainInvalid, pckExt.FMSPC, v.tcbInfo.FMSPC)
	}
	if !bytes.Equal(pckExt.PCEID[:], v.tcbInfo.PCEID[:]) {
		return Result{}, fmt.Errorf("%w: PCEID in PCK certificate (%x) does not match PCEID in TCB Info (%x)", ErrChainInvalid, pckExt.PCEID, v.tcbInfo.PCEID)
	}

	// QE allow-list: only reports from a known-good quoting enclave are
	// acceptable roots for the attestation key.
	if err := v.qeIdentity.VerifyReport(&quote.Signature.QEReport); err != nil {
		return Result{}, fmt.Errorf("%w: verifying QE report against QE Identity: %v", ErrChainInvalid, err)
	}

	qeReport := quote.Signature.QEReport.Marshal()
	if err := crypto.VerifyECDSASignature(pckCert.PublicKey, qeReport[:], quote.Signature.QEReportSignature[:]); err != nil {
		return Result{}, fmt.Errorf("%w: verifying QE report signature: %v", ErrChainInvalid, err)
	}

	// The QE report data must bind the attestation key and QE auth data:
	// SHA-256(attestation public key || QE auth data) padded with zeros.
	binding := sha256.Sum256(append(quote.Signature.PublicKey[:], quote.Signature.QEAuthData...))
	if !bytes.Equal(quote.Signature.QEReport.ReportData[:32], binding[:]) {
		return Result{}, fmt.Errorf("%w: QE report data does not bind the attestation key", ErrChainInvalid)
	}
	if !bytes.Equal(quote.Signature.QEReport.ReportData[32:], make([]byte, 32)) {
		return Result{}, fmt.Errorf("%w: QE report data padding is not zero", ErrChainInvalid)
	}

	attestationKey := crypto.BuildECDSAPublicKey(quote.Signature.PublicKey)
	if err := crypto.VerifyECDSASignature(attestationKey, quote.SignedPrefix(), quote.Signature.Signature[:]); err != nil {
		return Result{}, fmt.Errorf("%w: verifying quote signature: %v", ErrChainInvalid, err)
	}

	platformStatus, advisories := v.tcbInfo.GetTCBStatus(pckExt.TCB.TCBSVN, pckExt.TCB.PCESVN)
	qeStatus := v.qeIdentity.GetTCBStatus(quote.Signature.QEReport.ISVSVN)
	combined := status.Worse(platformStatus, qeStatus)
	if combined == status.Revoked {
		return Result{}, fmt.Errorf("%w: platform TCB is %s, QE TCB is %s", ErrRevoked, platformStatus, qeStatus)
	}

	return Result{
		Report:      quote.Report,
		TCBStatus:   combined,
		AdvisoryIDs: advisories,
	}, nil
}

// verifyPCKCertChain verifies the PEM certificate chain embedded in the
// quote's certification data. The chain must consist of exactly the PCK
// leaf, the PCK CA, and a root byte-equal to the pinned root CA.
func (v *Verifier) verifyPCKCertChain(certChainPEM []byte, now time.Time) (*x509.Certificate, error) {
	chain, err := crypto.ParsePEMCertificateChain(certChainPEM)
	if err != nil {
		return nil, fmt.Errorf("parsing PCK certificate chain: %w", err)
	}
	if len(chain) != 3 {
		return nil, fmt.Errorf("PCK certificate chain must have 3 certificates, got %d", len(chain))
	}

	pckCert, pckCACert, rootCert := chain[0], chain[1], chain[2]
	if !rootCert.Equal(v.rootCA) {
		return nil, errors.New("certificate chain does not end in the pinned root CA certificate")
	}

	intermediates := x509.NewCertPool()
	intermediates.AddCert(pckCACert)
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   now,
	}
	if _, err := pckCert.Verify(opts); err != nil {
		return nil, fmt.Errorf("verifying PCK certificate: %w", err)
	}

	return pckCert, nil
}
