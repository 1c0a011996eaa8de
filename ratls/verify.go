package ratls

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/verification"
	"github.com/edgelesssys/go-sgx-ratls/verification/status"
)

// Reason classifies why a certificate was rejected.
type Reason int

const (
	// ReasonMalformed means the certificate or embedded quote did not parse.
	ReasonMalformed Reason = iota + 1

	// ReasonChainInvalid means the quote's certificate chain or signatures
	// did not verify to the pinned root.
	ReasonChainInvalid

	// ReasonRevoked means the platform or QE TCB level is revoked.
	ReasonRevoked

	// ReasonIdentityBindingFailed means the quote does not bind the
	// certificate's public key.
	ReasonIdentityBindingFailed

	// ReasonExpired means the certificate is outside its validity window.
	ReasonExpired

	// ReasonPolicyDenied means the enclave identity is not allowed by the
	// policy.
	ReasonPolicyDenied

	// ReasonTCBTooLow means the TCB status is below the policy's floor, or
	// its currency cannot be established from the configured collateral.
	ReasonTCBTooLow
)

// String returns the name of the rejection reason.
func (r Reason) String() string {
	switch r {
	case ReasonMalformed:
		return "Malformed"
	case ReasonChainInvalid:
		return "ChainInvalid"
	case ReasonRevoked:
		return "Revoked"
	case ReasonIdentityBindingFailed:
		return "IdentityBindingFailed"
	case ReasonExpired:
		return "Expired"
	case ReasonPolicyDenied:
		return "PolicyDenied"
	case ReasonTCBTooLow:
		return "TCBTooLow"
	default:
		return fmt.Sprintf("Reason(%d)", int(r))
	}
}

// RejectedError is returned when a peer certificate fails attested
// verification. Reason is always set; Cause carries detail and never
// contains key material.
type RejectedError struct {
	Reason Reason
	Cause  error
}

// Error implements the error interface.
func (e *RejectedError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("attested certificate rejected: %s", e.Reason)
	}
	return fmt.Sprintf("attested certificate rejected: %s: %s", e.Reason, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *RejectedError) Unwrap() error {
	return e.Cause
}

// Identity is the verified identity of an attested peer.
type Identity struct {
	MRENCLAVE   [sgx.MeasurementSize]byte
	MRSIGNER    [sgx.MeasurementSize]byte
	ISVProdID   uint16
	ISVSVN      uint16
	Debug       bool
	TCBStatus   status.TCBStatus
	AdvisoryIDs []string
}

// VerifierConfig configures a certificate Verifier.
type VerifierConfig struct {
	// Quotes verifies the embedded quotes. Required.
	Quotes *verification.Verifier

	// Policy decides which attested identities to trust. Required.
	Policy Policy
}

// Verifier verifies evidence-bearing certificates: the embedded quote, the
// binding between quote and certificate key, the validity window, and the
// trust policy.
type Verifier struct {
	quotes *verification.Verifier
	policy Policy
}

// NewVerifier creates a certificate Verifier.
func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	if cfg.Quotes == nil {
		return nil, errors.New("quote verifier must be set")
	}
	if err := cfg.Policy.validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &Verifier{quotes: cfg.Quotes, policy: cfg.Policy}, nil
}

// Verify verifies a raw DER certificate at the given point in time. It
// returns the attested identity, or a *RejectedError naming exactly why the
// certificate is not trustworthy. There is no partial trust: any failure
// rejects.
func (v *Verifier) Verify(rawCert []byte, now time.Time) (*Identity, error) {
	cert, err := x509.ParseCertificate(rawCert)
	if err != nil {
		return nil, &RejectedError{Reason: ReasonMalformed, Cause: fmt.Errorf("parsing certificate: %w", err)}
	}

	var rawQuote []byte
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(QuoteExtensionOID) {
			rawQuote = ext.Value
			break
		}
	}
	if len(rawQuote) == 0 {
		return nil, &RejectedError{Reason: ReasonMalformed, Cause: errors.New("certificate carries no quote extension")}
	}

	// The certificate is self-signed; there is no CA trust to check, but
	// the self-signature must hold so the quote extension and public key
	// cannot be recombined from different certificates.
	if err := cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature); err != nil {
		return nil, &RejectedError{Reason: ReasonMalformed, Cause: fmt.Errorf("checking certificate self-signature: %w", err)}
	}

	result, err := v.quotes.VerifyQuote(rawQuote, now)
	if err != nil {
		return nil, &RejectedError{Reason: quoteRejectionReason(err), Cause: err}
	}

	pub, ok := cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, &RejectedError{Reason: ReasonMalformed, Cause: fmt.Errorf("certificate key is %T, expected ed25519", cert.PublicKey)}
	}
	expected := keyBinding(pub)
	if subtle.ConstantTimeCompare(expected[:], result.Report.ReportData[:]) != 1 {
		return nil, &RejectedError{Reason: ReasonIdentityBindingFailed, Cause: errors.New("quote report data does not bind the certificate public key")}
	}

	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return nil, &RejectedError{
			Reason: ReasonExpired,
			Cause:  fmt.Errorf("certificate valid from %s to %s", cert.NotBefore.Format(time.RFC3339), cert.NotAfter.Format(time.RFC3339)),
		}
	}

	if err := v.policy.permits(&result.Report); err != nil {
		return nil, &RejectedError{Reason: ReasonPolicyDenied, Cause: err}
	}

	if !result.TCBStatus.AtLeast(v.policy.minTCBStatus()) {
		return nil, &RejectedError{
			Reason: ReasonTCBTooLow,
			Cause:  fmt.Errorf("TCB status %s is below required %s", result.TCBStatus, v.policy.minTCBStatus()),
		}
	}

	return &Identity{
		MRENCLAVE:   result.Report.MRENCLAVE,
		MRSIGNER:    result.Report.MRSIGNER,
		ISVProdID:   result.Report.ISVProdID,
		ISVSVN:      result.Report.ISVSVN,
		Debug:       result.Report.Attributes.IsDebug(),
		TCBStatus:   result.TCBStatus,
		AdvisoryIDs: result.AdvisoryIDs,
	}, nil
}

// quoteRejectionReason maps quote verification failures to rejection reasons.
func quoteRejectionReason(err error) Reason {
	switch {
	case errors.Is(err, verification.ErrMalformedQuote):
		return ReasonMalformed
	case errors.Is(err, verification.ErrRevoked):
		return ReasonRevoked
	case errors.Is(err, verification.ErrCollateralExpired):
		return ReasonTCBTooLow
	default:
		return ReasonChainInvalid
	}
}

// keyBinding computes the report data binding a certificate public key:
// SHA-256 of the key, zero-padded to the report data size.
func keyBinding(pub ed25519.PublicKey) [sgx.ReportDataSize]byte {
	var binding [sgx.ReportDataSize]byte
	digest := sha256.Sum256(pub)
	copy(binding[:32], digest[:])
	return binding
}
