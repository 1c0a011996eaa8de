/*
Package ratls binds TLS certificates to SGX attestation. An Issuer running
inside an enclave creates self-signed certificates whose keys are attested
by an embedded DCAP quote; a Verifier on the relying side replaces
conventional CA trust with quote verification and an enclave identity
policy. tlsconfig.go and rotation.go wire both into crypto/tls with
background certificate rotation.
*/
package ratls

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/quoting"
	"github.com/edgelesssys/go-sgx-ratls/sgx"
)

// QuoteExtensionOID is the private X.509 extension OID carrying the raw SGX
// quote in attested certificates.
var QuoteExtensionOID = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 58270, 1, 1}

// ErrAttestationFailed is returned when certificate issuance fails at any
// step. Issuance is all-or-nothing: no certificate exists on failure.
var ErrAttestationFailed = errors.New("attestation failed")

// clockSkew is subtracted from NotBefore so fresh certificates are accepted
// by peers with slightly trailing clocks.
const clockSkew = time.Minute

// IssuerConfig configures an Issuer.
type IssuerConfig struct {
	// Device issues hardware reports. Required.
	Device enclave.Device

	// Quoting turns reports into quotes. Required. If it implements
	// quoting.ReportingClient and KeyDeriver is set, the quoting enclave is
	// authenticated via local attestation before its first quote is used.
	Quoting quoting.Client

	// KeyDeriver derives report keys for authenticating the quoting
	// enclave. Optional; required only for quoting paths that support the
	// local attestation exchange.
	KeyDeriver sgx.ReportKeyDeriver

	// QuoteFreshness bounds how long an embedded quote may vouch for a
	// certificate: issued certificates are never valid longer than this.
	// Required.
	QuoteFreshness time.Duration

	// CommonName is the subject and issuer common name of issued
	// certificates.
	CommonName string

	// DNSNames are optional SANs for issued certificates.
	DNSNames []string

	// Clock overrides the clock, for tests.
	Clock clock.PassiveClock
}

// Credentials are an issued attested certificate with its key, ready for use
// in a TLS handshake.
type Credentials struct {
	TLSCertificate tls.Certificate
	IssuedAt       time.Time
	NotAfter       time.Time
}

// Issuer issues self-signed certificates carrying a quote that attests the
// certificate key.
type Issuer struct {
	device         enclave.Device
	quoting        quoting.Client
	keyDeriver     sgx.ReportKeyDeriver
	quoteFreshness time.Duration
	commonName     string
	dnsNames       []string
	clock          clock.PassiveClock
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.Device == nil {
		return nil, errors.New("enclave device must be set")
	}
	if cfg.Quoting == nil {
		return nil, errors.New("quoting client must be set")
	}
	if cfg.QuoteFreshness <= 0 {
		return nil, errors.New("quote freshness window must be positive")
	}
	if cfg.CommonName == "" {
		cfg.CommonName = "SGX attested service"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	return &Issuer{
		device:         cfg.Device,
		quoting:        cfg.Quoting,
		keyDeriver:     cfg.KeyDeriver,
		quoteFreshness: cfg.QuoteFreshness,
		commonName:     cfg.CommonName,
		dnsNames:       cfg.DNSNames,
		clock:          cfg.Clock,
	}, nil
}

// Issue creates fresh credentials: a new ed25519 key pair, a hardware report
// whose report data is the SHA-256 of the public key, a quote over that
// report, and a self-signed certificate embedding the quote. The requested
// validity is capped at the configured quote freshness window.
func (i *Issuer) Issue(ctx context.Context, validity time.Duration) (*Credentials, error) {
	if validity <= 0 {
		return nil, fmt.Errorf("%w: requested validity must be positive", ErrAttestationFailed)
	}
	if validity > i.quoteFreshness {
		validity = i.quoteFreshness
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating key pair: %v", ErrAttestationFailed, err)
	}

	if reporting, ok := i.quoting.(quoting.ReportingClient); ok && i.keyDeriver != nil {
		if err := quoting.Authenticate(ctx, reporting, i.device, i.keyDeriver); err != nil {
			return nil, fmt.Errorf("%w: authenticating quoting enclave: %v", ErrAttestationFailed, err)
		}
	}

	qeTarget, err := i.quoting.TargetInfo(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: getting QE target info: %v", ErrAttestationFailed, err)
	}

	var reportData [sgx.ReportDataSize]byte
	digest := sha256.Sum256(pub)
	copy(reportData[:32], digest[:])

	report, err := i.device.Report(qeTarget, reportData)
	if err != nil {
		return nil, fmt.Errorf("%w: issuing hardware report: %v", ErrAttestationFailed, err)
	}

	rawQuote, err := i.quoting.Quote(ctx, report)
	if err != nil {
		return nil, fmt.Errorf("%w: getting quote: %v", ErrAttestationFailed, err)
	}

	now := i.clock.Now()
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("%w: generating serial number: %v", ErrAttestationFailed, err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: i.commonName},
		DNSNames:     i.dnsNames,
		NotBefore:    now.Add(-clockSkew),
		NotAfter:     now.Add(validity),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		ExtraExtensions: []pkix.Extension{
			{Id: QuoteExtensionOID, Value: rawQuote},
		},
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, pub, priv)
	if err != nil {
		return nil, fmt.Errorf("%w: creating certificate: %v", ErrAttestationFailed, err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing issued certificate: %v", ErrAttestationFailed, err)
	}

	return &Credentials{
		TLSCertificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
			Leaf:        leaf,
		},
		IssuedAt: now,
		NotAfter: template.NotAfter,
	}, nil
}
