package ratls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
)

// ErrNoCredentials is returned by handshakes before the first credentials
// have been issued.
var ErrNoCredentials = errors.New("no attested credentials available")

// CredentialStore holds the current credentials as an atomic snapshot.
// Handshakes load the snapshot lock-free; the rotator is the single writer.
type CredentialStore struct {
	current atomic.Pointer[Credentials]
}

// Load returns the current credentials.
func (s *CredentialStore) Load() (*Credentials, error) {
	creds := s.current.Load()
	if creds == nil {
		return nil, ErrNoCredentials
	}
	return creds, nil
}

// Store replaces the current credentials. In-flight handshakes keep the
// snapshot they already loaded.
func (s *CredentialStore) Store(creds *Credentials) {
	s.current.Store(creds)
}

// ChannelConfig configures the TLS wiring of an attested channel endpoint.
type ChannelConfig struct {
	// Credentials supplies this endpoint's attested certificate. Required
	// for servers; required for clients only when the peer verifies
	// clients.
	Credentials *CredentialStore

	// Verifier verifies the peer's attested certificate. Required for
	// clients; required for servers only when they verify clients
	// (mutual attestation).
	Verifier *Verifier

	// OnVerified is called with the peer's verified identity after a
	// successful handshake verification, for downstream authorization.
	OnVerified func(Identity)

	// Clock overrides the verification clock, for tests.
	Clock clock.PassiveClock
}

func (c *ChannelConfig) clock() clock.PassiveClock {
	if c.Clock == nil {
		return clock.RealClock{}
	}
	return c.Clock
}

// ServerTLSConfig returns a TLS config serving the attested certificate.
// If cfg.Verifier is set, clients must present an attested certificate too
// and conventional client CA trust is disabled.
func ServerTLSConfig(cfg ChannelConfig) (*tls.Config, error) {
	if cfg.Credentials == nil {
		return nil, errors.New("server config needs a credential store")
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			creds, err := cfg.Credentials.Load()
			if err != nil {
				return nil, err
			}
			return &creds.TLSCertificate, nil
		},
	}

	if cfg.Verifier != nil {
		// Request a raw client cert and verify it as attestation evidence
		// instead of against a CA pool.
		tlsCfg.ClientAuth = tls.RequireAnyClientCert
		tlsCfg.VerifyPeerCertificate = peerVerifier(cfg)
	}

	return tlsCfg, nil
}

// ClientTLSConfig returns a TLS config that verifies the server's attested
// certificate instead of chaining it to a CA. If cfg.Credentials is set, the
// client presents its own attested certificate for mutual attestation.
func ClientTLSConfig(cfg ChannelConfig) (*tls.Config, error) {
	if cfg.Verifier == nil {
		return nil, errors.New("client config needs a verifier")
	}

	tlsCfg := &tls.Config{
		MinVersion: tls.VersionTLS12,
		// The server cert is self-signed evidence, not a CA-issued
		// identity. Standard verification is disabled and replaced by
		// VerifyPeerCertificate; the connection is only trusted after
		// quote verification passes.
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: peerVerifier(cfg),
	}

	if cfg.Credentials != nil {
		tlsCfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			creds, err := cfg.Credentials.Load()
			if err != nil {
				return nil, err
			}
			return &creds.TLSCertificate, nil
		}
	}

	return tlsCfg, nil
}

// peerVerifier adapts a Verifier to crypto/tls's VerifyPeerCertificate hook.
func peerVerifier(cfg ChannelConfig) func([][]byte, [][]*x509.Certificate) error {
	verifier := cfg.Verifier
	clk := cfg.clock()
	onVerified := cfg.OnVerified

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		// Attested certificates are self-signed; a peer sending a chain is
		// not speaking this protocol.
		if len(rawCerts) != 1 {
			return &RejectedError{Reason: ReasonMalformed, Cause: errors.New("expected exactly one peer certificate")}
		}

		identity, err := verifier.Verify(rawCerts[0], clk.Now())
		if err != nil {
			return err
		}
		if onVerified != nil {
			onVerified(*identity)
		}
		return nil
	}
}

// RemainingValidity returns how much of the credentials' lifetime is left at
// the given time.
func (c *Credentials) RemainingValidity(now time.Time) time.Duration {
	return c.NotAfter.Sub(now)
}
