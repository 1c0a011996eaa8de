// Package crypto implements common crypto operations used to verify SGX
// quotes: raw r||s ECDSA-P256 signatures and PEM certificate chains.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// RawSignatureSize is the size of a raw r||s ECDSA-P256 signature in bytes.
const RawSignatureSize = 64

// BuildECDSAPublicKey builds a P-256 ECDSA public key from its raw X||Y
// representation as found in quote attestation keys.
func BuildECDSAPublicKey(rawPublicKey [64]byte) *ecdsa.PublicKey {
	key := new(ecdsa.PublicKey)
	key.Curve = elliptic.P256()
	key.X = new(big.Int).SetBytes(rawPublicKey[:32])
	key.Y = new(big.Int).SetBytes(rawPublicKey[32:64])
	return key
}

// VerifyECDSASignature verifies a raw r||s ECDSA signature over the SHA-256
// digest of data using the given public key.
func VerifyECDSASignature(publicKey crypto.PublicKey, data, signature []byte) error {
	signingKey, ok := publicKey.(*ecdsa.PublicKey)
	if !ok {
		return errors.New("signing key is not an ECDSA key")
	}
	if len(signature) != RawSignatureSize {
		return fmt.Errorf("invalid ECDSA signature: expected %d bytes but got %d bytes", RawSignatureSize, len(signature))
	}
	r := new(big.Int).SetBytes(signature[:32])
	s := new(big.Int).SetBytes(signature[32:64])

	digest := sha256.Sum256(data)
	if !ecdsa.Verify(signingKey, digest[:], r, s) {
		return errors.New("failed to verify signature using ECDSA public key")
	}
	return nil
}

// SignECDSA signs the SHA-256 digest of data with the given key and returns
// the raw r||s signature as embedded in quotes.
func SignECDSA(rand io.Reader, key *ecdsa.PrivateKey, data []byte) ([RawSignatureSize]byte, error) {
	var signature [RawSignatureSize]byte
	digest := sha256.Sum256(data)
	r, s, err := ecdsa.Sign(rand, key, digest[:])
	if err != nil {
		return signature, fmt.Errorf("signing with ECDSA key: %w", err)
	}
	r.FillBytes(signature[:32])
	s.FillBytes(signature[32:64])
	return signature, nil
}

// ParsePEMCertificateChain parses a certificate chain from a PEM-encoded
// byte slice. Trailing non-PEM bytes (such as the \0 terminator of quote
// certification data) are ignored.
func ParsePEMCertificateChain(certChainPEM []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	for block, rest := pem.Decode(certChainPEM); block != nil; block, rest = pem.Decode(rest) {
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate from PEM: %w", err)
		}
		chain = append(chain, cert)
	}
	return chain, nil
}

// MustParsePEMCertificate parses a single certificate from a PEM-encoded
// byte slice. If multiple certificates are present, only the first one is
// returned. It panics if the PEM data contains no valid certificate.
func MustParsePEMCertificate(certPEM []byte) *x509.Certificate {
	certs, err := ParsePEMCertificateChain(certPEM)
	if err != nil {
		panic(err)
	}
	if len(certs) == 0 {
		panic("expected at least one certificate")
	}
	return certs[0]
}

// EncodePEMCertificates encodes DER certificates as a concatenated PEM chain.
func EncodePEMCertificates(derCerts ...[]byte) []byte {
	var out []byte
	for _, der := range derCerts {
		out = append(out, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	return out
}
