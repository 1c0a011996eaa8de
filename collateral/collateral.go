/*
Package collateral retrieves SGX verification collateral from Intel's
Provisioning Certification Service (PCS): TCB Info and QE Identity.

Both documents are returned as signed JSON. The signing certificate chain is
delivered in a response header, verified against the pinned Intel SGX Root
CA and the Root CA CRL, and the signature is checked over the raw JSON body
before it is parsed.

Collateral is fetched at startup and refreshed in the background (see
Refresher), never during per-handshake quote verification.
*/
package collateral

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"

	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-sgx-ratls/verification"
	"github.com/edgelesssys/go-sgx-ratls/verification/crypto"
	"github.com/edgelesssys/go-sgx-ratls/verification/types"
)

const (
	// defaultBaseURL is the host of Intel's PCS.
	defaultBaseURL = "api.trustedservices.intel.com:443"
	// defaultRootCRLURL is the URL of Intel's Root CA CRL.
	defaultRootCRLURL = "https://certificates.trustedservices.intel.com:443/IntelSGXRootCA.der"
	// sgxAPI is the API to use when retrieving SGX information from the PCS.
	sgxAPI = "sgx"
	// requestType is the type of request to make to the PCS.
	requestType = "certification"
	// apiVersion is the version of the PCS API to use.
	apiVersion = "v4"
	// tcbPath is the path to the TCB Info.
	tcbPath = "tcb"
	// tcbQuery is the query to use when retrieving the TCB Info.
	tcbQuery = "fmspc"
	// tcbHeader is a header containing the TCB Info issuer chain.
	tcbHeader = "Tcb-Info-Issuer-Chain"
	// qePath is the path to the QE Identity information.
	qePath = "qe/identity"
	// qeHeader is a header containing the QE Identity issuer chain.
	qeHeader = "Sgx-Enclave-Identity-Issuer-Chain"
)

// Config configures a Client. The zero value targets Intel's production PCS.
type Config struct {
	// BaseURL overrides the PCS host, e.g. for a local PCCS cache.
	BaseURL string

	// RootCRLURL overrides the Root CA CRL URL.
	RootCRLURL string

	// RootCA overrides the pinned Intel SGX Root CA. Only set this in tests.
	RootCA *x509.Certificate

	// HTTPClient overrides the HTTP client used for PCS requests.
	HTTPClient *http.Client

	// Clock overrides the clock used for CRL validity checks.
	Clock clock.PassiveClock
}

type collateralAPI interface {
	getFromPCS(ctx context.Context, uri *url.URL, certHeader string) (body []byte, signingCert *x509.Certificate, err error)
}

// Client is a client for Intel's PCS.
type Client struct {
	api     collateralAPI
	baseURL string
}

// New returns a new Client.
func New(cfg Config) *Client {
	rootCA := cfg.RootCA
	if rootCA == nil {
		rootCA = verification.IntelSGXRootCA()
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	rootCRLURL := cfg.RootCRLURL
	if rootCRLURL == "" {
		rootCRLURL = defaultRootCRLURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.RealClock{}
	}

	return &Client{
		api: &pcsAPIClient{
			rootCA:     rootCA,
			rootCRLURL: rootCRLURL,
			client:     httpClient,
			clock:      clk,
		},
		baseURL: baseURL,
	}
}

// GetTCBInfo retrieves the TCB Info for a given
// Family-Model-Stepping-Platform-CustomSKU (FMSPC) from the PCS.
func (c *Client) GetTCBInfo(ctx context.Context, fmspc [6]byte) (types.TCBInfo, error) {
	url := c.pcsURL(tcbPath)
	query := url.Query()
	query.Set(tcbQuery, fmt.Sprintf("%x", fmspc))
	url.RawQuery = query.Encode()

	pcsResponseRaw, tcbSigningCert, err := c.api.getFromPCS(ctx, url, tcbHeader)
	if err != nil {
		return types.TCBInfo{}, fmt.Errorf("getting TCB Info from PCS: %w", err)
	}

	var pcsResponse struct {
		TCBInfo   pcsJSONBody `json:"tcbInfo"`
		Signature string      `json:"signature"`
	}
	if err := json.Unmarshal(pcsResponseRaw, &pcsResponse); err != nil {
		return types.TCBInfo{}, fmt.Errorf("unmarshaling TCB Info response: %w", err)
	}

	signature, err := hex.DecodeString(pcsResponse.Signature)
	if err != nil {
		return types.TCBInfo{}, fmt.Errorf("decoding TCB Info signature: %w", err)
	}

	if err := crypto.VerifyECDSASignature(tcbSigningCert.PublicKey, pcsResponse.TCBInfo, signature); err != nil {
		return types.TCBInfo{}, fmt.Errorf("verifying TCB Info signature: %w", err)
	}

	var tcbInfo types.TCBInfo
	if err := json.Unmarshal(pcsResponse.TCBInfo, &tcbInfo); err != nil {
		return types.TCBInfo{}, fmt.Errorf("unmarshaling TCB Info: %w", err)
	}

	return tcbInfo, nil
}

// GetQEIdentity retrieves the QE Identity from the PCS.
func (c *Client) GetQEIdentity(ctx context.Context) (types.QEIdentity, error) {
	url := c.pcsURL(qePath)
	pcsResponseRaw, qeSigningCert, err := c.api.getFromPCS(ctx, url, qeHeader)
	if err != nil {
		return types.QEIdentity{}, fmt.Errorf("getting QE Identity from PCS: %w", err)
	}

	// unmarshal to intermediate struct to verify signature
	var pcsResponse struct {
		QEIdentity pcsJSONBody `json:"enclaveIdentity"`
		Signature  string      `json:"signature"`
	}
	if err := json.Unmarshal(pcsResponseRaw, &pcsResponse); err != nil {
		return types.QEIdentity{}, fmt.Errorf("unmarshaling PCS response: %w", err)
	}

	signature, err := hex.DecodeString(pcsResponse.Signature)
	if err != nil {
		return types.QEIdentity{}, fmt.Errorf("decoding QE Identity signature: %w", err)
	}

	if err := crypto.VerifyECDSASignature(qeSigningCert.PublicKey, pcsResponse.QEIdentity, signature); err != nil {
		return types.QEIdentity{}, fmt.Errorf("verifying QE Identity signature: %w", err)
	}

	var qeIdentity types.QEIdentity
	if err := json.Unmarshal(pcsResponse.QEIdentity, &qeIdentity); err != nil {
		return types.QEIdentity{}, fmt.Errorf("unmarshaling QE Identity: %w", err)
	}

	return qeIdentity, nil
}

// pcsURL returns a URL to connect to the PCS for the given path.
func (c *Client) pcsURL(requestPath string) *url.URL {
	return &url.URL{
		Scheme: "https",
		Host:   c.baseURL,
		Path:   path.Join(sgxAPI, requestType, apiVersion, requestPath),
	}
}

type pcsAPIClient struct {
	rootCA     *x509.Certificate
	rootCRLURL string
	client     *http.Client
	clock      clock.PassiveClock
}

// getFromPCS sends a request to the PCS and returns the response body and,
// if certHeader is set, the verified signing certificate from the issuer
// chain response header.
func (c *pcsAPIClient) getFromPCS(ctx context.Context, uri *url.URL, certHeader string,
) (body []byte, signingCert *x509.Certificate, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri.String(), http.NoBody)
	if err != nil {
		return nil, nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("request failed with status %s", resp.Status)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("reading response: %w", err)
	}

	var intermediateCert *x509.Certificate
	if certHeader != "" {
		signingChain, err := issuerChainFromCertHeader(resp.Header.Get(certHeader))
		if err != nil {
			return nil, nil, fmt.Errorf("getting signing chain from response header: %w", err)
		}
		intermediateCert, err = c.verifyChain(ctx, signingChain)
		if err != nil {
			return nil, nil, fmt.Errorf("verifying cert header signature chain: %w", err)
		}
	}

	return respBody, intermediateCert, nil
}

// verifyChain checks the certificates in a given issuer chain.
// We expect the chain to be of length 2, where one of the certificates is
// the root CA certificate. The root certificate must match the pinned root
// CA, and the signing certificate must be signed by it and not revoked by
// the Root CA CRL.
func (c *pcsAPIClient) verifyChain(ctx context.Context, chain []*x509.Certificate) (*x509.Certificate, error) {
	if len(chain) != 2 {
		return nil, fmt.Errorf("unexpected number of certificates in chain: expected 2, got: %d", len(chain))
	}

	signingCert := chain[0]
	if chain[0].Equal(c.rootCA) {
		signingCert = chain[1]
	} else if !chain[1].Equal(c.rootCA) {
		return nil, errors.New("certificate chain does not contain expected root CA certificate")
	}

	rootCRL, err := c.getRootCACRL(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting root CRL: %w", err)
	}

	now := c.clock.Now()
	if rootCRL.NextUpdate.Before(now) {
		return nil, errors.New("root CRL has expired")
	}
	if rootCRL.ThisUpdate.After(now) {
		return nil, errors.New("root CRL is not yet valid")
	}
	if err := rootCRL.CheckSignatureFrom(c.rootCA); err != nil {
		return nil, fmt.Errorf("checking root CRL signature: %w", err)
	}

	for _, revoked := range rootCRL.RevokedCertificates {
		if signingCert.SerialNumber.Cmp(revoked.SerialNumber) == 0 {
			return nil, fmt.Errorf("certificate %s has been revoked by the root CRL", signingCert.SerialNumber)
		}
	}

	roots := x509.NewCertPool()
	roots.AddCert(c.rootCA)
	opts := x509.VerifyOptions{
		Roots:       roots,
		CurrentTime: now,
	}
	if _, err := signingCert.Verify(opts); err != nil {
		return nil, fmt.Errorf("checking certificate signature: %w", err)
	}

	return signingCert, nil
}

// getRootCACRL retrieves the Root CA CRL.
func (c *pcsAPIClient) getRootCACRL(ctx context.Context) (*x509.RevocationList, error) {
	url, err := url.Parse(c.rootCRLURL)
	if err != nil {
		return nil, fmt.Errorf("parsing Root CA CRL URL: %w", err)
	}

	rootCACRLRaw, _, err := c.getFromPCS(ctx, url, "")
	if err != nil {
		return nil, fmt.Errorf("getting Root CA CRL: %w", err)
	}

	rootCACRL, err := x509.ParseRevocationList(rootCACRLRaw)
	if err != nil {
		return nil, fmt.Errorf("parsing Root CA CRL from DER: %w", err)
	}

	return rootCACRL, nil
}

// issuerChainFromCertHeader parses a certificate chain from a PCS response
// header. The PCS returns the signing chain URL-encoded in PEM.
func issuerChainFromCertHeader(header string) ([]*x509.Certificate, error) {
	certChain, err := url.QueryUnescape(header)
	if err != nil {
		return nil, fmt.Errorf("decoding certificate chain from PCS response header: %w", err)
	}

	return crypto.ParsePEMCertificateChain([]byte(certChain))
}

// pcsJSONBody is used to unmarshal the response body of a PCS JSON into a
// byte slice. This is necessary because we need to verify the signature of
// the response body.
type pcsJSONBody []byte

func (b *pcsJSONBody) UnmarshalJSON(data []byte) error {
	*b = data
	return nil
}
