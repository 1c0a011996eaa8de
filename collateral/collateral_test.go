package collateral

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	testclock "k8s.io/utils/clock/testing"

	"github.com/edgelesssys/go-sgx-ratls/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// pcsStub serves signed collateral for a synthetic platform the way the PCS
// does: signed JSON bodies, issuer chain headers, and the root CA CRL.
type pcsStub struct {
	mu          sync.Mutex
	tcbInfo     []byte
	qeIdentity  []byte
	issuerChain string
	rootCRL     []byte
}

func newPCSStub(t *testing.T, platform *testutil.Platform) *pcsStub {
	t.Helper()
	stub := &pcsStub{}
	stub.update(t, platform)
	return stub
}

func (s *pcsStub) update(t *testing.T, platform *testutil.Platform) {
	t.Helper()
	tcbInfo, err := platform.SignedTCBInfoJSON()
	require.NoError(t, err)
	qeIdentity, err := platform.SignedQEIdentityJSON()
	require.NoError(t, err)
	rootCRL, err := platform.RootCRLDER()
	require.NoError(t, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tcbInfo = tcbInfo
	s.qeIdentity = qeIdentity
	s.issuerChain = platform.IssuerChainHeader()
	s.rootCRL = rootCRL
}

func (s *pcsStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch r.URL.Path {
	case "/sgx/certification/v4/tcb":
		if r.URL.Query().Get("fmspc") == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Tcb-Info-Issuer-Chain", s.issuerChain)
		_, _ = w.Write(s.tcbInfo)
	case "/sgx/certification/v4/qe/identity":
		w.Header().Set("Sgx-Enclave-Identity-Issuer-Chain", s.issuerChain)
		_, _ = w.Write(s.qeIdentity)
	case "/rootcrl":
		_, _ = w.Write(s.rootCRL)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func clientConfig(t *testing.T, server *httptest.Server, platform *testutil.Platform) Config {
	t.Helper()
	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	return Config{
		BaseURL:    serverURL.Host,
		RootCRLURL: server.URL + "/rootcrl",
		RootCA:     platform.RootCert,
		HTTPClient: server.Client(),
	}
}

func TestGetCollateral(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	server := httptest.NewTLSServer(newPCSStub(t, platform))
	defer server.Close()

	client := New(clientConfig(t, server, platform))

	tcbInfo, err := client.GetTCBInfo(context.Background(), platform.TCBInfo.FMSPC)
	require.NoError(err)
	assert.Equal(platform.TCBInfo.FMSPC, tcbInfo.FMSPC)
	assert.Equal(platform.TCBInfo.TCBEvaluationDataNumber, tcbInfo.TCBEvaluationDataNumber)
	require.Len(tcbInfo.TCBLevels, len(platform.TCBInfo.TCBLevels))
	assert.Equal(platform.TCBInfo.TCBLevels[0].TCBStatus, tcbInfo.TCBLevels[0].TCBStatus)
	assert.True(tcbInfo.NextUpdate.Equal(platform.TCBInfo.NextUpdate))

	qeIdentity, err := client.GetQEIdentity(context.Background())
	require.NoError(err)
	assert.Equal(platform.QEIdentity.MRSIGNER, qeIdentity.MRSIGNER)
	assert.Equal(platform.QEIdentity.ISVProdID, qeIdentity.ISVProdID)
	assert.Equal(platform.QEIdentity.Attributes, qeIdentity.Attributes)
	require.Len(qeIdentity.TCBLevels, len(platform.QEIdentity.TCBLevels))
}

func TestGetCollateralErrors(t *testing.T) {
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	foreign, err := testutil.NewPlatform()
	require.NoError(err)

	testCases := map[string]struct {
		stub  func(*testing.T) *pcsStub
		clock *testclock.FakePassiveClock
	}{
		"signature from foreign signing key": {
			stub: func(t *testing.T) *pcsStub {
				stub := newPCSStub(t, platform)
				// serve the foreign platform's signed bodies with our chain
				foreignStub := newPCSStub(t, foreign)
				stub.mu.Lock()
				stub.tcbInfo = foreignStub.tcbInfo
				stub.qeIdentity = foreignStub.qeIdentity
				stub.mu.Unlock()
				return stub
			},
		},
		"issuer chain from foreign root": {
			stub: func(t *testing.T) *pcsStub {
				stub := newPCSStub(t, platform)
				stub.mu.Lock()
				stub.issuerChain = foreign.IssuerChainHeader()
				stub.mu.Unlock()
				return stub
			},
		},
		"expired root CRL": {
			stub:  func(t *testing.T) *pcsStub { return newPCSStub(t, platform) },
			clock: testclock.NewFakePassiveClock(time.Now().Add(90 * 24 * time.Hour)),
		},
		"revoked signing certificate": {
			stub: func(t *testing.T) *pcsStub {
				stub := newPCSStub(t, platform)
				revokingCRL, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
					Number:     big.NewInt(2),
					ThisUpdate: time.Now().Add(-time.Hour),
					NextUpdate: time.Now().Add(30 * 24 * time.Hour),
					RevokedCertificates: []pkix.RevokedCertificate{
						{SerialNumber: platform.TCBSigningCert.SerialNumber, RevocationTime: time.Now().Add(-time.Hour)},
					},
				}, platform.RootCert, platform.RootKey)
				require.NoError(err)
				stub.mu.Lock()
				stub.rootCRL = revokingCRL
				stub.mu.Unlock()
				return stub
			},
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			server := httptest.NewTLSServer(tc.stub(t))
			defer server.Close()

			cfg := clientConfig(t, server, platform)
			if tc.clock != nil {
				cfg.Clock = tc.clock
			}
			client := New(cfg)

			_, err := client.GetTCBInfo(context.Background(), platform.TCBInfo.FMSPC)
			assert.Error(err)
			_, err = client.GetQEIdentity(context.Background())
			assert.Error(err)
		})
	}
}

func TestGetCollateralServerError(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	client := New(clientConfig(t, server, platform))
	_, err = client.GetTCBInfo(context.Background(), platform.TCBInfo.FMSPC)
	assert.Error(err)
}
