package ratls_test

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/ratls"
	"github.com/edgelesssys/go-sgx-ratls/testutil"
)

func TestCredentialStore(t *testing.T) {
	assert := assert.New(t)

	store := &ratls.CredentialStore{}
	_, err := store.Load()
	assert.ErrorIs(err, ratls.ErrNoCredentials)

	creds := &ratls.Credentials{NotAfter: time.Now().Add(time.Hour)}
	store.Store(creds)
	loaded, err := store.Load()
	assert.NoError(err)
	assert.Same(creds, loaded)
}

func TestServerTLSConfigRequiresCredentials(t *testing.T) {
	_, err := ratls.ServerTLSConfig(ratls.ChannelConfig{})
	assert.Error(t, err)
}

func TestClientTLSConfigRequiresVerifier(t *testing.T) {
	_, err := ratls.ClientTLSConfig(ratls.ChannelConfig{})
	assert.Error(t, err)
}

// handshake runs a TLS handshake between the two configs over an in-memory
// connection and returns both sides' errors.
func handshake(t *testing.T, serverCfg, clientCfg *tls.Config) (serverErr, clientErr error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	defer serverConn.Close()
	defer clientConn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := tls.Server(serverConn, serverCfg)
	client := tls.Client(clientConn, clientCfg)
	defer server.Close()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- server.HandshakeContext(ctx) }()
	clientErr = client.HandshakeContext(ctx)
	serverErr = <-done
	return serverErr, clientErr
}

func TestMutualAttestationHandshake(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)

	serverIdentity := testIdentity
	clientIdentity := enclave.MockIdentity{
		MRENCLAVE: [32]byte{0x33},
		MRSIGNER:  [32]byte{0x44},
		ISVProdID: 5,
		ISVSVN:    6,
	}

	serverStore := &ratls.CredentialStore{}
	serverCreds, err := newTestIssuer(t, platform, serverIdentity).Issue(context.Background(), time.Hour)
	require.NoError(err)
	serverStore.Store(serverCreds)

	clientStore := &ratls.CredentialStore{}
	clientCreds, err := newTestIssuer(t, platform, clientIdentity).Issue(context.Background(), time.Hour)
	require.NoError(err)
	clientStore.Store(clientCreds)

	var serverSaw, clientSaw ratls.Identity
	serverCfg, err := ratls.ServerTLSConfig(ratls.ChannelConfig{
		Credentials: serverStore,
		Verifier:    newTestVerifier(t, platform.VerifierConfig(), allowPolicy(clientIdentity)),
		OnVerified:  func(id ratls.Identity) { serverSaw = id },
	})
	require.NoError(err)
	clientCfg, err := ratls.ClientTLSConfig(ratls.ChannelConfig{
		Credentials: clientStore,
		Verifier:    newTestVerifier(t, platform.VerifierConfig(), allowPolicy(serverIdentity)),
		OnVerified:  func(id ratls.Identity) { clientSaw = id },
	})
	require.NoError(err)

	serverErr, clientErr := handshake(t, serverCfg, clientCfg)
	require.NoError(clientErr)
	require.NoError(serverErr)

	assert.Equal(serverIdentity.MRENCLAVE, clientSaw.MRENCLAVE)
	assert.Equal(clientIdentity.MRENCLAVE, serverSaw.MRENCLAVE)
}

func TestHandshakeRejectsUntrustedServer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)

	serverStore := &ratls.CredentialStore{}
	serverCreds, err := newTestIssuer(t, platform, testIdentity).Issue(context.Background(), time.Hour)
	require.NoError(err)
	serverStore.Store(serverCreds)

	serverCfg, err := ratls.ServerTLSConfig(ratls.ChannelConfig{Credentials: serverStore})
	require.NoError(err)

	// the client only trusts a different enclave
	other := testIdentity
	other.MRENCLAVE[0] ^= 0x01
	clientCfg, err := ratls.ClientTLSConfig(ratls.ChannelConfig{
		Verifier: newTestVerifier(t, platform.VerifierConfig(), allowPolicy(other)),
	})
	require.NoError(err)

	_, clientErr := handshake(t, serverCfg, clientCfg)
	require.Error(clientErr)
	var rejected *ratls.RejectedError
	require.ErrorAs(clientErr, &rejected)
	assert.Equal(ratls.ReasonPolicyDenied, rejected.Reason)
}

func TestHandshakeWithoutCredentials(t *testing.T) {
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)

	serverCfg, err := ratls.ServerTLSConfig(ratls.ChannelConfig{Credentials: &ratls.CredentialStore{}})
	require.NoError(err)
	clientCfg, err := ratls.ClientTLSConfig(ratls.ChannelConfig{
		Verifier: newTestVerifier(t, platform.VerifierConfig(), allowPolicy(testIdentity)),
	})
	require.NoError(err)

	serverErr, clientErr := handshake(t, serverCfg, clientCfg)
	require.Error(serverErr)
	require.Error(clientErr)
}
