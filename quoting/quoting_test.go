package quoting_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/quoting"
	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/testutil"
)

func TestAuthenticate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	device := platform.Device(enclave.MockIdentity{MRENCLAVE: [32]byte{0x01}})

	assert.NoError(quoting.Authenticate(context.Background(), platform.QuotingService(), device, platform.Mock))
}

func TestAuthenticateRejectsForeignQuotingEnclave(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	foreign, err := testutil.NewPlatform()
	require.NoError(err)

	device := platform.Device(enclave.MockIdentity{MRENCLAVE: [32]byte{0x01}})

	// a quoting service from another platform cannot MAC a verifying report
	err = quoting.Authenticate(context.Background(), foreign.QuotingService(), device, platform.Mock)
	assert.ErrorIs(err, sgx.ErrMACMismatch)
}

func TestAuthenticateCancelledContext(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	device := platform.Device(enclave.MockIdentity{MRENCLAVE: [32]byte{0x01}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(quoting.Authenticate(ctx, platform.QuotingService(), device, platform.Mock))
}

func TestQuotingServiceRejectsUnauthenticatedReports(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	service := platform.QuotingService()

	device := platform.Device(enclave.MockIdentity{MRENCLAVE: [32]byte{0x01}})
	target, err := service.TargetInfo(context.Background())
	require.NoError(err)
	report, err := device.Report(target, [sgx.ReportDataSize]byte{})
	require.NoError(err)

	// a valid report quotes fine
	_, err = service.Quote(context.Background(), report)
	require.NoError(err)

	// a tampered report does not
	report.Body.MRENCLAVE[0] ^= 0x01
	_, err = service.Quote(context.Background(), report)
	assert.ErrorIs(err, sgx.ErrMACMismatch)
}
