package ratls_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/edgelesssys/go-sgx-ratls/enclave"
	"github.com/edgelesssys/go-sgx-ratls/ratls"
	"github.com/edgelesssys/go-sgx-ratls/sgx"
	"github.com/edgelesssys/go-sgx-ratls/testutil"
)

// flakyDevice wraps an enclave device and fails report issuance on demand.
type flakyDevice struct {
	inner    enclave.Device
	fail     atomic.Bool
	attempts atomic.Int32
}

func (d *flakyDevice) TargetInfo() (sgx.TargetInfo, error) {
	return d.inner.TargetInfo()
}

func (d *flakyDevice) Report(target sgx.TargetInfo, reportData [sgx.ReportDataSize]byte) (sgx.Report, error) {
	d.attempts.Add(1)
	if d.fail.Load() {
		return sgx.Report{}, errors.New("injected report failure")
	}
	return d.inner.Report(target, reportData)
}

func newRotationTestIssuer(t *testing.T, platform *testutil.Platform, device enclave.Device, clk *testclock.FakeClock) *ratls.Issuer {
	t.Helper()
	issuer, err := ratls.NewIssuer(ratls.IssuerConfig{
		Device:         device,
		Quoting:        platform.QuotingService(),
		QuoteFreshness: 6 * time.Hour,
		Clock:          clk,
	})
	require.NoError(t, err)
	return issuer
}

func TestRotatorRenewsCredentials(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	clk := testclock.NewFakeClock(time.Now())
	issuer := newRotationTestIssuer(t, platform, platform.Device(testIdentity), clk)

	store := &ratls.CredentialStore{}
	rotator, err := ratls.NewRotator(ratls.RotatorConfig{
		Issuer:   issuer,
		Store:    store,
		Validity: 6 * time.Hour,
		Clock:    clk,
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rotator.Run(ctx) }()

	var initial *ratls.Credentials
	require.Eventually(func() bool {
		initial, err = store.Load()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(clk.Now().Add(6*time.Hour), initial.NotAfter)

	// renewal fires at 2/3 of the validity
	require.Eventually(clk.HasWaiters, 5*time.Second, 10*time.Millisecond)
	clk.Step(4 * time.Hour)

	require.Eventually(func() bool {
		renewed, err := store.Load()
		return err == nil && renewed != initial
	}, 5*time.Second, 10*time.Millisecond)
	renewed, err := store.Load()
	require.NoError(err)
	assert.Equal(clk.Now().Add(6*time.Hour), renewed.NotAfter)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rotator to stop")
	}
}

func TestRotatorKeepsServingOnFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	clk := testclock.NewFakeClock(time.Now())
	device := &flakyDevice{inner: platform.Device(testIdentity)}
	issuer := newRotationTestIssuer(t, platform, device, clk)

	tcbChange := make(chan struct{}, 1)
	store := &ratls.CredentialStore{}
	rotator, err := ratls.NewRotator(ratls.RotatorConfig{
		Issuer:    issuer,
		Store:     store,
		Validity:  6 * time.Hour,
		TCBChange: tcbChange,
		Backoff:   backoff.NewConstantBackOff(time.Second),
		Clock:     clk,
	})
	require.NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- rotator.Run(ctx) }()

	var initial *ratls.Credentials
	require.Eventually(func() bool {
		initial, err = store.Load()
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	// the next issuance fails; a TCB change forces it immediately
	device.fail.Store(true)
	attemptsBefore := device.attempts.Load()
	tcbChange <- struct{}{}

	require.Eventually(func() bool {
		if clk.HasWaiters() {
			clk.Step(time.Second)
		}
		return device.attempts.Load() >= attemptsBefore+3
	}, 5*time.Second, 10*time.Millisecond)

	// previous credentials keep serving through the retries
	current, err := store.Load()
	require.NoError(err)
	assert.Same(initial, current)

	// recovery swaps in fresh credentials
	device.fail.Store(false)
	require.Eventually(func() bool {
		if clk.HasWaiters() {
			clk.Step(time.Second)
		}
		current, err := store.Load()
		return err == nil && current != initial
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rotator to stop")
	}
}

func TestRotatorStopsWhenBackoffGivesUp(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	device := &flakyDevice{inner: platform.Device(testIdentity)}
	device.fail.Store(true)
	issuer := newRotationTestIssuer(t, platform, device, testclock.NewFakeClock(time.Now()))

	rotator, err := ratls.NewRotator(ratls.RotatorConfig{
		Issuer:   issuer,
		Store:    &ratls.CredentialStore{},
		Validity: 6 * time.Hour,
		Backoff:  &backoff.StopBackOff{},
	})
	require.NoError(err)

	err = rotator.Run(context.Background())
	require.Error(err)
	assert.ErrorIs(err, ratls.ErrAttestationFailed)
}

func TestNewRotatorValidatesConfig(t *testing.T) {
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	clk := testclock.NewFakeClock(time.Now())
	issuer := newRotationTestIssuer(t, platform, platform.Device(testIdentity), clk)
	store := &ratls.CredentialStore{}

	testCases := map[string]ratls.RotatorConfig{
		"missing issuer":           {Store: store, Validity: time.Hour},
		"missing store":            {Issuer: issuer, Validity: time.Hour},
		"zero validity":            {Issuer: issuer, Store: store},
		"renewal fraction too big": {Issuer: issuer, Store: store, Validity: time.Hour, RenewalFraction: 1},
	}

	for name, cfg := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ratls.NewRotator(cfg)
			assert.Error(t, err)
		})
	}
}
