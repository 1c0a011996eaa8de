package collateral

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	"github.com/edgelesssys/go-sgx-ratls/testutil"
)

func TestRefresher(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	stub := newPCSStub(t, platform)
	server := httptest.NewTLSServer(stub)
	defer server.Close()

	client := New(clientConfig(t, server, platform))
	clock := testclock.NewFakeClock(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher, err := NewRefresher(ctx, RefresherConfig{
		Client:   client,
		FMSPC:    platform.TCBInfo.FMSPC,
		Interval: time.Hour,
		Clock:    clock,
	})
	require.NoError(err)

	initial := refresher.Collateral()
	assert.Equal(platform.TCBInfo.TCBEvaluationDataNumber, initial.TCBInfo.TCBEvaluationDataNumber)

	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	// refresh with unchanged collateral must not signal a TCB change
	require.Eventually(clock.HasWaiters, time.Second, 10*time.Millisecond)
	clock.Step(time.Hour)
	select {
	case <-refresher.TCBChange():
		t.Fatal("unexpected TCB change signal")
	case <-time.After(100 * time.Millisecond):
	}

	// publish a new TCB evaluation
	platform.TCBInfo.TCBEvaluationDataNumber++
	platform.QEIdentity.TCBEvaluationDataNumber++
	stub.update(t, platform)

	require.Eventually(clock.HasWaiters, time.Second, 10*time.Millisecond)
	clock.Step(time.Hour)

	select {
	case <-refresher.TCBChange():
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for TCB change signal")
	}
	assert.Equal(platform.TCBInfo.TCBEvaluationDataNumber, refresher.Collateral().TCBInfo.TCBEvaluationDataNumber)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresher to stop")
	}
}

func TestRefresherKeepsCollateralOnFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	stub := newPCSStub(t, platform)
	server := httptest.NewTLSServer(stub)

	client := New(clientConfig(t, server, platform))
	clock := testclock.NewFakeClock(time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	refresher, err := NewRefresher(ctx, RefresherConfig{
		Client:   client,
		FMSPC:    platform.TCBInfo.FMSPC,
		Interval: time.Hour,
		Clock:    clock,
	})
	require.NoError(err)
	initial := refresher.Collateral()

	// all further fetches fail
	server.Close()

	done := make(chan error, 1)
	go func() { done <- refresher.Run(ctx) }()

	require.Eventually(clock.HasWaiters, time.Second, 10*time.Millisecond)
	clock.Step(time.Hour)

	// the retry loop is cancelled with the context; the bundle from the
	// initial fetch stays available throughout
	time.Sleep(100 * time.Millisecond)
	assert.Equal(initial, refresher.Collateral())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresher to stop")
	}
}

func TestNewRefresherRequiresClient(t *testing.T) {
	_, err := NewRefresher(context.Background(), RefresherConfig{})
	assert.Error(t, err)
}

func TestNewRefresherInitialFetchFails(t *testing.T) {
	require := require.New(t)

	platform, err := testutil.NewPlatform()
	require.NoError(err)
	server := httptest.NewTLSServer(newPCSStub(t, platform))
	server.Close()

	client := New(clientConfig(t, server, platform))
	_, err = NewRefresher(context.Background(), RefresherConfig{
		Client: client,
		FMSPC:  platform.TCBInfo.FMSPC,
	})
	require.Error(err)
}
