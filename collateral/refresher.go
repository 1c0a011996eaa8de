package collateral

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-sgx-ratls/verification/types"
)

// defaultRefreshInterval is how often collateral is refetched if not
// configured otherwise. Intel republishes TCB Info roughly daily.
const defaultRefreshInterval = 12 * time.Hour

// Bundle is a consistent pair of TCB Info and QE Identity.
type Bundle struct {
	TCBInfo    types.TCBInfo
	QEIdentity types.QEIdentity
}

// RefresherConfig configures a Refresher.
type RefresherConfig struct {
	// Client fetches collateral from the PCS. Required.
	Client *Client

	// FMSPC selects the platform type to fetch TCB Info for. Required.
	FMSPC [6]byte

	// Interval between refreshes. Defaults to 12 hours.
	Interval time.Duration

	// Logger for refresh outcomes. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock overrides the clock, for tests.
	Clock clock.Clock
}

// Refresher periodically refetches verification collateral and signals when
// Intel publishes a new TCB evaluation, so attestation credentials can be
// re-issued against the new TCB.
type Refresher struct {
	client   *Client
	fmspc    [6]byte
	interval time.Duration
	log      *zap.Logger
	clock    clock.Clock

	mu        sync.RWMutex
	current   Bundle
	tcbChange chan struct{}
}

// NewRefresher creates a Refresher and fetches the initial collateral bundle.
func NewRefresher(ctx context.Context, cfg RefresherConfig) (*Refresher, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("collateral client must be set")
	}
	if cfg.Interval == 0 {
		cfg.Interval = defaultRefreshInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	r := &Refresher{
		client:    cfg.Client,
		fmspc:     cfg.FMSPC,
		interval:  cfg.Interval,
		log:       cfg.Logger,
		clock:     cfg.Clock,
		tcbChange: make(chan struct{}, 1),
	}

	bundle, err := r.fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching initial collateral: %w", err)
	}
	r.current = bundle

	return r, nil
}

// Collateral returns the most recently fetched collateral bundle.
func (r *Refresher) Collateral() Bundle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// TCBChange returns a channel that receives a signal whenever a refresh
// observes a higher TCB evaluation data number than the current bundle.
func (r *Refresher) TCBChange() <-chan struct{} {
	return r.tcbChange
}

// Run refreshes collateral until the context is cancelled. Failed refreshes
// are retried with exponential backoff; the previous bundle stays in use.
func (r *Refresher) Run(ctx context.Context) error {
	timer := r.clock.NewTimer(r.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C():
		}

		if err := r.refreshWithRetry(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("Collateral refresh failed, keeping previous collateral", zap.Error(err))
		}

		timer.Reset(r.interval)
	}
}

// refreshWithRetry fetches a new bundle, retrying transient failures.
func (r *Refresher) refreshWithRetry(ctx context.Context) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	bundle, err := backoff.RetryWithData(func() (Bundle, error) {
		return r.fetch(ctx)
	}, bo)
	if err != nil {
		return err
	}

	r.mu.Lock()
	previous := r.current.TCBInfo.TCBEvaluationDataNumber
	r.current = bundle
	r.mu.Unlock()

	if bundle.TCBInfo.TCBEvaluationDataNumber > previous {
		r.log.Info("New TCB evaluation published",
			zap.Uint32("previous", previous),
			zap.Uint32("current", bundle.TCBInfo.TCBEvaluationDataNumber),
		)
		select {
		case r.tcbChange <- struct{}{}:
		default:
		}
	}

	return nil
}

// fetch retrieves a consistent bundle from the PCS.
func (r *Refresher) fetch(ctx context.Context) (Bundle, error) {
	tcbInfo, err := r.client.GetTCBInfo(ctx, r.fmspc)
	if err != nil {
		return Bundle{}, fmt.Errorf("getting TCB Info: %w", err)
	}
	qeIdentity, err := r.client.GetQEIdentity(ctx)
	if err != nil {
		return Bundle{}, fmt.Errorf("getting QE Identity: %w", err)
	}
	return Bundle{TCBInfo: tcbInfo, QEIdentity: qeIdentity}, nil
}
