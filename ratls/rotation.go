package ratls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"k8s.io/utils/clock"
)

// defaultRenewalFraction is the fraction of a certificate's validity after
// which it is re-issued. Renewing at two thirds leaves a full third of the
// validity window to ride out issuance failures.
const defaultRenewalFraction = 2.0 / 3.0

// RotatorConfig configures a Rotator.
type RotatorConfig struct {
	// Issuer issues credentials. Required.
	Issuer *Issuer

	// Store receives issued credentials. Required.
	Store *CredentialStore

	// Validity is the requested lifetime per certificate. Required.
	Validity time.Duration

	// RenewalFraction is the fraction of Validity after which renewal
	// starts. Defaults to 2/3.
	RenewalFraction float64

	// TCBChange optionally triggers an immediate re-issue, e.g. from
	// collateral.Refresher.TCBChange.
	TCBChange <-chan struct{}

	// Backoff controls retries after failed issuance. Defaults to an
	// exponential backoff without an elapsed-time limit.
	Backoff backoff.BackOff

	// Logger logs rotation events. Defaults to a no-op logger.
	Logger *zap.Logger

	// Clock overrides the clock, for tests.
	Clock clock.Clock
}

// Rotator keeps a CredentialStore populated with fresh attested credentials.
// It is the store's single writer: handshakes keep serving the previous
// still-valid certificate while renewal runs or retries.
type Rotator struct {
	issuer          *Issuer
	store           *CredentialStore
	validity        time.Duration
	renewalFraction float64
	tcbChange       <-chan struct{}
	newBackoff      func() backoff.BackOff
	log             *zap.Logger
	clock           clock.Clock
}

// NewRotator creates a Rotator.
func NewRotator(cfg RotatorConfig) (*Rotator, error) {
	if cfg.Issuer == nil {
		return nil, errors.New("issuer must be set")
	}
	if cfg.Store == nil {
		return nil, errors.New("credential store must be set")
	}
	if cfg.Validity <= 0 {
		return nil, errors.New("validity must be positive")
	}
	if cfg.RenewalFraction < 0 || cfg.RenewalFraction >= 1 {
		return nil, errors.New("renewal fraction must be in [0, 1)")
	}
	if cfg.RenewalFraction == 0 {
		cfg.RenewalFraction = defaultRenewalFraction
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}

	newBackoff := func() backoff.BackOff {
		if cfg.Backoff != nil {
			cfg.Backoff.Reset()
			return cfg.Backoff
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 0
		bo.MaxInterval = 5 * time.Minute
		return bo
	}

	return &Rotator{
		issuer:          cfg.Issuer,
		store:           cfg.Store,
		validity:        cfg.Validity,
		renewalFraction: cfg.RenewalFraction,
		tcbChange:       cfg.TCBChange,
		newBackoff:      newBackoff,
		log:             cfg.Logger,
		clock:           cfg.Clock,
	}, nil
}

// Run issues the initial credentials and then renews them until the context
// is cancelled. It returns the context error on cancellation. Issuance
// failures are retried with backoff; if credentials exist, they keep serving
// during retries.
func (r *Rotator) Run(ctx context.Context) error {
	if err := r.rotate(ctx); err != nil {
		return err
	}

	for {
		timer := r.clock.NewTimer(r.renewalDelay())

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		case <-r.tcbChangeChan():
			timer.Stop()
			r.log.Info("TCB change signalled, re-issuing credentials")
		}

		if err := r.rotate(ctx); err != nil {
			return err
		}
	}
}

// rotate issues new credentials, retrying with backoff until success or
// context cancellation.
func (r *Rotator) rotate(ctx context.Context) error {
	bo := r.newBackoff()

	for {
		creds, err := r.issuer.Issue(ctx, r.validity)
		if err == nil {
			r.store.Store(creds)
			r.log.Info("Issued attested credentials",
				zap.Time("notAfter", creds.NotAfter),
			)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := bo.NextBackOff()
		if delay == backoff.Stop {
			return fmt.Errorf("issuing credentials: %w", err)
		}
		r.log.Warn("Issuing credentials failed, retrying",
			zap.Error(err),
			zap.Duration("retryIn", delay),
		)

		timer := r.clock.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C():
		}
	}
}

// renewalDelay returns how long to wait before the next renewal.
func (r *Rotator) renewalDelay() time.Duration {
	delay := time.Duration(float64(r.validity) * r.renewalFraction)
	creds, err := r.store.Load()
	if err != nil {
		return delay
	}
	// Never schedule past the current certificate's expiry.
	if remaining := creds.RemainingValidity(r.clock.Now()); remaining < delay {
		delay = remaining
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// tcbChangeChan returns the TCB change channel or a nil channel that never
// fires.
func (r *Rotator) tcbChangeChan() <-chan struct{} {
	return r.tcbChange
}
