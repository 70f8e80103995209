// Package retryer runs an operation until it succeeds, returns a
// non-retryable error, or a timeout/shutdown cuts it short.
package retryer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"

	"github.com/silverleaf-dev/automerge/internal/goorderr"
)

const (
	defBackoffInitialInterval     = 5 * time.Second
	defBackoffRandomizationFactor = 0.5
	defBackoffMultiplier          = 1.5
	defBackoffMaxInterval         = 5 * time.Minute
	defTimeout                    = 2 * time.Hour
)

// Retryer retries an operation that returns a *goorderr.RetryableError,
// backing off exponentially unless the error specifies an exact retry time.
type Retryer struct {
	logger *zap.Logger

	defTimeout                 time.Duration
	backoffInitialInterval     time.Duration
	backoffRandomizationFactor float64

	shutdownChan chan struct{}
	closeOnce    sync.Once
}

type Option func(*Retryer)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Retryer) { r.logger = logger }
}

func WithTimeout(d time.Duration) Option {
	return func(r *Retryer) { r.defTimeout = d }
}

func WithBackoffInitialInterval(d time.Duration) Option {
	return func(r *Retryer) { r.backoffInitialInterval = d }
}

func WithBackoffRandomizationFactor(f float64) Option {
	return func(r *Retryer) { r.backoffRandomizationFactor = f }
}

func NewRetryer(opts ...Option) *Retryer {
	r := &Retryer{
		logger:                     zap.L(),
		defTimeout:                 defTimeout,
		backoffInitialInterval:     defBackoffInitialInterval,
		backoffRandomizationFactor: defBackoffRandomizationFactor,
		shutdownChan:               make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Retryer) newBackoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.backoffInitialInterval
	bo.RandomizationFactor = r.backoffRandomizationFactor
	bo.Multiplier = defBackoffMultiplier
	bo.MaxInterval = defBackoffMaxInterval
	bo.MaxElapsedTime = 0 // we enforce the timeout ourselves via defTimeout

	return bo
}

// Run calls fn until it returns nil or a non-retryable error. If fn returns
// a *goorderr.RetryableError with After set, Run sleeps until that time
// instead of backing off. logF is attached to every retry log line.
func (r *Retryer) Run(ctx context.Context, fn func() error, logF []zap.Field) error {
	bo := r.newBackoff()

	timeout := time.NewTimer(r.defTimeout)
	defer timeout.Stop()

	for {
		err := fn()
		if err == nil {
			return nil
		}

		var retryErr *goorderr.RetryableError
		if !errors.As(err, &retryErr) {
			return err
		}

		var wait time.Duration
		if !retryErr.After.IsZero() {
			wait = time.Until(retryErr.After)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = bo.NextBackOff()
		}

		r.logger.Debug(
			"operation failed, retrying",
			append(append([]zap.Field{}, logF...), zap.Error(err), zap.Duration("retry_wait", wait))...,
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()

		case <-timeout.C:
			timer.Stop()
			return fmt.Errorf("retryer: giving up after %s: %w", r.defTimeout, err)

		case <-r.shutdownChan:
			timer.Stop()
			return fmt.Errorf("retryer: shutting down: %w", err)

		case <-timer.C:
		}
	}
}

// Stop unblocks any in-flight Run call. It is safe to call multiple times.
func (r *Retryer) Stop() {
	r.closeOnce.Do(func() { close(r.shutdownChan) })
}
