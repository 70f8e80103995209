package retryer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/silverleaf-dev/automerge/internal/goorderr"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunSucceedsWithoutRetry(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithLogger(zap.L()))

	calls := 0
	err := r.Run(context.Background(), func() error {
		calls++
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestRunReturnsNonRetryableErrImmediately(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithLogger(zap.L()))
	wantErr := errors.New("permanent")

	calls := 0
	err := r.Run(context.Background(), func() error {
		calls++
		return wantErr
	}, nil)

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)
}

func TestRunRetriesUntilSuccess(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(
		WithLogger(zap.L()),
		WithBackoffInitialInterval(time.Millisecond),
		WithBackoffRandomizationFactor(0),
	)

	calls := 0
	err := r.Run(context.Background(), func() error {
		calls++
		if calls < 3 {
			return goorderr.NewRetryableAnytimeError(errors.New("transient"))
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRunHonorsRetryAfter(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(WithLogger(zap.L()))

	after := time.Now().Add(20 * time.Millisecond)
	calls := 0
	start := time.Now()
	err := r.Run(context.Background(), func() error {
		calls++
		if calls < 2 {
			return goorderr.NewRetryableError(errors.New("transient"), after)
		}
		return nil
	}, nil)

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestRunAbortsOnContextCancel(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(
		WithLogger(zap.L()),
		WithBackoffInitialInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(ctx, func() error {
			return goorderr.NewRetryableAnytimeError(errors.New("transient"))
		}, nil)
	}()

	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunAbortsOnStop(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(
		WithLogger(zap.L()),
		WithBackoffInitialInterval(time.Hour),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- r.Run(context.Background(), func() error {
			return goorderr.NewRetryableAnytimeError(errors.New("transient"))
		}, nil)
	}()

	r.Stop()

	select {
	case err := <-errCh:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunRespectsTimeout(t *testing.T) {
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	r := NewRetryer(
		WithLogger(zap.L()),
		WithTimeout(10*time.Millisecond),
		WithBackoffInitialInterval(time.Hour),
	)

	err := r.Run(context.Background(), func() error {
		return goorderr.NewRetryableAnytimeError(errors.New("transient"))
	}, nil)

	require.Error(t, err)
}
