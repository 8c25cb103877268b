package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func fastRetry() Option {
	return WithBackOff(func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) })
}

func TestWorkerRestartsAfterFailure(t *testing.T) {
	var calls atomic.Int32
	w := NewWorker("relay", func(ctx context.Context) error {
		if calls.Add(1) <= 2 {
			return errors.New("subscribe failed")
		}
		<-ctx.Done()
		return nil
	}, zap.NewNop(), fastRetry())

	assert.ErrorIs(t, w.Check(context.Background()), ErrNotRunning)
	require.NoError(t, w.Start(context.Background()))
	require.NoError(t, w.Start(context.Background()))

	require.Eventually(t, func() bool {
		return calls.Load() == 3 && w.Check(context.Background()) == nil
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, 3, w.Runs())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Stop(ctx))
	assert.ErrorIs(t, w.Check(context.Background()), ErrNotRunning)
	assert.Equal(t, "relay", w.Name())
}

func TestWorkerGivesUpWhenPolicyStops(t *testing.T) {
	var calls atomic.Int32
	w := NewWorker("flaky", func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	}, zap.NewNop(), WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 2)
	}))

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool {
		return errors.Is(w.Check(context.Background()), ErrNotRunning)
	}, 2*time.Second, time.Millisecond)
	assert.EqualValues(t, 3, calls.Load())
}

func TestStopTimesOut(t *testing.T) {
	release := make(chan struct{})
	w := NewWorker("stuck", func(context.Context) error {
		<-release
		return nil
	}, zap.NewNop())
	require.NoError(t, w.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, w.Stop(ctx), context.DeadlineExceeded)
	close(release)
}

func TestStopBeforeStart(t *testing.T) {
	w := NewWorker("idle", func(context.Context) error { return nil }, zap.NewNop())
	assert.NoError(t, w.Stop(context.Background()))
}
