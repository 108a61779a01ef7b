package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-mesh/memory-mesh/pkg/faults"
)

var errUpstream = faults.New(faults.KindRetryableTransport, "upstream 503")

func fastBreaker(t *testing.T) *Breaker {
	t.Helper()
	return NewBreaker("test-dep", BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenDuration:     50 * time.Millisecond,
	}, nil)
}

func failCalls(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return errUpstream })
		require.Error(t, err)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := fastBreaker(t)

	failCalls(t, b, 4)
	assert.Equal(t, "closed", b.State(), "four failures stay under the threshold")

	failCalls(t, b, 1)
	assert.Equal(t, "open", b.State())
}

func TestBreakerRejectsWithoutInvoking(t *testing.T) {
	b := fastBreaker(t)
	failCalls(t, b, 5)

	invoked := false
	err := b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	require.Error(t, err)
	assert.False(t, invoked, "open breaker must not invoke the function")
	assert.Equal(t, faults.KindRetryableTransport, faults.KindOf(err))

	after, ok := faults.RetryAfter(err)
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, after)

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Rejections)
	assert.Equal(t, int64(5), snap.Failures)
}

func TestBreakerHalfOpenCloses(t *testing.T) {
	b := fastBreaker(t)
	failCalls(t, b, 5)
	require.Equal(t, "open", b.State())

	time.Sleep(70 * time.Millisecond)

	for i := 0; i < 2; i++ {
		err := b.Do(context.Background(), func(context.Context) error { return nil })
		require.NoError(t, err)
	}
	assert.Equal(t, "closed", b.State(), "two half-open successes close the breaker")
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := fastBreaker(t)
	failCalls(t, b, 5)
	time.Sleep(70 * time.Millisecond)

	failCalls(t, b, 1)
	assert.Equal(t, "open", b.State())

	invoked := false
	_ = b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	})
	assert.False(t, invoked)
}

func TestBreakerIgnoresCapacityPushback(t *testing.T) {
	b := fastBreaker(t)
	for i := 0; i < 10; i++ {
		err := b.Do(context.Background(), func(context.Context) error {
			return faults.WithRetryAfter("queue full", time.Second)
		})
		require.Error(t, err)
	}
	assert.Equal(t, "closed", b.State(), "capacity pushback must not trip the breaker")

	invoked := false
	require.NoError(t, b.Do(context.Background(), func(context.Context) error {
		invoked = true
		return nil
	}))
	assert.True(t, invoked)
}

func TestBreakerCountsTimeouts(t *testing.T) {
	b := fastBreaker(t)
	err := b.Do(context.Background(), func(context.Context) error {
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Timeouts)
	assert.Equal(t, int64(0), snap.Failures, "timeouts are tracked separately")
}

func TestBreakerTimeoutsTrip(t *testing.T) {
	b := fastBreaker(t)
	for i := 0; i < 5; i++ {
		_ = b.Do(context.Background(), func(context.Context) error {
			return context.DeadlineExceeded
		})
	}
	assert.Equal(t, "open", b.State(), "timeouts count as failures for tripping")
}

func TestBreakerSnapshotSuccesses(t *testing.T) {
	b := fastBreaker(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, b.Do(context.Background(), func(context.Context) error { return nil }))
	}

	snap := b.Snapshot()
	assert.Equal(t, "test-dep", snap.Name)
	assert.Equal(t, "closed", snap.State)
	assert.Equal(t, int64(3), snap.Successes)
}

func TestRegistryReturnsSameBreaker(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig(), nil)
	first := r.Get("s3")
	second := r.Get("s3")
	assert.Same(t, first, second)
}

func TestRegistrySnapshotsSorted(t *testing.T) {
	r := NewRegistry(DefaultBreakerConfig(), nil)
	r.Get("webhook")
	r.Get("redis")
	r.Get("s3")

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	assert.Equal(t, "redis", snaps[0].Name)
	assert.Equal(t, "s3", snaps[1].Name)
	assert.Equal(t, "webhook", snaps[2].Name)
}

func TestDefaultsApplied(t *testing.T) {
	cfg := BreakerConfig{}.withDefaults()
	assert.Equal(t, uint32(5), cfg.FailureThreshold)
	assert.Equal(t, uint32(2), cfg.SuccessThreshold)
	assert.Equal(t, 60*time.Second, cfg.OpenDuration)
}

func fastRetry() RetryConfig {
	return RetryConfig{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
		Jitter:          0.2,
		MaxAttempts:     5,
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		if attempts < 3 {
			return errUpstream
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	bad := faults.New(faults.KindValidation, "malformed manifest")
	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		return bad
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "validation errors are never retried")
	assert.Equal(t, faults.KindValidation, faults.KindOf(err))
}

func TestRetryExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetry(), func() error {
		attempts++
		return errUpstream
	})
	require.Error(t, err)
	assert.Equal(t, 5, attempts)
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	err := Retry(ctx, fastRetry(), func() error {
		attempts++
		cancel()
		return errUpstream
	})
	require.Error(t, err)
	assert.LessOrEqual(t, attempts, 2, "cancellation stops the schedule")
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetry(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errUpstream
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestDoWithRetryCountsOneBreakerFailure(t *testing.T) {
	b := fastBreaker(t)
	attempts := 0
	err := b.DoWithRetry(context.Background(), fastRetry(), func(context.Context) error {
		attempts++
		return errUpstream
	})
	require.Error(t, err)
	assert.Equal(t, 5, attempts, "the retry schedule runs inside the breaker")

	snap := b.Snapshot()
	assert.Equal(t, int64(1), snap.Failures, "one exhausted sequence is one breaker failure")
	assert.Equal(t, "closed", b.State())
}

func TestDoWithRetryRejectedWhenOpen(t *testing.T) {
	b := fastBreaker(t)
	failCalls(t, b, 5)

	attempts := 0
	err := b.DoWithRetry(context.Background(), fastRetry(), func(context.Context) error {
		attempts++
		return nil
	})
	require.Error(t, err)
	assert.Equal(t, 0, attempts)
}

func TestRetryUnwrapsPermanent(t *testing.T) {
	sentinel := errors.New("boom")
	wrapped := faults.Wrap(faults.KindTerminalTransport, "fetch object", sentinel)
	err := Retry(context.Background(), fastRetry(), func() error { return wrapped })
	assert.ErrorIs(t, err, sentinel)
}
