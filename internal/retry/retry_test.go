package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagecache/internal/cacheerr"
	"imagecache/internal/netmonitor"
)

func responseErr() error {
	return &cacheerr.ResponseError{Kind: cacheerr.InvalidHTTPStatusCode, StatusCode: 503}
}

func TestDelayStrategyStopsAtMaxRetryCount(t *testing.T) {
	s := &DelayStrategy{MaxRetryCount: 2, Interval: ConstantInterval(0)}

	rc := Context{Err: responseErr()}
	attempts := 0
	for {
		outcome, err := s.Decide(context.Background(), rc)
		require.NoError(t, err)
		if outcome.Decision == Stop {
			break
		}
		attempts++
		rc.RetriedCount++
		if attempts > 10 {
			t.Fatal("strategy never stopped")
		}
	}
	assert.Equal(t, 2, attempts, "max=2 should allow exactly 2 retries (3 total attempts)")
}

func TestDelayStrategyStopsOnTaskCancelled(t *testing.T) {
	s := &DelayStrategy{MaxRetryCount: 5, Interval: ConstantInterval(0)}
	rc := Context{Err: &cacheerr.RequestError{Kind: cacheerr.TaskCancelled}}

	outcome, err := s.Decide(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, Stop, outcome.Decision)
}

func TestDelayStrategyStopsOnNonResponseError(t *testing.T) {
	s := &DelayStrategy{MaxRetryCount: 5, Interval: ConstantInterval(0)}
	rc := Context{Err: &cacheerr.CacheError{Kind: cacheerr.DiskStorageIsNotReady}}

	outcome, err := s.Decide(context.Background(), rc)
	require.NoError(t, err)
	assert.Equal(t, Stop, outcome.Decision)
}

func TestCustomIntervalScheduleHonored(t *testing.T) {
	var got []time.Duration
	custom := CustomInterval(func(n int) time.Duration {
		d := time.Duration(n+1) * 10 * time.Millisecond
		got = append(got, d)
		return d
	})
	s := &DelayStrategy{MaxRetryCount: 3, Interval: custom}

	rc := Context{Err: responseErr()}
	for i := 0; i < 3; i++ {
		start := time.Now()
		outcome, err := s.Decide(context.Background(), rc)
		require.NoError(t, err)
		require.Equal(t, Retry, outcome.Decision)
		elapsed := time.Since(start)
		assert.InDelta(t, got[i].Seconds(), elapsed.Seconds(), 0.03)
		rc.RetriedCount++
	}
}

func TestDelayStrategyCancellationStopsImmediately(t *testing.T) {
	s := &DelayStrategy{MaxRetryCount: 5, Interval: ConstantInterval(time.Hour)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := s.Decide(ctx, Context{Err: responseErr()})
	assert.Error(t, err)
	assert.Equal(t, Stop, outcome.Decision)
}

func TestNetworkAvailabilityRetriesOrStopsWithinTimeout(t *testing.T) {
	mon := netmonitor.New(time.Hour, nil)
	defer mon.Close()

	// A bounded Timeout guarantees Decide returns even on a host with no
	// reachable interface, exercising spec.md §4.7's "optional timeout"
	// branch without depending on the sandbox's actual connectivity.
	s := &NetworkAvailabilityStrategy{Monitor: mon, Timeout: 50 * time.Millisecond}
	outcome, err := s.Decide(context.Background(), Context{Err: responseErr()})
	require.NoError(t, err)
	assert.Contains(t, []Decision{Stop, Retry}, outcome.Decision)
}

func TestNetworkAvailabilityStopsOnNonRetriableError(t *testing.T) {
	mon := netmonitor.New(time.Hour, nil)
	defer mon.Close()

	s := &NetworkAvailabilityStrategy{Monitor: mon}
	outcome, err := s.Decide(context.Background(), Context{Err: &cacheerr.RequestError{Kind: cacheerr.TaskCancelled}})
	require.NoError(t, err)
	assert.Equal(t, Stop, outcome.Decision)
}

func TestNoRetryAlwaysStops(t *testing.T) {
	outcome, err := (NoRetry{}).Decide(context.Background(), Context{Err: responseErr()})
	require.NoError(t, err)
	assert.Equal(t, Stop, outcome.Decision)
}
