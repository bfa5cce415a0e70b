// Package retry implements C7: pluggable decisions about whether/when to
// retry a failed fetch. The two strategies named in spec.md §4.7 — bounded
// delay and network-availability — are adapted from the teacher's
// network.CongestionController (the exponential-backoff-flavored interval
// math) and its new dependency on internal/netmonitor for connectivity
// polling.
package retry

import (
	"context"
	"time"

	"imagecache/internal/cacheerr"
	"imagecache/internal/netmonitor"
)

// Decision is what a Strategy tells its caller to do next.
type Decision int

const (
	Stop Decision = iota
	Retry
)

// Context describes one failed attempt, mirroring spec.md §3's
// "RetryContext = (source, error, retried_count, opaque_user_info)".
type Context struct {
	Key          string
	Err          error
	RetriedCount int
	UserInfo     any
}

// Outcome is a Strategy's verdict.
type Outcome struct {
	Decision Decision
	UserInfo any
}

// Strategy decides, given a failed attempt, whether to retry. Decide may
// block (sleeping for a delay, or waiting on connectivity); cancelling ctx
// must make it return promptly.
type Strategy interface {
	Decide(ctx context.Context, rc Context) (Outcome, error)
}

// retriable reports whether rc.Err is eligible for any retry at all:
// task-cancellation and non-response errors never retry (spec.md §4.7).
func retriable(err error) bool {
	if cacheerr.IsTaskCancelled(err) {
		return false
	}
	re, ok := cacheerr.IsResponseError(err)
	if !ok {
		return false
	}
	return re.IsRetriable()
}

// IntervalPolicy computes the wait before the (retriedCount+1)-th attempt.
type IntervalPolicy interface {
	Interval(retriedCount int) time.Duration
}

type constantInterval time.Duration

func (c constantInterval) Interval(int) time.Duration { return time.Duration(c) }

// ConstantInterval waits the same fixed duration before every retry
// (spec.md glossary "seconds(t)").
func ConstantInterval(d time.Duration) IntervalPolicy { return constantInterval(d) }

type accumulatedInterval time.Duration

func (a accumulatedInterval) Interval(retriedCount int) time.Duration {
	return time.Duration(retriedCount+1) * time.Duration(a)
}

// AccumulatedInterval waits (retriedCount+1)*d, increasing linearly
// (spec.md glossary "accumulated(t)").
func AccumulatedInterval(d time.Duration) IntervalPolicy { return accumulatedInterval(d) }

// CustomInterval lets the caller supply an arbitrary fn(n) schedule
// (spec.md glossary "custom(fn(n))").
type CustomInterval func(retriedCount int) time.Duration

func (c CustomInterval) Interval(retriedCount int) time.Duration { return c(retriedCount) }

// DelayStrategy is the "Default delay strategy" from spec.md §4.7: bounded
// retry count, interval chosen by an IntervalPolicy.
type DelayStrategy struct {
	MaxRetryCount int
	Interval      IntervalPolicy
}

// Decide implements Strategy.
func (s *DelayStrategy) Decide(ctx context.Context, rc Context) (Outcome, error) {
	if !retriable(rc.Err) || rc.RetriedCount >= s.MaxRetryCount {
		return Outcome{Decision: Stop}, nil
	}

	var wait time.Duration
	if s.Interval != nil {
		wait = s.Interval.Interval(rc.RetriedCount)
	}
	if wait <= 0 {
		return Outcome{Decision: Retry}, nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return Outcome{Decision: Retry}, nil
	case <-ctx.Done():
		return Outcome{Decision: Stop}, ctx.Err()
	}
}

// NetworkAvailabilityStrategy is spec.md §4.7's "Network-availability
// strategy": immediate retry if already connected, else wait for
// reconnection (bounded by an optional Timeout), else stop.
type NetworkAvailabilityStrategy struct {
	Monitor *netmonitor.Monitor
	Timeout time.Duration // 0 = wait indefinitely
}

// Decide implements Strategy.
func (s *NetworkAvailabilityStrategy) Decide(ctx context.Context, rc Context) (Outcome, error) {
	if !retriable(rc.Err) {
		return Outcome{Decision: Stop}, nil
	}
	if s.Monitor.Available() {
		return Outcome{Decision: Retry}, nil
	}

	waitCtx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	if err := s.Monitor.WaitForAvailable(waitCtx); err != nil {
		return Outcome{Decision: Stop}, nil
	}
	return Outcome{Decision: Retry}, nil
}

// NoRetry always stops; the zero-value default when no strategy is
// configured.
type NoRetry struct{}

func (NoRetry) Decide(context.Context, Context) (Outcome, error) {
	return Outcome{Decision: Stop}, nil
}
