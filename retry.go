package golem

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/golemcloud/golem-core/oplog"
)

// RetryPolicy governs how trappable execution failures are retried:
// exponential delays with a multiplier, clamped to [MinDelay, MaxDelay], with
// a jitter factor, for at most MaxAttempts attempts.
type RetryPolicy struct {
	MaxAttempts uint32        `json:"maxAttempts" yaml:"max_attempts"`
	MinDelay    time.Duration `json:"minDelay" yaml:"min_delay"`
	MaxDelay    time.Duration `json:"maxDelay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	Jitter      float64       `json:"jitter" yaml:"jitter"`
}

// DefaultRetryPolicy mirrors the platform default.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		Jitter:      0.15,
	}
}

// Delay computes the backoff before the given 1-based attempt.
func (p RetryPolicy) Delay(attempt uint32) time.Duration {
	d := float64(p.MinDelay)
	for i := uint32(1); i < attempt; i++ {
		d *= p.Multiplier
		if d >= float64(p.MaxDelay) {
			d = float64(p.MaxDelay)
			break
		}
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		d = 0
	}
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	return time.Duration(d)
}

// BackOff adapts the policy for callers driving retries through
// backoff.Retry.
func (p RetryPolicy) BackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.MinDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	if p.MaxAttempts == 0 {
		return b
	}
	return backoff.WithMaxRetries(b, uint64(p.MaxAttempts)-1)
}

// retryPolicyFromEntry builds the policy recorded in a ChangeRetryPolicy entry.
func retryPolicyFromEntry(e oplog.ChangeRetryPolicy) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: e.MaxAttempts,
		MinDelay:    e.MinDelay,
		MaxDelay:    e.MaxDelay,
		Multiplier:  e.Multiplier,
		Jitter:      e.Jitter,
	}
}

func (p RetryPolicy) toEntry() oplog.ChangeRetryPolicy {
	return oplog.ChangeRetryPolicy{
		MaxAttempts: p.MaxAttempts,
		MinDelay:    p.MinDelay,
		MaxDelay:    p.MaxDelay,
		Multiplier:  p.Multiplier,
		Jitter:      p.Jitter,
	}
}
