package scheduler

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy computes the delay before a job's next attempt after a
// transient failure: exponential growth with jitter, capped at Max, with at
// most MaxRetries backoff-driven attempts before the job falls back to its
// natural schedule.
type RetryPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	MaxRetries int
}

// Delay returns the backoff delay for the given attempt. Attempt 1 is the
// first retry after the initial failure. Jitter comes from the backoff
// randomization factor, so two jobs failing together do not retry together.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.MaxInterval = p.Max
	bo.Reset()

	d := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	if d > p.Max {
		d = p.Max
	}
	return d
}

// Exhausted reports whether an attempt number is past the retry budget.
// Attempts 1 through MaxRetries get a backoff slot.
func (p RetryPolicy) Exhausted(attempt int) bool {
	return attempt > p.MaxRetries
}
