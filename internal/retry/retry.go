// Package retry bounds retries of transient (brokererr.KindUnavailable)
// failures behind a token-bucket limiter, so a flaky vector backend or
// database connection can't be hammered by an unbounded retry loop.
// Grounded on the teacher's internal/daemon/rate_limiter.go, which
// wrapped x/time/rate per sync peer for inbound admission control;
// adapted here into a single-resource outbound retry bound since this
// design has no peer-keyed transport to admit requests from.
package retry

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/claude-slack/broker/internal/brokererr"
)

// DefaultMaxAttempts bounds how many times Do calls fn, the first
// attempt included.
const DefaultMaxAttempts = 3

// Limiter bounds the rate of retry attempts against one resource (the
// vector index, the relational pool) so repeated failures back off
// instead of busy-looping.
type Limiter struct {
	rl          *rate.Limiter
	maxAttempts int
}

// New creates a Limiter allowing ratePerSecond retry attempts with the
// given burst, capped at maxAttempts per Do call. maxAttempts <= 0 uses
// DefaultMaxAttempts.
func New(ratePerSecond float64, burst, maxAttempts int) *Limiter {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSecond), burst), maxAttempts: maxAttempts}
}

// Do calls fn, retrying while it returns a brokererr.KindUnavailable
// error, waiting on the token bucket between attempts. Any other error
// (including a non-broker error) is returned immediately without retry.
// Returns the last error once maxAttempts is exhausted.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < l.maxAttempts; attempt++ {
		if attempt > 0 {
			if waitErr := l.rl.Wait(ctx); waitErr != nil {
				return waitErr
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !brokererr.Is(err, brokererr.KindUnavailable) {
			return err
		}
	}
	return err
}
