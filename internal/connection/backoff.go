package connection

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// reconnectSchedule hands out the delays for consecutive reconnection
// attempts: base, 2*base, 4*base, ... for at most maxAttempts attempts.
type reconnectSchedule struct {
	policy      *backoff.ExponentialBackOff
	maxAttempts int
	attempts    int
}

func newReconnectSchedule(base time.Duration, maxAttempts int) *reconnectSchedule {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = base << maxAttempts
	policy.Reset()

	return &reconnectSchedule{
		policy:      policy,
		maxAttempts: maxAttempts,
	}
}

// next returns the delay before the following attempt and its 1-based number.
// ok is false once the budget is spent.
func (s *reconnectSchedule) next() (delay time.Duration, attempt int, ok bool) {
	if s.attempts >= s.maxAttempts {
		return 0, s.attempts, false
	}
	delay = s.policy.NextBackOff()
	s.attempts++
	return delay, s.attempts, true
}

func (s *reconnectSchedule) reset() {
	s.attempts = 0
	s.policy.Reset()
}
