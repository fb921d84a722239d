// Package typing propagates "is typing" liveness in both directions: it limits
// how often the local participant announces typing, and it tracks remote typists
// until their signal expires.
package typing

import (
	"time"

	"golang.org/x/time/rate"

	"github.com/kubilitics/ticketchat/internal/metrics"
)

const (
	// DefaultThrottle is the minimum spacing between outbound typing signals.
	DefaultThrottle = 2 * time.Second

	// DefaultExpiry is how long a remote participant stays typing after their last signal.
	DefaultExpiry = 3 * time.Second
)

// Throttle suppresses outbound typing signals sent closer together than its interval.
type Throttle struct {
	limiter *rate.Limiter
}

// NewThrottle creates a throttle allowing one signal per interval.
func NewThrottle(interval time.Duration) *Throttle {
	if interval <= 0 {
		interval = DefaultThrottle
	}
	return &Throttle{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

// Allow reports whether a typing signal may be sent now and consumes the slot if so.
func (t *Throttle) Allow() bool {
	if t.limiter.Allow() {
		metrics.TypingSignals.WithLabelValues("sent").Inc()
		return true
	}
	metrics.TypingSignals.WithLabelValues("suppressed").Inc()
	return false
}
