// Grounded on project-tachyon's internal/network/bandwidth.go BandwidthManager:
// a zero-overhead-when-disabled global rate limiter shared across every
// concurrent segment, built on golang.org/x/time/rate.
package fetcher

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// SpeedLimiter caps the aggregate bytes/sec every segment across every task
// may consume. A limit of 0 disables it entirely on the fast path.
type SpeedLimiter struct {
	limiter *rate.Limiter
	enabled atomic.Bool
}

// NewSpeedLimiter builds a limiter from global_speed_limit_bps; 0 means
// unlimited.
func NewSpeedLimiter(bytesPerSec int64) *SpeedLimiter {
	sl := &SpeedLimiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	if bytesPerSec > 0 {
		sl.enabled.Store(true)
		sl.limiter.SetLimit(rate.Limit(bytesPerSec))
		sl.limiter.SetBurst(int(bytesPerSec))
	}
	return sl
}

// WaitN blocks until n bytes may be consumed under the global cap, or
// returns early if ctx is cancelled.
func (sl *SpeedLimiter) WaitN(ctx context.Context, n int) error {
	if !sl.enabled.Load() {
		return nil
	}
	return sl.limiter.WaitN(ctx, n)
}

// SetLimit updates the cap at runtime (a config reload path); 0 disables it.
func (sl *SpeedLimiter) SetLimit(bytesPerSec int64) {
	if bytesPerSec <= 0 {
		sl.enabled.Store(false)
		sl.limiter.SetLimit(rate.Inf)
		return
	}
	sl.enabled.Store(true)
	sl.limiter.SetLimit(rate.Limit(bytesPerSec))
	sl.limiter.SetBurst(int(bytesPerSec))
}
