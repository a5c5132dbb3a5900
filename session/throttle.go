package session

import (
	"time"

	"github.com/mbocsi/glassbridge/clock"
	"golang.org/x/time/rate"
)

const DefaultVideoInterval = time.Second

// VideoThrottle passes at most one frame per interval and drops the rest.
// It is a bucket of capacity one: nothing is queued, so a burst after a quiet
// period still yields a single frame.
type VideoThrottle struct {
	limiter *rate.Limiter
	clock   clock.Clock
}

func NewVideoThrottle(interval time.Duration, clk clock.Clock) *VideoThrottle {
	if interval <= 0 {
		interval = DefaultVideoInterval
	}
	if clk == nil {
		clk = clock.Real()
	}
	return &VideoThrottle{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		clock:   clk,
	}
}

// Allow reports whether a frame arriving now should be sent.
func (v *VideoThrottle) Allow() bool {
	return v.limiter.AllowN(v.clock.Now(), 1)
}
