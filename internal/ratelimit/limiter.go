package ratelimit

import (
	"sync"
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/models"

	"golang.org/x/time/rate"
)

// UploadLimiter is a token bucket per subject. Denied checks do not consume tokens.
type UploadLimiter struct {
	limiters sync.Map
	refill   rate.Limit
	burst    int
}

func NewUploadLimiter(cfg config.RateLimitConfig) *UploadLimiter {
	refill := cfg.RefillPerSecond
	if refill <= 0 {
		refill = models.DefaultUploadRefill
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = models.DefaultUploadBurst
	}
	return &UploadLimiter{refill: rate.Limit(refill), burst: burst}
}

func (l *UploadLimiter) getLimiter(subjectID string) *rate.Limiter {
	if v, ok := l.limiters.Load(subjectID); ok {
		if lim, ok := v.(*rate.Limiter); ok {
			return lim
		}
	}

	lim := rate.NewLimiter(l.refill, l.burst)
	actual, loaded := l.limiters.LoadOrStore(subjectID, lim)
	if loaded {
		if actualLim, ok := actual.(*rate.Limiter); ok {
			return actualLim
		}
	}
	return lim
}

// Check takes one token for subjectID at now, or reports how long to wait.
func (l *UploadLimiter) Check(subjectID string, now time.Time) models.RateDecision {
	lim := l.getLimiter(subjectID)
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return models.RateDecision{Allowed: false, RetryAfter: time.Duration(float64(time.Second) / float64(l.refill))}
	}
	delay := r.DelayFrom(now)
	if delay == 0 {
		return models.RateDecision{Allowed: true}
	}
	r.CancelAt(now)
	return models.RateDecision{Allowed: false, RetryAfter: delay}
}

// Forget drops the bucket of subjectID, e.g. when an account signs out.
func (l *UploadLimiter) Forget(subjectID string) {
	l.limiters.Delete(subjectID)
}
