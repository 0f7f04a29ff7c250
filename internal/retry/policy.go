package retry

import (
	"math"
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/models"
)

// Policy defines exponential backoff parameters and the attempt cap.
type Policy struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// FromConfig builds a policy from the queue section.
func FromConfig(cfg config.QueueConfig) Policy {
	return Policy{
		MaxAttempts:   cfg.MaxAttempts,
		InitialDelay:  cfg.InitialDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   models.DefaultMaxAttempts,
		InitialDelay:  models.DefaultInitialDelay,
		MaxDelay:      models.DefaultMaxDelay,
		BackoffFactor: models.DefaultBackoffFactor,
	}
}

// NextDelay returns the wait after the given number of failed attempts (1-based),
// clamped to MaxDelay. The result never decreases as attempt grows.
func (p Policy) NextDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	initial := p.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	factor := p.BackoffFactor
	if factor < 1 {
		factor = 2
	}

	delay := float64(initial) * math.Pow(factor, float64(attempt-1))
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay > math.MaxInt64 || math.IsInf(delay, 0) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}

// Exhausted reports whether attempts has reached the cap.
func (p Policy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// EligibleAt is the earliest time w may be transmitted again.
func (p Policy) EligibleAt(w *models.QueuedWrite) time.Time {
	if w.AttemptCount == 0 || w.LastAttemptAt == nil {
		return time.Time{}
	}
	return w.LastAttemptAt.Add(p.NextDelay(w.AttemptCount))
}

// Eligible reports whether an active entry's backoff has elapsed.
func (p Policy) Eligible(w *models.QueuedWrite, now time.Time) bool {
	if !w.Status.Active() {
		return false
	}
	return !p.EligibleAt(w).After(now)
}
