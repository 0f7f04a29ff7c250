package ratelimit

import (
	"sync"
	"testing"
	"time"

	"hearthsync/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

func TestUploadLimiterBurstThenRefill(t *testing.T) {
	l := NewUploadLimiter(config.RateLimitConfig{RefillPerSecond: 0.5, Burst: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Check("user-1", t0).Allowed, "burst token %d", i)
	}

	d := l.Check("user-1", t0)
	require.False(t, d.Allowed)
	assert.Equal(t, 2*time.Second, d.RetryAfter)
	assert.Equal(t, 2, d.RetryAfterSeconds())

	// a denial must not eat into the next token
	d = l.Check("user-1", t0.Add(time.Second))
	require.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	assert.True(t, l.Check("user-1", t0.Add(2*time.Second)).Allowed)
	assert.False(t, l.Check("user-1", t0.Add(2*time.Second)).Allowed)
}

func TestUploadLimiterSubjectsAreIndependent(t *testing.T) {
	l := NewUploadLimiter(config.RateLimitConfig{RefillPerSecond: 1, Burst: 1})

	assert.True(t, l.Check("a", t0).Allowed)
	assert.False(t, l.Check("a", t0).Allowed)
	assert.True(t, l.Check("b", t0).Allowed)

	l.Forget("a")
	assert.True(t, l.Check("a", t0).Allowed)
}

func TestUploadLimiterDefaults(t *testing.T) {
	l := NewUploadLimiter(config.RateLimitConfig{})
	allowed := 0
	for i := 0; i < 10; i++ {
		if l.Check("s", t0).Allowed {
			allowed++
		}
	}
	assert.Equal(t, 5, allowed)

	d := l.Check("s", t0)
	assert.Equal(t, 5*time.Second, d.RetryAfter)
}

func TestUploadLimiterConcurrent(t *testing.T) {
	l := NewUploadLimiter(config.RateLimitConfig{RefillPerSecond: 1, Burst: 10})

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check("shared", t0).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, allowed)
}
