package router

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(2, time.Minute).WithClock(func() time.Time { return now })

	assert.True(t, l.Allow("u1", "travel"))
	assert.True(t, l.Allow("u1", "travel"))
	assert.False(t, l.Allow("u1", "travel"))

	// Window slides: the first stamp falls out after a minute.
	now = now.Add(61 * time.Second)
	assert.True(t, l.Allow("u1", "travel"))
}

func TestRateLimiter_KeyedPerUserAndCapability(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)

	assert.True(t, l.Allow("u1", "travel"))
	assert.True(t, l.Allow("u2", "travel"))
	assert.True(t, l.Allow("u1", "payments"))
	assert.False(t, l.Allow("u1", "travel"))
}

func TestRateLimiter_DeniedAttemptsDoNotConsumeSlots(t *testing.T) {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter(1, time.Minute).WithClock(func() time.Time { return now })

	assert.True(t, l.Allow("u1", "travel"))

	now = now.Add(30 * time.Second)
	assert.False(t, l.Allow("u1", "travel"))

	// Only the accepted call occupies the window; once it slides out the
	// denied attempt from 30s ago must not still count.
	now = now.Add(31 * time.Second)
	assert.True(t, l.Allow("u1", "travel"))
}

func TestRateLimiter_Disabled(t *testing.T) {
	l := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("u1", "travel"))
	}
}
