package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// clock is an adjustable time source for limiter tests.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestClock() *clock {
	return &clock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
}

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ck := newTestClock()
	rl := NewRateLimiter(3, time.Second)
	rl.now = ck.now

	for i := 0; i < 3; i++ {
		res := rl.Consume("ip1")
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	// 4th inside the window is denied with retryAfter 1
	res := rl.Consume("ip1")
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.RetryAfter)

	// a different key has its own bucket
	assert.True(t, rl.Consume("ip2").Allowed)

	// after the window slides past the oldest entry, one slot opens
	ck.advance(1001 * time.Millisecond)
	assert.True(t, rl.Consume("ip1").Allowed)
}

func TestRateLimiter_RetryAfterRoundsUp(t *testing.T) {
	ck := newTestClock()
	rl := NewRateLimiter(1, 10*time.Second)
	rl.now = ck.now

	assert.True(t, rl.Consume("k").Allowed)
	ck.advance(9500 * time.Millisecond)
	res := rl.Consume("k")
	assert.False(t, res.Allowed)
	assert.Equal(t, 1, res.RetryAfter, "500ms remaining rounds up to 1s")
}

func TestRateLimiter_PerCallOverride(t *testing.T) {
	ck := newTestClock()
	rl := NewRateLimiter(100, time.Minute)
	rl.now = ck.now

	assert.True(t, rl.ConsumeWith("tok", 1, 1000).Allowed)
	assert.False(t, rl.ConsumeWith("tok", 1, 1000).Allowed)
}

func TestRateLimiter_Sweep(t *testing.T) {
	ck := newTestClock()
	rl := NewRateLimiter(5, time.Second)
	rl.now = ck.now

	rl.Consume("a")
	rl.Consume("b")
	assert.Len(t, rl.buckets, 2)

	ck.advance(3 * time.Second)
	rl.Consume("b") // keeps b fresh
	rl.Sweep()
	assert.Len(t, rl.buckets, 1)
	_, hasB := rl.buckets["b"]
	assert.True(t, hasB)
}

func TestRateLimitChain_Order(t *testing.T) {
	chain := NewRateLimitChain(RateLimitConfig{
		Global: RateLimitWindow{Enabled: true, Max: 100, WindowMs: 60000},
		IP:     RateLimitWindow{Enabled: true, Max: 2, WindowMs: 60000},
		Token:  RateLimitWindow{Enabled: true, Max: 100, WindowMs: 60000},
	})

	assert.True(t, chain.Check("1.2.3.4", "tok", nil).Allowed)
	assert.True(t, chain.Check("1.2.3.4", "tok", nil).Allowed)

	d := chain.Check("1.2.3.4", "tok", nil)
	assert.False(t, d.Allowed)
	assert.Equal(t, "ip", d.LimitType)
	assert.Equal(t, 2, d.Limit)
	assert.GreaterOrEqual(t, d.RetryAfter, 1)

	// other IPs unaffected
	assert.True(t, chain.Check("5.6.7.8", "tok2", nil).Allowed)
}

func TestRateLimitChain_TokenOverride(t *testing.T) {
	chain := NewRateLimitChain(RateLimitConfig{
		Token: RateLimitWindow{Enabled: true, Max: 100, WindowMs: 60000},
	})
	override := &TokenRateLimit{MaxRequests: 1, WindowMs: 60000}

	assert.True(t, chain.Check("ip", "special", override).Allowed)
	d := chain.Check("ip", "special", override)
	assert.False(t, d.Allowed)
	assert.Equal(t, "token", d.LimitType)
	assert.Equal(t, 1, d.Limit, "the override's cap is reported, not the shared window's")
}

func TestRateLimitChain_DisabledWindowsPass(t *testing.T) {
	chain := NewRateLimitChain(RateLimitConfig{
		Global: RateLimitWindow{Enabled: false, Max: 0, WindowMs: 1000},
	})
	for i := 0; i < 10; i++ {
		assert.True(t, chain.Check("ip", "", nil).Allowed)
	}
}

func TestRateLimitChain_EmptyTokenSkipsTokenWindow(t *testing.T) {
	chain := NewRateLimitChain(RateLimitConfig{
		Token: RateLimitWindow{Enabled: true, Max: 1, WindowMs: 60000},
	})
	for i := 0; i < 5; i++ {
		assert.True(t, chain.Check("ip", "", nil).Allowed)
	}
}
