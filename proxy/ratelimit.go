package proxy

import (
	"sync"
	"time"
)

const rateLimitSweepInterval = 5 * time.Minute

// RateLimitResult is the outcome of one consume call.
type RateLimitResult struct {
	Allowed    bool
	Remaining  int
	RetryAfter int // seconds, only set when denied
}

// RateLimiter is a sliding-window counter keyed by an arbitrary string
// (the global key, a client IP or a token). Timestamps older than the
// window are dropped on every consume.
type RateLimiter struct {
	mu          sync.Mutex
	windowMs    int64
	maxRequests int
	buckets     map[string][]int64 // unix millis within the window
	lastSeen    map[string]int64
	now         func() time.Time
}

func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		windowMs:    window.Milliseconds(),
		maxRequests: maxRequests,
		buckets:     make(map[string][]int64),
		lastSeen:    make(map[string]int64),
		now:         time.Now,
	}
}

// Consume applies the limiter's own window and cap.
func (rl *RateLimiter) Consume(key string) RateLimitResult {
	return rl.ConsumeWith(key, rl.maxRequests, rl.windowMs)
}

// ConsumeWith applies a per-call cap and window, used for per-token
// overrides sharing the same bucket space.
func (rl *RateLimiter) ConsumeWith(key string, maxRequests int, windowMs int64) RateLimitResult {
	nowMs := rl.now().UnixMilli()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	bucket := rl.buckets[key]
	cut := 0
	for cut < len(bucket) && bucket[cut] <= nowMs-windowMs {
		cut++
	}
	bucket = bucket[cut:]

	rl.lastSeen[key] = nowMs

	if len(bucket) >= maxRequests {
		rl.buckets[key] = bucket
		retryMs := bucket[0] + windowMs - nowMs
		retryAfter := int((retryMs + 999) / 1000)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return RateLimitResult{Allowed: false, RetryAfter: retryAfter}
	}

	bucket = append(bucket, nowMs)
	rl.buckets[key] = bucket
	return RateLimitResult{Allowed: true, Remaining: maxRequests - len(bucket)}
}

// Sweep drops buckets idle for more than twice the window.
func (rl *RateLimiter) Sweep() {
	nowMs := rl.now().UnixMilli()

	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key, last := range rl.lastSeen {
		if nowMs-last > 2*rl.windowMs {
			delete(rl.buckets, key)
			delete(rl.lastSeen, key)
		}
	}
}

// RateLimitChain runs the three windows in order global, ip, token; the
// first denial wins and names its window.
type RateLimitChain struct {
	Global *RateLimiter
	PerIP  *RateLimiter
	Token  *RateLimiter

	GlobalEnabled bool
	IPEnabled     bool
	TokenEnabled  bool

	stop chan struct{}
	once sync.Once
}

type RateLimitDecision struct {
	Allowed    bool
	LimitType  string // "global", "ip" or "token"
	Limit      int    // cap of the denying window
	RetryAfter int
}

func NewRateLimitChain(cfg RateLimitConfig) *RateLimitChain {
	return &RateLimitChain{
		Global:        NewRateLimiter(cfg.Global.Max, time.Duration(cfg.Global.WindowMs)*time.Millisecond),
		PerIP:         NewRateLimiter(cfg.IP.Max, time.Duration(cfg.IP.WindowMs)*time.Millisecond),
		Token:         NewRateLimiter(cfg.Token.Max, time.Duration(cfg.Token.WindowMs)*time.Millisecond),
		GlobalEnabled: cfg.Global.Enabled,
		IPEnabled:     cfg.IP.Enabled,
		TokenEnabled:  cfg.Token.Enabled,
		stop:          make(chan struct{}),
	}
}

// Check consumes from each enabled window. tokenKey may be empty when the
// request carries no bearer; override applies the token's own limits.
func (c *RateLimitChain) Check(ip, tokenKey string, override *TokenRateLimit) RateLimitDecision {
	if c.GlobalEnabled {
		if res := c.Global.Consume("global"); !res.Allowed {
			return RateLimitDecision{LimitType: "global", Limit: c.Global.maxRequests, RetryAfter: res.RetryAfter}
		}
	}
	if c.IPEnabled && ip != "" {
		if res := c.PerIP.Consume(ip); !res.Allowed {
			return RateLimitDecision{LimitType: "ip", Limit: c.PerIP.maxRequests, RetryAfter: res.RetryAfter}
		}
	}
	if c.TokenEnabled && tokenKey != "" {
		res := RateLimitResult{}
		limit := c.Token.maxRequests
		if override != nil && override.MaxRequests > 0 && override.WindowMs > 0 {
			limit = override.MaxRequests
			res = c.Token.ConsumeWith(tokenKey, override.MaxRequests, override.WindowMs)
		} else {
			res = c.Token.Consume(tokenKey)
		}
		if !res.Allowed {
			return RateLimitDecision{LimitType: "token", Limit: limit, RetryAfter: res.RetryAfter}
		}
	}
	return RateLimitDecision{Allowed: true}
}

// StartSweeper launches the background sweep loop.
func (c *RateLimitChain) StartSweeper() {
	go func() {
		ticker := time.NewTicker(rateLimitSweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.Global.Sweep()
				c.PerIP.Sweep()
				c.Token.Sweep()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *RateLimitChain) Stop() {
	c.once.Do(func() { close(c.stop) })
}
