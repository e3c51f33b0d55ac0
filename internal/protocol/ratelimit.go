package protocol

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitRule configures one method's token bucket.
type RateLimitRule struct {
	Method     string
	RatePerMin int
	Burst      int
}

// RateLimiter enforces a per-credential, per-method token bucket (spec.md
// §4.6 "Rate limiting").
type RateLimiter struct {
	rules map[string]RateLimitRule

	mu       sync.Mutex
	limiters map[string]map[string]*rate.Limiter // credential key -> method -> limiter
}

func NewRateLimiter(rules []RateLimitRule) *RateLimiter {
	m := make(map[string]RateLimitRule, len(rules))
	for _, r := range rules {
		m[r.Method] = r
	}
	return &RateLimiter{rules: m, limiters: make(map[string]map[string]*rate.Limiter)}
}

// Allow reports whether the call may proceed. When it returns false,
// retryAfter is the caller's hint for when to try again.
func (rl *RateLimiter) Allow(credentialKey, method string) (ok bool, retryAfter time.Duration) {
	rule, has := rl.rules[method]
	if !has {
		return true, 0
	}

	limiter := rl.limiterFor(credentialKey, method, rule)
	if limiter.Allow() {
		return true, 0
	}
	// rate.Limiter doesn't expose a direct "time until next token" query
	// without reserving one, so reserve and immediately check its delay.
	reservation := limiter.Reserve()
	delay := reservation.Delay()
	reservation.Cancel()
	return false, delay
}

func (rl *RateLimiter) limiterFor(credentialKey, method string, rule RateLimitRule) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	perCred, ok := rl.limiters[credentialKey]
	if !ok {
		perCred = make(map[string]*rate.Limiter)
		rl.limiters[credentialKey] = perCred
	}
	limiter, ok := perCred[method]
	if !ok {
		ratePerSec := float64(rule.RatePerMin) / 60.0
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), rule.Burst)
		perCred[method] = limiter
	}
	return limiter
}

func rateLimitError(retryAfter time.Duration) *WireError {
	return &WireError{
		Code:    CodeRateLimited,
		Message: "rate limit exceeded",
		Data:    map[string]any{"retry_after_ms": fmt.Sprintf("%d", retryAfter.Milliseconds())},
	}
}
