package middleware

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/arklim/iam-access-core/internal/core/port"
)

const (
	rateLimitProblemType  = "urn:iam-access-core:problem:rate-limit-exceeded"
	rateLimitProblemTitle = "Rate Limit Exceeded"
	maxLocalLimiters      = 10000
)

// IdentifierFunc extracts the identifier used to scope rate limits (e.g., client IP).
type IdentifierFunc func(*gin.Context) (string, bool)

// RateLimitRule configures a sliding-window limit for a particular identifier.
type RateLimitRule struct {
	Name       string
	Limit      int
	Window     time.Duration
	Identifier IdentifierFunc
}

// RateLimiter enforces sliding windows against a shared store. When the store is
// absent or failing, an optional in-process token bucket takes over.
type RateLimiter struct {
	store  port.RateLimitStore
	logger *zap.Logger
	now    func() time.Time

	localRate  rate.Limit
	localBurst int
	mu         sync.Mutex
	local      map[string]*rate.Limiter
}

type ruleResult struct {
	allowed    bool
	limit      int
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// ProblemDetails is an RFC 9457 error payload.
type ProblemDetails struct {
	Type       string `json:"type"`
	Title      string `json:"title"`
	Status     int    `json:"status"`
	Detail     string `json:"detail"`
	Instance   string `json:"instance"`
	RetryAfter int    `json:"retry_after"`
	TraceID    string `json:"trace_id,omitempty"`
}

// NewRateLimiter builds a limiter. store may be nil.
func NewRateLimiter(store port.RateLimitStore, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		store:  store,
		logger: logger,
		now:    time.Now,
		local:  make(map[string]*rate.Limiter),
	}
}

// WithClock allows injection of a custom clock.
func (rl *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	if now != nil {
		rl.now = now
	}
	return rl
}

// WithLocalFallback enables a per-identifier token bucket of rps with burst.
func (rl *RateLimiter) WithLocalFallback(rps float64, burst int) *RateLimiter {
	if rps > 0 && burst > 0 {
		rl.localRate = rate.Limit(rps)
		rl.localBurst = burst
	}
	return rl
}

// ClientIPIdentifier scopes limits by client IP.
func ClientIPIdentifier() IdentifierFunc {
	return func(c *gin.Context) (string, bool) {
		ip := c.ClientIP()
		return ip, ip != ""
	}
}

// RateLimit returns a Gin middleware enforcing the provided rules.
func (rl *RateLimiter) RateLimit(rules ...RateLimitRule) gin.HandlerFunc {
	filtered := make([]RateLimitRule, 0, len(rules))
	for _, rule := range rules {
		if rule.Identifier == nil || rule.Limit <= 0 || rule.Window <= 0 {
			continue
		}
		if rule.Name == "" {
			rule.Name = "default"
		}
		filtered = append(filtered, rule)
	}

	return func(c *gin.Context) {
		now := rl.now()
		var best *ruleResult

		for _, rule := range filtered {
			identifier, ok := rule.Identifier(c)
			if !ok || identifier == "" {
				continue
			}
			key := fmt.Sprintf("%s:%s", rule.Name, identifier)

			res, err := rl.evaluate(c, rule, key, now)
			if err != nil {
				rl.logger.Warn("rate limit store unavailable", zap.String("rule", rule.Name), zap.Error(err))
				if !rl.allowLocal(key, now) {
					rl.respondRateLimited(c, ruleResult{limit: rule.Limit, reset: now.Add(time.Second), retryAfter: time.Second})
					return
				}
				continue
			}

			if best == nil || replaces(*best, res) {
				snapshot := res
				best = &snapshot
			}
			if !res.allowed {
				rl.respondRateLimited(c, res)
				return
			}
		}

		if best != nil {
			applyHeaders(c, *best)
		}
		c.Next()
	}
}

func (rl *RateLimiter) evaluate(c *gin.Context, rule RateLimitRule, key string, now time.Time) (ruleResult, error) {
	if rl.store == nil {
		return ruleResult{}, fmt.Errorf("no rate limit store configured")
	}
	ctx := c.Request.Context()

	if err := rl.store.TrimWindow(ctx, key, rule.Window, now); err != nil {
		return ruleResult{}, err
	}
	count, err := rl.store.CountAttempts(ctx, key, rule.Window, now)
	if err != nil {
		return ruleResult{}, err
	}
	oldest, hasAttempts, err := rl.store.OldestAttempt(ctx, key, rule.Window, now)
	if err != nil {
		return ruleResult{}, err
	}

	res := ruleResult{limit: rule.Limit, reset: now.Add(rule.Window), allowed: true}
	if hasAttempts {
		res.reset = oldest.Add(rule.Window)
	}
	res.retryAfter = max(res.reset.Sub(now), 0)

	if count >= rule.Limit {
		res.allowed = false
		return res, nil
	}

	if err := rl.store.RecordAttempt(ctx, key, now); err != nil {
		return ruleResult{}, err
	}
	res.remaining = max(rule.Limit-count-1, 0)
	return res, nil
}

// allowLocal reports whether the in-process bucket admits the request. Without a
// configured fallback the limiter fails open.
func (rl *RateLimiter) allowLocal(key string, now time.Time) bool {
	if rl.localRate == 0 {
		return true
	}

	rl.mu.Lock()
	limiter, ok := rl.local[key]
	if !ok {
		if len(rl.local) >= maxLocalLimiters {
			rl.local = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(rl.localRate, rl.localBurst)
		rl.local[key] = limiter
	}
	rl.mu.Unlock()

	return limiter.AllowN(now, 1)
}

func replaces(current, candidate ruleResult) bool {
	if candidate.allowed != current.allowed {
		return !candidate.allowed
	}
	if candidate.remaining != current.remaining {
		return candidate.remaining < current.remaining
	}
	return candidate.reset.Before(current.reset)
}

func retrySeconds(d time.Duration) int {
	return max(int(math.Ceil(d.Seconds())), 0)
}

func applyHeaders(c *gin.Context, res ruleResult) {
	headers := c.Writer.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(res.limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(max(res.remaining, 0)))
	headers.Set("X-RateLimit-Reset", strconv.FormatInt(res.reset.Unix(), 10))
	if !res.allowed {
		headers.Set("Retry-After", strconv.Itoa(retrySeconds(res.retryAfter)))
	}
}

func (rl *RateLimiter) respondRateLimited(c *gin.Context, res ruleResult) {
	res.allowed = false
	applyHeaders(c, res)

	seconds := retrySeconds(res.retryAfter)
	instance := c.FullPath()
	if instance == "" {
		instance = c.Request.URL.Path
	}

	c.AbortWithStatusJSON(http.StatusTooManyRequests, ProblemDetails{
		Type:       rateLimitProblemType,
		Title:      rateLimitProblemTitle,
		Status:     http.StatusTooManyRequests,
		Detail:     fmt.Sprintf("Too many requests. Try again in %d seconds.", seconds),
		Instance:   instance,
		RetryAfter: seconds,
		TraceID:    GetTraceID(c),
	})
}
