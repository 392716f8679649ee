package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond float64
	BurstSize         int
	// IdleTTL drops limiters for clients not seen for this long.
	IdleTTL time.Duration
}

// DefaultRateLimitConfig suits the unauthenticated credential endpoints
// (login and password reset).
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         10,
		IdleTTL:           10 * time.Minute,
	}
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type limiterStore struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	visitors map[string]*visitor
	now      func() time.Time
}

func (s *limiterStore) get(key string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.cfg.IdleTTL > 0 {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) > s.cfg.IdleTTL {
				delete(s.visitors, k)
			}
		}
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(s.cfg.RequestsPerSecond), s.cfg.BurstSize)}
		s.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

// RateLimit limits requests per client address and route.
func RateLimit(cfg RateLimitConfig) echo.MiddlewareFunc {
	store := &limiterStore{cfg: cfg, visitors: make(map[string]*visitor), now: time.Now}
	limit := strconv.FormatFloat(cfg.RequestsPerSecond, 'f', -1, 64)

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.RealIP() + " " + c.Path()
			lim := store.get(key)

			h := c.Response().Header()
			h.Set("X-RateLimit-Limit", limit)
			if !lim.Allow() {
				retry := 1
				if cfg.RequestsPerSecond > 0 {
					retry = int(math.Ceil(1 / cfg.RequestsPerSecond))
				}
				h.Set("Retry-After", strconv.Itoa(retry))
				h.Set("X-RateLimit-Remaining", "0")
				return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
