package dashboard

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"golang.org/x/time/rate"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ipLimiter keeps one token bucket per client IP. Idle entries expire after ttl.
type ipLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	limit    rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

func newIPLimiter(perSecond float64, burst int) *ipLimiter {
	if perSecond <= 0 {
		perSecond = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &ipLimiter{
		visitors: map[string]*visitor{},
		limit:    rate.Limit(perSecond),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

func (l *ipLimiter) allow(key string) bool {
	if key == "" {
		key = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	for k, other := range l.visitors {
		if now.Sub(other.lastSeen) > l.ttl {
			delete(l.visitors, k)
		}
	}
	l.mu.Unlock()

	return v.limiter.AllowN(now, 1)
}

func (l *ipLimiter) middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !l.allow(c.IP()) {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": "too many requests"})
		}
		return c.Next()
	}
}
