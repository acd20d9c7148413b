package middleware

import (
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"matrix-ledger-backend/internal/common/errors"
)

// RateLimit rejects requests beyond the shared limiter's budget with
// RATE_LIMIT_EXCEEDED and a Retry-After hint.
func RateLimit(name string, limiter *rate.Limiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter.Allow() {
			c.Next()
			return
		}
		reject(c, name, limiter)
	}
}

func reject(c *gin.Context, name string, limiter *rate.Limiter) {
	retry := time.Second
	if l := float64(limiter.Limit()); l > 0 {
		retry = time.Duration(float64(time.Second) / l)
	}
	c.Header("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
	SendError(c, errors.NewRateLimitError(name, retry))
}

const callerIdle = 10 * time.Minute

type callerEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// CallerLimiter gives every authenticated caller its own budget of n
// requests a minute. Idle callers are forgotten after ten minutes.
type CallerLimiter struct {
	mu        sync.Mutex
	perMinute int
	callers   map[string]*callerEntry
	lastSweep time.Time
	now       func() time.Time
}

func NewCallerLimiter(perMinute int) *CallerLimiter {
	return &CallerLimiter{
		perMinute: perMinute,
		callers:   make(map[string]*callerEntry),
		now:       time.Now,
	}
}

func (l *CallerLimiter) get(caller string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > callerIdle {
		for id, e := range l.callers {
			if now.Sub(e.lastSeen) > callerIdle {
				delete(l.callers, id)
			}
		}
		l.lastSweep = now
	}
	e, ok := l.callers[caller]
	if !ok {
		e = &callerEntry{limiter: PerMinute(l.perMinute)}
		l.callers[caller] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Middleware must run after TelegramInitData.
func (l *CallerLimiter) Middleware(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiter := l.get(CallerID(c))
		if limiter.Allow() {
			c.Next()
			return
		}
		reject(c, name, limiter)
	}
}

// PerMinute builds a limiter allowing n requests a minute with a burst of n.
// n <= 0 means unlimited.
func PerMinute(n int) *rate.Limiter {
	if n <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(float64(n)/60), n)
}
