package demoapi

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const (
	limiterIdleTimeout   = 30 * time.Minute
	limiterSweepInterval = 10 * time.Minute
)

type userLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter throttles each session user with its own token bucket.
type userRateLimiter struct {
	limit     rate.Limit
	burst     int
	now       func() time.Time
	mutex     sync.Mutex
	limiters  map[string]*userLimiter
	lastSweep time.Time
}

func newUserRateLimiter(requestsPerMinute int, burst int, now func() time.Time) *userRateLimiter {
	if now == nil {
		now = time.Now
	}
	limit := rate.Inf
	if requestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(requestsPerMinute))
	}
	return &userRateLimiter{
		limit:     limit,
		burst:     burst,
		now:       now,
		limiters:  make(map[string]*userLimiter),
		lastSweep: now(),
	}
}

// allow reports whether userID may proceed and, if not, how long to wait.
func (rateLimiter *userRateLimiter) allow(userID string) (bool, time.Duration) {
	rateLimiter.mutex.Lock()
	defer rateLimiter.mutex.Unlock()

	now := rateLimiter.now()
	if now.Sub(rateLimiter.lastSweep) >= limiterSweepInterval {
		for key, entry := range rateLimiter.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTimeout {
				delete(rateLimiter.limiters, key)
			}
		}
		rateLimiter.lastSweep = now
	}

	entry, exists := rateLimiter.limiters[userID]
	if !exists {
		entry = &userLimiter{limiter: rate.NewLimiter(rateLimiter.limit, rateLimiter.burst)}
		rateLimiter.limiters[userID] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, time.Minute
	}
	delay := reservation.DelayFrom(now)
	if delay > 0 {
		reservation.CancelAt(now)
		return false, delay
	}
	return true, 0
}

func (rateLimiter *userRateLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		claims := getClaims(ctx)
		if claims == nil {
			ctx.Next()
			return
		}
		allowed, retryAfter := rateLimiter.allow(claims.GetUserID())
		if !allowed {
			seconds := int(math.Ceil(retryAfter.Seconds()))
			ctx.Header("Retry-After", strconv.Itoa(max(seconds, 1)))
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate_limited", "too many requests"))
			return
		}
		ctx.Next()
	}
}
