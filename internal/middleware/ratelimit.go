package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/noah-isme/engagement-pipeline/internal/models"
	appErrors "github.com/noah-isme/engagement-pipeline/pkg/errors"
	"github.com/noah-isme/engagement-pipeline/pkg/response"
)

// ClassroomLimiter keeps one token bucket per classroom.
type ClassroomLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewClassroomLimiter builds a limiter allowing perSecond requests with the given burst for
// each classroom. A non-positive rate disables limiting.
func NewClassroomLimiter(perSecond float64, burst int) *ClassroomLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &ClassroomLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*limiterEntry),
		now:      time.Now,
	}
}

// Allow reports whether a request for classroomID may proceed now.
func (l *ClassroomLimiter) Allow(classroomID string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	now := l.now()

	l.mu.Lock()
	entry, ok := l.limiters[classroomID]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[classroomID] = entry
	}
	entry.lastSeen = now
	l.sweep(now)
	l.mu.Unlock()

	return entry.limiter.AllowN(now, 1)
}

func (l *ClassroomLimiter) sweep(now time.Time) {
	for id, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.limiters, id)
		}
	}
}

// RateLimit throttles requests per classroom. The classroom comes from the classroomId query
// parameter, or from the token's single classroom for device uploads.
func RateLimit(limiter *ClassroomLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		classroomID := c.Query("classroomId")
		if classroomID == "" {
			if value, ok := c.Get(ContextUserKey); ok {
				if claims, ok := value.(*models.ScopeClaims); ok && len(claims.ClassroomIDs) > 0 {
					classroomID = claims.ClassroomIDs[0]
				}
			}
		}
		if classroomID == "" {
			c.Next()
			return
		}
		if !limiter.Allow(classroomID) {
			response.Error(c, appErrors.ErrRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}
