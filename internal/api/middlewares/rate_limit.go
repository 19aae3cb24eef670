// internal/api/middlewares/rate_limit.go
// 提交速率限制 - 每位使用者各自的 token bucket

package middlewares

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// RateLimiter 依使用者 (登入 email，未登入則用 IP) 限制請求速率
type RateLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter 建立每分鐘最多 perMinute 次的限制器，perMinute <= 0 表示不限制
func NewRateLimiter(perMinute int) *RateLimiter {
	if perMinute <= 0 {
		return &RateLimiter{limit: rate.Inf}
	}
	return &RateLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: make(map[string]*rate.Limiter),
	}
}

func (r *RateLimiter) limiterFor(key string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

// Middleware 回傳 gin 中介軟體
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limit == rate.Inf {
			c.Next()
			return
		}

		key := c.GetString(ContextEmailKey)
		if key == "" {
			key = c.ClientIP()
		}

		if !r.limiterFor(key).Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false,
				"error":   "rate_limited",
				"message": "Too many campaign submissions, please retry later",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
