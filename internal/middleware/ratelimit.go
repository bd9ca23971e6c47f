package middleware

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"collab-canvas/internal/repository"
)

// RateLimit 返回一个基于客户端 IP 的速率限制中间件。
// 计数器由 StateRepository（Redis）维护。
func RateLimit(stateRepo repository.StateRepository, maxRequests int, window time.Duration) gin.HandlerFunc {
	if stateRepo == nil {
		panic("StateRepository cannot be nil for RateLimit middleware")
	}
	if maxRequests <= 0 {
		panic("maxRequests must be positive for RateLimit middleware")
	}
	if window <= 0 {
		panic("window duration must be positive for RateLimit middleware")
	}

	return func(c *gin.Context) {
		// 反向代理后面需要确保 ClientIP 取到真实来源
		key := "ratelimit:" + c.ClientIP()

		exceeded, err := stateRepo.CheckRateLimit(c.Request.Context(), key, maxRequests, window)
		if err != nil {
			logrus.WithError(err).Error("RateLimit: Redis check failed")
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Rate limiting error"})
			c.Abort()
			return
		}
		if exceeded {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests"})
			c.Abort()
			return
		}
		c.Next()
	}
}
