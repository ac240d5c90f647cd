package server

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// InvestigationStartRateLimit throttles per-user investigation launches.
// Runs after AuthRequired so the user id is on the context.
func (s *Server) InvestigationStartRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.startLimiter.Enabled() {
			c.Next()
			return
		}

		userID, ok := currentUserID(c)
		if !ok {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		allowed, err := s.startLimiter.Allow(c.Request.Context(), userID.String())
		if err != nil {
			s.log.Warn("investigation start rate limit check failed", zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if !allowed {
			c.Header("Retry-After", "1")
			AbortWithError(c, ErrTooManyRequests)
			return
		}

		c.Next()
	}
}
