package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// SweepPaymentRetries processes every due payment retry and reports counts.
func (s *Server) SweepPaymentRetries(c *gin.Context) {
	result, err := s.retrySvc.ProcessAllPendingRetries(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
