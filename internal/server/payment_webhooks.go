package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

// HandleStripeWebhook verifies and ingests one provider callback.
// Signature and payload faults return 400; handler failures return 500 so
// the provider redelivers.
func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.paymentSvc.IngestWebhook(c.Request.Context(), payload, c.Request.Header); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
