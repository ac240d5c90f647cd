package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	investigationdomain "github.com/casefile-ai/casefile/internal/investigation/domain"
)

type startInvestigationRequest struct {
	Subject          string `json:"subject"`
	Details          string `json:"details"`
	ConsentConfirmed bool   `json:"consentConfirmed"`
}

// StartInvestigation launches the agent pipeline and streams its progress
// back as server-sent events. Validation failures surface as plain JSON
// errors before the stream opens; failures mid-pipeline arrive as an error
// event on the stream itself.
func (s *Server) StartInvestigation(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		AbortWithError(c, ErrUnauthorized)
		return
	}

	var req startInvestigationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	investigationID, err := s.investigationSvc.Start(c.Request.Context(), investigationdomain.Request{
		UserID:           userID,
		Subject:          strings.TrimSpace(req.Subject),
		Details:          strings.TrimSpace(req.Details),
		ConsentConfirmed: req.ConsentConfirmed,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	subscription, backlog, err := s.investigations.Subscribe(investigationID)
	if err != nil {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer subscription.Close()

	writer := c.Writer
	headers := writer.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	flusher, ok := writer.(http.Flusher)
	if !ok {
		AbortWithError(c, ErrServiceUnavailable)
		return
	}

	for _, event := range backlog {
		if err := writeProgressEvent(writer, event); err != nil {
			return
		}
	}
	flusher.Flush()

	ctx := c.Request.Context()
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, open := <-subscription.Events():
			if !open {
				return
			}
			if err := writeProgressEvent(writer, event); err != nil {
				return
			}
			flusher.Flush()
		case <-heartbeat.C:
			if _, err := io.WriteString(writer, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeProgressEvent(w io.Writer, event investigationdomain.ProgressEvent) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Event, data)
	return err
}
