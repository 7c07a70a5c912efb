package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const headerIdempotentReplay = "Idempotent-Replayed"

// HandlePaymentWebhook answers 200 with the processing result, the cached result for
// duplicates, or 202 when another worker currently owns the event.
func (s *Server) HandlePaymentWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			AbortWithError(c, newValidationError("body", "payload_too_large", "payload too large"))
			return
		}
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhookSvc.HandleWebhook(c.Request.Context(), provider, c.Param("tenant_id"), payload, c.Request.Header)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusOK
	if outcome.Deferred {
		status = http.StatusAccepted
	}
	if outcome.Replayed {
		c.Set("idempotent_replay", true)
		c.Header(headerIdempotentReplay, "true")
	}
	c.Data(status, "application/json", outcome.Body)
}
