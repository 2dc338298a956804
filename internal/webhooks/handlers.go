package webhooks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/gigescrow/internal/escrow"
	"github.com/mbd888/gigescrow/internal/logging"
)

// MaxPayloadBytes bounds a single processor delivery.
const MaxPayloadBytes = 64 << 10

// Handler exposes the processor webhook endpoint.
type Handler struct {
	ingestor *Ingestor
	timeout  time.Duration
}

// NewHandler creates a webhook handler. Each delivery is processed within timeout.
func NewHandler(ingestor *Ingestor, timeout time.Duration) *Handler {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Handler{ingestor: ingestor, timeout: timeout}
}

// RegisterRoutes sets up the webhook route. It must not sit behind user auth.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/webhooks/stripe", h.Stripe)
}

// Stripe handles POST /v1/webhooks/stripe
func (h *Handler) Stripe(c *gin.Context) {
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, MaxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Unreadable webhook payload",
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	res, err := h.ingestor.Ingest(ctx, payload, c.GetHeader("Stripe-Signature"))
	logger := logging.L(ctx)

	switch {
	case err == nil:
	case errors.Is(err, ErrSignatureInvalid):
		logger.Warn("rejected webhook with invalid signature", "remoteAddr", c.ClientIP(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_signature",
			"message": "Webhook signature verification failed",
		})
		return
	case errors.Is(err, ErrUnknownEventType), errors.Is(err, ErrIrrelevantEvent),
		errors.Is(err, escrow.ErrInvalidTransition), errors.Is(err, escrow.ErrUnknownEvent):
		// Acknowledged: redelivery cannot change the outcome.
	default:
		logger.Error("webhook processing failed, processor will redeliver",
			"eventId", res.EventID, "type", res.Type, "jobId", res.JobID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "processing_failed",
			"message": "Webhook could not be processed",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
