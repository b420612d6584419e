package webhook

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/fixdev/fixdev/internal/common/errors"
	"github.com/fixdev/fixdev/internal/common/logger"
)

// Handler terminates the provider webhook endpoint.
type Handler struct {
	processor *Processor
	secret    string
	logger    *logger.Logger
}

// NewHandler creates a webhook handler verifying against secret.
func NewHandler(processor *Processor, secret string, log *logger.Logger) *Handler {
	return &Handler{
		processor: processor,
		secret:    secret,
		logger:    log.WithFields(zap.String("component", "webhook-handler")),
	}
}

// HandleGitHub accepts one provider event.
// POST /webhooks/github
func (h *Handler) HandleGitHub(c *gin.Context) {
	if h.secret == "" {
		appErr := apperrors.InternalError("webhook secret is not configured", nil)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	// The raw bytes are read before any parsing: the signature covers them
	// exactly as sent.
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		appErr := apperrors.BadRequest("failed to read request body")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if !VerifySignature(h.secret, c.GetHeader("X-Hub-Signature-256"), body) {
		appErr := apperrors.Unauthorized("invalid webhook signature")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	if !json.Valid(body) {
		appErr := apperrors.BadRequest("payload is not valid JSON")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	eventType := c.GetHeader("X-GitHub-Event")
	if eventType == "" {
		eventType = "unknown"
	}

	hook, err := h.processor.Process(c.Request.Context(), eventType, body)
	if err != nil {
		h.logger.Error("Failed to process webhook",
			zap.String("event_type", eventType),
			zap.Error(err))
		appErr := apperrors.Wrap(err, "failed to process webhook")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":        hook.ID,
		"processed": hook.Processed,
	})
}
