package http

import (
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

// WebhookHandler receives payment gateway webhook deliveries.
type WebhookHandler struct {
	processor *usecase.WebhookProcessor
	logger    *zap.Logger
}

// NewWebhookHandler creates a new WebhookHandler instance
func NewWebhookHandler(processor *usecase.WebhookProcessor, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		processor: processor,
		logger:    logger,
	}
}

// Handle processes one gateway delivery. 200 acknowledges the delivery (the
// gateway stops redelivering), 400 rejects a bad signature or payload, 409
// reports a duplicate.
func (h *WebhookHandler) Handle(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Failed to read request body",
			"code":  "INVALID_REQUEST",
		})
	}

	in := &usecase.InboundWebhook{
		Body:           body,
		Signature:      c.Request().Header.Get("X-Webhook-Signature"),
		IdempotencyKey: c.Request().Header.Get("X-Idempotency-Key"),
		SourceIP:       c.RealIP(),
		UserAgent:      c.Request().UserAgent(),
		Headers: map[string]interface{}{
			"content_type": c.Request().Header.Get(echo.HeaderContentType),
		},
	}

	result, err := h.processor.Process(c.Request().Context(), in)
	if err != nil {
		if errors.Is(err, domainErrors.ErrSignatureInvalid) {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "Invalid webhook signature",
				"code":  "SIGNATURE_INVALID",
			})
		}
		h.logger.Error("Failed to process webhook", zap.Error(err))
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Failed to process webhook",
			"code":  "WEBHOOK_PROCESSING_FAILED",
		})
	}

	if result.Duplicate {
		return c.JSON(http.StatusConflict, echo.Map{
			"status": "duplicate",
			"code":   "DUPLICATE_EVENT",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status": "ok",
	})
}
