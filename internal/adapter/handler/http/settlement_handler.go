package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

// SettlementHandler exposes settlement queries for operators and recipients.
type SettlementHandler struct {
	engine *usecase.SettlementEngine
	logger *zap.Logger
}

// NewSettlementHandler creates a new SettlementHandler instance
func NewSettlementHandler(engine *usecase.SettlementEngine, logger *zap.Logger) *SettlementHandler {
	return &SettlementHandler{
		engine: engine,
		logger: logger,
	}
}

// ListByPayment returns the settlement rows for one payment.
func (h *SettlementHandler) ListByPayment(c echo.Context) error {
	paymentID, err := strconv.ParseInt(c.Param("paymentId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid payment id",
			"code":  "INVALID_REQUEST",
		})
	}

	settlements, err := h.engine.ListByPayment(c.Request().Context(), paymentID)
	if err != nil {
		h.logger.Error("Failed to list settlements",
			zap.Int64("payment_id", paymentID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to list settlements",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusOK, settlements)
}

// List returns settlements matching query filters.
func (h *SettlementHandler) List(c echo.Context) error {
	filter := repository.SettlementFilter{
		Limit:  parseIntParam(c.QueryParam("limit"), 20),
		Offset: parseIntParam(c.QueryParam("offset"), 0),
	}
	if raw := c.QueryParam("status"); raw != "" {
		status := model.SettlementStatus(raw)
		filter.Status = &status
	}
	if raw := c.QueryParam("recipient_type"); raw != "" {
		recipientType := model.RecipientType(raw)
		filter.RecipientType = &recipientType
	}
	if raw := c.QueryParam("recipient_id"); raw != "" {
		recipientID := raw
		filter.RecipientID = &recipientID
	}

	settlements, err := h.engine.List(c.Request().Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list settlements", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to list settlements",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusOK, settlements)
}

// Summary aggregates settlement amounts per recipient over a period.
func (h *SettlementHandler) Summary(c echo.Context) error {
	now := time.Now()
	from := now.AddDate(0, -1, 0)
	to := now

	if raw := c.QueryParam("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "Invalid from parameter, expected RFC3339",
				"code":  "INVALID_REQUEST",
			})
		}
		from = parsed
	}
	if raw := c.QueryParam("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": "Invalid to parameter, expected RFC3339",
				"code":  "INVALID_REQUEST",
			})
		}
		to = parsed
	}

	summaries, err := h.engine.Summarize(c.Request().Context(), from, to)
	if err != nil {
		h.logger.Error("Failed to summarize settlements", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to summarize settlements",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusOK, echo.Map{
		"from":       from,
		"to":         to,
		"recipients": summaries,
	})
}
