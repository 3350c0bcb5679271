package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/usecase"
	apperrors "github.com/o4o-platform/payment-service/pkg/errors"
)

// RefundHandler exposes the refund lifecycle.
type RefundHandler struct {
	manager  *usecase.RefundManager
	validate *validator.Validate
	logger   *zap.Logger
}

// NewRefundHandler creates a new RefundHandler instance
func NewRefundHandler(manager *usecase.RefundManager, logger *zap.Logger) *RefundHandler {
	return &RefundHandler{
		manager:  manager,
		validate: validator.New(),
		logger:   logger,
	}
}

// Request records a refund request against a payment.
func (h *RefundHandler) Request(c echo.Context) error {
	var req usecase.RefundRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid request body",
			"code":  "INVALID_REQUEST",
		})
	}
	if err := h.validate.Struct(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": err.Error(),
			"code":  "VALIDATION_FAILED",
		})
	}

	refund, err := h.manager.RequestRefund(c.Request().Context(), &req)
	if err != nil {
		return h.mapRefundError(c, err, "Failed to request refund")
	}

	return c.JSON(http.StatusCreated, refund)
}

// Process applies an operator decision (approve or reject) to a refund.
func (h *RefundHandler) Process(c echo.Context) error {
	refundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid refund id",
			"code":  "INVALID_REQUEST",
		})
	}

	var decision usecase.RefundDecision
	if err := c.Bind(&decision); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid request body",
			"code":  "INVALID_REQUEST",
		})
	}
	if err := h.validate.Struct(&decision); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": err.Error(),
			"code":  "VALIDATION_FAILED",
		})
	}

	refund, err := h.manager.ProcessRefund(c.Request().Context(), refundID, &decision)
	if err != nil {
		return h.mapRefundError(c, err, "Failed to process refund")
	}

	return c.JSON(http.StatusOK, refund)
}

// Retry re-attempts a failed refund.
func (h *RefundHandler) Retry(c echo.Context) error {
	refundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid refund id",
			"code":  "INVALID_REQUEST",
		})
	}

	refund, err := h.manager.RetryRefund(c.Request().Context(), refundID)
	if err != nil {
		return h.mapRefundError(c, err, "Failed to retry refund")
	}

	return c.JSON(http.StatusOK, refund)
}

// Get returns one refund with its items.
func (h *RefundHandler) Get(c echo.Context) error {
	refundID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "Invalid refund id",
			"code":  "INVALID_REQUEST",
		})
	}

	refund, err := h.manager.GetRefund(c.Request().Context(), refundID)
	if err != nil {
		return h.mapRefundError(c, err, "Failed to get refund")
	}

	return c.JSON(http.StatusOK, refund)
}

// List returns refunds, optionally filtered by status.
func (h *RefundHandler) List(c echo.Context) error {
	limit := parseIntParam(c.QueryParam("limit"), 20)
	offset := parseIntParam(c.QueryParam("offset"), 0)

	var status *model.RefundStatus
	if raw := c.QueryParam("status"); raw != "" {
		s := model.RefundStatus(raw)
		status = &s
	}

	refunds, err := h.manager.ListRefunds(c.Request().Context(), status, limit, offset)
	if err != nil {
		return apperrors.Wrap(err, "failed to list refunds")
	}

	return c.JSON(http.StatusOK, refunds)
}

func (h *RefundHandler) mapRefundError(c echo.Context, err error, logMessage string) error {
	switch {
	case errors.Is(err, domainErrors.ErrRefundNotFound) || domainErrors.IsPaymentNotFound(err):
		return c.JSON(http.StatusNotFound, echo.Map{
			"error": err.Error(),
			"code":  "NOT_FOUND",
		})
	case errors.Is(err, domainErrors.ErrPaymentNotRefundable),
		errors.Is(err, domainErrors.ErrRefundExceedsBalance),
		errors.Is(err, domainErrors.ErrRefundNotRetryable),
		errors.Is(err, domainErrors.ErrRefundTerminal):
		return c.JSON(http.StatusConflict, echo.Map{
			"error": err.Error(),
			"code":  "REFUND_STATE_CONFLICT",
		})
	}

	var invariantErr *domainErrors.InvariantViolationError
	if errors.As(err, &invariantErr) {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": invariantErr.Error(),
			"code":  "VALIDATION_FAILED",
		})
	}

	var exhaustedErr *domainErrors.RetryExhaustedError
	if errors.As(err, &exhaustedErr) {
		return c.JSON(http.StatusConflict, echo.Map{
			"error": exhaustedErr.Error(),
			"code":  "RETRY_EXHAUSTED",
		})
	}

	apperrors.LogError(h.logger, err, logMessage)
	return c.JSON(http.StatusInternalServerError, echo.Map{
		"error": logMessage,
		"code":  "INTERNAL_ERROR",
	})
}
