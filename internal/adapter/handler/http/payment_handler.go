package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

// PaymentHandler exposes payment registration and lookup.
type PaymentHandler struct {
	service  *usecase.PaymentService
	validate *validator.Validate
	logger   *zap.Logger
}

// NewPaymentHandler creates a new PaymentHandler instance
func NewPaymentHandler(service *usecase.PaymentService, logger *zap.Logger) *PaymentHandler {
	return &PaymentHandler{
		service:  service,
		validate: validator.New(),
		logger:   logger,
	}
}

// Register records a pending payment at checkout.
func (h *PaymentHandler) Register(c echo.Context) error {
	var req usecase.RegisterPaymentRequest
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

	payment, err := h.service.Register(c.Request().Context(), &req, c.RealIP())
	if err != nil {
		var invariantErr *domainErrors.InvariantViolationError
		if errors.As(err, &invariantErr) {
			return c.JSON(http.StatusBadRequest, echo.Map{
				"error": invariantErr.Error(),
				"code":  "VALIDATION_FAILED",
			})
		}
		h.logger.Error("Failed to register payment",
			zap.String("order_id", req.OrderID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to register payment",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusCreated, payment)
}

// GetByOrderID returns one payment.
func (h *PaymentHandler) GetByOrderID(c echo.Context) error {
	orderID := c.Param("orderId")

	payment, err := h.service.GetByOrderID(c.Request().Context(), orderID)
	if err != nil {
		if domainErrors.IsPaymentNotFound(err) {
			return c.JSON(http.StatusNotFound, echo.Map{
				"error": "Payment not found",
				"code":  "NOT_FOUND",
			})
		}
		h.logger.Error("Failed to get payment",
			zap.String("order_id", orderID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to get payment",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusOK, payment)
}

// List returns payments, newest first.
func (h *PaymentHandler) List(c echo.Context) error {
	limit := parseIntParam(c.QueryParam("limit"), 20)
	offset := parseIntParam(c.QueryParam("offset"), 0)

	payments, err := h.service.List(c.Request().Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list payments", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "Failed to list payments",
			"code":  "INTERNAL_ERROR",
		})
	}

	return c.JSON(http.StatusOK, payments)
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		return fallback
	}
	return parsed
}
