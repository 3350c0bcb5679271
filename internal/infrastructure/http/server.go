package http

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	handlers "github.com/o4o-platform/payment-service/internal/adapter/handler/http"
	"github.com/o4o-platform/payment-service/internal/config"
	"github.com/o4o-platform/payment-service/internal/middleware/auth"
	"github.com/o4o-platform/payment-service/internal/usecase"
	apperrors "github.com/o4o-platform/payment-service/pkg/errors"
	"github.com/o4o-platform/payment-service/pkg/logger"
)

// Usecases bundles the application services the HTTP surface exposes.
type Usecases struct {
	Payments   *usecase.PaymentService
	Webhooks   *usecase.WebhookProcessor
	Refunds    *usecase.RefundManager
	Settlement *usecase.SettlementEngine
}

type Server struct {
	config   *config.Config
	logger   *zap.Logger
	echo     *echo.Echo
	usecases *Usecases
}

func NewServer(cfg *config.Config, log *zap.Logger, usecases *Usecases) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = newHTTPErrorHandler(log)

	// Middleware
	e.Use(logger.NewEchoRequestLogger(log))
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{cfg.Service.ClientURL},
		AllowMethods: []string{echo.GET, echo.POST, echo.PUT, echo.DELETE},
	}))

	return &Server{
		config:   cfg,
		logger:   log,
		echo:     e,
		usecases: usecases,
	}
}

// newHTTPErrorHandler maps errors that escape a handler into the shared error
// envelope, using the application error code when one is attached.
func newHTTPErrorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		httpErr := apperrors.ToHTTPError(err)
		if httpErr.Code >= http.StatusInternalServerError {
			apperrors.LogError(log, err, "Unhandled request error",
				zap.String("path", c.Request().URL.Path),
				zap.String("method", c.Request().Method))
		}

		code := apperrors.ErrInternal
		var appErr *apperrors.AppError
		switch {
		case apperrors.As(err, &appErr):
			code = appErr.Code()
		case httpErr.Code == http.StatusNotFound:
			code = apperrors.ErrNotFound
		case httpErr.Code >= http.StatusBadRequest && httpErr.Code < http.StatusInternalServerError:
			code = apperrors.ErrInvalidArgument
		}

		if jsonErr := c.JSON(httpErr.Code, echo.Map{
			"error": fmt.Sprintf("%v", httpErr.Message),
			"code":  code,
		}); jsonErr != nil {
			log.Error("Failed to write error response", zap.Error(jsonErr))
		}
	}
}

func (s *Server) Start() error {
	s.setupRoutes()

	httpCfg := s.config.Server.HTTP
	s.echo.Server.ReadTimeout = httpCfg.ReadTimeout.Std()
	s.echo.Server.WriteTimeout = httpCfg.WriteTimeout.Std()

	addr := fmt.Sprintf("%s:%d", httpCfg.Host, httpCfg.Port)
	s.logger.Info("Starting HTTP server", zap.String("address", addr))

	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// Health check
	s.echo.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "healthy",
			"service": "payment",
		})
	})

	// Initialize handlers
	paymentHandler := handlers.NewPaymentHandler(s.usecases.Payments, s.logger)
	webhookHandler := handlers.NewWebhookHandler(s.usecases.Webhooks, s.logger)
	refundHandler := handlers.NewRefundHandler(s.usecases.Refunds, s.logger)
	settlementHandler := handlers.NewSettlementHandler(s.usecases.Settlement, s.logger)

	// JWT middleware configuration
	jwtConfig := auth.JWTConfig{
		Secret: s.config.Service.JWTSecret,
		Logger: s.logger,
		SkipPaths: []string{
			"/health",
			"/webhooks",
		},
	}

	// API v1 routes
	v1 := s.echo.Group("/api/v1")

	// Protected routes (require JWT authentication)
	protected := v1.Group("", auth.JWTMiddleware(jwtConfig))

	// Payments
	payments := protected.Group("/payments")
	payments.POST("", paymentHandler.Register)
	payments.GET("", paymentHandler.List)
	payments.GET("/:orderId", paymentHandler.GetByOrderID)
	payments.GET("/:paymentId/settlements", settlementHandler.ListByPayment)

	// Refunds
	refunds := protected.Group("/refunds")
	refunds.POST("", refundHandler.Request)
	refunds.GET("", refundHandler.List)
	refunds.GET("/:id", refundHandler.Get)
	refunds.POST("/:id/process", refundHandler.Process, auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))
	refunds.POST("/:id/retry", refundHandler.Retry, auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))

	// Settlements (operator-only)
	settlements := protected.Group("/settlements", auth.RequireRole(auth.RoleAdmin, auth.RoleOperator))
	settlements.GET("", settlementHandler.List)
	settlements.GET("/summary", settlementHandler.Summary)

	// Webhook route (outside API versioning, authenticated by signature)
	s.echo.POST("/webhooks/payments", webhookHandler.Handle)
}
