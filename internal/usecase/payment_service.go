package usecase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
)

// RegisterPaymentRequest registers a checkout attempt before the gateway
// confirms it.
type RegisterPaymentRequest struct {
	OrderID       string                  `json:"order_id" validate:"required,max=200"`
	Amount        int64                   `json:"amount" validate:"required,gt=0"`
	Currency      string                  `json:"currency" validate:"omitempty,len=3"`
	Method        string                  `json:"method" validate:"required,oneof=card virtual_account transfer mobile easy_pay"`
	CustomerEmail string                  `json:"customer_email" validate:"omitempty,email"`
	CustomerName  string                  `json:"customer_name" validate:"omitempty,max=100"`
	CustomerPhone string                  `json:"customer_phone" validate:"omitempty,max=30"`
	Recipients    []RecipientShareRequest `json:"recipients" validate:"omitempty,dive"`
}

// RecipientShareRequest declares one recipient's share at registration.
type RecipientShareRequest struct {
	Type        string `json:"type" validate:"required,oneof=supplier partner platform"`
	ID          string `json:"id" validate:"required,max=100"`
	Name        string `json:"name" validate:"max=255"`
	Rate        string `json:"rate" validate:"required"`
	BankAccount string `json:"bank_account,omitempty" validate:"omitempty,max=100"`
}

// PaymentService registers and queries payments. State changes after
// registration go through the ledger, never through this service.
type PaymentService struct {
	repos  *repository.Repositories
	clock  gateway.Clock
	logger *zap.Logger
}

// NewPaymentService creates a payment service.
func NewPaymentService(repos *repository.Repositories, clock gateway.Clock, logger *zap.Logger) *PaymentService {
	return &PaymentService{repos: repos, clock: clock, logger: logger}
}

// Register records a pending payment with its recipient split. Rates must
// parse as decimal fractions and sum to at most 1.
func (s *PaymentService) Register(ctx context.Context, req *RegisterPaymentRequest, customerIP string) (*model.Payment, error) {
	existing, err := s.repos.Payment.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("order %s already has a payment", req.OrderID)
	}

	total := decimal.Zero
	recipients := make(model.RecipientShares, 0, len(req.Recipients))
	for _, r := range req.Recipients {
		rate, err := decimal.NewFromString(r.Rate)
		if err != nil || rate.IsNegative() {
			return nil, &domainErrors.InvariantViolationError{
				Invariant: "recipient rates parse as decimals",
				Detail:    fmt.Sprintf("recipient %s rate %q", r.ID, r.Rate),
			}
		}
		total = total.Add(rate)
		recipients = append(recipients, model.RecipientShare{
			Type:        r.Type,
			ID:          r.ID,
			Name:        r.Name,
			Rate:        r.Rate,
			BankAccount: r.BankAccount,
		})
	}
	if total.GreaterThan(decimal.NewFromInt(1)) {
		return nil, &domainErrors.InvariantViolationError{
			Invariant: "sum(recipient rates) <= 1",
			Detail:    fmt.Sprintf("order %s rates sum to %s", req.OrderID, total.String()),
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = "KRW"
	}

	payment := &model.Payment{
		OrderID:     req.OrderID,
		Amount:      req.Amount,
		Currency:    currency,
		Method:      model.PaymentMethod(req.Method),
		Status:      model.PaymentStatusPending,
		Recipients:  recipients,
		RequestedAt: s.clock.Now(),
	}
	if req.CustomerEmail != "" {
		payment.CustomerEmail = &req.CustomerEmail
	}
	if req.CustomerName != "" {
		payment.CustomerName = &req.CustomerName
	}
	if req.CustomerPhone != "" {
		payment.CustomerPhone = &req.CustomerPhone
	}
	if customerIP != "" {
		payment.CustomerIP = &customerIP
	}

	if err := s.repos.Payment.Create(ctx, payment); err != nil {
		return nil, err
	}

	s.logger.Info("Payment registered",
		zap.Int64("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.Int64("amount", payment.Amount),
		zap.String("method", string(payment.Method)))

	return payment, nil
}

// GetByOrderID returns one payment by its order ID.
func (s *PaymentService) GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error) {
	payment, err := s.repos.Payment.GetByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: orderID}
	}
	return payment, nil
}

// List returns payments, newest first.
func (s *PaymentService) List(ctx context.Context, limit, offset int) ([]*model.Payment, error) {
	return s.repos.Payment.List(ctx, limit, offset)
}
