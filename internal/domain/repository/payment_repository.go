package repository

import (
	"context"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/model"
)

// PaymentRepository persists payments. Payment rows are never physically
// deleted; canceled and expired payments are retained for audit.
type PaymentRepository interface {
	Create(ctx context.Context, payment *model.Payment) error
	GetByID(ctx context.Context, id int64) (*model.Payment, error)
	GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error)
	GetByPaymentKey(ctx context.Context, paymentKey string) (*model.Payment, error)
	// GetByIDForUpdate loads the payment with a row-level lock. It is only
	// meaningful inside a transaction obtained from TxManager.
	GetByIDForUpdate(ctx context.Context, id int64) (*model.Payment, error)
	Update(ctx context.Context, payment *model.Payment) error
	List(ctx context.Context, limit, offset int) ([]*model.Payment, error)
	// ListOverdueDeposits returns waiting_for_deposit payments whose deposit
	// deadline has passed.
	ListOverdueDeposits(ctx context.Context, now time.Time, limit int) ([]*model.Payment, error)
}
