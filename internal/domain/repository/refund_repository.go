package repository

import (
	"context"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/model"
)

// RefundRepository persists refunds and their line items.
type RefundRepository interface {
	Create(ctx context.Context, refund *model.Refund) error
	GetByID(ctx context.Context, id int64) (*model.Refund, error)
	Update(ctx context.Context, refund *model.Refund) error
	ListByPayment(ctx context.Context, paymentID int64) ([]*model.Refund, error)
	List(ctx context.Context, status *model.RefundStatus, limit, offset int) ([]*model.Refund, error)
	// ListStuckProcessing returns refunds that have been in processing since
	// before the given time; they are surfaced for operator review.
	ListStuckProcessing(ctx context.Context, since time.Time) ([]*model.Refund, error)
}
