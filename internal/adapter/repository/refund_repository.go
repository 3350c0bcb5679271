package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/model"
	domainRepo "github.com/o4o-platform/payment-service/internal/domain/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type refundRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRefundRepository creates a refund repository backed by GORM.
func NewRefundRepository(db *gorm.DB, logger *zap.Logger) domainRepo.RefundRepository {
	return &refundRepository{
		db:     db,
		logger: logger,
	}
}

// Create persists the refund together with its line items.
func (r *refundRepository) Create(ctx context.Context, refund *model.Refund) error {
	if err := r.db.WithContext(ctx).Create(refund).Error; err != nil {
		r.logger.Error("Failed to create refund",
			zap.String("order_id", refund.OrderID),
			zap.Error(err))
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

func (r *refundRepository) GetByID(ctx context.Context, id int64) (*model.Refund, error) {
	var refund model.Refund
	err := r.db.WithContext(ctx).
		Preload("Items").
		First(&refund, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return &refund, nil
}

func (r *refundRepository) Update(ctx context.Context, refund *model.Refund) error {
	if err := r.db.WithContext(ctx).Omit("Items").Save(refund).Error; err != nil {
		r.logger.Error("Failed to update refund",
			zap.Int64("refund_id", refund.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update refund: %w", err)
	}
	return nil
}

func (r *refundRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Refund, error) {
	var refunds []*model.Refund
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("payment_id = ?", paymentID).
		Order("created_at DESC").
		Find(&refunds).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds by payment: %w", err)
	}
	return refunds, nil
}

func (r *refundRepository) List(ctx context.Context, status *model.RefundStatus, limit, offset int) ([]*model.Refund, error) {
	query := r.db.WithContext(ctx).Preload("Items").Order("created_at DESC")
	if status != nil {
		query = query.Where("status = ?", *status)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var refunds []*model.Refund
	if err := query.Find(&refunds).Error; err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return refunds, nil
}

func (r *refundRepository) ListStuckProcessing(ctx context.Context, since time.Time) ([]*model.Refund, error) {
	var refunds []*model.Refund
	err := r.db.WithContext(ctx).
		Where("status = ? AND processed_at IS NOT NULL AND processed_at <= ?",
			model.RefundStatusProcessing, since).
		Order("processed_at ASC").
		Find(&refunds).Error
	if err != nil {
		r.logger.Error("Failed to list stuck refunds", zap.Error(err))
		return nil, fmt.Errorf("failed to list stuck refunds: %w", err)
	}
	return refunds, nil
}
