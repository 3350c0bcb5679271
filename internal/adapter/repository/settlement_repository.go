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
	"gorm.io/gorm/clause"
)

type settlementRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewSettlementRepository creates a settlement repository backed by GORM.
func NewSettlementRepository(db *gorm.DB, logger *zap.Logger) domainRepo.SettlementRepository {
	return &settlementRepository{
		db:     db,
		logger: logger,
	}
}

// CreateBatch inserts all rows in one statement; a partial set for one payment
// is never observable because callers run this inside the creating transaction.
func (r *settlementRepository) CreateBatch(ctx context.Context, settlements []*model.Settlement) error {
	if len(settlements) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(settlements).Error; err != nil {
		r.logger.Error("Failed to create settlements",
			zap.Int64("payment_id", settlements[0].PaymentID),
			zap.Int("count", len(settlements)),
			zap.Error(err))
		return fmt.Errorf("failed to create settlements: %w", err)
	}
	return nil
}

func (r *settlementRepository) GetByID(ctx context.Context, id int64) (*model.Settlement, error) {
	var settlement model.Settlement
	err := r.db.WithContext(ctx).First(&settlement, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	return &settlement, nil
}

func (r *settlementRepository) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Settlement, error) {
	var settlements []*model.Settlement
	err := r.db.WithContext(ctx).
		Where("payment_id = ?", paymentID).
		Order("id ASC").
		Find(&settlements).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list settlements by payment: %w", err)
	}
	return settlements, nil
}

// ListDue locks due rows with SKIP LOCKED. The caller must mark the rows
// processing inside the same transaction; the lock alone only protects them
// until commit.
func (r *settlementRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Settlement, error) {
	var settlements []*model.Settlement
	query := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status IN (?, ?) AND scheduled_at IS NOT NULL AND scheduled_at <= ?",
			model.SettlementStatusPending,
			model.SettlementStatusScheduled,
			now).
		Order("scheduled_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&settlements).Error; err != nil {
		r.logger.Error("Failed to list due settlements", zap.Error(err))
		return nil, fmt.Errorf("failed to list due settlements: %w", err)
	}
	return settlements, nil
}

func (r *settlementRepository) Update(ctx context.Context, settlement *model.Settlement) error {
	if err := r.db.WithContext(ctx).Save(settlement).Error; err != nil {
		r.logger.Error("Failed to update settlement",
			zap.Int64("settlement_id", settlement.ID),
			zap.Error(err))
		return fmt.Errorf("failed to update settlement: %w", err)
	}
	return nil
}

func (r *settlementRepository) List(ctx context.Context, filter domainRepo.SettlementFilter) ([]*model.Settlement, error) {
	query := r.db.WithContext(ctx).Model(&model.Settlement{})

	if filter.PaymentID != nil {
		query = query.Where("payment_id = ?", *filter.PaymentID)
	}
	if filter.RecipientType != nil {
		query = query.Where("recipient_type = ?", *filter.RecipientType)
	}
	if filter.RecipientID != nil {
		query = query.Where("recipient_id = ?", *filter.RecipientID)
	}
	if filter.Status != nil {
		query = query.Where("status = ?", *filter.Status)
	}
	query = query.Order("created_at DESC")
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}

	var settlements []*model.Settlement
	if err := query.Find(&settlements).Error; err != nil {
		return nil, fmt.Errorf("failed to list settlements: %w", err)
	}
	return settlements, nil
}

func (r *settlementRepository) Summarize(ctx context.Context, from, to time.Time) ([]domainRepo.SettlementSummary, error) {
	var summaries []domainRepo.SettlementSummary
	err := r.db.WithContext(ctx).
		Model(&model.Settlement{}).
		Select(`recipient_type, recipient_id, MAX(recipient_name) AS recipient_name,
			COUNT(*) AS count, SUM(gross_amount) AS gross_amount,
			SUM(fee) AS fee, SUM(tax) AS tax, SUM(net_amount) AS net_amount`).
		Where("created_at >= ? AND created_at < ? AND status <> ?", from, to, model.SettlementStatusCancelled).
		Group("recipient_type, recipient_id").
		Order("recipient_type, recipient_id").
		Scan(&summaries).Error
	if err != nil {
		r.logger.Error("Failed to summarize settlements", zap.Error(err))
		return nil, fmt.Errorf("failed to summarize settlements: %w", err)
	}
	return summaries, nil
}
