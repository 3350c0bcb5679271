package repository

import (
	"context"

	domainRepo "github.com/o4o-platform/payment-service/internal/domain/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type gormTxManager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewTxManager creates a TxManager that binds fresh repository instances to
// one GORM transaction per call.
func NewTxManager(db *gorm.DB, logger *zap.Logger) domainRepo.TxManager {
	return &gormTxManager{
		db:     db,
		logger: logger,
	}
}

func (m *gormTxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos *domainRepo.Repositories) error) error {
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repos := &domainRepo.Repositories{
			Payment:    NewPaymentRepository(tx, m.logger),
			Settlement: NewSettlementRepository(tx, m.logger),
			Webhook:    NewWebhookRepository(tx, m.logger),
			Refund:     NewRefundRepository(tx, m.logger),
		}
		return fn(ctx, repos)
	})
}
