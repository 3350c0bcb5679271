package database

import (
	"github.com/o4o-platform/payment-service/internal/adapter/repository"
	domainRepo "github.com/o4o-platform/payment-service/internal/domain/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// NewRepositories creates repository instances bound to the shared connection.
func NewRepositories(db *gorm.DB, logger *zap.Logger) *domainRepo.Repositories {
	return &domainRepo.Repositories{
		Payment:    repository.NewPaymentRepository(db, logger),
		Settlement: repository.NewSettlementRepository(db, logger),
		Webhook:    repository.NewWebhookRepository(db, logger),
		Refund:     repository.NewRefundRepository(db, logger),
	}
}
