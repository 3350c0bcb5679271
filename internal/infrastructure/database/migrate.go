package database

import (
	"fmt"

	"github.com/o4o-platform/payment-service/internal/domain/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Migrate runs database migrations
func Migrate(db *gorm.DB, logger *zap.Logger) error {
	logger.Info("Running database migrations...")

	// Create custom types BEFORE auto-migrate
	logger.Info("Creating custom PostgreSQL types...")
	if err := createCustomTypes(db); err != nil {
		logger.Error("Failed to create custom types", zap.Error(err))
		return err
	}

	// Auto-migrate all models
	logger.Info("Running GORM auto-migrations...")
	err := db.AutoMigrate(
		&model.Payment{},
		&model.Settlement{},
		&model.WebhookEvent{},
		&model.Refund{},
		&model.RefundItem{},
	)
	if err != nil {
		logger.Error("Failed to run migrations", zap.Error(err))
		return err
	}

	// Create custom indexes and constraints
	logger.Info("Creating custom indexes...")
	if err := createCustomIndexes(db); err != nil {
		logger.Error("Failed to create custom indexes", zap.Error(err))
		return err
	}

	logger.Info("Database migrations completed successfully")
	return nil
}

// createCustomTypes creates the PostgreSQL enum types backing status columns.
// ALTER TYPE ADD VALUE keeps existing databases in sync when new statuses
// appear; the DO blocks swallow duplicate-value errors.
func createCustomTypes(db *gorm.DB) error {
	types := map[string][]string{
		"payment_status": {
			"pending", "in_progress", "waiting_for_deposit", "done",
			"canceled", "partial_canceled", "aborted", "expired",
		},
		"settlement_status": {
			"pending", "scheduled", "processing", "completed", "failed", "cancelled",
		},
		"webhook_status": {
			"received", "processing", "processed", "failed", "skipped",
		},
		"refund_status": {
			"requested", "processing", "approved", "completed", "rejected", "failed",
		},
	}

	for name, values := range types {
		createSQL := fmt.Sprintf(`DO $$ BEGIN
    CREATE TYPE %s AS ENUM ('%s');
EXCEPTION WHEN duplicate_object THEN NULL;
END $$`, name, joinEnum(values))
		if err := db.Exec(createSQL).Error; err != nil {
			return fmt.Errorf("failed to create type %s: %w", name, err)
		}

		for _, value := range values {
			addSQL := fmt.Sprintf(`DO $$ BEGIN
    ALTER TYPE %s ADD VALUE IF NOT EXISTS '%s';
EXCEPTION WHEN OTHERS THEN NULL;
END $$`, name, value)
			if err := db.Exec(addSQL).Error; err != nil {
				return fmt.Errorf("failed to extend type %s: %w", name, err)
			}
		}
	}

	return nil
}

func joinEnum(values []string) string {
	out := ""
	for i, v := range values {
		if i > 0 {
			out += "', '"
		}
		out += v
	}
	return out
}

// createCustomIndexes creates custom indexes that GORM doesn't handle automatically
func createCustomIndexes(db *gorm.DB) error {
	// Partial index for the webhook retry poller
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_payment_webhooks_retryable ON payment_webhooks (next_retry_at) WHERE processed = false AND status IN ('received', 'failed')`).Error; err != nil {
		return err
	}

	// Partial index for the payout worker
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_payment_settlements_due ON payment_settlements (scheduled_at) WHERE status IN ('pending', 'scheduled')`).Error; err != nil {
		return err
	}

	// Partial index for deposit expiry of virtual account payments
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_payments_deposit_overdue ON payments (deposit_deadline) WHERE status = 'waiting_for_deposit'`).Error; err != nil {
		return err
	}

	// Partial index for stuck refund detection
	if err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_refunds_processing ON refunds (updated_at) WHERE status = 'processing'`).Error; err != nil {
		return err
	}

	return nil
}
