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

type webhookRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewWebhookRepository creates a webhook event repository backed by GORM.
func NewWebhookRepository(db *gorm.DB, logger *zap.Logger) domainRepo.WebhookRepository {
	return &webhookRepository{
		db:     db,
		logger: logger,
	}
}

// Save persists a new webhook event. A duplicate idempotency key leaves the
// existing row untouched; the caller detects the replay via lookup.
func (r *webhookRepository) Save(ctx context.Context, event *model.WebhookEvent) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(event).Error
	if err != nil {
		r.logger.Error("Failed to save webhook event",
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return fmt.Errorf("failed to save webhook event: %w", err)
	}
	return nil
}

func (r *webhookRepository) GetByID(ctx context.Context, id int64) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).First(&event, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook event: %w", err)
	}
	return &event, nil
}

func (r *webhookRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get webhook event by idempotency key: %w", err)
	}
	return &event, nil
}

func (r *webhookRepository) MarkProcessing(ctx context.Context, id int64) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Update("status", model.WebhookStatusProcessing)
	if result.Error != nil {
		return fmt.Errorf("failed to mark webhook as processing: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("webhook event not found: %d", id)
	}
	return nil
}

func (r *webhookRepository) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.WebhookStatusProcessed,
			"processed":    true,
			"processed_at": &processedAt,
		})
	if result.Error != nil {
		r.logger.Error("Failed to mark webhook as processed",
			zap.Int64("event_id", id),
			zap.Error(result.Error))
		return fmt.Errorf("failed to mark webhook as processed: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("webhook event not found: %d", id)
	}
	return nil
}

func (r *webhookRepository) MarkFailed(ctx context.Context, id int64, procErr error, retryCount int, nextRetryAt *time.Time) error {
	errorMsg := procErr.Error()
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.WebhookStatusFailed,
			"retry_count":   retryCount,
			"last_error":    &errorMsg,
			"next_retry_at": nextRetryAt,
		})
	if result.Error != nil {
		r.logger.Error("Failed to mark webhook as failed",
			zap.Int64("event_id", id),
			zap.Error(result.Error))
		return fmt.Errorf("failed to mark webhook as failed: %w", result.Error)
	}
	return nil
}

func (r *webhookRepository) MarkSkipped(ctx context.Context, id int64, reason string) error {
	result := r.db.WithContext(ctx).
		Model(&model.WebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":     model.WebhookStatusSkipped,
			"last_error": &reason,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to mark webhook as skipped: %w", result.Error)
	}
	return nil
}

func (r *webhookRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	query := r.db.WithContext(ctx).
		Where("status IN (?, ?) AND processed = false AND retry_count < max_retries AND (next_retry_at IS NULL OR next_retry_at <= ?)",
			model.WebhookStatusReceived,
			model.WebhookStatusFailed,
			now).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&events).Error; err != nil {
		r.logger.Error("Failed to list retryable webhook events", zap.Error(err))
		return nil, fmt.Errorf("failed to list retryable webhook events: %w", err)
	}
	return events, nil
}
