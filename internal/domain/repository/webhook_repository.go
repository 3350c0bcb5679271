package repository

import (
	"context"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/model"
)

// WebhookRepository persists gateway webhook events. Rows are append-mostly
// and mutated only by the processor that owns them.
type WebhookRepository interface {
	Save(ctx context.Context, event *model.WebhookEvent) error
	GetByID(ctx context.Context, id int64) (*model.WebhookEvent, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*model.WebhookEvent, error)
	MarkProcessing(ctx context.Context, id int64) error
	MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error
	// MarkFailed records the failure and schedules the next retry. nextRetryAt
	// is nil once the retry budget is exhausted.
	MarkFailed(ctx context.Context, id int64, procErr error, retryCount int, nextRetryAt *time.Time) error
	MarkSkipped(ctx context.Context, id int64, reason string) error
	// ListRetryable returns received or failed events eligible for a retry at
	// the given time, oldest first.
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error)
}
