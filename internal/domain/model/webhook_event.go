package model

import (
	"database/sql/driver"
	"time"
)

// WebhookStatus represents the processing status of a webhook event.
type WebhookStatus string

const (
	WebhookStatusReceived   WebhookStatus = "received"
	WebhookStatusProcessing WebhookStatus = "processing"
	WebhookStatusProcessed  WebhookStatus = "processed"
	WebhookStatusFailed     WebhookStatus = "failed"
	WebhookStatusSkipped    WebhookStatus = "skipped"
)

// Scan implements sql.Scanner interface
func (w *WebhookStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*w = WebhookStatus(v)
	case []byte:
		*w = WebhookStatus(v)
	default:
		*w = WebhookStatusReceived
	}
	return nil
}

// Value implements driver.Valuer interface
func (w WebhookStatus) Value() (driver.Value, error) {
	return string(w), nil
}

// Webhook event types delivered by the payment gateway.
const (
	EventTypePaymentConfirmed     = "PAYMENT_CONFIRMED"
	EventTypePaymentCanceled      = "PAYMENT_CANCELED"
	EventTypePaymentFailed        = "PAYMENT_FAILED"
	EventTypeVirtualAccountIssued = "VIRTUAL_ACCOUNT_ISSUED"
	EventTypeDepositConfirmed     = "DEPOSIT_CONFIRMED"
)

// WebhookEvent represents one received gateway notification. Rows are retained
// indefinitely for audit and replay debugging.
type WebhookEvent struct {
	ID                int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID           string        `gorm:"size:255;index" json:"event_id"`
	EventType         string        `gorm:"not null;size:100;index" json:"event_type"`
	PaymentKey        *string       `gorm:"size:200;index" json:"payment_key,omitempty"`
	OrderID           *string       `gorm:"size:200;index" json:"order_id,omitempty"`
	TransactionKey    *string       `gorm:"size:200" json:"transaction_key,omitempty"`
	Payload           JSONB         `gorm:"type:jsonb;not null" json:"payload"`
	Status            WebhookStatus `gorm:"type:webhook_status;not null;default:'received';index" json:"status"`
	Processed         bool          `gorm:"not null;default:false" json:"processed"`
	ProcessedAt       *time.Time    `json:"processed_at,omitempty"`
	RetryCount        int           `gorm:"not null;default:0" json:"retry_count"`
	MaxRetries        int           `gorm:"not null;default:5" json:"max_retries"`
	LastError         *string       `json:"last_error,omitempty"`
	NextRetryAt       *time.Time    `json:"next_retry_at,omitempty"`
	Signature         *string       `gorm:"size:500" json:"-"`
	SignatureVerified bool          `gorm:"not null;default:false" json:"signature_verified"`
	IdempotencyKey    *string       `gorm:"uniqueIndex;size:255" json:"idempotency_key,omitempty"`
	SourceIP          *string       `gorm:"column:source_ip;size:45" json:"source_ip,omitempty"`
	UserAgent         *string       `json:"user_agent,omitempty"`
	Headers           JSONB         `gorm:"type:jsonb" json:"headers,omitempty"`
	GatewayCreatedAt  *time.Time    `json:"gateway_created_at,omitempty"`
	CreatedAt         time.Time     `gorm:"default:now()" json:"created_at"`
	UpdatedAt         time.Time     `gorm:"default:now()" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (WebhookEvent) TableName() string {
	return "payment_webhooks"
}

// RetryExhausted reports whether the event has consumed all retry attempts.
func (e *WebhookEvent) RetryExhausted() bool {
	return e.RetryCount >= e.MaxRetries
}
