package model

import (
	"database/sql/driver"
	"time"
)

// RefundStatus represents the lifecycle state of a refund request.
type RefundStatus string

const (
	RefundStatusRequested  RefundStatus = "requested"
	RefundStatusProcessing RefundStatus = "processing"
	RefundStatusApproved   RefundStatus = "approved"
	RefundStatusCompleted  RefundStatus = "completed"
	RefundStatusRejected   RefundStatus = "rejected"
	RefundStatusFailed     RefundStatus = "failed"
)

// Scan implements sql.Scanner interface
func (s *RefundStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = RefundStatus(v)
	case []byte:
		*s = RefundStatus(v)
	default:
		*s = RefundStatusRequested
	}
	return nil
}

// Value implements driver.Valuer interface
func (s RefundStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Refund represents one refund request against a payment, possibly itemized.
// Terminal states are completed and rejected.
type Refund struct {
	ID              int64        `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID       int64        `gorm:"not null;index" json:"payment_id"`
	OrderID         string       `gorm:"size:200;not null;index" json:"order_id"`
	RequestedAmount int64        `gorm:"not null" json:"requested_amount"`
	ApprovedAmount  *int64       `json:"approved_amount,omitempty"`
	Reason          string       `gorm:"size:500" json:"reason"`
	Status          RefundStatus `gorm:"type:refund_status;not null;default:'requested';index" json:"status"`
	RequestedAt     time.Time    `gorm:"not null;default:now()" json:"requested_at"`
	ProcessedAt     *time.Time   `json:"processed_at,omitempty"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
	AdminNote       *string      `json:"admin_note,omitempty"`
	RefundKey       *string      `gorm:"size:200;index" json:"refund_key,omitempty"`
	ReceiptURL      *string      `gorm:"size:500" json:"receipt_url,omitempty"`
	RetryCount      int          `gorm:"not null;default:0" json:"retry_count"`
	FailureReason   *string      `json:"failure_reason,omitempty"`
	CreatedAt       time.Time    `gorm:"default:now()" json:"created_at"`
	UpdatedAt       time.Time    `gorm:"default:now()" json:"updated_at"`

	Payment *Payment     `gorm:"foreignKey:PaymentID;constraint:OnDelete:CASCADE" json:"payment,omitempty"`
	Items   []RefundItem `gorm:"foreignKey:RefundID;constraint:OnDelete:CASCADE" json:"items,omitempty"`
}

// TableName specifies the table name for GORM
func (Refund) TableName() string {
	return "refunds"
}

// Terminal reports whether the refund can no longer be mutated.
func (r *Refund) Terminal() bool {
	return r.Status == RefundStatusCompleted || r.Status == RefundStatusRejected
}

// Retryable reports whether RetryRefund is legal for this refund.
func (r *Refund) Retryable() bool {
	return r.Status == RefundStatusFailed
}

// RefundItem is one product line within an itemized refund.
type RefundItem struct {
	ID           int64   `gorm:"primaryKey;autoIncrement" json:"id"`
	RefundID     int64   `gorm:"not null;index" json:"refund_id"`
	ProductID    string  `gorm:"size:100;not null" json:"product_id"`
	ProductName  string  `gorm:"size:255" json:"product_name"`
	Quantity     int     `gorm:"not null" json:"quantity"`
	UnitPrice    int64   `gorm:"not null" json:"unit_price"`
	RefundAmount int64   `gorm:"not null" json:"refund_amount"`
	Reason       *string `gorm:"size:500" json:"reason,omitempty"`
}

// TableName specifies the table name for GORM
func (RefundItem) TableName() string {
	return "refund_items"
}
