package model

import (
	"database/sql/driver"
	"time"
)

// SettlementStatus represents the payout state of a settlement.
type SettlementStatus string

const (
	SettlementStatusPending    SettlementStatus = "pending"
	SettlementStatusScheduled  SettlementStatus = "scheduled"
	SettlementStatusProcessing SettlementStatus = "processing"
	SettlementStatusCompleted  SettlementStatus = "completed"
	SettlementStatusFailed     SettlementStatus = "failed"
	SettlementStatusCancelled  SettlementStatus = "cancelled"
)

// Scan implements sql.Scanner interface
func (s *SettlementStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = SettlementStatus(v)
	case []byte:
		*s = SettlementStatus(v)
	default:
		*s = SettlementStatusPending
	}
	return nil
}

// Value implements driver.Valuer interface
func (s SettlementStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// RecipientType identifies who receives a settlement share.
type RecipientType string

const (
	RecipientTypeSupplier RecipientType = "supplier"
	RecipientTypePartner  RecipientType = "partner"
	RecipientTypePlatform RecipientType = "platform"
)

// Settlement represents one recipient's share of one payment. Rows are only
// ever appended or status-advanced; a completed settlement's amounts are never
// mutated, adjustments land as compensating rows instead.
type Settlement struct {
	ID            int64            `gorm:"primaryKey;autoIncrement" json:"id"`
	PaymentID     int64            `gorm:"not null;index" json:"payment_id"`
	RecipientType RecipientType    `gorm:"size:20;not null;index" json:"recipient_type"`
	RecipientID   string           `gorm:"size:100;not null;index" json:"recipient_id"`
	RecipientName string           `gorm:"size:255" json:"recipient_name"`
	GrossAmount   int64            `gorm:"not null" json:"gross_amount"`
	Fee           int64            `gorm:"not null;default:0" json:"fee"`
	Tax           int64            `gorm:"not null;default:0" json:"tax"`
	NetAmount     int64            `gorm:"not null" json:"net_amount"`
	Compensation  bool             `gorm:"not null;default:false" json:"compensation"`
	Status        SettlementStatus `gorm:"type:settlement_status;not null;default:'pending';index" json:"status"`
	ScheduledAt   *time.Time       `gorm:"index" json:"scheduled_at,omitempty"`
	ProcessedAt   *time.Time       `json:"processed_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	BankAccount   *string          `gorm:"size:500" json:"-"`
	BankAccountIV *string          `gorm:"column:bank_account_iv;size:100" json:"-"`
	TransactionID *string          `gorm:"size:200" json:"transaction_id,omitempty"`
	ReceiptURL    *string          `gorm:"size:500" json:"receipt_url,omitempty"`
	RetryCount    int              `gorm:"not null;default:0" json:"retry_count"`
	FailureReason *string          `json:"failure_reason,omitempty"`
	CreatedAt     time.Time        `gorm:"default:now()" json:"created_at"`
	UpdatedAt     time.Time        `gorm:"default:now()" json:"updated_at"`

	Payment *Payment `gorm:"foreignKey:PaymentID;constraint:OnDelete:CASCADE" json:"payment,omitempty"`
}

// TableName specifies the table name for GORM
func (Settlement) TableName() string {
	return "payment_settlements"
}

// Adjustable reports whether the settlement's amounts may still be reduced in
// place. Completed rows are offset by compensating entries instead.
func (s *Settlement) Adjustable() bool {
	return s.Status == SettlementStatusPending || s.Status == SettlementStatusScheduled
}
