package model

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// PaymentStatus represents the ledger state of a payment.
type PaymentStatus string

const (
	PaymentStatusPending           PaymentStatus = "pending"
	PaymentStatusInProgress        PaymentStatus = "in_progress"
	PaymentStatusWaitingForDeposit PaymentStatus = "waiting_for_deposit"
	PaymentStatusDone              PaymentStatus = "done"
	PaymentStatusCanceled          PaymentStatus = "canceled"
	PaymentStatusPartialCanceled   PaymentStatus = "partial_canceled"
	PaymentStatusAborted           PaymentStatus = "aborted"
	PaymentStatusExpired           PaymentStatus = "expired"
)

// Scan implements sql.Scanner interface
func (s *PaymentStatus) Scan(src interface{}) error {
	switch v := src.(type) {
	case string:
		*s = PaymentStatus(v)
	case []byte:
		*s = PaymentStatus(v)
	default:
		*s = PaymentStatusPending
	}
	return nil
}

// Value implements driver.Valuer interface
func (s PaymentStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// PaymentMethod enumerates supported payment methods.
type PaymentMethod string

const (
	PaymentMethodCard           PaymentMethod = "card"
	PaymentMethodVirtualAccount PaymentMethod = "virtual_account"
	PaymentMethodTransfer       PaymentMethod = "transfer"
	PaymentMethodMobile         PaymentMethod = "mobile"
	PaymentMethodEasyPay        PaymentMethod = "easy_pay"
)

// CancelRecord captures one full or partial cancellation against a payment.
type CancelRecord struct {
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason"`
	CanceledAt time.Time `json:"canceled_at"`
}

// CancelRecords stores the cancellation history as a jsonb array.
type CancelRecords []CancelRecord

// Value implements driver.Valuer interface
func (c CancelRecords) Value() (driver.Value, error) {
	if c == nil {
		return nil, nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner interface
func (c *CancelRecords) Scan(src interface{}) error {
	if src == nil {
		*c = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		*c = CancelRecords{}
		return nil
	}
}

// RecipientShare declares one recipient's portion of a payment, captured at
// checkout registration and consumed by settlement fan-out. Rate is a decimal
// fraction serialized as string (e.g. "0.7").
type RecipientShare struct {
	Type        string `json:"type"`
	ID          string `json:"id"`
	Name        string `json:"name"`
	Rate        string `json:"rate"`
	BankAccount string `json:"bank_account,omitempty"`
}

// RecipientShares stores the recipient split as a jsonb array.
type RecipientShares []RecipientShare

// Value implements driver.Valuer interface
func (r RecipientShares) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	return json.Marshal(r)
}

// Scan implements sql.Scanner interface
func (r *RecipientShares) Scan(src interface{}) error {
	if src == nil {
		*r = nil
		return nil
	}

	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		*r = RecipientShares{}
		return nil
	}
}

// Payment represents one attempted or completed charge. The row is the single
// source of truth for the payment's state and is mutated only through the
// ledger's transition function.
type Payment struct {
	ID              int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID         string          `gorm:"column:order_id;unique;not null;size:200" json:"order_id"`
	PaymentKey      *string         `gorm:"column:payment_key;unique;size:200" json:"payment_key,omitempty"`
	Amount          int64           `gorm:"not null" json:"amount"`
	Balance         int64           `gorm:"not null;default:0" json:"balance"`
	CancelAmount    int64           `gorm:"not null;default:0" json:"cancel_amount"`
	Currency        string          `gorm:"size:3;default:'KRW'" json:"currency"`
	Method          PaymentMethod   `gorm:"size:50;not null" json:"method"`
	Status          PaymentStatus   `gorm:"type:payment_status;not null;default:'pending';index" json:"status"`
	CustomerEmail   *string         `gorm:"size:255" json:"customer_email,omitempty"`
	CustomerName    *string         `gorm:"size:100" json:"customer_name,omitempty"`
	CustomerPhone   *string         `gorm:"size:30" json:"customer_phone,omitempty"`
	CustomerIP      *string         `gorm:"column:customer_ip;size:45" json:"customer_ip,omitempty"`
	Recipients      RecipientShares `gorm:"type:jsonb" json:"recipients,omitempty"`
	DepositDeadline *time.Time      `gorm:"index" json:"deposit_deadline,omitempty"`
	CancelHistory   CancelRecords   `gorm:"type:jsonb" json:"cancel_history,omitempty"`
	CancelReason    *string         `json:"cancel_reason,omitempty"`
	FailureCode     *string         `gorm:"size:100" json:"failure_code,omitempty"`
	FailureMessage  *string         `json:"failure_message,omitempty"`
	RawResponse     JSONB           `gorm:"type:jsonb" json:"raw_response,omitempty"`
	RequestedAt     time.Time       `gorm:"not null;default:now()" json:"requested_at"`
	ApprovedAt      *time.Time      `json:"approved_at,omitempty"`
	CanceledAt      *time.Time      `json:"canceled_at,omitempty"`
	CreatedAt       time.Time       `gorm:"default:now()" json:"created_at"`
	UpdatedAt       time.Time       `gorm:"default:now()" json:"updated_at"`
}

// TableName specifies the table name for GORM
func (Payment) TableName() string {
	return "payments"
}

// RemainingAmount returns the amount still cancelable against this payment.
func (p *Payment) RemainingAmount() int64 {
	return p.Amount - p.CancelAmount
}

// Refundable reports whether the payment is in a status that accepts refunds.
func (p *Payment) Refundable() bool {
	return p.Status == PaymentStatusDone || p.Status == PaymentStatusPartialCanceled
}
