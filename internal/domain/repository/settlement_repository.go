package repository

import (
	"context"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/model"
)

// SettlementFilter narrows settlement listings.
type SettlementFilter struct {
	PaymentID     *int64
	RecipientType *model.RecipientType
	RecipientID   *string
	Status        *model.SettlementStatus
	Limit         int
	Offset        int
}

// SettlementSummary aggregates settlement amounts per recipient over a period.
type SettlementSummary struct {
	RecipientType model.RecipientType `json:"recipient_type"`
	RecipientID   string              `json:"recipient_id"`
	RecipientName string              `json:"recipient_name"`
	Count         int64               `json:"count"`
	GrossAmount   int64               `json:"gross_amount"`
	Fee           int64               `json:"fee"`
	Tax           int64               `json:"tax"`
	NetAmount     int64               `json:"net_amount"`
}

// SettlementRepository persists settlements. Rows are never deleted, only
// marked cancelled or offset by compensating entries.
type SettlementRepository interface {
	CreateBatch(ctx context.Context, settlements []*model.Settlement) error
	GetByID(ctx context.Context, id int64) (*model.Settlement, error)
	ListByPayment(ctx context.Context, paymentID int64) ([]*model.Settlement, error)
	// ListDue returns pending or scheduled settlements whose scheduled time has
	// passed, oldest first, with a row-level lock so concurrent workers do not
	// claim the same rows.
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Settlement, error)
	Update(ctx context.Context, settlement *model.Settlement) error
	List(ctx context.Context, filter SettlementFilter) ([]*model.Settlement, error)
	Summarize(ctx context.Context, from, to time.Time) ([]SettlementSummary, error)
}
