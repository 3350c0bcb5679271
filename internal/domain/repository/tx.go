package repository

import "context"

// Repositories bundles all repository interfaces, either bound to the shared
// connection or to one transaction.
type Repositories struct {
	Payment    PaymentRepository
	Settlement SettlementRepository
	Webhook    WebhookRepository
	Refund     RefundRepository
}

// TxManager runs a function inside one database transaction. Every repository
// call made through the passed Repositories shares that transaction; returning
// an error rolls everything back.
type TxManager interface {
	WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos *Repositories) error) error
}
