package gateway

import (
	"context"
	"time"
)

// Gateway defines the operations the payment core needs from the external
// payment gateway. Webhook ingestion is inbound and handled separately; these
// are the outbound calls (refund reversal, settlement payout). Implementations
// must bound every call with a timeout.
type Gateway interface {
	// CancelPayment reverses funds for a full or partial cancellation.
	// IdempotencyKey makes the call safe to repeat after a transient failure.
	CancelPayment(ctx context.Context, req *CancelRequest) (*CancelResponse, error)

	// TransferPayout pays out one settlement to its recipient.
	TransferPayout(ctx context.Context, req *PayoutRequest) (*PayoutResponse, error)

	// Name returns the gateway name.
	Name() string
}

// CancelRequest asks the gateway to reverse funds against a payment.
type CancelRequest struct {
	PaymentKey     string `json:"payment_key"`
	Amount         int64  `json:"amount"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
}

// CancelResponse is the gateway's acknowledgement of a cancellation.
type CancelResponse struct {
	RefundKey  string                 `json:"refund_key"`
	ReceiptURL string                 `json:"receipt_url,omitempty"`
	CanceledAt time.Time              `json:"canceled_at"`
	Raw        map[string]interface{} `json:"raw,omitempty"`
}

// PayoutRequest asks the gateway to transfer one settlement's net amount.
type PayoutRequest struct {
	SettlementID  int64  `json:"settlement_id"`
	RecipientID   string `json:"recipient_id"`
	RecipientName string `json:"recipient_name"`
	BankAccount   string `json:"bank_account"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
}

// PayoutResponse is the gateway's acknowledgement of a payout.
type PayoutResponse struct {
	TransactionID string    `json:"transaction_id"`
	ReceiptURL    string    `json:"receipt_url,omitempty"`
	TransferredAt time.Time `json:"transferred_at"`
}
