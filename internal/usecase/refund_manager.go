package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/alert"
	"github.com/o4o-platform/payment-service/internal/config"
	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
)

// RefundRequest is a customer- or operator-initiated refund.
type RefundRequest struct {
	OrderID string              `json:"order_id" validate:"required"`
	Amount  int64               `json:"amount" validate:"required,gt=0"`
	Reason  string              `json:"reason" validate:"required,max=500"`
	Items   []RefundItemRequest `json:"items,omitempty" validate:"omitempty,dive"`
}

// RefundItemRequest is one product line within an itemized refund request.
type RefundItemRequest struct {
	ProductID    string `json:"product_id" validate:"required"`
	ProductName  string `json:"product_name"`
	Quantity     int    `json:"quantity" validate:"required,gt=0"`
	UnitPrice    int64  `json:"unit_price" validate:"gte=0"`
	RefundAmount int64  `json:"refund_amount" validate:"required,gt=0"`
	Reason       string `json:"reason,omitempty"`
}

// RefundDecision is an operator's resolution of a requested refund.
type RefundDecision struct {
	Approve        bool   `json:"approve"`
	ApprovedAmount *int64 `json:"approved_amount,omitempty" validate:"omitempty,gt=0"`
	AdminNote      string `json:"admin_note,omitempty" validate:"max=500"`
}

// RefundManager owns the refund lifecycle: request, operator decision,
// gateway reversal, ledger cancellation and settlement adjustment.
type RefundManager struct {
	txm    repository.TxManager
	repos  *repository.Repositories
	ledger *Ledger
	engine *SettlementEngine
	gw     gateway.Gateway
	cfg    config.RefundConfig
	alerts *alert.Publisher
	clock  gateway.Clock
	logger *zap.Logger
}

// NewRefundManager creates a refund manager.
func NewRefundManager(
	txm repository.TxManager,
	repos *repository.Repositories,
	ledger *Ledger,
	engine *SettlementEngine,
	gw gateway.Gateway,
	cfg config.RefundConfig,
	alerts *alert.Publisher,
	clock gateway.Clock,
	logger *zap.Logger,
) *RefundManager {
	return &RefundManager{
		txm:    txm,
		repos:  repos,
		ledger: ledger,
		engine: engine,
		gw:     gw,
		cfg:    cfg,
		alerts: alerts,
		clock:  clock,
		logger: logger,
	}
}

// RequestRefund validates and records a refund request. No money moves until
// an operator approves it.
func (m *RefundManager) RequestRefund(ctx context.Context, req *RefundRequest) (*model.Refund, error) {
	payment, err := m.repos.Payment.GetByOrderID(ctx, req.OrderID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: req.OrderID}
	}
	if !payment.Refundable() {
		return nil, domainErrors.ErrPaymentNotRefundable
	}
	if req.Amount > payment.RemainingAmount() {
		return nil, domainErrors.ErrRefundExceedsBalance
	}

	var itemsTotal int64
	items := make([]model.RefundItem, 0, len(req.Items))
	for _, item := range req.Items {
		itemsTotal += item.RefundAmount
		refundItem := model.RefundItem{
			ProductID:    item.ProductID,
			ProductName:  item.ProductName,
			Quantity:     item.Quantity,
			UnitPrice:    item.UnitPrice,
			RefundAmount: item.RefundAmount,
		}
		if item.Reason != "" {
			reason := item.Reason
			refundItem.Reason = &reason
		}
		items = append(items, refundItem)
	}
	// Items may cover only part of the refund (shipping fees and other
	// order-level amounts are not itemized), but can never exceed it.
	if itemsTotal > req.Amount {
		return nil, &domainErrors.InvariantViolationError{
			Invariant: "sum(items.refundAmount) <= refund.amount",
			Detail:    fmt.Sprintf("items total %d, requested %d", itemsTotal, req.Amount),
		}
	}

	refund := &model.Refund{
		PaymentID:       payment.ID,
		OrderID:         payment.OrderID,
		RequestedAmount: req.Amount,
		Reason:          req.Reason,
		Status:          model.RefundStatusRequested,
		RequestedAt:     m.clock.Now(),
		Items:           items,
	}
	if err := m.repos.Refund.Create(ctx, refund); err != nil {
		return nil, err
	}

	m.logger.Info("Refund requested",
		zap.Int64("refund_id", refund.ID),
		zap.String("order_id", refund.OrderID),
		zap.Int64("amount", refund.RequestedAmount))

	return refund, nil
}

// ProcessRefund applies an operator decision to a requested refund. Approval
// moves money through the gateway and then records the cancellation, the
// settlement adjustment and the refund completion in one transaction.
// Rejection is terminal.
func (m *RefundManager) ProcessRefund(ctx context.Context, refundID int64, decision *RefundDecision) (*model.Refund, error) {
	refund, err := m.repos.Refund.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, domainErrors.ErrRefundNotFound
	}
	if refund.Terminal() {
		return nil, domainErrors.ErrRefundTerminal
	}
	if refund.Status != model.RefundStatusRequested {
		return nil, fmt.Errorf("refund %d is %s, expected %s", refund.ID, refund.Status, model.RefundStatusRequested)
	}

	now := m.clock.Now()
	if decision.AdminNote != "" {
		note := decision.AdminNote
		refund.AdminNote = &note
	}

	if !decision.Approve {
		refund.Status = model.RefundStatusRejected
		refund.ProcessedAt = &now
		if err := m.repos.Refund.Update(ctx, refund); err != nil {
			return nil, err
		}
		m.logger.Info("Refund rejected", zap.Int64("refund_id", refund.ID))
		return refund, nil
	}

	amount := refund.RequestedAmount
	if decision.ApprovedAmount != nil {
		amount = *decision.ApprovedAmount
	}
	if amount <= 0 || amount > refund.RequestedAmount {
		return nil, domainErrors.ErrRefundExceedsBalance
	}

	payment, err := m.repos.Payment.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: refund.OrderID}
	}
	if amount > payment.RemainingAmount() {
		return nil, domainErrors.ErrRefundExceedsBalance
	}

	refund.Status = model.RefundStatusApproved
	refund.ApprovedAmount = &amount
	refund.ProcessedAt = &now
	if err := m.repos.Refund.Update(ctx, refund); err != nil {
		return nil, err
	}

	return m.attempt(ctx, refund, payment)
}

// attempt moves the money: gateway reversal outside any database transaction,
// then the ledger cancellation, settlement adjustment and refund completion
// atomically. The idempotency key derives from the refund ID so a retried
// call cannot cancel twice at the gateway.
func (m *RefundManager) attempt(ctx context.Context, refund *model.Refund, payment *model.Payment) (*model.Refund, error) {
	refund.Status = model.RefundStatusProcessing
	if err := m.repos.Refund.Update(ctx, refund); err != nil {
		return nil, err
	}

	amount := refund.RequestedAmount
	if refund.ApprovedAmount != nil {
		amount = *refund.ApprovedAmount
	}

	if payment.PaymentKey == nil {
		return m.markFailed(ctx, refund, fmt.Errorf("payment %d has no payment key", payment.ID))
	}

	resp, err := m.gw.CancelPayment(ctx, &gateway.CancelRequest{
		PaymentKey:     *payment.PaymentKey,
		Amount:         amount,
		Reason:         refund.Reason,
		IdempotencyKey: fmt.Sprintf("refund-%d", refund.ID),
	})
	if err != nil {
		return m.markFailed(ctx, refund, err)
	}

	err = m.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		locked, err := repos.Payment.GetByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return &domainErrors.PaymentNotFoundError{OrderID: payment.OrderID}
		}

		balanceBefore := locked.RemainingAmount()
		if _, err := m.ledger.RecordCancellationTx(ctx, repos, locked.ID, amount, refund.Reason); err != nil {
			return err
		}
		if err := m.engine.AdjustForRefundTx(ctx, repos, locked, amount, balanceBefore); err != nil {
			return err
		}

		now := m.clock.Now()
		refund.Status = model.RefundStatusCompleted
		refund.CompletedAt = &now
		refund.FailureReason = nil
		if resp.RefundKey != "" {
			refundKey := resp.RefundKey
			refund.RefundKey = &refundKey
		}
		if resp.ReceiptURL != "" {
			receiptURL := resp.ReceiptURL
			refund.ReceiptURL = &receiptURL
		}
		return repos.Refund.Update(ctx, refund)
	})
	if err != nil {
		// The gateway reversed the funds but the local bookkeeping failed.
		// The cancel webhook will reconcile the ledger; the refund stays
		// failed for operator review.
		return m.markFailed(ctx, refund, fmt.Errorf("gateway cancel succeeded but local bookkeeping failed: %w", err))
	}

	m.logger.Info("Refund completed",
		zap.Int64("refund_id", refund.ID),
		zap.String("order_id", refund.OrderID),
		zap.Int64("amount", amount))

	return refund, nil
}

// markFailed records a failed attempt. The refund stays retryable through
// RetryRefund until the bound is reached.
func (m *RefundManager) markFailed(ctx context.Context, refund *model.Refund, cause error) (*model.Refund, error) {
	refund.Status = model.RefundStatusFailed
	reason := cause.Error()
	refund.FailureReason = &reason
	if err := m.repos.Refund.Update(ctx, refund); err != nil {
		return nil, err
	}

	m.logger.Error("Refund attempt failed",
		zap.Int64("refund_id", refund.ID),
		zap.Int("retry_count", refund.RetryCount),
		zap.Error(cause))

	if refund.RetryCount >= m.cfg.MaxRetries {
		m.alerts.Notify(ctx, alert.KindRefundFailed,
			fmt.Sprintf("refund %d failed after %d attempts", refund.ID, refund.RetryCount),
			map[string]interface{}{
				"refund_id": refund.ID,
				"order_id":  refund.OrderID,
				"amount":    refund.RequestedAmount,
				"reason":    reason,
			})
	}
	return refund, nil
}

// RetryRefund re-attempts a failed refund. Only failed refunds are
// retryable, and only within the configured bound.
func (m *RefundManager) RetryRefund(ctx context.Context, refundID int64) (*model.Refund, error) {
	refund, err := m.repos.Refund.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, domainErrors.ErrRefundNotFound
	}
	if !refund.Retryable() {
		return nil, domainErrors.ErrRefundNotRetryable
	}
	if refund.RetryCount >= m.cfg.MaxRetries {
		return nil, &domainErrors.RetryExhaustedError{Operation: "refund", Attempts: refund.RetryCount}
	}

	payment, err := m.repos.Payment.GetByID(ctx, refund.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: refund.OrderID}
	}

	refund.RetryCount++
	return m.attempt(ctx, refund, payment)
}

// GetRefund returns one refund with its items.
func (m *RefundManager) GetRefund(ctx context.Context, refundID int64) (*model.Refund, error) {
	refund, err := m.repos.Refund.GetByID(ctx, refundID)
	if err != nil {
		return nil, err
	}
	if refund == nil {
		return nil, domainErrors.ErrRefundNotFound
	}
	return refund, nil
}

// ListRefunds returns refunds filtered by status.
func (m *RefundManager) ListRefunds(ctx context.Context, status *model.RefundStatus, limit, offset int) ([]*model.Refund, error) {
	return m.repos.Refund.List(ctx, status, limit, offset)
}

// DetectStuckRefunds surfaces refunds stuck in processing for operator
// attention. Called from the scheduler.
func (m *RefundManager) DetectStuckRefunds(ctx context.Context, threshold time.Duration) (int, error) {
	since := m.clock.Now().Add(-threshold)
	stuck, err := m.repos.Refund.ListStuckProcessing(ctx, since)
	if err != nil {
		return 0, err
	}
	for _, refund := range stuck {
		m.alerts.Notify(ctx, alert.KindRefundStuck,
			fmt.Sprintf("refund %d stuck in processing", refund.ID),
			map[string]interface{}{
				"refund_id":    refund.ID,
				"order_id":     refund.OrderID,
				"amount":       refund.RequestedAmount,
				"requested_at": refund.RequestedAt,
			})
	}
	return len(stuck), nil
}
