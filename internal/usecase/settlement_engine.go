package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/alert"
	"github.com/o4o-platform/payment-service/internal/config"
	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
	"github.com/o4o-platform/payment-service/internal/infrastructure/crypto"
)

// SettlementEngine fans a confirmed payment out into per-recipient settlement
// rows and drives them through payout.
type SettlementEngine struct {
	txm         repository.TxManager
	settlements repository.SettlementRepository
	gw          gateway.Gateway
	cipher      crypto.Cipher
	cfg         config.SettlementConfig
	alerts      *alert.Publisher
	clock       gateway.Clock
	logger      *zap.Logger
}

// NewSettlementEngine creates a settlement engine. cipher may be nil when bank
// account snapshots are not configured.
func NewSettlementEngine(
	txm repository.TxManager,
	settlements repository.SettlementRepository,
	gw gateway.Gateway,
	cipher crypto.Cipher,
	cfg config.SettlementConfig,
	alerts *alert.Publisher,
	clock gateway.Clock,
	logger *zap.Logger,
) *SettlementEngine {
	return &SettlementEngine{
		txm:         txm,
		settlements: settlements,
		gw:          gw,
		cipher:      cipher,
		cfg:         cfg,
		alerts:      alerts,
		clock:       clock,
		logger:      logger,
	}
}

// CreateForPaymentTx creates the settlement rows for a confirmed payment
// inside the caller's transaction. Gross amounts are split by the recipient
// rates captured at registration; the rounding remainder goes to the platform
// so the split always sums to the payment amount exactly.
func (e *SettlementEngine) CreateForPaymentTx(ctx context.Context, repos *repository.Repositories, payment *model.Payment) error {
	existing, err := repos.Settlement.ListByPayment(ctx, payment.ID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return &domainErrors.InvariantViolationError{
			Invariant: "one settlement set per payment",
			Detail:    fmt.Sprintf("payment %d already has %d settlement rows", payment.ID, len(existing)),
		}
	}

	shares := payment.Recipients
	if len(shares) == 0 {
		shares = model.RecipientShares{{
			Type: string(model.RecipientTypePlatform),
			ID:   "platform",
			Name: "Platform",
			Rate: "1",
		}}
	}

	amount := decimal.NewFromInt(payment.Amount)
	effectiveAt := payment.ApprovedAt
	if effectiveAt == nil {
		now := e.clock.Now()
		effectiveAt = &now
	}

	var (
		rows          []*model.Settlement
		allocated     int64
		platformIndex = -1
	)
	for i, share := range shares {
		rate, err := decimal.NewFromString(share.Rate)
		if err != nil {
			return &domainErrors.InvariantViolationError{
				Invariant: "recipient rates parse as decimals",
				Detail:    fmt.Sprintf("recipient %s rate %q: %v", share.ID, share.Rate, err),
			}
		}

		gross := amount.Mul(rate).Floor().IntPart()
		row, err := e.buildRow(payment, share, gross, *effectiveAt)
		if err != nil {
			return err
		}
		if model.RecipientType(share.Type) == model.RecipientTypePlatform && platformIndex < 0 {
			platformIndex = i
		}
		allocated += gross
		rows = append(rows, row)
	}

	remainder := payment.Amount - allocated
	if remainder < 0 {
		return &domainErrors.InvariantViolationError{
			Invariant: "sum(gross) == payment.amount",
			Detail:    fmt.Sprintf("recipient rates over-allocate payment %d by %d", payment.ID, -remainder),
		}
	}
	if remainder > 0 {
		if platformIndex >= 0 {
			if err := e.addToRow(rows[platformIndex], remainder); err != nil {
				return err
			}
		} else {
			row, err := e.buildRow(payment, model.RecipientShare{
				Type: string(model.RecipientTypePlatform),
				ID:   "platform",
				Name: "Platform",
			}, remainder, *effectiveAt)
			if err != nil {
				return err
			}
			rows = append(rows, row)
		}
	}

	var total int64
	for _, row := range rows {
		total += row.GrossAmount
	}
	if total != payment.Amount {
		return &domainErrors.InvariantViolationError{
			Invariant: "sum(gross) == payment.amount",
			Detail:    fmt.Sprintf("payment %d: split %d != amount %d", payment.ID, total, payment.Amount),
		}
	}

	if err := repos.Settlement.CreateBatch(ctx, rows); err != nil {
		return err
	}

	e.logger.Info("Settlements created",
		zap.Int64("payment_id", payment.ID),
		zap.Int("recipients", len(rows)),
		zap.Int64("amount", payment.Amount))

	return nil
}

// buildRow assembles one settlement row with fee, tax, schedule and an
// encrypted bank account snapshot.
func (e *SettlementEngine) buildRow(payment *model.Payment, share model.RecipientShare, gross int64, effectiveAt time.Time) (*model.Settlement, error) {
	recipientType := model.RecipientType(share.Type)
	fee, tax, net := e.computeAmounts(recipientType, gross)
	if net < 0 {
		return nil, &domainErrors.InvariantViolationError{
			Invariant: "net >= 0",
			Detail:    fmt.Sprintf("recipient %s: gross %d, fee %d, tax %d", share.ID, gross, fee, tax),
		}
	}

	scheduledAt := effectiveAt.Add(e.cfg.Cadence(share.Type))
	row := &model.Settlement{
		PaymentID:     payment.ID,
		RecipientType: recipientType,
		RecipientID:   share.ID,
		RecipientName: share.Name,
		GrossAmount:   gross,
		Fee:           fee,
		Tax:           tax,
		NetAmount:     net,
		Status:        model.SettlementStatusPending,
		ScheduledAt:   &scheduledAt,
	}

	if share.BankAccount != "" && e.cipher != nil {
		ciphertext, iv, err := e.cipher.Encrypt(share.BankAccount)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt bank account for recipient %s: %w", share.ID, err)
		}
		row.BankAccount = &ciphertext
		row.BankAccountIV = &iv
	}

	return row, nil
}

// addToRow folds the rounding remainder into an existing row, recomputing its
// fee, tax and net.
func (e *SettlementEngine) addToRow(row *model.Settlement, extra int64) error {
	gross := row.GrossAmount + extra
	fee, tax, net := e.computeAmounts(row.RecipientType, gross)
	if net < 0 {
		return &domainErrors.InvariantViolationError{
			Invariant: "net >= 0",
			Detail:    fmt.Sprintf("recipient %s: gross %d, fee %d, tax %d", row.RecipientID, gross, fee, tax),
		}
	}
	row.GrossAmount = gross
	row.Fee = fee
	row.Tax = tax
	row.NetAmount = net
	return nil
}

// computeAmounts derives fee, tax and net from a gross amount. Fee is the
// configured rate on gross; tax is VAT on the fee, both floored to whole
// currency units.
func (e *SettlementEngine) computeAmounts(recipientType model.RecipientType, gross int64) (fee, tax, net int64) {
	grossD := decimal.NewFromInt(gross)
	feeD := grossD.Mul(e.cfg.FeeRate(string(recipientType))).Floor()
	taxD := feeD.Mul(e.cfg.Tax()).Floor()
	fee = feeD.IntPart()
	tax = taxD.IntPart()
	net = gross - fee - tax
	return fee, tax, net
}

// AdjustForRefundTx reduces settlements after a refund, inside the caller's
// transaction (the same one that recorded the cancellation). refundAmount is
// the amount refunded now; balanceBefore is the payment balance before this
// refund, so a refund of the full remaining balance zeroes everything.
// Completed rows are never mutated; they are offset by compensating negative
// rows scheduled immediately.
func (e *SettlementEngine) AdjustForRefundTx(ctx context.Context, repos *repository.Repositories, payment *model.Payment, refundAmount, balanceBefore int64) error {
	if balanceBefore <= 0 || refundAmount <= 0 {
		return &domainErrors.InvariantViolationError{
			Invariant: "refund adjusts a positive balance",
			Detail:    fmt.Sprintf("payment %d: refund %d against balance %d", payment.ID, refundAmount, balanceBefore),
		}
	}

	rows, err := repos.Settlement.ListByPayment(ctx, payment.ID)
	if err != nil {
		return err
	}

	fullRefund := refundAmount == balanceBefore
	ratio := decimal.NewFromInt(refundAmount).Div(decimal.NewFromInt(balanceBefore))
	now := e.clock.Now()

	var compensations []*model.Settlement
	for _, row := range rows {
		if row.Compensation || row.Status == model.SettlementStatusCancelled {
			continue
		}

		reduction := row.GrossAmount
		if !fullRefund {
			reduction = decimal.NewFromInt(row.GrossAmount).Mul(ratio).Floor().IntPart()
		}
		if reduction <= 0 {
			continue
		}

		switch row.Status {
		case model.SettlementStatusPending, model.SettlementStatusScheduled:
			remaining := row.GrossAmount - reduction
			if remaining <= 0 {
				row.Status = model.SettlementStatusCancelled
			} else {
				fee, tax, net := e.computeAmounts(row.RecipientType, remaining)
				row.GrossAmount = remaining
				row.Fee = fee
				row.Tax = tax
				row.NetAmount = net
			}
			if err := repos.Settlement.Update(ctx, row); err != nil {
				return err
			}

		case model.SettlementStatusCompleted:
			fee, tax, _ := e.computeAmounts(row.RecipientType, reduction)
			comp := &model.Settlement{
				PaymentID:     row.PaymentID,
				RecipientType: row.RecipientType,
				RecipientID:   row.RecipientID,
				RecipientName: row.RecipientName,
				GrossAmount:   -reduction,
				Fee:           -fee,
				Tax:           -tax,
				NetAmount:     -(reduction - fee - tax),
				Compensation:  true,
				Status:        model.SettlementStatusPending,
				ScheduledAt:   &now,
				BankAccount:   row.BankAccount,
				BankAccountIV: row.BankAccountIV,
			}
			compensations = append(compensations, comp)

		default:
			// processing and failed rows are in flight with the gateway;
			// adjusting them here would race the payout worker.
			e.logger.Warn("Settlement left for operator review after refund",
				zap.Int64("settlement_id", row.ID),
				zap.Int64("payment_id", payment.ID),
				zap.String("status", string(row.Status)),
				zap.Int64("refund_amount", refundAmount))
		}
	}

	if len(compensations) > 0 {
		if err := repos.Settlement.CreateBatch(ctx, compensations); err != nil {
			return err
		}
	}

	e.logger.Info("Settlements adjusted for refund",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("refund_amount", refundAmount),
		zap.Bool("full_refund", fullRefund),
		zap.Int("compensations", len(compensations)))

	return nil
}

// ProcessDue claims due settlements and pays them out. Rows advance
// pending -> scheduled -> processing -> completed, never skipping a state.
// Failures are retried on the next run up to the configured bound, then
// marked failed with an operator alert.
func (e *SettlementEngine) ProcessDue(ctx context.Context, limit int) (int, error) {
	var due []*model.Settlement
	err := e.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		rows, err := repos.Settlement.ListDue(ctx, e.clock.Now(), limit)
		if err != nil {
			return err
		}
		// Claiming means marking the row processing before the row locks are
		// released. A processing row no longer matches ListDue, so another
		// worker instance cannot pick it up and pay it a second time.
		now := e.clock.Now()
		for _, row := range rows {
			if row.Status == model.SettlementStatusPending {
				row.Status = model.SettlementStatusScheduled
				if err := repos.Settlement.Update(ctx, row); err != nil {
					return err
				}
			}
			row.Status = model.SettlementStatusProcessing
			row.ProcessedAt = &now
			if err := repos.Settlement.Update(ctx, row); err != nil {
				return err
			}
		}
		due = rows
		return nil
	})
	if err != nil {
		return 0, err
	}

	completed := 0
	for _, row := range due {
		if err := e.payOut(ctx, row); err != nil {
			e.logger.Error("Settlement payout failed",
				zap.Int64("settlement_id", row.ID),
				zap.Int64("payment_id", row.PaymentID),
				zap.Error(err))
			continue
		}
		completed++
	}
	return completed, nil
}

// payOut completes or fails one settlement already claimed as processing.
func (e *SettlementEngine) payOut(ctx context.Context, row *model.Settlement) error {
	// Compensation rows offset already-paid settlements against the
	// recipient's next payout; there is no external transfer to make.
	if row.Compensation {
		return e.complete(ctx, row, nil)
	}

	bankAccount := ""
	if row.BankAccount != nil && row.BankAccountIV != nil && e.cipher != nil {
		decrypted, err := e.cipher.Decrypt(*row.BankAccount, *row.BankAccountIV)
		if err != nil {
			return e.fail(ctx, row, fmt.Errorf("failed to decrypt bank account: %w", err))
		}
		bankAccount = decrypted
	}

	resp, err := e.gw.TransferPayout(ctx, &gateway.PayoutRequest{
		SettlementID:  row.ID,
		RecipientID:   row.RecipientID,
		RecipientName: row.RecipientName,
		BankAccount:   bankAccount,
		Amount:        row.NetAmount,
		Currency:      "KRW",
	})
	if err != nil {
		return e.fail(ctx, row, err)
	}
	return e.complete(ctx, row, resp)
}

func (e *SettlementEngine) complete(ctx context.Context, row *model.Settlement, resp *gateway.PayoutResponse) error {
	now := e.clock.Now()
	row.Status = model.SettlementStatusCompleted
	row.CompletedAt = &now
	if resp != nil {
		row.TransactionID = &resp.TransactionID
		if resp.ReceiptURL != "" {
			row.ReceiptURL = &resp.ReceiptURL
		}
	}
	if err := e.settlements.Update(ctx, row); err != nil {
		return err
	}

	e.logger.Info("Settlement completed",
		zap.Int64("settlement_id", row.ID),
		zap.Int64("payment_id", row.PaymentID),
		zap.String("recipient_id", row.RecipientID),
		zap.Int64("net_amount", row.NetAmount))
	return nil
}

// fail records a payout failure. Rows under the retry bound go back to
// pending with a delayed schedule; exhausted rows go to failed and raise an
// operator alert.
func (e *SettlementEngine) fail(ctx context.Context, row *model.Settlement, cause error) error {
	row.RetryCount++
	reason := cause.Error()
	row.FailureReason = &reason

	if row.RetryCount < e.cfg.MaxRetries {
		next := e.clock.Now().Add(retryBackoff(row.RetryCount))
		row.Status = model.SettlementStatusPending
		row.ScheduledAt = &next
		if err := e.settlements.Update(ctx, row); err != nil {
			return err
		}
		e.logger.Warn("Settlement payout will be retried",
			zap.Int64("settlement_id", row.ID),
			zap.Int("retry_count", row.RetryCount),
			zap.Time("next_attempt", next),
			zap.Error(cause))
		return cause
	}

	row.Status = model.SettlementStatusFailed
	if err := e.settlements.Update(ctx, row); err != nil {
		return err
	}
	e.alerts.Notify(ctx, alert.KindSettlementFailed,
		fmt.Sprintf("settlement %d failed after %d attempts", row.ID, row.RetryCount),
		map[string]interface{}{
			"settlement_id": row.ID,
			"payment_id":    row.PaymentID,
			"recipient_id":  row.RecipientID,
			"net_amount":    row.NetAmount,
			"reason":        reason,
		})
	return &domainErrors.RetryExhaustedError{Operation: "settlement payout", Attempts: row.RetryCount}
}

// ListByPayment returns the settlement rows for one payment.
func (e *SettlementEngine) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Settlement, error) {
	return e.settlements.ListByPayment(ctx, paymentID)
}

// List returns settlements matching a filter.
func (e *SettlementEngine) List(ctx context.Context, filter repository.SettlementFilter) ([]*model.Settlement, error) {
	return e.settlements.List(ctx, filter)
}

// Summarize aggregates settlement amounts per recipient over a period.
func (e *SettlementEngine) Summarize(ctx context.Context, from, to time.Time) ([]repository.SettlementSummary, error) {
	return e.settlements.Summarize(ctx, from, to)
}
