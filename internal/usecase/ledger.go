package usecase

import (
	"context"
	"time"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
	"go.uber.org/zap"
)

// allowedTransitions is the legal state table for the payment ledger.
// done is the only state from which cancellation is legal; cancellation is
// recorded through RecordCancellation, which derives canceled vs
// partial_canceled from the amounts.
var allowedTransitions = map[model.PaymentStatus][]model.PaymentStatus{
	model.PaymentStatusPending: {
		model.PaymentStatusInProgress,
		model.PaymentStatusWaitingForDeposit,
		model.PaymentStatusDone,
		model.PaymentStatusAborted,
	},
	model.PaymentStatusInProgress: {
		model.PaymentStatusWaitingForDeposit,
		model.PaymentStatusDone,
		model.PaymentStatusAborted,
	},
	model.PaymentStatusWaitingForDeposit: {
		model.PaymentStatusDone,
		model.PaymentStatusExpired,
	},
	model.PaymentStatusDone: {
		model.PaymentStatusCanceled,
		model.PaymentStatusPartialCanceled,
	},
	model.PaymentStatusPartialCanceled: {
		model.PaymentStatusCanceled,
		model.PaymentStatusPartialCanceled,
	},
	model.PaymentStatusCanceled: {},
	model.PaymentStatusAborted:  {},
	model.PaymentStatusExpired:  {},
}

// CanTransition reports whether the ledger allows moving from one status to
// another.
func CanTransition(from, to model.PaymentStatus) bool {
	for _, allowed := range allowedTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionEvidence carries the gateway data persisted alongside a
// transition.
type TransitionEvidence struct {
	PaymentKey      *string
	TransactionKey  *string
	FailureCode     *string
	FailureMessage  *string
	DepositDeadline *time.Time
	Raw             model.JSONB
}

// Ledger owns the canonical state of payments and their legal transitions.
// The payment row is mutated only here.
type Ledger struct {
	txm    repository.TxManager
	engine *SettlementEngine
	clock  gateway.Clock
	logger *zap.Logger
}

// NewLedger creates a payment ledger.
func NewLedger(txm repository.TxManager, engine *SettlementEngine, clock gateway.Clock, logger *zap.Logger) *Ledger {
	return &Ledger{
		txm:    txm,
		engine: engine,
		clock:  clock,
		logger: logger,
	}
}

// ApplyTransition validates and persists a status transition in its own
// transaction.
func (l *Ledger) ApplyTransition(ctx context.Context, paymentID int64, target model.PaymentStatus, evidence TransitionEvidence) (*model.Payment, error) {
	var payment *model.Payment
	err := l.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var txErr error
		payment, txErr = l.ApplyTransitionTx(ctx, repos, paymentID, target, evidence)
		return txErr
	})
	return payment, err
}

// ApplyTransitionTx applies a transition inside the caller's transaction so
// the caller can atomically persist related state (the triggering webhook's
// processed flag). A transition into done triggers settlement fan-out within
// the same transaction.
func (l *Ledger) ApplyTransitionTx(ctx context.Context, repos *repository.Repositories, paymentID int64, target model.PaymentStatus, evidence TransitionEvidence) (*model.Payment, error) {
	payment, err := repos.Payment.GetByIDForUpdate(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: ""}
	}

	if !CanTransition(payment.Status, target) {
		return nil, &domainErrors.InvalidTransitionError{
			PaymentID: payment.ID,
			From:      string(payment.Status),
			To:        string(target),
		}
	}

	from := payment.Status
	now := l.clock.Now()
	payment.Status = target
	if evidence.PaymentKey != nil && *evidence.PaymentKey != "" {
		payment.PaymentKey = evidence.PaymentKey
	}
	if evidence.Raw != nil {
		payment.RawResponse = evidence.Raw
	}

	switch target {
	case model.PaymentStatusDone:
		payment.ApprovedAt = &now
		payment.Balance = payment.Amount
	case model.PaymentStatusWaitingForDeposit:
		payment.DepositDeadline = evidence.DepositDeadline
	case model.PaymentStatusAborted:
		payment.FailureCode = evidence.FailureCode
		payment.FailureMessage = evidence.FailureMessage
	}

	if err := repos.Payment.Update(ctx, payment); err != nil {
		return nil, err
	}

	l.logger.Info("Payment transitioned",
		zap.Int64("payment_id", payment.ID),
		zap.String("order_id", payment.OrderID),
		zap.String("from", string(from)),
		zap.String("to", string(target)))

	if target == model.PaymentStatusDone {
		if err := l.engine.CreateForPaymentTx(ctx, repos, payment); err != nil {
			return nil, err
		}
	}

	return payment, nil
}

// RecordCancellationTx records a full or partial cancellation inside the
// caller's transaction. Status becomes canceled when the accumulated cancel
// amount reaches the payment amount, partial_canceled otherwise.
func (l *Ledger) RecordCancellationTx(ctx context.Context, repos *repository.Repositories, paymentID int64, amount int64, reason string) (*model.Payment, error) {
	payment, err := repos.Payment.GetByIDForUpdate(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, &domainErrors.PaymentNotFoundError{OrderID: ""}
	}

	if payment.Status != model.PaymentStatusDone && payment.Status != model.PaymentStatusPartialCanceled {
		return nil, &domainErrors.InvalidTransitionError{
			PaymentID: payment.ID,
			From:      string(payment.Status),
			To:        string(model.PaymentStatusCanceled),
		}
	}

	if amount <= 0 {
		return nil, &domainErrors.InvariantViolationError{
			Invariant: "cancelAmount > 0",
			Detail:    "cancellation amount must be positive",
		}
	}
	if payment.CancelAmount+amount > payment.Amount {
		return nil, &domainErrors.InvariantViolationError{
			Invariant: "cancelAmount <= amount",
			Detail:    "cancellation exceeds payment amount",
		}
	}

	now := l.clock.Now()
	payment.CancelAmount += amount
	payment.Balance = payment.Amount - payment.CancelAmount
	payment.CancelHistory = append(payment.CancelHistory, model.CancelRecord{
		Amount:     amount,
		Reason:     reason,
		CanceledAt: now,
	})
	payment.CancelReason = &reason
	if payment.CancelAmount == payment.Amount {
		payment.Status = model.PaymentStatusCanceled
		payment.CanceledAt = &now
	} else {
		payment.Status = model.PaymentStatusPartialCanceled
	}

	if err := repos.Payment.Update(ctx, payment); err != nil {
		return nil, err
	}

	l.logger.Info("Payment cancellation recorded",
		zap.Int64("payment_id", payment.ID),
		zap.Int64("cancel_amount", amount),
		zap.Int64("total_canceled", payment.CancelAmount),
		zap.String("status", string(payment.Status)))

	return payment, nil
}

// RecordCancellation records a cancellation in its own transaction.
func (l *Ledger) RecordCancellation(ctx context.Context, paymentID int64, amount int64, reason string) (*model.Payment, error) {
	var payment *model.Payment
	err := l.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		var txErr error
		payment, txErr = l.RecordCancellationTx(ctx, repos, paymentID, amount, reason)
		return txErr
	})
	return payment, err
}

// ExpireOverdueDeposits moves waiting_for_deposit payments past their deposit
// deadline to expired. This is a timeout, not a gateway-driven transition.
func (l *Ledger) ExpireOverdueDeposits(ctx context.Context, limit int) (int, error) {
	expired := 0
	err := l.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		overdue, err := repos.Payment.ListOverdueDeposits(ctx, l.clock.Now(), limit)
		if err != nil {
			return err
		}
		for _, payment := range overdue {
			if _, err := l.ApplyTransitionTx(ctx, repos, payment.ID, model.PaymentStatusExpired, TransitionEvidence{}); err != nil {
				return err
			}
			expired++
		}
		return nil
	})
	if expired > 0 {
		l.logger.Info("Expired overdue virtual account payments", zap.Int("count", expired))
	}
	return expired, err
}
