package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/alert"
	"github.com/o4o-platform/payment-service/internal/config"
	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

func confirmedFixture(t *testing.T, opts fixtureOptions) (*fixture, *model.Payment) {
	t.Helper()
	f := newFixture(t, opts)
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)
	return f, payment
}

func settlementsByRecipient(t *testing.T, f *fixture, paymentID int64) map[string]*model.Settlement {
	t.Helper()
	rows, err := f.repos.Settlement.ListByPayment(context.Background(), paymentID)
	require.NoError(t, err)
	out := make(map[string]*model.Settlement, len(rows))
	for _, row := range rows {
		if !row.Compensation {
			out[row.RecipientID] = row
		}
	}
	return out
}

func TestSettlementEngine_SplitExactlySumsToAmount(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})

	rows, err := f.repos.Settlement.ListByPayment(context.Background(), payment.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	byRecipient := settlementsByRecipient(t, f, payment.ID)
	assert.Equal(t, int64(70000), byRecipient["supplier-1"].GrossAmount)
	assert.Equal(t, int64(20000), byRecipient["partner-1"].GrossAmount)
	assert.Equal(t, int64(10000), byRecipient["platform"].GrossAmount)

	var total int64
	for _, row := range rows {
		total += row.GrossAmount
		assert.Equal(t, model.SettlementStatusPending, row.Status)
	}
	assert.Equal(t, payment.Amount, total)
}

func TestSettlementEngine_RoundingRemainderGoesToPlatform(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	payment, err := f.payments.Register(ctx, &usecase.RegisterPaymentRequest{
		OrderID: "order-odd",
		Amount:  100,
		Method:  "card",
		Recipients: []usecase.RecipientShareRequest{
			{Type: "supplier", ID: "supplier-1", Rate: "0.333"},
			{Type: "partner", ID: "partner-1", Rate: "0.333"},
			{Type: "platform", ID: "platform", Rate: "0.334"},
		},
	}, "")
	require.NoError(t, err)

	_, err = f.ledger.ApplyTransition(ctx, payment.ID, model.PaymentStatusDone, usecase.TransitionEvidence{})
	require.NoError(t, err)

	byRecipient := settlementsByRecipient(t, f, payment.ID)
	// 33 + 33 + 33 leaves 1 unit; it lands on the platform row.
	assert.Equal(t, int64(33), byRecipient["supplier-1"].GrossAmount)
	assert.Equal(t, int64(33), byRecipient["partner-1"].GrossAmount)
	assert.Equal(t, int64(34), byRecipient["platform"].GrossAmount)
}

func TestSettlementEngine_FeeAndTax(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{
		feeRates: map[string]string{"supplier": "0.033", "partner": "0.033"},
		taxRate:  "0.1",
	})

	byRecipient := settlementsByRecipient(t, f, payment.ID)

	supplier := byRecipient["supplier-1"]
	assert.Equal(t, int64(70000), supplier.GrossAmount)
	assert.Equal(t, int64(2310), supplier.Fee) // 70000 * 0.033
	assert.Equal(t, int64(231), supplier.Tax)  // 2310 * 0.1
	assert.Equal(t, int64(67459), supplier.NetAmount)

	partner := byRecipient["partner-1"]
	assert.Equal(t, int64(660), partner.Fee)
	assert.Equal(t, int64(66), partner.Tax)
	assert.Equal(t, int64(19274), partner.NetAmount)

	// Platform carries no fee on its own share.
	platform := byRecipient["platform"]
	assert.Equal(t, int64(0), platform.Fee)
	assert.Equal(t, int64(10000), platform.NetAmount)
}

func TestSettlementEngine_PayoutCadencePerRecipientType(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})
	byRecipient := settlementsByRecipient(t, f, payment.ID)

	approvedAt := f.clock.Now()
	require.NotNil(t, byRecipient["supplier-1"].ScheduledAt)
	assert.Equal(t, approvedAt.Add(7*24*time.Hour), *byRecipient["supplier-1"].ScheduledAt)
	assert.Equal(t, approvedAt.Add(14*24*time.Hour), *byRecipient["partner-1"].ScheduledAt)
	assert.Equal(t, approvedAt, *byRecipient["platform"].ScheduledAt)
}

func TestSettlementEngine_RejectsOverAllocation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	// Registration rejects rates summing above 1 outright.
	_, err := f.payments.Register(ctx, &usecase.RegisterPaymentRequest{
		OrderID: "order-over",
		Amount:  100000,
		Method:  "card",
		Recipients: []usecase.RecipientShareRequest{
			{Type: "supplier", ID: "supplier-1", Rate: "0.8"},
			{Type: "partner", ID: "partner-1", Rate: "0.4"},
		},
	}, "")
	require.Error(t, err)
	var invariantErr *domainErrors.InvariantViolationError
	assert.ErrorAs(t, err, &invariantErr)
}

func TestSettlementEngine_SecondFanOutRejected(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})
	ctx := context.Background()

	err := f.engine.CreateForPaymentTx(ctx, f.repos, payment)
	require.Error(t, err)
	var invariantErr *domainErrors.InvariantViolationError
	assert.ErrorAs(t, err, &invariantErr)

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSettlementEngine_ProcessDueCompletes(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})
	ctx := context.Background()

	// Nothing is due before the cadence elapses except the platform row.
	completed, err := f.engine.ProcessDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, completed)

	f.clock.Advance(15 * 24 * time.Hour)
	completed, err = f.engine.ProcessDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, completed)

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.SettlementStatusCompleted, row.Status)
		require.NotNil(t, row.CompletedAt)
		require.NotNil(t, row.TransactionID)
	}
}

// rivalTickGateway runs a second engine's due sweep on the first payout call,
// so the rival ticks in the window between this worker's claim committing and
// the payout going out.
type rivalTickGateway struct {
	*fakeGateway
	rival    *usecase.SettlementEngine
	once     sync.Once
	rivalN   int
	rivalErr error
}

func (g *rivalTickGateway) TransferPayout(ctx context.Context, req *gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	g.once.Do(func() {
		g.rivalN, g.rivalErr = g.rival.ProcessDue(ctx, 100)
	})
	return g.fakeGateway.TransferPayout(ctx, req)
}

func TestSettlementEngine_ClaimedRowsInvisibleToSecondWorker(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})
	ctx := context.Background()
	logger := zap.NewNop()

	cfg := config.SettlementConfig{
		MaxRetries: 3,
		PayoutCadenceDays: map[string]int{
			"supplier": 7,
			"partner":  14,
			"platform": 0,
		},
	}

	rivalGW := &fakeGateway{}
	rival := usecase.NewSettlementEngine(&memTxManager{store: f.store}, f.repos.Settlement,
		rivalGW, nil, cfg, alert.NewPublisher(nil, "", f.clock, logger), f.clock, logger)

	gw := &rivalTickGateway{fakeGateway: &fakeGateway{}, rival: rival}
	engine := usecase.NewSettlementEngine(&memTxManager{store: f.store}, f.repos.Settlement,
		gw, nil, cfg, alert.NewPublisher(nil, "", f.clock, logger), f.clock, logger)

	f.clock.Advance(15 * 24 * time.Hour)
	completed, err := engine.ProcessDue(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 3, completed)

	// The rival found nothing: the first worker marked the rows processing
	// before its claim committed, so each row is paid exactly once.
	require.NoError(t, gw.rivalErr)
	assert.Equal(t, 0, gw.rivalN)
	assert.Equal(t, 0, rivalGW.payoutCalls())
	assert.Equal(t, 3, gw.payoutCalls())

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.SettlementStatusCompleted, row.Status)
	}
}

func TestSettlementEngine_PayoutRetriesThenFails(t *testing.T) {
	f, payment := confirmedFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.gw.failPayouts = 10

	f.clock.Advance(15 * 24 * time.Hour)

	// Three runs consume the retry budget (max_retries = 3).
	for i := 0; i < 3; i++ {
		_, err := f.engine.ProcessDue(ctx, 100)
		require.NoError(t, err)
		f.clock.Advance(48 * time.Hour)
	}

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.SettlementStatusFailed, row.Status)
		assert.Equal(t, 3, row.RetryCount)
		require.NotNil(t, row.FailureReason)
	}
}

func TestSettlementEngine_AdjustForRefund_FullZeroesEverything(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 45000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 45000)

	txErr := (&memTxManager{store: f.store}).WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		locked, err := repos.Payment.GetByIDForUpdate(ctx, payment.ID)
		require.NoError(t, err)
		balanceBefore := locked.RemainingAmount()
		if _, err := f.ledger.RecordCancellationTx(ctx, repos, locked.ID, 45000, "full refund"); err != nil {
			return err
		}
		return f.engine.AdjustForRefundTx(ctx, repos, locked, 45000, balanceBefore)
	})
	require.NoError(t, txErr)

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for _, row := range rows {
		assert.Equal(t, model.SettlementStatusCancelled, row.Status)
	}
}

func TestSettlementEngine_AdjustForRefund_PartialScalesProportionally(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	txErr := (&memTxManager{store: f.store}).WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		locked, err := repos.Payment.GetByIDForUpdate(ctx, payment.ID)
		require.NoError(t, err)
		balanceBefore := locked.RemainingAmount()
		if _, err := f.ledger.RecordCancellationTx(ctx, repos, locked.ID, 50000, "half refund"); err != nil {
			return err
		}
		return f.engine.AdjustForRefundTx(ctx, repos, locked, 50000, balanceBefore)
	})
	require.NoError(t, txErr)

	byRecipient := settlementsByRecipient(t, f, payment.ID)
	assert.Equal(t, int64(35000), byRecipient["supplier-1"].GrossAmount)
	assert.Equal(t, int64(10000), byRecipient["partner-1"].GrossAmount)
	assert.Equal(t, int64(5000), byRecipient["platform"].GrossAmount)
}

func TestSettlementEngine_AdjustForRefund_CompletedGetsCompensation(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	// Pay everything out first.
	f.clock.Advance(15 * 24 * time.Hour)
	_, err := f.engine.ProcessDue(ctx, 100)
	require.NoError(t, err)

	txErr := (&memTxManager{store: f.store}).WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		locked, err := repos.Payment.GetByIDForUpdate(ctx, payment.ID)
		require.NoError(t, err)
		balanceBefore := locked.RemainingAmount()
		if _, err := f.ledger.RecordCancellationTx(ctx, repos, locked.ID, 100000, "full refund"); err != nil {
			return err
		}
		return f.engine.AdjustForRefundTx(ctx, repos, locked, 100000, balanceBefore)
	})
	require.NoError(t, txErr)

	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	require.Len(t, rows, 6)

	var compensations []*model.Settlement
	for _, row := range rows {
		if row.Compensation {
			compensations = append(compensations, row)
			continue
		}
		// Completed originals are never mutated.
		assert.Equal(t, model.SettlementStatusCompleted, row.Status)
	}
	require.Len(t, compensations, 3)

	var compTotal int64
	for _, comp := range compensations {
		assert.Negative(t, comp.GrossAmount)
		assert.Equal(t, model.SettlementStatusPending, comp.Status)
		compTotal += comp.GrossAmount
	}
	assert.Equal(t, int64(-100000), compTotal)
}
