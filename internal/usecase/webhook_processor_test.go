package usecase_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

func TestWebhookProcessor_ConfirmationDrivesLedgerAndSettlements(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)

	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	assert.Equal(t, model.PaymentStatusDone, payment.Status)
	require.NotNil(t, payment.PaymentKey)
	assert.Equal(t, "pay-key-1", *payment.PaymentKey)

	settlements, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, settlements, 3)
}

func TestWebhookProcessor_DuplicateDeliveryIsIgnored(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)

	delivery := f.webhook(t, confirmedPayload("order-1", "pay-key-1", 100000))

	first, err := f.processor.Process(ctx, delivery)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// The gateway redelivers the same event.
	second, err := f.processor.Process(ctx, delivery)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Event.ID, second.Event.ID)

	// Exactly one settlement set exists.
	payment, err := f.repos.Payment.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	settlements, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	assert.Len(t, settlements, 3)
}

func TestWebhookProcessor_RejectsBadSignature(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)

	delivery := f.webhook(t, confirmedPayload("order-1", "pay-key-1", 100000))
	delivery.Signature = "forged"

	result, err := f.processor.Process(ctx, delivery)
	require.ErrorIs(t, err, domainErrors.ErrSignatureInvalid)
	require.NotNil(t, result)
	assert.Equal(t, model.WebhookStatusSkipped, result.Event.Status)
	assert.False(t, result.Event.SignatureVerified)

	// The ledger was never touched.
	payment, err := f.repos.Payment.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusPending, payment.Status)
}

func TestWebhookProcessor_MalformedPayloadIsRecorded(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)

	// Correctly signed, but the body is not JSON.
	body := []byte("not-json{")
	delivery := &usecase.InboundWebhook{
		Body:      body,
		Signature: signBody(body),
		SourceIP:  "198.51.100.10",
		UserAgent: "gateway/1.0",
	}

	result, err := f.processor.Process(ctx, delivery)
	require.Error(t, err)
	require.NotNil(t, result)
	assert.Equal(t, model.WebhookStatusSkipped, result.Event.Status)
	assert.True(t, result.Event.SignatureVerified)
	require.NotNil(t, result.Event.LastError)

	// The delivery still left an audit row.
	stored, err := f.repos.Webhook.GetByID(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusSkipped, stored.Status)

	// Skipped rows are never retried.
	retried, err := f.processor.ProcessRetries(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestWebhookProcessor_OutOfOrderEventIsSkipped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	// A second confirmation under a different transaction key is not a
	// duplicate, but the transition done -> done is illegal.
	late := confirmedPayload("order-1", "pay-key-1", 100000)
	late["data"].(map[string]interface{})["transactionKey"] = "txn-late"

	result, err := f.processor.Process(ctx, f.webhook(t, late))
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.Equal(t, model.WebhookStatusSkipped, result.Event.Status)

	// Skipped events are never retried.
	retried, err := f.processor.ProcessRetries(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestWebhookProcessor_UnknownPaymentRetriesWithBackoff(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	// Webhook arrives before our registration write landed.
	result, err := f.processor.Process(ctx, f.webhook(t, confirmedPayload("order-late", "pay-key-1", 100000)))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusFailed, result.Event.Status)

	stored, err := f.repos.Webhook.GetByID(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.RetryCount)
	require.NotNil(t, stored.NextRetryAt)
	assert.Equal(t, f.clock.Now().Add(5*time.Minute), *stored.NextRetryAt)

	// Registration lands; the retry picks the event up.
	f.registerPayment(t, "order-late", 100000)
	f.clock.Advance(6 * time.Minute)

	processed, err := f.processor.ProcessRetries(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)

	payment, err := f.repos.Payment.GetByOrderID(ctx, "order-late")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDone, payment.Status)
}

func TestWebhookProcessor_RetryBudgetExhausts(t *testing.T) {
	f := newFixture(t, fixtureOptions{webhookMaxRetries: 2})
	ctx := context.Background()

	// The referenced payment never shows up.
	result, err := f.processor.Process(ctx, f.webhook(t, confirmedPayload("order-ghost", "pay-key-1", 100000)))
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	_, err = f.processor.ProcessRetries(ctx, 100)
	require.NoError(t, err)

	stored, err := f.repos.Webhook.GetByID(ctx, result.Event.ID)
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusFailed, stored.Status)
	assert.Equal(t, 2, stored.RetryCount)
	assert.Nil(t, stored.NextRetryAt)
	assert.False(t, stored.Processed)

	// Exhausted events drop out of the retry queue.
	f.clock.Advance(48 * time.Hour)
	retried, err := f.processor.ProcessRetries(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, retried)
}

func TestWebhookProcessor_VirtualAccountFlow(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-va", 50000)

	dueDate := f.clock.Now().Add(72 * time.Hour)
	issued := map[string]interface{}{
		"eventType": model.EventTypeVirtualAccountIssued,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-va",
			"orderId":        "order-va",
			"transactionKey": "txn-va-1",
			"status":         "WAITING_FOR_DEPOSIT",
			"totalAmount":    50000,
			"virtualAccount": map[string]interface{}{
				"dueDate": dueDate.Format(time.RFC3339),
			},
		},
	}

	result, err := f.processor.Process(ctx, f.webhook(t, issued))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, result.Event.Status)

	payment, err := f.repos.Payment.GetByOrderID(ctx, "order-va")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusWaitingForDeposit, payment.Status)
	require.NotNil(t, payment.DepositDeadline)
	assert.True(t, payment.DepositDeadline.Equal(dueDate))

	deposit := map[string]interface{}{
		"eventType": model.EventTypeDepositConfirmed,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-va",
			"orderId":        "order-va",
			"transactionKey": "txn-va-2",
			"status":         "DONE",
			"totalAmount":    50000,
		},
	}

	result, err = f.processor.Process(ctx, f.webhook(t, deposit))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, result.Event.Status)

	payment, err = f.repos.Payment.GetByOrderID(ctx, "order-va")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDone, payment.Status)
}

func TestWebhookProcessor_FailureEventAborts(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)

	failed := map[string]interface{}{
		"eventType": model.EventTypePaymentFailed,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-1",
			"orderId":        "order-1",
			"transactionKey": "txn-fail",
			"status":         "ABORTED",
			"totalAmount":    100000,
			"failure": map[string]interface{}{
				"code":    "REJECT_CARD_COMPANY",
				"message": "card declined",
			},
		},
	}

	result, err := f.processor.Process(ctx, f.webhook(t, failed))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, result.Event.Status)

	payment, err := f.repos.Payment.GetByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusAborted, payment.Status)
	require.NotNil(t, payment.FailureCode)
	assert.Equal(t, "REJECT_CARD_COMPANY", *payment.FailureCode)
}

func TestWebhookProcessor_CancelWebhookReconcilesAlreadyRecordedRefund(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	// Our refund flow already recorded the cancellation.
	_, err := f.ledger.RecordCancellation(ctx, payment.ID, 40000, "customer request")
	require.NoError(t, err)

	// The gateway's cancel webhook arrives afterwards.
	canceled := map[string]interface{}{
		"eventType": model.EventTypePaymentCanceled,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-1",
			"orderId":        "order-1",
			"transactionKey": "txn-cancel-1",
			"status":         "PARTIAL_CANCELED",
			"totalAmount":    100000,
			"balanceAmount":  60000,
			"cancels": []map[string]interface{}{
				{"transactionKey": "txn-cancel-1", "cancelAmount": 40000, "cancelReason": "customer request"},
			},
		},
	}

	result, err := f.processor.Process(ctx, f.webhook(t, canceled))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, result.Event.Status)

	// No double count.
	stored, err := f.repos.Payment.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40000), stored.CancelAmount)
	assert.Len(t, stored.CancelHistory, 1)
}

func TestWebhookProcessor_CancelWebhookRecordsGatewayInitiatedCancel(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	// A cancel performed in the gateway dashboard, unknown to us.
	canceled := map[string]interface{}{
		"eventType": model.EventTypePaymentCanceled,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-1",
			"orderId":        "order-1",
			"transactionKey": "txn-cancel-dash",
			"status":         "CANCELED",
			"totalAmount":    100000,
			"balanceAmount":  0,
			"cancels": []map[string]interface{}{
				{"transactionKey": "txn-cancel-dash", "cancelAmount": 100000, "cancelReason": "operator cancel"},
			},
		},
	}

	result, err := f.processor.Process(ctx, f.webhook(t, canceled))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusProcessed, result.Event.Status)

	stored, err := f.repos.Payment.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCanceled, stored.Status)
	assert.Equal(t, int64(100000), stored.CancelAmount)

	// Settlements were cancelled with the payment.
	rows, err := f.repos.Settlement.ListByPayment(ctx, payment.ID)
	require.NoError(t, err)
	for _, row := range rows {
		assert.Equal(t, model.SettlementStatusCancelled, row.Status)
	}
}

func TestWebhookProcessor_CancelExceedingAmountIsSkipped(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()
	f.registerPayment(t, "order-1", 100000)
	payment := f.confirmPayment(t, "order-1", "pay-key-1", 100000)

	// Payload claims more canceled than was ever paid.
	canceled := map[string]interface{}{
		"eventType": model.EventTypePaymentCanceled,
		"createdAt": f.clock.Now().Format(time.RFC3339),
		"data": map[string]interface{}{
			"paymentKey":     "pay-key-1",
			"orderId":        "order-1",
			"transactionKey": "txn-cancel-bad",
			"status":         "CANCELED",
			"totalAmount":    100000,
			"balanceAmount":  0,
			"cancels": []map[string]interface{}{
				{"transactionKey": "txn-cancel-bad", "cancelAmount": 150000, "cancelReason": "corrupt payload"},
			},
		},
	}

	result, err := f.processor.Process(ctx, f.webhook(t, canceled))
	require.NoError(t, err)
	assert.Equal(t, model.WebhookStatusSkipped, result.Event.Status)

	// Ledger untouched; nothing queued for retry.
	stored, err := f.repos.Payment.GetByID(ctx, payment.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusDone, stored.Status)
	assert.Equal(t, int64(0), stored.CancelAmount)

	n, err := f.processor.ProcessRetries(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
