package usecase_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/alert"
	"github.com/o4o-platform/payment-service/internal/config"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

const testWebhookSecret = "test-webhook-secret"

type fixture struct {
	store     *memStore
	repos     *repository.Repositories
	clock     *gateway.FakeClock
	gw        *fakeGateway
	engine    *usecase.SettlementEngine
	ledger    *usecase.Ledger
	processor *usecase.WebhookProcessor
	refunds   *usecase.RefundManager
	payments  *usecase.PaymentService
}

type fixtureOptions struct {
	feeRates          map[string]string
	taxRate           string
	webhookMaxRetries int
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()

	store := newMemStore()
	repos := store.repos()
	txm := &memTxManager{store: store}
	clock := gateway.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	gw := &fakeGateway{}
	logger := zap.NewNop()
	alerts := alert.NewPublisher(nil, "", clock, logger)

	if opts.webhookMaxRetries == 0 {
		opts.webhookMaxRetries = 5
	}
	settlementCfg := config.SettlementConfig{
		MaxRetries: 3,
		PayoutCadenceDays: map[string]int{
			"supplier": 7,
			"partner":  14,
			"platform": 0,
		},
		FeeRates: opts.feeRates,
		TaxRate:  opts.taxRate,
	}

	engine := usecase.NewSettlementEngine(txm, repos.Settlement, gw, nil, settlementCfg, alerts, clock, logger)
	ledger := usecase.NewLedger(txm, engine, clock, logger)
	processor := usecase.NewWebhookProcessor(txm, repos, ledger, engine,
		config.WebhookConfig{MaxRetries: opts.webhookMaxRetries}, testWebhookSecret, alerts, clock, logger)
	refunds := usecase.NewRefundManager(txm, repos, ledger, engine, gw,
		config.RefundConfig{MaxRetries: 3}, alerts, clock, logger)
	payments := usecase.NewPaymentService(repos, clock, logger)

	return &fixture{
		store:     store,
		repos:     repos,
		clock:     clock,
		gw:        gw,
		engine:    engine,
		ledger:    ledger,
		processor: processor,
		refunds:   refunds,
		payments:  payments,
	}
}

// registerPayment seeds a pending payment with the standard 70/20/10 split.
func (f *fixture) registerPayment(t *testing.T, orderID string, amount int64) *model.Payment {
	t.Helper()
	payment, err := f.payments.Register(context.Background(), &usecase.RegisterPaymentRequest{
		OrderID: orderID,
		Amount:  amount,
		Method:  "card",
		Recipients: []usecase.RecipientShareRequest{
			{Type: "supplier", ID: "supplier-1", Name: "Supplier One", Rate: "0.7"},
			{Type: "partner", ID: "partner-1", Name: "Partner One", Rate: "0.2"},
			{Type: "platform", ID: "platform", Name: "Platform", Rate: "0.1"},
		},
	}, "203.0.113.7")
	require.NoError(t, err)
	return payment
}

// confirmPayment drives a payment to done through the webhook path.
func (f *fixture) confirmPayment(t *testing.T, orderID, paymentKey string, amount int64) *model.Payment {
	t.Helper()
	res, err := f.processor.Process(context.Background(), f.webhook(t, confirmedPayload(orderID, paymentKey, amount)))
	require.NoError(t, err)
	require.False(t, res.Duplicate)
	require.Equal(t, model.WebhookStatusProcessed, res.Event.Status)

	payment, err := f.repos.Payment.GetByOrderID(context.Background(), orderID)
	require.NoError(t, err)
	require.NotNil(t, payment)
	return payment
}

// webhook wraps a payload into a signed inbound delivery.
func (f *fixture) webhook(t *testing.T, payload map[string]interface{}) *usecase.InboundWebhook {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	return &usecase.InboundWebhook{
		Body:      body,
		Signature: signBody(body),
		SourceIP:  "198.51.100.10",
		UserAgent: "gateway/1.0",
	}
}

func signBody(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func confirmedPayload(orderID, paymentKey string, amount int64) map[string]interface{} {
	return map[string]interface{}{
		"eventType": model.EventTypePaymentConfirmed,
		"createdAt": "2025-06-01T12:00:00Z",
		"data": map[string]interface{}{
			"paymentKey":     paymentKey,
			"orderId":        orderID,
			"transactionKey": fmt.Sprintf("txn-%s", paymentKey),
			"status":         "DONE",
			"totalAmount":    amount,
		},
	}
}
