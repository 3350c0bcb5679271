package usecase

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
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

// InboundWebhook is one raw gateway delivery as received over HTTP.
type InboundWebhook struct {
	Body           []byte
	Signature      string
	IdempotencyKey string
	SourceIP       string
	UserAgent      string
	Headers        map[string]interface{}
}

// ProcessResult reports how a delivery was handled. Duplicate means the event
// was already processed under the same idempotency key and nothing changed.
type ProcessResult struct {
	Event     *model.WebhookEvent
	Duplicate bool
}

// webhookPayload is the gateway's event envelope.
type webhookPayload struct {
	EventID   string      `json:"eventId"`
	EventType string      `json:"eventType"`
	CreatedAt string      `json:"createdAt"`
	Data      webhookData `json:"data"`
}

type webhookData struct {
	PaymentKey     string `json:"paymentKey"`
	OrderID        string `json:"orderId"`
	TransactionKey string `json:"transactionKey"`
	Status         string `json:"status"`
	TotalAmount    int64  `json:"totalAmount"`
	BalanceAmount  *int64 `json:"balanceAmount"`
	CancelReason   string `json:"cancelReason"`
	Cancels        []struct {
		TransactionKey string `json:"transactionKey"`
		CancelAmount   int64  `json:"cancelAmount"`
		CancelReason   string `json:"cancelReason"`
	} `json:"cancels"`
	Failure *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"failure"`
	VirtualAccount *struct {
		DueDate string `json:"dueDate"`
	} `json:"virtualAccount"`
}

// WebhookProcessor ingests gateway events exactly once and translates them
// into ledger transitions.
type WebhookProcessor struct {
	txm    repository.TxManager
	repos  *repository.Repositories
	ledger *Ledger
	engine *SettlementEngine
	cfg    config.WebhookConfig
	secret string
	alerts *alert.Publisher
	clock  gateway.Clock
	locks  *keyedMutex
	logger *zap.Logger
}

// NewWebhookProcessor creates a webhook processor.
func NewWebhookProcessor(
	txm repository.TxManager,
	repos *repository.Repositories,
	ledger *Ledger,
	engine *SettlementEngine,
	cfg config.WebhookConfig,
	webhookSecret string,
	alerts *alert.Publisher,
	clock gateway.Clock,
	logger *zap.Logger,
) *WebhookProcessor {
	return &WebhookProcessor{
		txm:    txm,
		repos:  repos,
		ledger: ledger,
		engine: engine,
		cfg:    cfg,
		secret: webhookSecret,
		alerts: alerts,
		clock:  clock,
		locks:  newKeyedMutex(),
		logger: logger,
	}
}

// verifySignature checks the HMAC-SHA256 signature over the raw body.
func (p *WebhookProcessor) verifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(p.secret))
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

// Process handles one inbound delivery. The event row is persisted before any
// ledger work so every delivery leaves an audit trail, including rejected
// ones. Signature and parse failures are recorded as skipped and return an
// error (the gateway should not redeliver those); everything else is settled
// internally and returns nil.
func (p *WebhookProcessor) Process(ctx context.Context, in *InboundWebhook) (*ProcessResult, error) {
	var payload webhookPayload
	parseErr := json.Unmarshal(in.Body, &payload)

	if !p.verifySignature(in.Body, in.Signature) {
		event := p.buildEvent(in, &payload, false)
		event.Status = model.WebhookStatusSkipped
		reason := domainErrors.ErrSignatureInvalid.Error()
		event.LastError = &reason
		if err := p.repos.Webhook.Save(ctx, event); err != nil {
			p.logger.Error("Failed to record rejected webhook", zap.Error(err))
		}
		p.logger.Warn("Webhook signature rejected",
			zap.String("source_ip", in.SourceIP),
			zap.String("event_type", payload.EventType))
		return &ProcessResult{Event: event}, domainErrors.ErrSignatureInvalid
	}

	if parseErr != nil {
		// Signed but unparseable. Still leaves an audit row so the delivery
		// can be inspected later.
		event := p.buildEvent(in, &payload, true)
		event.Status = model.WebhookStatusSkipped
		reason := fmt.Sprintf("invalid webhook payload: %v", parseErr)
		event.LastError = &reason
		if err := p.repos.Webhook.Save(ctx, event); err != nil {
			p.logger.Error("Failed to record malformed webhook", zap.Error(err))
		}
		p.logger.Warn("Webhook payload rejected",
			zap.String("source_ip", in.SourceIP),
			zap.Error(parseErr))
		return &ProcessResult{Event: event}, fmt.Errorf("invalid webhook payload: %w", parseErr)
	}

	idemKey := in.IdempotencyKey
	if idemKey == "" {
		idemKey = fmt.Sprintf("%s:%s:%s", payload.Data.PaymentKey, payload.EventType, payload.Data.TransactionKey)
	}

	// Serialize per payment so concurrent deliveries for the same payment
	// apply one at a time.
	lockKey := payload.Data.PaymentKey
	if lockKey == "" {
		lockKey = payload.Data.OrderID
	}
	p.locks.Lock(lockKey)
	defer p.locks.Unlock(lockKey)

	event := p.buildEvent(in, &payload, true)
	event.IdempotencyKey = &idemKey
	if err := p.repos.Webhook.Save(ctx, event); err != nil {
		return nil, err
	}

	// Save does nothing on an idempotency key conflict, so re-read the
	// surviving row. A processed row means this delivery is a duplicate.
	stored, err := p.repos.Webhook.GetByIdempotencyKey(ctx, idemKey)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, fmt.Errorf("webhook event vanished after save: %s", idemKey)
	}
	if stored.Processed {
		p.logger.Info("Duplicate webhook ignored",
			zap.String("idempotency_key", idemKey),
			zap.String("event_type", stored.EventType))
		return &ProcessResult{Event: stored, Duplicate: true}, nil
	}

	p.handle(ctx, stored, &payload)
	return &ProcessResult{Event: stored}, nil
}

// buildEvent assembles the audit row for one delivery.
func (p *WebhookProcessor) buildEvent(in *InboundWebhook, payload *webhookPayload, verified bool) *model.WebhookEvent {
	event := &model.WebhookEvent{
		EventID:           payload.EventID,
		EventType:         payload.EventType,
		Status:            model.WebhookStatusReceived,
		SignatureVerified: verified,
		MaxRetries:        p.cfg.MaxRetries,
		Headers:           model.JSONB(in.Headers),
	}
	if event.EventType == "" {
		event.EventType = "UNKNOWN"
	}
	if payload.Data.PaymentKey != "" {
		event.PaymentKey = &payload.Data.PaymentKey
	}
	if payload.Data.OrderID != "" {
		event.OrderID = &payload.Data.OrderID
	}
	if payload.Data.TransactionKey != "" {
		event.TransactionKey = &payload.Data.TransactionKey
	}
	if in.Signature != "" {
		event.Signature = &in.Signature
	}
	if in.SourceIP != "" {
		event.SourceIP = &in.SourceIP
	}
	if in.UserAgent != "" {
		event.UserAgent = &in.UserAgent
	}
	if created, err := time.Parse(time.RFC3339, payload.CreatedAt); err == nil {
		event.GatewayCreatedAt = &created
	}

	var raw model.JSONB
	if err := json.Unmarshal(in.Body, &raw); err == nil {
		event.Payload = raw
	} else {
		event.Payload = model.JSONB{"raw": string(in.Body)}
	}
	return event
}

// handle applies one stored event to the ledger and settles its outcome:
// processed, skipped for out-of-order or unknown events, or failed with a
// retry schedule.
func (p *WebhookProcessor) handle(ctx context.Context, event *model.WebhookEvent, payload *webhookPayload) {
	if !knownEventType(event.EventType) {
		if err := p.repos.Webhook.MarkSkipped(ctx, event.ID, fmt.Sprintf("unknown event type %s", event.EventType)); err != nil {
			p.logger.Error("Failed to mark webhook skipped", zap.Int64("event_id", event.ID), zap.Error(err))
		}
		event.Status = model.WebhookStatusSkipped
		return
	}

	if err := p.repos.Webhook.MarkProcessing(ctx, event.ID); err != nil {
		p.logger.Error("Failed to mark webhook processing", zap.Int64("event_id", event.ID), zap.Error(err))
		return
	}

	err := p.apply(ctx, event, payload)
	if err == nil {
		event.Processed = true
		event.Status = model.WebhookStatusProcessed
		return
	}

	if domainErrors.IsInvalidTransition(err) {
		// Out-of-order or already-applied event. Recording it as skipped is
		// final; retrying would never make the transition legal.
		if markErr := p.repos.Webhook.MarkSkipped(ctx, event.ID, err.Error()); markErr != nil {
			p.logger.Error("Failed to mark webhook skipped", zap.Int64("event_id", event.ID), zap.Error(markErr))
		}
		event.Status = model.WebhookStatusSkipped
		p.logger.Warn("Webhook skipped",
			zap.Int64("event_id", event.ID),
			zap.String("event_type", event.EventType),
			zap.Error(err))
		return
	}

	var invariantErr *domainErrors.InvariantViolationError
	if errors.As(err, &invariantErr) {
		// Deterministic: the payload contradicts the ledger (e.g. a cancel
		// larger than the recorded amount). Retrying cannot fix it.
		if markErr := p.repos.Webhook.MarkSkipped(ctx, event.ID, err.Error()); markErr != nil {
			p.logger.Error("Failed to mark webhook skipped", zap.Int64("event_id", event.ID), zap.Error(markErr))
		}
		event.Status = model.WebhookStatusSkipped
		p.alerts.Notify(ctx, alert.KindInvariantViolation,
			fmt.Sprintf("webhook %d (%s) violates ledger invariant: %s", event.ID, event.EventType, invariantErr.Invariant),
			map[string]interface{}{
				"event_id":    event.ID,
				"event_type":  event.EventType,
				"payment_key": payload.Data.PaymentKey,
				"order_id":    payload.Data.OrderID,
				"error":       err.Error(),
			})
		return
	}

	// Missing payments (webhook raced our own registration) and transient
	// failures are retried with backoff until the budget runs out.
	event.RetryCount++
	var nextRetryAt *time.Time
	if !event.RetryExhausted() {
		next := p.clock.Now().Add(retryBackoff(event.RetryCount))
		nextRetryAt = &next
	}
	if markErr := p.repos.Webhook.MarkFailed(ctx, event.ID, err, event.RetryCount, nextRetryAt); markErr != nil {
		p.logger.Error("Failed to mark webhook failed", zap.Int64("event_id", event.ID), zap.Error(markErr))
	}
	event.Status = model.WebhookStatusFailed

	if event.RetryExhausted() {
		p.alerts.Notify(ctx, alert.KindWebhookRetryExhausted,
			fmt.Sprintf("webhook %d (%s) failed after %d attempts", event.ID, event.EventType, event.RetryCount),
			map[string]interface{}{
				"event_id":    event.ID,
				"event_type":  event.EventType,
				"payment_key": payload.Data.PaymentKey,
				"order_id":    payload.Data.OrderID,
				"error":       err.Error(),
			})
		return
	}

	p.logger.Warn("Webhook processing failed, will retry",
		zap.Int64("event_id", event.ID),
		zap.String("event_type", event.EventType),
		zap.Int("retry_count", event.RetryCount),
		zap.Error(err))
}

// apply translates one event into ledger work. Every path persists the ledger
// change and the event's processed flag in the same transaction.
func (p *WebhookProcessor) apply(ctx context.Context, event *model.WebhookEvent, payload *webhookPayload) error {
	switch event.EventType {
	case model.EventTypePaymentConfirmed, model.EventTypeDepositConfirmed:
		return p.applyTransition(ctx, event, payload, model.PaymentStatusDone)

	case model.EventTypeVirtualAccountIssued:
		return p.applyTransition(ctx, event, payload, model.PaymentStatusWaitingForDeposit)

	case model.EventTypePaymentFailed:
		return p.applyTransition(ctx, event, payload, model.PaymentStatusAborted)

	case model.EventTypePaymentCanceled:
		return p.applyCancellation(ctx, event, payload)

	default:
		return fmt.Errorf("unhandled event type %s", event.EventType)
	}
}

func knownEventType(eventType string) bool {
	switch eventType {
	case model.EventTypePaymentConfirmed,
		model.EventTypeDepositConfirmed,
		model.EventTypeVirtualAccountIssued,
		model.EventTypePaymentFailed,
		model.EventTypePaymentCanceled:
		return true
	}
	return false
}

func (p *WebhookProcessor) applyTransition(ctx context.Context, event *model.WebhookEvent, payload *webhookPayload, target model.PaymentStatus) error {
	payment, err := p.findPayment(ctx, payload)
	if err != nil {
		return err
	}

	evidence := TransitionEvidence{Raw: event.Payload}
	if payload.Data.PaymentKey != "" {
		evidence.PaymentKey = &payload.Data.PaymentKey
	}
	if payload.Data.TransactionKey != "" {
		evidence.TransactionKey = &payload.Data.TransactionKey
	}
	if payload.Data.Failure != nil {
		evidence.FailureCode = &payload.Data.Failure.Code
		evidence.FailureMessage = &payload.Data.Failure.Message
	}
	if payload.Data.VirtualAccount != nil {
		if due, parseErr := time.Parse(time.RFC3339, payload.Data.VirtualAccount.DueDate); parseErr == nil {
			evidence.DepositDeadline = &due
		}
	}

	return p.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		if _, err := p.ledger.ApplyTransitionTx(ctx, repos, payment.ID, target, evidence); err != nil {
			return err
		}
		return repos.Webhook.MarkProcessed(ctx, event.ID, p.clock.Now())
	})
}

// applyCancellation reconciles the gateway's cancel state against the ledger.
// Only the delta not yet recorded is applied, so a cancel webhook arriving
// after our own refund flow already recorded it becomes a no-op instead of a
// double count.
func (p *WebhookProcessor) applyCancellation(ctx context.Context, event *model.WebhookEvent, payload *webhookPayload) error {
	payment, err := p.findPayment(ctx, payload)
	if err != nil {
		return err
	}

	var totalCanceled int64
	reason := payload.Data.CancelReason
	for _, cancel := range payload.Data.Cancels {
		totalCanceled += cancel.CancelAmount
		if cancel.CancelReason != "" {
			reason = cancel.CancelReason
		}
	}
	if totalCanceled == 0 && payload.Data.BalanceAmount != nil {
		totalCanceled = payload.Data.TotalAmount - *payload.Data.BalanceAmount
	}
	if reason == "" {
		reason = "gateway cancellation"
	}

	return p.txm.WithinTransaction(ctx, func(ctx context.Context, repos *repository.Repositories) error {
		locked, err := repos.Payment.GetByIDForUpdate(ctx, payment.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return &domainErrors.PaymentNotFoundError{OrderID: payment.OrderID}
		}

		delta := totalCanceled - locked.CancelAmount
		if delta <= 0 {
			// Already recorded through the refund flow.
			return repos.Webhook.MarkProcessed(ctx, event.ID, p.clock.Now())
		}

		balanceBefore := locked.RemainingAmount()
		if _, err := p.ledger.RecordCancellationTx(ctx, repos, locked.ID, delta, reason); err != nil {
			return err
		}
		if err := p.engine.AdjustForRefundTx(ctx, repos, locked, delta, balanceBefore); err != nil {
			return err
		}
		return repos.Webhook.MarkProcessed(ctx, event.ID, p.clock.Now())
	})
}

func (p *WebhookProcessor) findPayment(ctx context.Context, payload *webhookPayload) (*model.Payment, error) {
	if payload.Data.OrderID != "" {
		payment, err := p.repos.Payment.GetByOrderID(ctx, payload.Data.OrderID)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}
	if payload.Data.PaymentKey != "" {
		payment, err := p.repos.Payment.GetByPaymentKey(ctx, payload.Data.PaymentKey)
		if err != nil {
			return nil, err
		}
		if payment != nil {
			return payment, nil
		}
	}
	return nil, &domainErrors.PaymentNotFoundError{
		OrderID:    payload.Data.OrderID,
		PaymentKey: payload.Data.PaymentKey,
	}
}

// ProcessRetries re-runs events whose retry time has come. Called from the
// scheduler.
func (p *WebhookProcessor) ProcessRetries(ctx context.Context, limit int) (int, error) {
	events, err := p.repos.Webhook.ListRetryable(ctx, p.clock.Now(), limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, event := range events {
		raw, err := json.Marshal(event.Payload)
		if err != nil {
			p.logger.Error("Failed to re-encode webhook payload", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}
		var payload webhookPayload
		if err := json.Unmarshal(raw, &payload); err != nil {
			p.logger.Error("Failed to re-parse webhook payload", zap.Int64("event_id", event.ID), zap.Error(err))
			continue
		}

		lockKey := ""
		if event.PaymentKey != nil {
			lockKey = *event.PaymentKey
		} else if event.OrderID != nil {
			lockKey = *event.OrderID
		}
		p.locks.Lock(lockKey)
		p.handle(ctx, event, &payload)
		p.locks.Unlock(lockKey)

		if event.Status == model.WebhookStatusProcessed {
			processed++
		}
	}
	return processed, nil
}
