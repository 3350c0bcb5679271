package alert

import (
	"context"
	"time"

	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/pkg/messaging"
	"go.uber.org/zap"
)

// Alert kinds published for operator attention.
const (
	KindWebhookRetryExhausted = "webhook_retry_exhausted"
	KindRefundFailed          = "refund_failed"
	KindSettlementFailed      = "settlement_failed"
	KindRefundStuck           = "refund_stuck"
	KindInvariantViolation    = "invariant_violation"
)

// Event is one operator-visible alert.
type Event struct {
	Kind    string                 `json:"kind"`
	Message string                 `json:"message"`
	Fields  map[string]interface{} `json:"fields,omitempty"`
	At      time.Time              `json:"at"`
}

// Publisher fans operator alerts out over redis pub/sub. A nil client
// downgrades alerts to log lines, so the service runs without redis.
type Publisher struct {
	client  messaging.RedisClient
	channel string
	clock   gateway.Clock
	logger  *zap.Logger
}

// NewPublisher creates an alert publisher. client may be nil.
func NewPublisher(client messaging.RedisClient, channel string, clock gateway.Clock, logger *zap.Logger) *Publisher {
	if channel == "" {
		channel = "alerts:payments"
	}
	return &Publisher{
		client:  client,
		channel: channel,
		clock:   clock,
		logger:  logger,
	}
}

// Notify publishes one alert. Publish failures are logged, never propagated;
// an alert must not fail the operation that raised it.
func (p *Publisher) Notify(ctx context.Context, kind, message string, fields map[string]interface{}) {
	event := Event{
		Kind:    kind,
		Message: message,
		Fields:  fields,
		At:      p.clock.Now(),
	}

	p.logger.Warn("operator alert",
		zap.String("kind", kind),
		zap.String("message", message),
		zap.Any("fields", fields))

	if p.client == nil {
		return
	}

	if err := p.client.Publish(ctx, p.channel, event); err != nil {
		p.logger.Error("Failed to publish operator alert",
			zap.String("kind", kind),
			zap.Error(err))
	}
}
