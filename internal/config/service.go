package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type ServiceConfig struct {
	Name        string `yaml:"name"`
	Environment string `yaml:"environment"`
	Version     string `yaml:"version"`
	ClientURL   string `yaml:"client_url"`
	JWTSecret   string `yaml:"jwt_secret"`

	Gateway    GatewayConfig    `yaml:"gateway"`
	Webhook    WebhookConfig    `yaml:"webhook"`
	Refund     RefundConfig     `yaml:"refund"`
	Settlement SettlementConfig `yaml:"settlement"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Redis      RedisConfig      `yaml:"redis"`
}

// GatewayConfig configures the external payment gateway client.
type GatewayConfig struct {
	BaseURL       string   `yaml:"base_url"`
	SecretKey     string   `yaml:"secret_key"`
	WebhookSecret string   `yaml:"webhook_secret"`
	Timeout       Duration `yaml:"timeout"`
}

// WebhookConfig bounds webhook retry behavior.
type WebhookConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// RefundConfig bounds refund retry behavior.
type RefundConfig struct {
	MaxRetries int `yaml:"max_retries"`
}

// SettlementConfig carries the externally configured fee/tax schedule and
// payout cadence. Rates are decimal fractions as strings (e.g. "0.033").
type SettlementConfig struct {
	MaxRetries int `yaml:"max_retries"`
	// PayoutCadenceDays maps recipient type to T+N payout days.
	PayoutCadenceDays map[string]int `yaml:"payout_cadence_days"`
	// FeeRates maps recipient type to the platform/gateway fee rate on gross.
	FeeRates map[string]string `yaml:"fee_rates"`
	// TaxRate is applied to the fee base (VAT-on-commission).
	TaxRate string `yaml:"tax_rate"`
	// EncryptionKey is the hex-encoded AES-256 key for bank account snapshots.
	EncryptionKey string `yaml:"encryption_key"`
}

// SchedulerConfig sets worker intervals.
type SchedulerConfig struct {
	WebhookRetryInterval  Duration `yaml:"webhook_retry_interval"`
	PayoutInterval        Duration `yaml:"payout_interval"`
	DepositExpiryInterval Duration `yaml:"deposit_expiry_interval"`
	StuckRefundInterval   Duration `yaml:"stuck_refund_interval"`
	StuckRefundThreshold  Duration `yaml:"stuck_refund_threshold"`
}

// RedisConfig configures the operator alert channel. Alerts are disabled when
// Addr is empty.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	AlertChannel string `yaml:"alert_channel"`
}

// Validate checks required fields and parseability of the rate schedule.
func (c *ServiceConfig) Validate() error {
	if c.Gateway.WebhookSecret == "" {
		return fmt.Errorf("gateway.webhook_secret is required")
	}
	if c.Webhook.MaxRetries <= 0 {
		c.Webhook.MaxRetries = 5
	}
	if c.Refund.MaxRetries <= 0 {
		c.Refund.MaxRetries = 3
	}
	if c.Settlement.MaxRetries <= 0 {
		c.Settlement.MaxRetries = 3
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = Duration(10 * time.Second)
	}
	for recipientType, rate := range c.Settlement.FeeRates {
		if _, err := decimal.NewFromString(rate); err != nil {
			return fmt.Errorf("invalid fee rate for %s: %w", recipientType, err)
		}
	}
	if c.Settlement.TaxRate != "" {
		if _, err := decimal.NewFromString(c.Settlement.TaxRate); err != nil {
			return fmt.Errorf("invalid tax rate: %w", err)
		}
	}
	return nil
}

// FeeRate returns the fee rate for a recipient type, zero when unconfigured.
func (c *SettlementConfig) FeeRate(recipientType string) decimal.Decimal {
	rate, ok := c.FeeRates[recipientType]
	if !ok {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Tax returns the configured tax rate, zero when unconfigured.
func (c *SettlementConfig) Tax() decimal.Decimal {
	if c.TaxRate == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(c.TaxRate)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Cadence returns the payout delay for a recipient type, defaulting to T+7.
func (c *SettlementConfig) Cadence(recipientType string) time.Duration {
	days, ok := c.PayoutCadenceDays[recipientType]
	if !ok {
		days = 7
	}
	return time.Duration(days) * 24 * time.Hour
}
