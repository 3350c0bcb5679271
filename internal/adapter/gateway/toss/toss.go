package toss

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"go.uber.org/zap"
)

const apiVersion = "v1"

// Client talks to the TossPayments-style gateway REST API with basic auth.
// Every call carries the request context plus the configured timeout.
type Client struct {
	baseURL   string
	secretKey string
	client    *http.Client
	logger    *zap.Logger
}

// NewClient creates a gateway client.
func NewClient(baseURL, secretKey string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		secretKey: secretKey,
		client:    &http.Client{Timeout: timeout},
		logger:    logger,
	}
}

// Name returns the gateway name.
func (c *Client) Name() string {
	return "toss"
}

// CancelPayment reverses funds against a payment.
// POST /v1/payments/{paymentKey}/cancel
func (c *Client) CancelPayment(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelResponse, error) {
	c.logger.Info("Gateway: canceling payment",
		zap.String("payment_key", req.PaymentKey),
		zap.Int64("amount", req.Amount))

	body := map[string]interface{}{
		"cancelReason": req.Reason,
		"cancelAmount": req.Amount,
	}

	url := fmt.Sprintf("%s/%s/payments/%s/cancel", c.baseURL, apiVersion, req.PaymentKey)
	respBody, err := c.post(ctx, url, body, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}

	var result struct {
		Cancels []struct {
			TransactionKey string    `json:"transactionKey"`
			CanceledAt     time.Time `json:"canceledAt"`
			ReceiptURL     string    `json:"receiptUrl"`
		} `json:"cancels"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &domainErrors.GatewayError{
			Code:    "PARSE_ERROR",
			Message: "failed to parse cancel response",
		}
	}

	var raw map[string]interface{}
	_ = json.Unmarshal(respBody, &raw)

	resp := &gateway.CancelResponse{Raw: raw}
	if len(result.Cancels) > 0 {
		last := result.Cancels[len(result.Cancels)-1]
		resp.RefundKey = last.TransactionKey
		resp.ReceiptURL = last.ReceiptURL
		resp.CanceledAt = last.CanceledAt
	}

	c.logger.Info("Gateway: payment canceled",
		zap.String("payment_key", req.PaymentKey),
		zap.String("refund_key", resp.RefundKey))

	return resp, nil
}

// TransferPayout pays out one settlement to its recipient.
// POST /v1/transfers
func (c *Client) TransferPayout(ctx context.Context, req *gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	c.logger.Info("Gateway: transferring payout",
		zap.Int64("settlement_id", req.SettlementID),
		zap.String("recipient_id", req.RecipientID),
		zap.Int64("amount", req.Amount))

	body := map[string]interface{}{
		"referenceId": fmt.Sprintf("settlement-%d", req.SettlementID),
		"account":     req.BankAccount,
		"holderName":  req.RecipientName,
		"amount":      req.Amount,
		"currency":    req.Currency,
	}

	url := fmt.Sprintf("%s/%s/transfers", c.baseURL, apiVersion)
	respBody, err := c.post(ctx, url, body, fmt.Sprintf("settlement-%d", req.SettlementID))
	if err != nil {
		return nil, err
	}

	var result struct {
		TransferKey   string    `json:"transferKey"`
		ReceiptURL    string    `json:"receiptUrl"`
		TransferredAt time.Time `json:"transferredAt"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &domainErrors.GatewayError{
			Code:    "PARSE_ERROR",
			Message: "failed to parse transfer response",
		}
	}

	return &gateway.PayoutResponse{
		TransactionID: result.TransferKey,
		ReceiptURL:    result.ReceiptURL,
		TransferredAt: result.TransferredAt,
	}, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]interface{}, idempotencyKey string) ([]byte, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, &domainErrors.GatewayError{
			Code:    "MARSHAL_ERROR",
			Message: "failed to prepare request",
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, &domainErrors.GatewayError{
			Code:    "REQUEST_ERROR",
			Message: "failed to create request",
		}
	}

	auth := base64.StdEncoding.EncodeToString([]byte(c.secretKey + ":"))
	httpReq.Header.Set("Authorization", "Basic "+auth)
	httpReq.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error("Gateway: request failed", zap.String("url", url), zap.Error(err))
		return nil, &domainErrors.GatewayError{
			Code:      "NETWORK_ERROR",
			Message:   err.Error(),
			Transient: true,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &domainErrors.GatewayError{
			Code:      "RESPONSE_ERROR",
			Message:   "failed to read response",
			Transient: true,
		}
	}

	if resp.StatusCode != http.StatusOK {
		var errResp struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(respBody, &errResp)

		c.logger.Error("Gateway: API error",
			zap.String("url", url),
			zap.Int("status_code", resp.StatusCode),
			zap.String("code", errResp.Code),
			zap.String("message", errResp.Message))

		return nil, &domainErrors.GatewayError{
			Code:      errResp.Code,
			Message:   errResp.Message,
			Transient: resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	return respBody, nil
}
