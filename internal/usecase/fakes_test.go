package usecase_test

import (
	"context"
	"sort"
	"sync"
	"time"

	domainErrors "github.com/o4o-platform/payment-service/internal/domain/errors"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/domain/model"
	"github.com/o4o-platform/payment-service/internal/domain/repository"
)

// In-memory repositories shared by the flow tests. They keep the row
// semantics the real adapters rely on (idempotency key conflicts, status
// filters, due-time queries) without a database.

type memStore struct {
	mu          sync.Mutex
	payments    map[int64]*model.Payment
	settlements map[int64]*model.Settlement
	webhooks    map[int64]*model.WebhookEvent
	refunds     map[int64]*model.Refund
	nextID      int64
}

func newMemStore() *memStore {
	return &memStore{
		payments:    make(map[int64]*model.Payment),
		settlements: make(map[int64]*model.Settlement),
		webhooks:    make(map[int64]*model.WebhookEvent),
		refunds:     make(map[int64]*model.Refund),
	}
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) repos() *repository.Repositories {
	return &repository.Repositories{
		Payment:    &memPaymentRepo{store: s},
		Settlement: &memSettlementRepo{store: s},
		Webhook:    &memWebhookRepo{store: s},
		Refund:     &memRefundRepo{store: s},
	}
}

// memTxManager hands the caller the shared store. The flow tests assert
// committed state, not rollback behavior.
type memTxManager struct {
	store *memStore
}

func (m *memTxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context, repos *repository.Repositories) error) error {
	return fn(ctx, m.store.repos())
}

type memPaymentRepo struct {
	store *memStore
}

func clonePayment(p *model.Payment) *model.Payment {
	c := *p
	return &c
}

func (r *memPaymentRepo) Create(ctx context.Context, payment *model.Payment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	payment.ID = r.store.id()
	r.store.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r *memPaymentRepo) GetByID(ctx context.Context, id int64) (*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	p, ok := r.store.payments[id]
	if !ok {
		return nil, nil
	}
	return clonePayment(p), nil
}

func (r *memPaymentRepo) GetByOrderID(ctx context.Context, orderID string) (*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, p := range r.store.payments {
		if p.OrderID == orderID {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (r *memPaymentRepo) GetByPaymentKey(ctx context.Context, paymentKey string) (*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, p := range r.store.payments {
		if p.PaymentKey != nil && *p.PaymentKey == paymentKey {
			return clonePayment(p), nil
		}
	}
	return nil, nil
}

func (r *memPaymentRepo) GetByIDForUpdate(ctx context.Context, id int64) (*model.Payment, error) {
	return r.GetByID(ctx, id)
}

func (r *memPaymentRepo) Update(ctx context.Context, payment *model.Payment) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.payments[payment.ID] = clonePayment(payment)
	return nil
}

func (r *memPaymentRepo) List(ctx context.Context, limit, offset int) ([]*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.store.payments {
		out = append(out, clonePayment(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (r *memPaymentRepo) ListOverdueDeposits(ctx context.Context, now time.Time, limit int) ([]*model.Payment, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Payment
	for _, p := range r.store.payments {
		if p.Status == model.PaymentStatusWaitingForDeposit && p.DepositDeadline != nil && p.DepositDeadline.Before(now) {
			out = append(out, clonePayment(p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memSettlementRepo struct {
	store *memStore
}

func cloneSettlement(s *model.Settlement) *model.Settlement {
	c := *s
	return &c
}

func (r *memSettlementRepo) CreateBatch(ctx context.Context, settlements []*model.Settlement) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, s := range settlements {
		s.ID = r.store.id()
		r.store.settlements[s.ID] = cloneSettlement(s)
	}
	return nil
}

func (r *memSettlementRepo) GetByID(ctx context.Context, id int64) (*model.Settlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	s, ok := r.store.settlements[id]
	if !ok {
		return nil, nil
	}
	return cloneSettlement(s), nil
}

func (r *memSettlementRepo) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Settlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Settlement
	for _, s := range r.store.settlements {
		if s.PaymentID == paymentID {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSettlementRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.Settlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Settlement
	for _, s := range r.store.settlements {
		if (s.Status == model.SettlementStatusPending || s.Status == model.SettlementStatusScheduled) &&
			s.ScheduledAt != nil && !s.ScheduledAt.After(now) {
			out = append(out, cloneSettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memSettlementRepo) Update(ctx context.Context, settlement *model.Settlement) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.settlements[settlement.ID] = cloneSettlement(settlement)
	return nil
}

func (r *memSettlementRepo) List(ctx context.Context, filter repository.SettlementFilter) ([]*model.Settlement, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Settlement
	for _, s := range r.store.settlements {
		if filter.PaymentID != nil && s.PaymentID != *filter.PaymentID {
			continue
		}
		if filter.Status != nil && s.Status != *filter.Status {
			continue
		}
		if filter.RecipientType != nil && s.RecipientType != *filter.RecipientType {
			continue
		}
		if filter.RecipientID != nil && s.RecipientID != *filter.RecipientID {
			continue
		}
		out = append(out, cloneSettlement(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memSettlementRepo) Summarize(ctx context.Context, from, to time.Time) ([]repository.SettlementSummary, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	byRecipient := make(map[string]*repository.SettlementSummary)
	var keys []string
	for _, s := range r.store.settlements {
		if s.Status == model.SettlementStatusCancelled {
			continue
		}
		if s.CreatedAt.Before(from) || s.CreatedAt.After(to) {
			continue
		}
		key := string(s.RecipientType) + ":" + s.RecipientID
		summary, ok := byRecipient[key]
		if !ok {
			summary = &repository.SettlementSummary{
				RecipientType: s.RecipientType,
				RecipientID:   s.RecipientID,
				RecipientName: s.RecipientName,
			}
			byRecipient[key] = summary
			keys = append(keys, key)
		}
		summary.Count++
		summary.GrossAmount += s.GrossAmount
		summary.Fee += s.Fee
		summary.Tax += s.Tax
		summary.NetAmount += s.NetAmount
	}
	sort.Strings(keys)
	out := make([]repository.SettlementSummary, 0, len(keys))
	for _, key := range keys {
		out = append(out, *byRecipient[key])
	}
	return out, nil
}

type memWebhookRepo struct {
	store *memStore
}

func cloneEvent(e *model.WebhookEvent) *model.WebhookEvent {
	c := *e
	return &c
}

func (r *memWebhookRepo) Save(ctx context.Context, event *model.WebhookEvent) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if event.IdempotencyKey != nil {
		for _, existing := range r.store.webhooks {
			if existing.IdempotencyKey != nil && *existing.IdempotencyKey == *event.IdempotencyKey {
				// Unique index conflict: do nothing, like the real adapter.
				return nil
			}
		}
	}
	event.ID = r.store.id()
	r.store.webhooks[event.ID] = cloneEvent(event)
	return nil
}

func (r *memWebhookRepo) GetByID(ctx context.Context, id int64) (*model.WebhookEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	e, ok := r.store.webhooks[id]
	if !ok {
		return nil, nil
	}
	return cloneEvent(e), nil
}

func (r *memWebhookRepo) GetByIdempotencyKey(ctx context.Context, key string) (*model.WebhookEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, e := range r.store.webhooks {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			return cloneEvent(e), nil
		}
	}
	return nil, nil
}

func (r *memWebhookRepo) MarkProcessing(ctx context.Context, id int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.webhooks[id]; ok {
		e.Status = model.WebhookStatusProcessing
	}
	return nil
}

func (r *memWebhookRepo) MarkProcessed(ctx context.Context, id int64, processedAt time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.webhooks[id]; ok {
		e.Status = model.WebhookStatusProcessed
		e.Processed = true
		e.ProcessedAt = &processedAt
	}
	return nil
}

func (r *memWebhookRepo) MarkFailed(ctx context.Context, id int64, procErr error, retryCount int, nextRetryAt *time.Time) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.webhooks[id]; ok {
		e.Status = model.WebhookStatusFailed
		msg := procErr.Error()
		e.LastError = &msg
		e.RetryCount = retryCount
		e.NextRetryAt = nextRetryAt
	}
	return nil
}

func (r *memWebhookRepo) MarkSkipped(ctx context.Context, id int64, reason string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	if e, ok := r.store.webhooks[id]; ok {
		e.Status = model.WebhookStatusSkipped
		e.LastError = &reason
	}
	return nil
}

func (r *memWebhookRepo) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.WebhookEvent
	for _, e := range r.store.webhooks {
		if e.Processed || (e.Status != model.WebhookStatusReceived && e.Status != model.WebhookStatusFailed) {
			continue
		}
		if e.RetryCount >= e.MaxRetries {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		out = append(out, cloneEvent(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memRefundRepo struct {
	store *memStore
}

func cloneRefund(rf *model.Refund) *model.Refund {
	c := *rf
	c.Items = append([]model.RefundItem(nil), rf.Items...)
	return &c
}

func (r *memRefundRepo) Create(ctx context.Context, refund *model.Refund) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	refund.ID = r.store.id()
	for i := range refund.Items {
		refund.Items[i].ID = r.store.id()
		refund.Items[i].RefundID = refund.ID
	}
	r.store.refunds[refund.ID] = cloneRefund(refund)
	return nil
}

func (r *memRefundRepo) GetByID(ctx context.Context, id int64) (*model.Refund, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	rf, ok := r.store.refunds[id]
	if !ok {
		return nil, nil
	}
	return cloneRefund(rf), nil
}

func (r *memRefundRepo) Update(ctx context.Context, refund *model.Refund) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.refunds[refund.ID] = cloneRefund(refund)
	return nil
}

func (r *memRefundRepo) ListByPayment(ctx context.Context, paymentID int64) ([]*model.Refund, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Refund
	for _, rf := range r.store.refunds {
		if rf.PaymentID == paymentID {
			out = append(out, cloneRefund(rf))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRefundRepo) List(ctx context.Context, status *model.RefundStatus, limit, offset int) ([]*model.Refund, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Refund
	for _, rf := range r.store.refunds {
		if status != nil && rf.Status != *status {
			continue
		}
		out = append(out, cloneRefund(rf))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *memRefundRepo) ListStuckProcessing(ctx context.Context, since time.Time) ([]*model.Refund, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	var out []*model.Refund
	for _, rf := range r.store.refunds {
		if rf.Status == model.RefundStatusProcessing && rf.UpdatedAt.Before(since) {
			out = append(out, cloneRefund(rf))
		}
	}
	return out, nil
}

// fakeGateway records outbound calls and fails the first failCancels /
// failPayouts attempts with a transient gateway error.
type fakeGateway struct {
	mu          sync.Mutex
	cancels     []*gateway.CancelRequest
	payouts     []*gateway.PayoutRequest
	failCancels int
	failPayouts int
}

func (g *fakeGateway) CancelPayment(ctx context.Context, req *gateway.CancelRequest) (*gateway.CancelResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failCancels > 0 {
		g.failCancels--
		return nil, &domainErrors.GatewayError{Code: "PROVIDER_ERROR", Message: "temporary outage", Transient: true}
	}
	g.cancels = append(g.cancels, req)
	return &gateway.CancelResponse{
		RefundKey:  "refund-key-1",
		ReceiptURL: "https://gateway.example/receipts/1",
		CanceledAt: time.Now(),
	}, nil
}

func (g *fakeGateway) TransferPayout(ctx context.Context, req *gateway.PayoutRequest) (*gateway.PayoutResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failPayouts > 0 {
		g.failPayouts--
		return nil, &domainErrors.GatewayError{Code: "PROVIDER_ERROR", Message: "temporary outage", Transient: true}
	}
	g.payouts = append(g.payouts, req)
	return &gateway.PayoutResponse{
		TransactionID: "txn-1",
		TransferredAt: time.Now(),
	}, nil
}

func (g *fakeGateway) Name() string {
	return "fake"
}

func (g *fakeGateway) cancelCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cancels)
}

func (g *fakeGateway) payoutCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payouts)
}
