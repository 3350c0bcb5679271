package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/o4o-platform/payment-service/internal/config"
	"github.com/o4o-platform/payment-service/internal/usecase"
)

const batchSize = 100

// Scheduler runs the background workers: webhook retries, settlement payouts,
// virtual account deposit expiry and stuck refund detection.
type Scheduler struct {
	processor *usecase.WebhookProcessor
	engine    *usecase.SettlementEngine
	ledger    *usecase.Ledger
	refunds   *usecase.RefundManager
	cfg       config.SchedulerConfig
	logger    *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler.
func New(
	processor *usecase.WebhookProcessor,
	engine *usecase.SettlementEngine,
	ledger *usecase.Ledger,
	refunds *usecase.RefundManager,
	cfg config.SchedulerConfig,
	logger *zap.Logger,
) *Scheduler {
	if cfg.WebhookRetryInterval <= 0 {
		cfg.WebhookRetryInterval = config.Duration(time.Minute)
	}
	if cfg.PayoutInterval <= 0 {
		cfg.PayoutInterval = config.Duration(5 * time.Minute)
	}
	if cfg.DepositExpiryInterval <= 0 {
		cfg.DepositExpiryInterval = config.Duration(10 * time.Minute)
	}
	if cfg.StuckRefundInterval <= 0 {
		cfg.StuckRefundInterval = config.Duration(30 * time.Minute)
	}
	if cfg.StuckRefundThreshold <= 0 {
		cfg.StuckRefundThreshold = config.Duration(time.Hour)
	}
	return &Scheduler{
		processor: processor,
		engine:    engine,
		ledger:    ledger,
		refunds:   refunds,
		cfg:       cfg,
		logger:    logger,
	}
}

// Start launches the workers. They run until Stop is called.
func (s *Scheduler) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.run(ctx, "webhook-retry", s.cfg.WebhookRetryInterval.Std(), func(ctx context.Context) {
		if n, err := s.processor.ProcessRetries(ctx, batchSize); err != nil {
			s.logger.Error("Webhook retry run failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Webhook retries processed", zap.Int("count", n))
		}
	})

	s.run(ctx, "settlement-payout", s.cfg.PayoutInterval.Std(), func(ctx context.Context) {
		if n, err := s.engine.ProcessDue(ctx, batchSize); err != nil {
			s.logger.Error("Settlement payout run failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Info("Settlements paid out", zap.Int("count", n))
		}
	})

	s.run(ctx, "deposit-expiry", s.cfg.DepositExpiryInterval.Std(), func(ctx context.Context) {
		if _, err := s.ledger.ExpireOverdueDeposits(ctx, batchSize); err != nil {
			s.logger.Error("Deposit expiry run failed", zap.Error(err))
		}
	})

	s.run(ctx, "stuck-refunds", s.cfg.StuckRefundInterval.Std(), func(ctx context.Context) {
		if n, err := s.refunds.DetectStuckRefunds(ctx, s.cfg.StuckRefundThreshold.Std()); err != nil {
			s.logger.Error("Stuck refund detection failed", zap.Error(err))
		} else if n > 0 {
			s.logger.Warn("Stuck refunds detected", zap.Int("count", n))
		}
	})

	s.logger.Info("Scheduler started",
		zap.Duration("webhook_retry_interval", s.cfg.WebhookRetryInterval.Std()),
		zap.Duration("payout_interval", s.cfg.PayoutInterval.Std()),
		zap.Duration("deposit_expiry_interval", s.cfg.DepositExpiryInterval.Std()),
		zap.Duration("stuck_refund_interval", s.cfg.StuckRefundInterval.Std()))
}

func (s *Scheduler) run(ctx context.Context, name string, interval time.Duration, tick func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Debug("Worker stopped", zap.String("worker", name))
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

// Stop cancels the workers and waits for the current runs to finish.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Scheduler stopped")
}
