package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	tossGateway "github.com/o4o-platform/payment-service/internal/adapter/gateway/toss"
	"github.com/o4o-platform/payment-service/internal/adapter/repository"
	"github.com/o4o-platform/payment-service/internal/alert"
	"github.com/o4o-platform/payment-service/internal/config"
	"github.com/o4o-platform/payment-service/internal/domain/gateway"
	"github.com/o4o-platform/payment-service/internal/infrastructure/crypto"
	"github.com/o4o-platform/payment-service/internal/infrastructure/database"
	httpServer "github.com/o4o-platform/payment-service/internal/infrastructure/http"
	"github.com/o4o-platform/payment-service/internal/scheduler"
	"github.com/o4o-platform/payment-service/internal/usecase"
	"github.com/o4o-platform/payment-service/pkg/logger"
	"github.com/o4o-platform/payment-service/pkg/messaging"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	zapLogger, err := logger.NewZapLogger(logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		Output:      cfg.Log.Output,
		Development: cfg.Log.Development,
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer zapLogger.Sync()

	// Initialize database connection
	db, err := database.NewConnection(&cfg.Database, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := database.Close(db, zapLogger); err != nil {
			zapLogger.Error("Failed to close database connection", zap.Error(err))
		}
	}()

	// Run database migrations
	if err := database.Migrate(db, zapLogger); err != nil {
		zapLogger.Fatal("Failed to run database migrations", zap.Error(err))
	}

	// Initialize repositories and transaction manager
	repos := database.NewRepositories(db, zapLogger)
	txManager := repository.NewTxManager(db, zapLogger)

	clock := gateway.SystemClock{}

	// Redis is optional; without it, operator alerts degrade to log lines.
	var redisClient messaging.RedisClient
	if cfg.Service.Redis.Addr != "" {
		redisClient, err = messaging.NewRedisClient(cfg.Service.Redis.Addr, cfg.Service.Redis.Password, cfg.Service.Redis.DB)
		if err != nil {
			zapLogger.Warn("Redis unavailable, operator alerts will only be logged", zap.Error(err))
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}
	alerts := alert.NewPublisher(redisClient, cfg.Service.Redis.AlertChannel, clock, zapLogger)

	// Bank account snapshots are encrypted at rest when a key is configured.
	var cipher crypto.Cipher
	if cfg.Service.Settlement.EncryptionKey != "" {
		aesCipher, err := crypto.NewAESCipher(cfg.Service.Settlement.EncryptionKey)
		if err != nil {
			zapLogger.Fatal("Invalid bank account encryption key", zap.Error(err))
		}
		cipher = aesCipher
	}

	// External payment gateway client
	gw := tossGateway.NewClient(cfg.Service.Gateway.BaseURL, cfg.Service.Gateway.SecretKey, cfg.Service.Gateway.Timeout.Std(), zapLogger)

	// Wire the application core
	engine := usecase.NewSettlementEngine(txManager, repos.Settlement, gw, cipher, cfg.Service.Settlement, alerts, clock, zapLogger)
	ledger := usecase.NewLedger(txManager, engine, clock, zapLogger)
	processor := usecase.NewWebhookProcessor(txManager, repos, ledger, engine, cfg.Service.Webhook, cfg.Service.Gateway.WebhookSecret, alerts, clock, zapLogger)
	refunds := usecase.NewRefundManager(txManager, repos, ledger, engine, gw, cfg.Service.Refund, alerts, clock, zapLogger)
	payments := usecase.NewPaymentService(repos, clock, zapLogger)

	// Background workers
	workers := scheduler.New(processor, engine, ledger, refunds, cfg.Service.Scheduler, zapLogger)
	workers.Start()
	defer workers.Stop()

	// HTTP server
	srv := httpServer.NewServer(cfg, zapLogger, &httpServer.Usecases{
		Payments:   payments,
		Webhooks:   processor,
		Refunds:    refunds,
		Settlement: engine,
	})

	go func() {
		if err := srv.Start(); err != nil {
			zapLogger.Info("HTTP server stopped", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	zapLogger.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Failed to shutdown HTTP server", zap.Error(err))
	}

	zapLogger.Info("Shutdown complete")
}
