package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/stefke3210-cmd/agrimods/internal/client"
	"github.com/stefke3210-cmd/agrimods/internal/commission"
	"github.com/stefke3210-cmd/agrimods/internal/config"
	"github.com/stefke3210-cmd/agrimods/internal/fulfillment"
	"github.com/stefke3210-cmd/agrimods/internal/logging"
	"github.com/stefke3210-cmd/agrimods/internal/notify"
	"github.com/stefke3210-cmd/agrimods/internal/outbox"
	"github.com/stefke3210-cmd/agrimods/internal/repository"
	"github.com/stefke3210-cmd/agrimods/internal/server"
	"github.com/stefke3210-cmd/agrimods/internal/service"

	"github.com/caarlos0/env/v10"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
)

func main() {
	// load .env into os.Environ
	if err := godotenv.Load(); err != nil {
		fmt.Println("No .env file found (ok in prod)")
	}

	cfg := &config.Config{}
	if err := env.Parse(cfg); err != nil {
		fmt.Printf("Failed to parse config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Log)

	db := client.InitSqliteClient(cfg.DatabaseURL)

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	gateway := client.NewPaypalGateway(&cfg.Paypal, cfg.BaseURL)
	sessions := client.NewSessionClient(cfg.SessionServiceURL)

	orderRepo := repository.NewOrderRepository(db)
	userRepo := repository.NewUserRepository(db)
	catalogRepo := repository.NewCatalogRepository(db, redisClient)
	entitlementRepo := repository.NewEntitlementRepository(db)
	commissionRepo := repository.NewCommissionRepository(db)
	webhookEventRepo := repository.NewWebhookEventRepository(db)

	publisher, err := notify.NewPublisher(cfg.AMQP.URL, cfg.AMQP.Exchange)
	if err != nil {
		logger.Error("connect notification broker", "err", err)
		os.Exit(1)
	}
	defer publisher.Close()

	commissionEngine := commission.NewEngine(db, userRepo, commissionRepo, logger)

	outboxRepo := outbox.NewRepository(db)
	engine := fulfillment.NewEngine(db, orderRepo, catalogRepo, entitlementRepo, commissionEngine, outboxRepo, logger)

	dispatcher := outbox.NewDispatcher(outboxRepo, cfg.Outbox.Interval, cfg.Outbox.BatchSize, logger)
	dispatcher.Register(notify.KindPurchaseCompleted, func(ctx context.Context, payload []byte) error {
		return publisher.Publish(ctx, notify.KindPurchaseCompleted, payload)
	})
	dispatcher.Register(notify.KindCommissionCredit, func(ctx context.Context, payload []byte) error {
		var credit notify.CommissionCredit
		if err := json.Unmarshal(payload, &credit); err != nil {
			return fmt.Errorf("decode commission credit: %w", err)
		}
		order, err := orderRepo.FindByID(ctx, credit.OrderID)
		if err != nil {
			return fmt.Errorf("load order %s: %w", credit.OrderID, err)
		}
		_, err = commissionEngine.Credit(ctx, order)
		return err
	})

	dispatcherCtx, dispatcherCancel := context.WithCancel(context.Background())
	defer dispatcherCancel()
	dispatcher.Start(dispatcherCtx)

	checkoutService := service.NewCheckoutService(db, gateway, engine, orderRepo, catalogRepo, webhookEventRepo, logger)
	userService := service.NewUserService(userRepo, entitlementRepo)

	serverAddr := cfg.HTTP.Host + ":" + cfg.HTTP.Port

	srv := server.NewServer(checkoutService, userService, sessions)

	logger.Info("starting HTTP server", "addr", serverAddr, "env", cfg.Environment.Name)
	go func() {
		if err := srv.Start(serverAddr); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "err", err)
			os.Exit(1)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	<-sigChan
	logger.Info("signal received, starting graceful shutdown")

	dispatcherCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
}
