package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/example/stablepay/internal/cache"
	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/config"
	"github.com/example/stablepay/internal/database"
	"github.com/example/stablepay/internal/logger"
	"github.com/example/stablepay/internal/middleware"
	"github.com/example/stablepay/internal/routes"
	"github.com/example/stablepay/internal/services"
)

const serviceName = "stablepay"

func main() {
	cfg := config.Load()

	newLogger := logger.New
	if cfg.Development() {
		newLogger = logger.NewDevelopment
	}
	log := newLogger(serviceName)
	defer func() { _ = log.Sync() }()

	db, err := database.Connect(cfg.DatabaseURL, cfg.Development(), log)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	var locks services.LockStore = services.NewMemoryLockStore()
	if cfg.RedisURL != "" {
		redisClient := cache.NewRedisClient(cfg.RedisURL)
		defer redisClient.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(ctx); err != nil {
			log.Fatal("redis connection failed", zap.Error(err))
		}
		cancel()
		locks = services.NewRedisLockStore(redisClient)
		log.Info("checkout locks stored in redis")
	}

	provider := coinsub.NewClient(coinsub.Config{
		BaseURL:       cfg.CoinSubBaseURL,
		MerchantID:    cfg.CoinSubMerchantID,
		APIKey:        cfg.CoinSubAPIKey,
		Timeout:       cfg.CoinSubTimeout,
		MaxRetries:    cfg.CoinSubMaxRetries,
		RatePerSecond: cfg.CoinSubRatePerSecond,
	}, log.Named("coinsub"))

	var backend services.OrderBackend = services.NewLogOrderBackend(log)
	if cfg.HostCallbackURL != "" {
		backend = services.NewHTTPOrderBackend(cfg.HostCallbackURL, log)
	}

	var secrets services.SecretProvider = services.StaticSecret(cfg.CoinSubWebhookKey)
	if cfg.CoinSubWebhookKey == "" {
		secrets = services.NewSettingsSecretStore(db, log)
	}

	telegram := services.NewTelegramService(cfg.TelegramBotToken, cfg.TelegramAdminChat, log.Named("telegram"))
	store := services.NewIntentStore(db, log)
	settlement := services.NewSettlementService(store, backend, telegram, log)

	svc := routes.Services{
		Store: store,
		Checkout: services.NewCheckoutService(store, services.NewClickGuard(locks, cfg.CheckoutLockWindow), provider, settlement, services.CheckoutOptions{
			SuccessURL:       cfg.CheckoutSuccessURL,
			CancelURL:        cfg.CheckoutCancelURL,
			OrderReceivedURL: cfg.OrderReceivedURL,
			ContentionPolicy: cfg.CheckoutContentionPolicy,
		}, log),
		Webhooks: services.NewWebhookService(db, store, settlement, secrets, cfg.CoinSubMerchantID, log),
		Status:   services.NewStatusService(store, cfg.OrderReceivedURL),
		Secrets:  secrets,
		Provider: provider,
	}

	app := fiber.New(fiber.Config{
		AppName:      "StablePay",
		ErrorHandler: routes.ErrorHandler(log),
	})

	app.Use(recover.New())
	app.Use(middleware.RequestLogger(log))

	routes.Register(app, svc, cfg, log)

	go func() {
		log.Info("starting server", zap.String("port", cfg.AppPort))
		if err := app.Listen(":" + cfg.AppPort); err != nil {
			log.Fatal("fiber.Listen error", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	log.Info("server exited")
}
