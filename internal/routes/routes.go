package routes

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/example/stablepay/internal/config"
	"github.com/example/stablepay/internal/handlers"
	"github.com/example/stablepay/internal/middleware"
	"github.com/example/stablepay/internal/services"
)

// Services are the collaborators the HTTP layer is built from.
type Services struct {
	Store    *services.IntentStore
	Checkout *services.CheckoutService
	Webhooks *services.WebhookService
	Status   *services.StatusService
	Secrets  services.SecretProvider
	Provider handlers.SessionStatusLookup
}

// Register wires up all HTTP routes.
func Register(app *fiber.App, svc Services, cfg *config.Config, log *zap.Logger) {
	authHandler := handlers.NewAuthHandler(cfg.JWTSecret, cfg.TokenExpires)
	checkoutHandler := handlers.NewCheckoutHandler(svc.Checkout, log)
	webhookHandler := handlers.NewWebhookHandler(svc.Webhooks, cfg.WebhookRetryUnmatched, log)
	intentHandler := handlers.NewIntentHandler(svc.Status)
	adminHandler := handlers.NewAdminHandler(svc.Store, svc.Webhooks, svc.Secrets, svc.Provider)

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	api := app.Group("/api")

	api.Post("/sessions", authHandler.CreateSession)

	// Provider callbacks authenticate by signature, not by session.
	api.Post("/webhooks/coinsub", webhookHandler.Receive)

	api.Get("/intents/:order_id/status", intentHandler.Status)

	// Storefront routes
	checkout := api.Group("/checkout", middleware.ClientSession(cfg.JWTSecret))
	checkout.Post("/", checkoutHandler.Begin)
	checkout.Post("/:order_id/cancel", checkoutHandler.Cancel)

	// Operator routes
	admin := api.Group("/admin", middleware.AdminKey(cfg.AdminKeyHash))
	admin.Get("/intents", adminHandler.ListIntents)
	admin.Get("/intents/:order_id", adminHandler.GetIntent)
	admin.Get("/intents/:order_id/provider-status", adminHandler.ProviderStatus)
	admin.Get("/webhooks", adminHandler.ListWebhookEvents)
	admin.Get("/webhook-secret", adminHandler.WebhookSecret)
}

// ErrorHandler renders errors as {"error": message}.
func ErrorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		message := "internal server error"

		var fe *fiber.Error
		if errors.As(err, &fe) {
			code = fe.Code
			message = fe.Message
		} else {
			log.Error("unhandled error", zap.String("path", c.Path()), zap.Error(err))
		}

		return c.Status(code).JSON(fiber.Map{"error": message})
	}
}
