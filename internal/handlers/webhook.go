package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/services"
)

// WebhookHandler receives CoinSub notifications.
type WebhookHandler struct {
	webhooks       *services.WebhookService
	retryUnmatched bool
	log            *zap.Logger
}

// NewWebhookHandler constructs WebhookHandler. With retryUnmatched set,
// deliveries that match no intent are answered 404 so the provider retries.
func NewWebhookHandler(webhooks *services.WebhookService, retryUnmatched bool, log *zap.Logger) *WebhookHandler {
	return &WebhookHandler{webhooks: webhooks, retryUnmatched: retryUnmatched, log: log}
}

// Receive verifies and applies one delivery.
func (h *WebhookHandler) Receive(c *fiber.Ctx) error {
	raw := append([]byte(nil), c.Body()...)

	secret := c.Get(coinsub.SecretHeader)
	if secret == "" {
		secret = c.Query("secret")
	}

	res, err := h.webhooks.Handle(c.UserContext(), raw, services.WebhookCredentials{
		Signature: c.Get(coinsub.SignatureHeader),
		Secret:    secret,
	})

	switch {
	case err == nil:
		return c.JSON(fiber.Map{"status": res.Outcome})
	case errors.Is(err, services.ErrAuthenticationFailed):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized"})
	case errors.Is(err, services.ErrOrderNotFound):
		if h.retryUnmatched {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"status": "unmatched"})
		}
		return c.JSON(fiber.Map{"status": "ignored"})
	case errors.Is(err, services.ErrMalformedPayload):
		return c.JSON(fiber.Map{"status": "ignored"})
	case errors.Is(err, services.ErrInvalidTransition):
		// Funds arrived for a closed intent. Retrying cannot help; the
		// service has already alerted the merchant.
		return c.JSON(fiber.Map{"status": "order_closed"})
	}

	h.log.Error("webhook processing failed", zap.Error(err))
	return fiber.NewError(fiber.StatusInternalServerError, "webhook processing failed")
}
