package handlers

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/models"
	"github.com/example/stablepay/internal/services"
	"github.com/example/stablepay/internal/utils"
)

// SessionStatusLookup asks the provider about a purchase session.
type SessionStatusLookup interface {
	PurchaseSessionStatus(ctx context.Context, sessionID string) (*coinsub.SessionStatus, error)
}

// AdminHandler exposes operator endpoints.
type AdminHandler struct {
	store    *services.IntentStore
	webhooks *services.WebhookService
	secrets  services.SecretProvider
	provider SessionStatusLookup
}

// NewAdminHandler constructs AdminHandler.
func NewAdminHandler(store *services.IntentStore, webhooks *services.WebhookService, secrets services.SecretProvider, provider SessionStatusLookup) *AdminHandler {
	return &AdminHandler{store: store, webhooks: webhooks, secrets: secrets, provider: provider}
}

// ListIntents returns order intents with pagination and filtering.
func (h *AdminHandler) ListIntents(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)
	filter := services.IntentFilter{Status: models.IntentStatus(c.Query("status"))}

	intents, total, err := h.store.List(c.UserContext(), filter, pg)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    intents,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// GetIntent returns one intent with its payment evidence.
func (h *AdminHandler) GetIntent(c *fiber.Ctx) error {
	intent, err := h.store.FindByOrderID(c.UserContext(), c.Params("order_id"))
	if errors.Is(err, services.ErrOrderNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    intent,
	})
}

// ProviderStatus asks CoinSub for the live state of the intent's purchase session.
func (h *AdminHandler) ProviderStatus(c *fiber.Ctx) error {
	intent, err := h.store.FindByOrderID(c.UserContext(), c.Params("order_id"))
	if errors.Is(err, services.ErrOrderNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	}
	if err != nil {
		return err
	}
	if intent.SessionID == "" {
		return fiber.NewError(fiber.StatusConflict, "order has no purchase session")
	}

	status, err := h.provider.PurchaseSessionStatus(c.UserContext(), intent.SessionID)
	if err != nil {
		return fiber.NewError(fiber.StatusBadGateway, "payment provider unavailable")
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"order_id":        intent.OrderID,
			"session_id":      intent.SessionID,
			"intent_status":   intent.Status,
			"provider_status": status.Status,
		},
	})
}

// ListWebhookEvents returns the webhook journal.
func (h *AdminHandler) ListWebhookEvents(c *fiber.Ctx) error {
	pg := utils.ParsePagination(c)

	events, total, err := h.webhooks.ListEvents(c.UserContext(), models.WebhookOutcome(c.Query("outcome")), pg)
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    events,
		"pagination": fiber.Map{
			"current_page":   pg.Page,
			"items_per_page": pg.Limit,
			"total_items":    total,
		},
	})
}

// WebhookSecret shows the shared secret to paste into the CoinSub dashboard.
func (h *AdminHandler) WebhookSecret(c *fiber.Ctx) error {
	secret, err := h.secrets.WebhookSecret(c.UserContext())
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data": fiber.Map{
			"secret":           secret,
			"signature_header": coinsub.SignatureHeader,
			"secret_header":    coinsub.SecretHeader,
		},
	})
}
