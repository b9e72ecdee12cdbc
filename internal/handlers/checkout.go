package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/example/stablepay/internal/middleware"
	"github.com/example/stablepay/internal/services"
)

// CheckoutHandler manages storefront checkout endpoints.
type CheckoutHandler struct {
	checkout *services.CheckoutService
	log      *zap.Logger
}

// NewCheckoutHandler constructs CheckoutHandler.
func NewCheckoutHandler(checkout *services.CheckoutService, log *zap.Logger) *CheckoutHandler {
	return &CheckoutHandler{checkout: checkout, log: log}
}

// Begin opens or reuses a hosted checkout for the authenticated client.
func (h *CheckoutHandler) Begin(c *fiber.Ctx) error {
	clientKey, ok := middleware.GetClientKey(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	var req services.CheckoutRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	res, err := h.checkout.Begin(c.UserContext(), clientKey, req)
	if err != nil {
		return h.checkoutError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    res,
	})
}

// Cancel abandons the client's pending checkout.
func (h *CheckoutHandler) Cancel(c *fiber.Ctx) error {
	clientKey, ok := middleware.GetClientKey(c)
	if !ok {
		return fiber.NewError(fiber.StatusUnauthorized, "unauthorized")
	}

	intent, err := h.checkout.Cancel(c.UserContext(), clientKey, c.Params("order_id"))
	if err != nil {
		return h.checkoutError(err)
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    intent,
	})
}

// checkoutError keeps provider and store detail out of customer-facing responses.
func (h *CheckoutHandler) checkoutError(err error) error {
	switch {
	case errors.Is(err, services.ErrInvalidCheckout):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, services.ErrOrderNotFound):
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	case errors.Is(err, services.ErrOrderIDTaken):
		return fiber.NewError(fiber.StatusConflict, "order id already used")
	case errors.Is(err, services.ErrOrderClosed):
		return fiber.NewError(fiber.StatusConflict, "order is closed, please start a new order")
	case errors.Is(err, services.ErrInvalidTransition):
		return fiber.NewError(fiber.StatusConflict, "order can no longer be changed")
	case errors.Is(err, services.ErrCheckoutInProgress), errors.Is(err, services.ErrDuplicateOrder):
		return fiber.NewError(fiber.StatusConflict, "checkout already in progress, please try again")
	case errors.Is(err, services.ErrProviderUnavailable):
		return fiber.NewError(fiber.StatusServiceUnavailable, "payment provider unavailable, please try again")
	}
	h.log.Error("checkout failed", zap.Error(err))
	return fiber.NewError(fiber.StatusInternalServerError, "checkout failed, please try again")
}
