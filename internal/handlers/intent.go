package handlers

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/example/stablepay/internal/services"
)

// IntentHandler serves intent status polling.
type IntentHandler struct {
	status *services.StatusService
}

// NewIntentHandler constructs IntentHandler.
func NewIntentHandler(status *services.StatusService) *IntentHandler {
	return &IntentHandler{status: status}
}

// Status reports the intent state. consume=true claims the one-time redirect.
func (h *IntentHandler) Status(c *fiber.Ctx) error {
	view, err := h.status.Status(c.UserContext(), c.Params("order_id"), c.QueryBool("consume"))
	if errors.Is(err, services.ErrOrderNotFound) {
		return fiber.NewError(fiber.StatusNotFound, "order not found")
	}
	if err != nil {
		return err
	}

	return c.JSON(fiber.Map{
		"success": true,
		"data":    view,
	})
}
