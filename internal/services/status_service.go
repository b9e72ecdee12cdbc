package services

import (
	"context"
	"net/url"
	"strings"

	"github.com/example/stablepay/internal/models"
)

// OrderReceivedURL fills the {order_id} placeholder of the thank-you page template.
func OrderReceivedURL(template, orderID string) string {
	if template == "" {
		return ""
	}
	return strings.ReplaceAll(template, "{order_id}", url.PathEscape(orderID))
}

// IntentStatusView is what a polling checkout page sees.
type IntentStatusView struct {
	OrderID       string              `json:"order_id"`
	Status        models.IntentStatus `json:"status"`
	RedirectReady bool                `json:"redirect_ready"`
	RedirectURL   string              `json:"redirect_url,omitempty"`
}

// StatusService answers intent status queries.
type StatusService struct {
	store            *IntentStore
	orderReceivedURL string
}

// NewStatusService creates a StatusService.
func NewStatusService(store *IntentStore, orderReceivedURL string) *StatusService {
	return &StatusService{store: store, orderReceivedURL: orderReceivedURL}
}

// Status reports the intent state. With consume set, the redirect flag is
// cleared and only the caller that cleared it receives the redirect URL.
func (s *StatusService) Status(ctx context.Context, orderID string, consume bool) (*IntentStatusView, error) {
	intent, err := s.store.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	view := &IntentStatusView{
		OrderID:       intent.OrderID,
		Status:        intent.Status,
		RedirectReady: intent.RedirectReady,
	}

	if !consume {
		if view.RedirectReady {
			view.RedirectURL = OrderReceivedURL(s.orderReceivedURL, orderID)
		}
		return view, nil
	}

	consumed, err := s.store.ConsumeRedirect(ctx, orderID)
	if err != nil {
		return nil, err
	}
	view.RedirectReady = false
	if consumed {
		view.RedirectURL = OrderReceivedURL(s.orderReceivedURL, orderID)
	}
	return view, nil
}
