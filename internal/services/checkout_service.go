package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/config"
	"github.com/example/stablepay/internal/metrics"
	"github.com/example/stablepay/internal/models"
)

const (
	defaultCurrency = "USDC"
	orderSource     = "stablepay"
)

// PaymentProvider is the subset of the CoinSub API used to open a checkout.
type PaymentProvider interface {
	CreateProduct(ctx context.Context, product coinsub.Product) (string, error)
	CreateOrder(ctx context.Context, order coinsub.OrderRequest) (string, error)
	StartPurchaseSession(ctx context.Context, req coinsub.SessionRequest) (*coinsub.Session, error)
	LinkCheckout(ctx context.Context, providerOrderID, sessionID string) error
}

// CheckoutItem is one cart line.
type CheckoutItem struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

// CheckoutRequest describes the order the customer wants to pay for.
type CheckoutRequest struct {
	OrderID     string          `json:"order_id"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Items       []CheckoutItem  `json:"items"`
}

// CheckoutResult is returned to the storefront.
type CheckoutResult struct {
	OrderID     string              `json:"order_id"`
	CheckoutURL string              `json:"checkout_url,omitempty"`
	Status      models.IntentStatus `json:"status"`
	Reused      bool                `json:"reused"`
	AlreadyPaid bool                `json:"already_paid"`
	RedirectURL string              `json:"redirect_url,omitempty"`
}

// CheckoutOptions carries the storefront URLs and contention policy.
type CheckoutOptions struct {
	SuccessURL       string
	CancelURL        string
	OrderReceivedURL string
	ContentionPolicy string
}

// CheckoutService opens hosted CoinSub checkouts for storefront clients.
type CheckoutService struct {
	store      *IntentStore
	guard      *ClickGuard
	provider   PaymentProvider
	settlement *SettlementService
	opts       CheckoutOptions
	log        *zap.Logger
	newOrderID func() string
	now        func() time.Time
}

// NewCheckoutService creates a CheckoutService.
func NewCheckoutService(store *IntentStore, guard *ClickGuard, provider PaymentProvider, settlement *SettlementService, opts CheckoutOptions, log *zap.Logger) *CheckoutService {
	if opts.ContentionPolicy == "" {
		opts.ContentionPolicy = config.ContentionRetry
	}
	return &CheckoutService{
		store:      store,
		guard:      guard,
		provider:   provider,
		settlement: settlement,
		opts:       opts,
		log:        log,
		newOrderID: uuid.NewString,
		now:        time.Now,
	}
}

// Begin returns a checkout URL for the client's order, creating at most one
// payable intent per client no matter how often it is called.
func (s *CheckoutService) Begin(ctx context.Context, clientKey string, req CheckoutRequest) (*CheckoutResult, error) {
	if err := s.normalize(&req); err != nil {
		return nil, err
	}

	acquired, err := s.guard.Acquire(ctx, clientKey)
	if err != nil {
		s.log.Warn("checkout lock unavailable, relying on store uniqueness", zap.Error(err))
		acquired = true
	}

	if !acquired {
		res, ok, err := s.reuse(ctx, clientKey, req.OrderID)
		if err != nil {
			return nil, err
		}
		if ok {
			return res, nil
		}
		if s.opts.ContentionPolicy != config.ContentionProceed {
			metrics.CheckoutsTotal.WithLabelValues("in_progress").Inc()
			return nil, ErrCheckoutInProgress
		}
	}

	intent, err := s.store.Create(ctx, req.OrderID, clientKey, req.Amount, req.Currency)
	if errors.Is(err, ErrDuplicateOrder) {
		var res *CheckoutResult
		res, intent, err = s.resolveConflict(ctx, clientKey, req, acquired)
		if res != nil {
			return res, nil
		}
	}
	if err != nil {
		if errors.Is(err, ErrCheckoutInProgress) {
			metrics.CheckoutsTotal.WithLabelValues("in_progress").Inc()
		}
		return nil, err
	}

	opened, err := s.openSession(ctx, intent, req)
	if err != nil {
		if errors.Is(err, ErrSessionConflict) {
			// A parallel attempt attached its session first.
			if res, ok, rerr := s.reuse(ctx, clientKey, req.OrderID); rerr == nil && ok {
				return res, nil
			}
		}
		metrics.CheckoutsTotal.WithLabelValues("provider_error").Inc()
		s.log.Error("checkout session could not be opened",
			zap.String("order_id", req.OrderID),
			zap.Error(err),
		)
		return nil, err
	}

	metrics.CheckoutsTotal.WithLabelValues("created").Inc()
	return &CheckoutResult{
		OrderID:     opened.OrderID,
		CheckoutURL: opened.CheckoutURL,
		Status:      opened.Status,
	}, nil
}

// Cancel abandons the client's checkout. Paid intents cannot be cancelled.
func (s *CheckoutService) Cancel(ctx context.Context, clientKey, orderID string) (*models.OrderIntent, error) {
	intent, err := s.store.FindByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if intent.ClientKey != clientKey {
		return nil, ErrOrderNotFound
	}

	res, err := s.settlement.ApplyFailure(ctx, orderID, "cancelled by customer")
	if err != nil {
		return nil, err
	}
	return res.Intent, nil
}

func (s *CheckoutService) normalize(req *CheckoutRequest) error {
	req.OrderID = strings.TrimSpace(req.OrderID)
	if req.OrderID == "" {
		req.OrderID = s.newOrderID()
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		req.Currency = defaultCurrency
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidCheckout)
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 || item.Price.IsNegative() {
			return fmt.Errorf("%w: bad line item %q", ErrInvalidCheckout, item.Name)
		}
	}
	return nil
}

// reuse resolves a contended checkout without creating anything. The
// requested order wins over the client's other intents; a paid intent of
// another order is only returned when it belongs to the current click burst.
func (s *CheckoutService) reuse(ctx context.Context, clientKey, orderID string) (*CheckoutResult, bool, error) {
	own, err := s.store.FindByOrderID(ctx, orderID)
	switch {
	case err == nil && own.ClientKey != clientKey:
		return nil, false, ErrOrderIDTaken
	case err == nil:
		if res := s.resumeResult(own); res != nil {
			return res, true, nil
		}
		if own.Status == models.IntentFailed {
			return nil, false, ErrOrderClosed
		}
		return nil, false, nil
	case !errors.Is(err, ErrOrderNotFound):
		return nil, false, err
	}

	active, err := s.store.ActiveForClient(ctx, clientKey)
	if err == nil && active.CheckoutURL != "" {
		return s.resumeResult(active), true, nil
	}
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, false, err
	}

	latest, err := s.store.LatestForClient(ctx, clientKey)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if latest.Status.Paid() && !latest.CreatedAt.Before(s.now().Add(-s.guard.window)) {
		return s.resumeResult(latest), true, nil
	}
	return nil, false, nil
}

// resumeResult answers with an intent the customer can continue with, or nil.
func (s *CheckoutService) resumeResult(intent *models.OrderIntent) *CheckoutResult {
	switch {
	case intent.Status.Active() && intent.CheckoutURL != "":
		metrics.CheckoutsTotal.WithLabelValues("reused").Inc()
		return &CheckoutResult{
			OrderID:     intent.OrderID,
			CheckoutURL: intent.CheckoutURL,
			Status:      intent.Status,
			Reused:      true,
		}
	case intent.Status.Paid():
		metrics.CheckoutsTotal.WithLabelValues("already_paid").Inc()
		return &CheckoutResult{
			OrderID:     intent.OrderID,
			Status:      intent.Status,
			AlreadyPaid: true,
			RedirectURL: OrderReceivedURL(s.opts.OrderReceivedURL, intent.OrderID),
		}
	}
	return nil
}

// resolveConflict handles a Create rejected because the client already has
// an intent in the way. Holding the click lock, an active intent that never
// got a checkout URL is either resumed (same order) or failed as superseded
// so the new order can proceed.
func (s *CheckoutService) resolveConflict(ctx context.Context, clientKey string, req CheckoutRequest, locked bool) (*CheckoutResult, *models.OrderIntent, error) {
	res, ok, err := s.reuse(ctx, clientKey, req.OrderID)
	if err != nil {
		return nil, nil, err
	}
	if ok {
		return res, nil, nil
	}
	if !locked {
		return nil, nil, ErrCheckoutInProgress
	}

	stale, err := s.store.ActiveForClient(ctx, clientKey)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, nil, ErrCheckoutInProgress
	}
	if err != nil {
		return nil, nil, err
	}

	if stale.OrderID == req.OrderID {
		s.log.Info("retrying checkout without session", zap.String("order_id", stale.OrderID))
		return nil, stale, nil
	}

	if _, err := s.settlement.ApplyFailure(ctx, stale.OrderID, "superseded by order "+req.OrderID); err != nil {
		return nil, nil, err
	}
	intent, err := s.store.Create(ctx, req.OrderID, clientKey, req.Amount, req.Currency)
	if errors.Is(err, ErrDuplicateOrder) {
		return nil, nil, ErrCheckoutInProgress
	}
	return nil, intent, err
}

func (s *CheckoutService) openSession(ctx context.Context, intent *models.OrderIntent, req CheckoutRequest) (*models.OrderIntent, error) {
	items := req.Items
	if len(items) == 0 {
		items = []CheckoutItem{{Name: "Order " + req.OrderID, Quantity: 1, Price: req.Amount}}
	}

	orderItems := make([]coinsub.OrderItem, 0, len(items))
	for _, item := range items {
		productID := item.ProductID
		if productID == "" {
			id, err := s.provider.CreateProduct(ctx, coinsub.Product{
				Name:     item.Name,
				Price:    item.Price,
				Currency: req.Currency,
				Metadata: map[string]any{"order_ref": req.OrderID},
			})
			if err != nil {
				return nil, err
			}
			productID = id
		}
		orderItems = append(orderItems, coinsub.OrderItem{
			ProductID: productID,
			Name:      item.Name,
			Quantity:  item.Quantity,
			Price:     item.Price,
		})
	}

	providerOrderID, err := s.provider.CreateOrder(ctx, coinsub.OrderRequest{
		Total:    req.Amount,
		Currency: req.Currency,
		Items:    orderItems,
		Metadata: map[string]any{"order_ref": req.OrderID},
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.SetProviderOrderID(ctx, req.OrderID, providerOrderID); err != nil {
		return nil, err
	}

	successURL := s.opts.SuccessURL
	if successURL == "" {
		successURL = s.opts.OrderReceivedURL
	}
	session, err := s.provider.StartPurchaseSession(ctx, coinsub.SessionRequest{
		Name:     "Order " + req.OrderID,
		Details:  req.Description,
		Currency: req.Currency,
		Amount:   req.Amount,
		Metadata: map[string]any{
			"order_ref":            req.OrderID,
			"woocommerce_order_id": req.OrderID,
			"source":               orderSource,
		},
		SuccessURL: OrderReceivedURL(successURL, req.OrderID),
		CancelURL:  OrderReceivedURL(s.opts.CancelURL, req.OrderID),
	})
	if err != nil {
		return nil, err
	}

	if err := s.provider.LinkCheckout(ctx, providerOrderID, session.ID); err != nil {
		return nil, err
	}

	if _, err := s.store.AttachSession(ctx, intent.OrderID, session.ID, session.CheckoutURL); err != nil {
		return nil, err
	}
	res, err := s.store.Transition(ctx, intent.OrderID, models.IntentOnHold, nil)
	if err != nil {
		return nil, err
	}

	s.log.Info("checkout session opened",
		zap.String("order_id", intent.OrderID),
		zap.String("session_id", session.ID),
		zap.String("provider_order_id", providerOrderID),
	)
	return res.Intent, nil
}
