package coinsub

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/example/stablepay/internal/metrics"
)

// ErrProviderUnavailable covers timeouts, transport failures and non-2xx answers.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

const (
	defaultTimeout = 10 * time.Second
	retryBaseDelay = 200 * time.Millisecond
	maxErrorBody   = 512
)

// Config holds the credentials and limits of the CoinSub API client.
type Config struct {
	BaseURL       string
	MerchantID    string
	APIKey        string
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
}

// Client talks to the CoinSub commerce and purchase-session endpoints.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

// NewClient builds a client. Each attempt is bounded by cfg.Timeout (10s by default).
func NewClient(cfg Config, log *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}
}

// StatusError is a non-2xx answer from the provider.
type StatusError struct {
	Endpoint string
	Status   int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coinsub %s: status %d: %s", e.Endpoint, e.Status, e.Body)
}

// Unwrap lets callers match every provider failure with ErrProviderUnavailable.
func (e *StatusError) Unwrap() error {
	return ErrProviderUnavailable
}

// Product is a catalogue entry mirrored at CoinSub.
type Product struct {
	Name        string
	Description string
	Price       decimal.Decimal
	Currency    string
	Metadata    map[string]any
}

// OrderItem is one line of a provider order.
type OrderItem struct {
	ProductID string
	Name      string
	Quantity  int
	Price     decimal.Decimal
}

// OrderRequest creates a provider-side commerce order.
type OrderRequest struct {
	Total    decimal.Decimal
	Currency string
	Items    []OrderItem
	Metadata map[string]any
}

// SessionRequest starts a hosted purchase session.
type SessionRequest struct {
	Name       string
	Details    string
	Currency   string
	Amount     decimal.Decimal
	Metadata   map[string]any
	SuccessURL string
	CancelURL  string
	FailureURL string
}

// Session is a started purchase session. ID is already stripped of sess_.
type Session struct {
	ID          string
	RawID       string
	CheckoutURL string
}

// SessionStatus is the provider's view of a purchase session.
type SessionStatus struct {
	Status string
	Raw    json.RawMessage
}

type productPayload struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Price       json.Number    `json:"price"`
	Currency    string         `json:"currency"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type orderItemPayload struct {
	ProductID string      `json:"product_id,omitempty"`
	Name      string      `json:"name,omitempty"`
	Quantity  int         `json:"quantity"`
	Price     json.Number `json:"price"`
}

type orderPayload struct {
	Total    json.Number        `json:"total"`
	Currency string             `json:"currency"`
	Items    []orderItemPayload `json:"items"`
	Metadata map[string]any     `json:"metadata,omitempty"`
}

type sessionPayload struct {
	Name       string         `json:"name"`
	Details    string         `json:"details"`
	Currency   string         `json:"currency"`
	Amount     json.Number    `json:"amount"`
	Recurring  bool           `json:"recurring"`
	Metadata   map[string]any `json:"metadata"`
	SuccessURL string         `json:"success_url"`
	CancelURL  string         `json:"cancel_url"`
	FailureURL string         `json:"failure_url"`
}

type idResponse struct {
	ID   string `json:"id"`
	Data struct {
		ID string `json:"id"`
	} `json:"data"`
}

func (r idResponse) id() string {
	if r.ID != "" {
		return r.ID
	}
	return r.Data.ID
}

type sessionResponse struct {
	Data struct {
		PurchaseSessionID string `json:"purchase_session_id"`
		URL               string `json:"url"`
	} `json:"data"`
}

type statusResponse struct {
	Status string `json:"status"`
	Data   struct {
		Status string `json:"status"`
	} `json:"data"`
}

// CreateProduct registers a product and returns its provider id.
func (c *Client) CreateProduct(ctx context.Context, p Product) (string, error) {
	var resp idResponse
	err := c.do(ctx, requestOpts{
		Method:   http.MethodPost,
		Path:     "/commerce/products",
		Endpoint: "create_product",
		Body: productPayload{
			Name:        p.Name,
			Description: p.Description,
			Price:       number(p.Price),
			Currency:    p.Currency,
			Metadata:    p.Metadata,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.id() == "" {
		return "", fmt.Errorf("coinsub create_product: empty id: %w", ErrProviderUnavailable)
	}
	return resp.id(), nil
}

// CreateOrder creates a provider order and returns its id.
func (c *Client) CreateOrder(ctx context.Context, o OrderRequest) (string, error) {
	items := make([]orderItemPayload, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, orderItemPayload{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Price:     number(it.Price),
		})
	}

	var resp idResponse
	err := c.do(ctx, requestOpts{
		Method:   http.MethodPost,
		Path:     "/commerce/orders",
		Endpoint: "create_order",
		Body: orderPayload{
			Total:    number(o.Total),
			Currency: o.Currency,
			Items:    items,
			Metadata: o.Metadata,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.id() == "" {
		return "", fmt.Errorf("coinsub create_order: empty id: %w", ErrProviderUnavailable)
	}
	return resp.id(), nil
}

// StartPurchaseSession opens a hosted checkout and returns the normalised session id and URL.
func (c *Client) StartPurchaseSession(ctx context.Context, s SessionRequest) (*Session, error) {
	failureURL := s.FailureURL
	if failureURL == "" {
		failureURL = s.CancelURL
	}

	var resp sessionResponse
	err := c.do(ctx, requestOpts{
		Method:   http.MethodPost,
		Path:     "/purchase/session/start",
		Endpoint: "start_session",
		Body: sessionPayload{
			Name:       s.Name,
			Details:    s.Details,
			Currency:   s.Currency,
			Amount:     number(s.Amount),
			Metadata:   s.Metadata,
			SuccessURL: s.SuccessURL,
			CancelURL:  s.CancelURL,
			FailureURL: failureURL,
		},
	}, &resp)
	if err != nil {
		return nil, err
	}

	raw := resp.Data.PurchaseSessionID
	if SessionID(raw) == "" || resp.Data.URL == "" {
		return nil, fmt.Errorf("coinsub start_session: missing session id or url: %w", ErrProviderUnavailable)
	}

	return &Session{
		ID:          SessionID(raw),
		RawID:       raw,
		CheckoutURL: resp.Data.URL,
	}, nil
}

// LinkCheckout attaches a purchase session to a provider order.
func (c *Client) LinkCheckout(ctx context.Context, providerOrderID, sessionID string) error {
	return c.do(ctx, requestOpts{
		Method:   http.MethodPut,
		Path:     "/commerce/orders/" + url.PathEscape(providerOrderID) + "/checkout",
		Endpoint: "link_checkout",
		Body:     map[string]string{"purchase_session_id": SessionID(sessionID)},
	}, nil)
}

// PurchaseSessionStatus fetches the provider-side state of a session.
func (c *Client) PurchaseSessionStatus(ctx context.Context, sessionID string) (*SessionStatus, error) {
	var raw json.RawMessage
	err := c.do(ctx, requestOpts{
		Method:   http.MethodGet,
		Path:     "/purchase/status/" + url.PathEscape(SessionID(sessionID)),
		Endpoint: "session_status",
	}, &raw)
	if err != nil {
		return nil, err
	}

	var parsed statusResponse
	_ = json.Unmarshal(raw, &parsed)
	status := parsed.Status
	if status == "" {
		status = parsed.Data.Status
	}
	return &SessionStatus{Status: status, Raw: raw}, nil
}

type requestOpts struct {
	Method   string
	Path     string
	Endpoint string
	Body     any
}

func (c *Client) do(ctx context.Context, opts requestOpts, out any) error {
	var payload []byte
	if opts.Body != nil {
		var err error
		payload, err = json.Marshal(opts.Body)
		if err != nil {
			return fmt.Errorf("coinsub %s: encode body: %w", opts.Endpoint, err)
		}
	}

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := retryBaseDelay << (attempt - 1)
			select {
			case <-ctx.Done():
				return fmt.Errorf("coinsub %s: %v: %w", opts.Endpoint, ctx.Err(), ErrProviderUnavailable)
			case <-time.After(delay):
			}
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("coinsub %s: %v: %w", opts.Endpoint, err, ErrProviderUnavailable)
		}

		body, status, err := c.send(ctx, opts, payload)
		if err == nil && status >= 200 && status < 300 {
			if out == nil || len(body) == 0 {
				return nil
			}
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("coinsub %s: decode response: %v: %w", opts.Endpoint, err, ErrProviderUnavailable)
			}
			return nil
		}

		if err != nil {
			lastErr = fmt.Errorf("coinsub %s: %v: %w", opts.Endpoint, err, ErrProviderUnavailable)
			// A POST that timed out may still have been applied upstream.
			if !idempotent(opts.Method) {
				return lastErr
			}
		} else {
			lastErr = &StatusError{Endpoint: opts.Endpoint, Status: status, Body: truncate(body)}
			if !retryable(status) {
				return lastErr
			}
		}

		c.log.Warn("coinsub request failed",
			zap.String("endpoint", opts.Endpoint),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr),
		)
	}

	return lastErr
}

func (c *Client) send(ctx context.Context, opts requestOpts, payload []byte) ([]byte, int, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, opts.Method, c.cfg.BaseURL+opts.Path, reader)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Merchant-ID", c.cfg.MerchantID)
	if c.cfg.APIKey != "" {
		req.Header.Set("API-Key", c.cfg.APIKey)
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ProviderRequestDuration.WithLabelValues(opts.Endpoint, "error").Observe(time.Since(start).Seconds())
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	metrics.ProviderRequestDuration.WithLabelValues(opts.Endpoint, strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func idempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete:
		return true
	}
	return false
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func number(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}

func truncate(body []byte) string {
	if len(body) <= maxErrorBody {
		return string(body)
	}
	return string(body[:maxErrorBody])
}
