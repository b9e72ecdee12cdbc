package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/example/stablepay/internal/models"
)

// OrderBackend is the host order system told about settled outcomes.
type OrderBackend interface {
	MarkPaid(ctx context.Context, intent *models.OrderIntent) error
	MarkFailed(ctx context.Context, intent *models.OrderIntent, reason string) error
}

// LogOrderBackend records outcomes in the log only. Used when no host
// callback is configured.
type LogOrderBackend struct {
	log *zap.Logger
}

// NewLogOrderBackend creates a LogOrderBackend.
func NewLogOrderBackend(log *zap.Logger) *LogOrderBackend {
	return &LogOrderBackend{log: log}
}

func (b *LogOrderBackend) MarkPaid(_ context.Context, intent *models.OrderIntent) error {
	b.log.Info("order paid", zap.String("order_id", intent.OrderID), zap.String("status", string(intent.Status)))
	return nil
}

func (b *LogOrderBackend) MarkFailed(_ context.Context, intent *models.OrderIntent, reason string) error {
	b.log.Info("order failed", zap.String("order_id", intent.OrderID), zap.String("reason", reason))
	return nil
}

type hostCallback struct {
	Event    string                  `json:"event"`
	OrderID  string                  `json:"order_id"`
	Status   models.IntentStatus     `json:"status"`
	Amount   string                  `json:"amount"`
	Currency string                  `json:"currency"`
	Evidence *models.PaymentEvidence `json:"payment_evidence,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
}

// HTTPOrderBackend posts outcomes to the host shop's callback URL.
type HTTPOrderBackend struct {
	url  string
	http *http.Client
	log  *zap.Logger
}

// NewHTTPOrderBackend creates an HTTPOrderBackend posting to url.
func NewHTTPOrderBackend(url string, log *zap.Logger) *HTTPOrderBackend {
	return &HTTPOrderBackend{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
		log:  log,
	}
}

func (b *HTTPOrderBackend) MarkPaid(ctx context.Context, intent *models.OrderIntent) error {
	return b.post(ctx, hostCallback{
		Event:    "order.paid",
		OrderID:  intent.OrderID,
		Status:   intent.Status,
		Amount:   intent.Amount.String(),
		Currency: intent.Currency,
		Evidence: intent.Evidence,
	})
}

func (b *HTTPOrderBackend) MarkFailed(ctx context.Context, intent *models.OrderIntent, reason string) error {
	return b.post(ctx, hostCallback{
		Event:    "order.failed",
		OrderID:  intent.OrderID,
		Status:   intent.Status,
		Amount:   intent.Amount.String(),
		Currency: intent.Currency,
		Reason:   reason,
	})
}

func (b *HTTPOrderBackend) post(ctx context.Context, payload hostCallback) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("host callback %s: %w", payload.Event, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("host callback %s returned status %d", payload.Event, resp.StatusCode)
	}

	b.log.Debug("host callback delivered", zap.String("event", payload.Event), zap.String("order_id", payload.OrderID))
	return nil
}
