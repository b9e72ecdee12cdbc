package coinsub

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Headers carrying webhook credentials.
const (
	SignatureHeader = "X-CoinSub-Signature"
	SecretHeader    = "X-CoinSub-Secret"
)

// Event types and statuses the reconciler cares about.
const (
	EventPayment    = "payment"
	StatusCompleted = "completed"
)

// ErrMalformedPayload is returned for bodies that are not a usable notification.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// OrderRefKeys are the metadata keys that may carry the merchant order reference, in priority order.
var OrderRefKeys = []string{"order_ref", "merchant_order_id", "woocommerce_order_id", "order_id"}

// FlexString accepts a JSON string or number. The provider is inconsistent
// about quoting ids such as transaction_id or chain_id.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("expected string or number, got %s", b)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) String() string {
	return string(f)
}

// TransactionDetails describes the on-chain settlement.
type TransactionDetails struct {
	TransactionID   FlexString `json:"transaction_id"`
	TransactionHash string     `json:"transaction_hash"`
	ChainID         FlexString `json:"chain_id"`
	Network         string     `json:"network"`
}

// WebhookUser is the paying customer as reported by the provider.
type WebhookUser struct {
	FirstName    string     `json:"first_name"`
	LastName     string     `json:"last_name"`
	Email        string     `json:"email"`
	SubscriberID FlexString `json:"subscriber_id"`
}

// FullName joins first and last name.
func (u WebhookUser) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// WebhookPayload is the JSON body of a CoinSub notification.
type WebhookPayload struct {
	Type               string                     `json:"type"`
	Status             string                     `json:"status"`
	OriginID           FlexString                 `json:"origin_id"`
	Origin             string                     `json:"origin"`
	MerchantID         string                     `json:"merchant_id"`
	Metadata           map[string]json.RawMessage `json:"metadata"`
	PaymentDate        string                     `json:"payment_date"`
	LastUpdated        string                     `json:"last_updated"`
	TransactionDetails TransactionDetails         `json:"transaction_details"`
	User               WebhookUser                `json:"user"`
	PaymentID          FlexString                 `json:"payment_id"`
	AgreementID        FlexString                 `json:"agreement_id"`
	Amount             decimal.NullDecimal        `json:"amount"`
	Currency           string                     `json:"currency"`
	Network            string                     `json:"network"`
}

// ParseWebhook decodes a raw notification body.
func ParseWebhook(raw []byte) (*WebhookPayload, error) {
	var p WebhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	p.Type = strings.ToLower(strings.TrimSpace(p.Type))
	p.Status = strings.ToLower(strings.TrimSpace(p.Status))
	if p.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}
	return &p, nil
}

// Completed reports whether the notification announces a finished payment.
func (p *WebhookPayload) Completed() bool {
	return p.Type == EventPayment && p.Status == StatusCompleted
}

// OrderReference returns the merchant order reference carried in metadata.
func (p *WebhookPayload) OrderReference() string {
	for _, key := range OrderRefKeys {
		raw, ok := p.Metadata[key]
		if !ok {
			continue
		}
		var ref FlexString
		if err := json.Unmarshal(raw, &ref); err != nil {
			continue
		}
		if ref != "" {
			return ref.String()
		}
	}
	return ""
}

// SessionID returns origin_id without the sess_ prefix.
func (p *WebhookPayload) SessionID() string {
	return SessionID(p.OriginID.String())
}

// PaidAt parses payment_date, falling back to last_updated.
func (p *WebhookPayload) PaidAt() *time.Time {
	for _, value := range []string{p.PaymentDate, p.LastUpdated} {
		if ts, ok := parseTime(value); ok {
			return &ts
		}
	}
	return nil
}

// NetworkName resolves the chain name reported or implied by chain_id.
func (p *WebhookPayload) NetworkName() string {
	if p.TransactionDetails.Network != "" {
		return p.TransactionDetails.Network
	}
	if p.Network != "" {
		return p.Network
	}
	return NetworkName(p.TransactionDetails.ChainID.String())
}

func parseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature, optionally prefixed "sha256=".
func VerifySignature(secret string, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if secret == "" || signature == "" {
		return false
	}
	got, err := hex.DecodeString(strings.ToLower(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// VerifySharedSecret compares the per-installation secret in constant time.
func VerifySharedSecret(secret, provided string) bool {
	if secret == "" || provided == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(secret), []byte(provided)) == 1
}
