package models

import (
	"time"

	"gorm.io/datatypes"
)

// WebhookOutcome records what the reconciler did with one delivery.
type WebhookOutcome string

const (
	WebhookApplied       WebhookOutcome = "applied"
	WebhookDuplicate     WebhookOutcome = "duplicate"
	WebhookIgnored       WebhookOutcome = "ignored"
	WebhookUnmatched     WebhookOutcome = "unmatched"
	WebhookRejected      WebhookOutcome = "rejected"
	WebhookMalformed     WebhookOutcome = "malformed"
	WebhookProcessFailed WebhookOutcome = "failed"
)

// WebhookEvent journals every inbound provider notification.
type WebhookEvent struct {
	BaseModel
	EventType      string         `gorm:"size:40;index" json:"event_type"`
	PaymentStatus  string         `gorm:"size:40" json:"payment_status"`
	OriginID       string         `gorm:"size:128;index" json:"origin_id"`
	OrderID        string         `gorm:"size:64;index" json:"order_id"`
	Payload        datatypes.JSON `json:"payload"`
	SignatureValid bool           `gorm:"index" json:"signature_valid"`
	Outcome        WebhookOutcome `gorm:"size:20;index" json:"outcome"`
	Error          string         `json:"error,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
}
