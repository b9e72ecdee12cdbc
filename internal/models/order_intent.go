package models

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// IntentStatus is the lifecycle state of an OrderIntent.
type IntentStatus string

const (
	IntentPending    IntentStatus = "pending"
	IntentOnHold     IntentStatus = "on_hold"
	IntentProcessing IntentStatus = "processing"
	IntentCompleted  IntentStatus = "completed"
	IntentFailed     IntentStatus = "failed"
)

// Active reports whether the intent still waits for the customer to pay.
func (s IntentStatus) Active() bool {
	return s == IntentPending || s == IntentOnHold
}

// Paid reports whether the provider has confirmed the payment.
func (s IntentStatus) Paid() bool {
	return s == IntentProcessing || s == IntentCompleted
}

// Terminal reports whether no further transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == IntentCompleted || s == IntentFailed
}

// OrderIntent is one checkout attempt and its eventual payment outcome.
// Rows are never deleted; they remain as the settlement record.
type OrderIntent struct {
	BaseModel
	OrderID         string          `gorm:"size:64;uniqueIndex;not null" json:"order_id"`
	ClientKey       string          `gorm:"size:128;index:idx_order_intents_active_client,unique,where:status = 'pending' OR status = 'on_hold';index" json:"-"`
	SessionID       string          `gorm:"size:128;index:idx_order_intents_session,unique,where:session_id <> ''" json:"session_id,omitempty"`
	CheckoutURL     string          `json:"checkout_url,omitempty"`
	ProviderOrderID string          `gorm:"size:128" json:"provider_order_id,omitempty"`
	Status          IntentStatus    `gorm:"size:20;index;not null" json:"status"`
	Amount          decimal.Decimal `gorm:"type:numeric(20,8)" json:"amount"`
	Currency        string          `gorm:"size:16" json:"currency"`
	RedirectReady   bool            `gorm:"not null;default:false" json:"redirect_ready"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	EvidenceJSON    datatypes.JSON  `gorm:"column:payment_evidence" json:"-"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`

	Evidence *PaymentEvidence `gorm:"-" json:"payment_evidence,omitempty"`
}

// AfterFind decodes the stored payment evidence.
func (o *OrderIntent) AfterFind(tx *gorm.DB) error {
	o.Evidence = nil
	if len(o.EvidenceJSON) == 0 || string(o.EvidenceJSON) == "null" {
		return nil
	}
	var ev PaymentEvidence
	if err := json.Unmarshal(o.EvidenceJSON, &ev); err != nil {
		return err
	}
	o.Evidence = &ev
	return nil
}

// PaymentEvidence is the settlement proof recorded when an intent completes.
type PaymentEvidence struct {
	TransactionID   string          `json:"transaction_id,omitempty"`
	TransactionHash string          `json:"transaction_hash,omitempty"`
	ChainID         string          `json:"chain_id,omitempty"`
	Network         string          `json:"network,omitempty"`
	PaymentID       string          `json:"payment_id,omitempty"`
	AgreementID     string          `json:"agreement_id,omitempty"`
	PayerName       string          `json:"payer_name,omitempty"`
	PayerEmail      string          `json:"payer_email,omitempty"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency,omitempty"`
	PaymentDate     *time.Time      `json:"payment_date,omitempty"`
}
