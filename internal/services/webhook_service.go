package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/metrics"
	"github.com/example/stablepay/internal/models"
	"github.com/example/stablepay/internal/utils"
)

// WebhookCredentials are the authentication values presented with a delivery.
type WebhookCredentials struct {
	Signature string
	Secret    string
}

// WebhookResult reports how a delivery was handled.
type WebhookResult struct {
	Outcome models.WebhookOutcome `json:"outcome"`
	OrderID string                `json:"order_id,omitempty"`
	Status  models.IntentStatus   `json:"status,omitempty"`
}

// WebhookService verifies CoinSub notifications, matches them to intents
// and hands completed payments to the settlement service.
type WebhookService struct {
	db         *gorm.DB
	store      *IntentStore
	settlement *SettlementService
	secrets    SecretProvider
	merchantID string
	log        *zap.Logger
}

// NewWebhookService creates a WebhookService.
func NewWebhookService(db *gorm.DB, store *IntentStore, settlement *SettlementService, secrets SecretProvider, merchantID string, log *zap.Logger) *WebhookService {
	return &WebhookService{
		db:         db,
		store:      store,
		settlement: settlement,
		secrets:    secrets,
		merchantID: merchantID,
		log:        log,
	}
}

// Handle processes one raw delivery. Every call is journaled.
func (s *WebhookService) Handle(ctx context.Context, raw []byte, creds WebhookCredentials) (*WebhookResult, error) {
	event := models.WebhookEvent{}
	if json.Valid(raw) {
		event.Payload = datatypes.JSON(raw)
	}

	res, err := s.handle(ctx, raw, creds, &event)

	event.Outcome = res.Outcome
	event.OrderID = res.OrderID
	if err != nil && event.Error == "" {
		event.Error = err.Error()
	}
	now := time.Now().UTC()
	event.ProcessedAt = &now
	if jerr := s.db.WithContext(context.WithoutCancel(ctx)).Create(&event).Error; jerr != nil {
		s.log.Error("failed to journal webhook", zap.Error(jerr))
	}

	metrics.WebhooksTotal.WithLabelValues(eventTypeLabel(event.EventType), string(res.Outcome)).Inc()
	s.log.Info("webhook handled",
		zap.String("event_type", event.EventType),
		zap.String("payment_status", event.PaymentStatus),
		zap.String("origin_id", event.OriginID),
		zap.String("order_id", res.OrderID),
		zap.String("outcome", string(res.Outcome)),
		zap.Bool("signature_valid", event.SignatureValid),
		zap.Error(err),
	)
	return res, err
}

func (s *WebhookService) handle(ctx context.Context, raw []byte, creds WebhookCredentials, event *models.WebhookEvent) (*WebhookResult, error) {
	secret, err := s.secrets.WebhookSecret(ctx)
	if err != nil {
		return &WebhookResult{Outcome: models.WebhookProcessFailed}, err
	}
	if secret != "" {
		event.SignatureValid = coinsub.VerifySignature(secret, raw, creds.Signature) ||
			coinsub.VerifySharedSecret(secret, creds.Secret)
		if !event.SignatureValid {
			return &WebhookResult{Outcome: models.WebhookRejected}, ErrAuthenticationFailed
		}
	}

	payload, err := coinsub.ParseWebhook(raw)
	if err != nil {
		return &WebhookResult{Outcome: models.WebhookMalformed}, err
	}
	event.EventType = payload.Type
	event.PaymentStatus = payload.Status
	event.OriginID = payload.OriginID.String()

	if !payload.Completed() {
		return &WebhookResult{Outcome: models.WebhookIgnored}, nil
	}

	if s.merchantID != "" && payload.MerchantID != "" && !coinsub.SameMerchant(s.merchantID, payload.MerchantID) {
		event.Error = ErrMerchantMismatch.Error()
		return &WebhookResult{Outcome: models.WebhookIgnored}, nil
	}

	intent, err := s.match(ctx, payload)
	if err != nil {
		return &WebhookResult{Outcome: models.WebhookUnmatched}, err
	}

	evidence := evidenceFrom(payload)
	applied, err := s.settlement.ApplyCompletion(ctx, intent.OrderID, evidence)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			if current, ferr := s.store.FindByOrderID(ctx, intent.OrderID); ferr == nil {
				intent = current
			}
			s.settlement.ReportClosedOrderPayment(intent, evidence)
		}
		return &WebhookResult{Outcome: models.WebhookProcessFailed, OrderID: intent.OrderID, Status: intent.Status}, err
	}

	outcome := models.WebhookDuplicate
	if applied.Changed {
		outcome = models.WebhookApplied
	}
	return &WebhookResult{Outcome: outcome, OrderID: intent.OrderID, Status: applied.Intent.Status}, nil
}

// match resolves the intent by order reference first and purchase session
// second. Both must agree when both resolve.
func (s *WebhookService) match(ctx context.Context, payload *coinsub.WebhookPayload) (*models.OrderIntent, error) {
	var byRef, bySession *models.OrderIntent

	if ref := payload.OrderReference(); ref != "" {
		intent, err := s.store.FindByOrderID(ctx, ref)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		byRef = intent
	}

	if sessionID := payload.SessionID(); sessionID != "" {
		intent, err := s.store.FindBySessionID(ctx, sessionID)
		if err != nil && !errors.Is(err, ErrOrderNotFound) {
			return nil, err
		}
		bySession = intent
	}

	switch {
	case byRef != nil && bySession != nil && byRef.OrderID != bySession.OrderID:
		return nil, ErrAmbiguousMatch
	case byRef != nil:
		return byRef, nil
	case bySession != nil:
		return bySession, nil
	}
	return nil, ErrOrderNotFound
}

// ListEvents returns journaled deliveries, newest first.
func (s *WebhookService) ListEvents(ctx context.Context, outcome models.WebhookOutcome, page utils.Pagination) ([]models.WebhookEvent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.WebhookEvent{})
	if outcome != "" {
		query = query.Where("outcome = ?", outcome)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var events []models.WebhookEvent
	if err := query.Order("created_at DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

func evidenceFrom(p *coinsub.WebhookPayload) *models.PaymentEvidence {
	ev := &models.PaymentEvidence{
		TransactionID:   p.TransactionDetails.TransactionID.String(),
		TransactionHash: p.TransactionDetails.TransactionHash,
		ChainID:         p.TransactionDetails.ChainID.String(),
		Network:         p.NetworkName(),
		PaymentID:       p.PaymentID.String(),
		AgreementID:     p.AgreementID.String(),
		PayerName:       p.User.FullName(),
		PayerEmail:      p.User.Email,
		Currency:        p.Currency,
		PaymentDate:     p.PaidAt(),
	}
	if p.Amount.Valid {
		ev.Amount = p.Amount.Decimal
	}
	return ev
}

func eventTypeLabel(eventType string) string {
	switch eventType {
	case "":
		return "unknown"
	case coinsub.EventPayment, "agreement", "subscription", "transfer", "refund":
		return eventType
	}
	return "other"
}
