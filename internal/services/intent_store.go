package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/metrics"
	"github.com/example/stablepay/internal/models"
	"github.com/example/stablepay/internal/utils"
)

var activeStatuses = []models.IntentStatus{models.IntentPending, models.IntentOnHold}

var paidStatuses = []models.IntentStatus{models.IntentProcessing, models.IntentCompleted}

// transitions lists the single-step moves of the intent lifecycle.
var transitions = map[models.IntentStatus][]models.IntentStatus{
	models.IntentPending:    {models.IntentOnHold, models.IntentProcessing, models.IntentFailed},
	models.IntentOnHold:     {models.IntentProcessing, models.IntentFailed},
	models.IntentProcessing: {models.IntentCompleted},
}

// CanReach reports whether to is reachable from from through one or more steps.
func CanReach(from, to models.IntentStatus) bool {
	for _, next := range transitions[from] {
		if next == to || CanReach(next, to) {
			return true
		}
	}
	return false
}

// TransitionResult describes the outcome of a Transition call.
type TransitionResult struct {
	Intent  *models.OrderIntent
	From    models.IntentStatus
	Changed bool
}

// IntentFilter narrows admin listings.
type IntentFilter struct {
	Status    models.IntentStatus
	ClientKey string
}

// IntentStore persists order intents.
type IntentStore struct {
	db  *gorm.DB
	log *zap.Logger
	now func() time.Time
}

// NewIntentStore creates an IntentStore.
func NewIntentStore(db *gorm.DB, log *zap.Logger) *IntentStore {
	return &IntentStore{db: db, log: log, now: time.Now}
}

// Create records a new pending intent. A client may hold at most one
// pending or on_hold intent at a time. An order id already stored for the
// same client is ErrDuplicateOrder; for another client it is ErrOrderIDTaken.
func (s *IntentStore) Create(ctx context.Context, orderID, clientKey string, amount decimal.Decimal, currency string) (*models.OrderIntent, error) {
	now := s.now().UTC()
	intent := models.OrderIntent{
		BaseModel: models.BaseModel{CreatedAt: now, UpdatedAt: now},
		OrderID:   orderID,
		ClientKey: clientKey,
		Status:    models.IntentPending,
		Amount:    amount,
		Currency:  currency,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.OrderIntent
		err := tx.Where("order_id = ?", orderID).First(&existing).Error
		switch {
		case err == nil && existing.ClientKey != clientKey:
			return ErrOrderIDTaken
		case err == nil:
			return ErrDuplicateOrder
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		var active int64
		if err := tx.Model(&models.OrderIntent{}).
			Where("client_key = ? AND status IN ?", clientKey, activeStatuses).
			Count(&active).Error; err != nil {
			return err
		}
		if active > 0 {
			return ErrDuplicateOrder
		}

		if err := tx.Create(&intent).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrDuplicateOrder
			}
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order intent created",
		zap.String("order_id", orderID),
		zap.String("amount", amount.String()),
		zap.String("currency", currency),
	)
	return &intent, nil
}

// AttachSession binds the provider purchase session to an intent. Repeating
// the call with the same session is a no-op; checkout_url is set once.
func (s *IntentStore) AttachSession(ctx context.Context, orderID, sessionID, checkoutURL string) (*models.OrderIntent, error) {
	normalized := coinsub.SessionID(sessionID)
	if normalized == "" {
		return nil, fmt.Errorf("%w: empty session id", ErrSessionConflict)
	}

	var intent models.OrderIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockIntent(tx, orderID, &intent); err != nil {
			return err
		}

		if intent.SessionID != "" {
			if intent.SessionID != normalized {
				return fmt.Errorf("%w: order %s already bound to %s", ErrSessionConflict, orderID, intent.SessionID)
			}
			return nil
		}
		if !intent.Status.Active() {
			return fmt.Errorf("%w: cannot attach session to %s intent", ErrInvalidTransition, intent.Status)
		}

		var taken int64
		if err := tx.Model(&models.OrderIntent{}).
			Where("session_id IN ? AND order_id <> ?", coinsub.SessionVariants(normalized), orderID).
			Count(&taken).Error; err != nil {
			return err
		}
		if taken > 0 {
			return fmt.Errorf("%w: session %s belongs to another order", ErrSessionConflict, normalized)
		}

		updates := map[string]any{"session_id": normalized}
		if intent.CheckoutURL == "" {
			updates["checkout_url"] = checkoutURL
		}
		if err := tx.Model(&intent).Updates(updates).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: session %s belongs to another order", ErrSessionConflict, normalized)
			}
			return err
		}
		return tx.Where("order_id = ?", orderID).First(&intent).Error
	})
	if err != nil {
		return nil, err
	}
	return &intent, nil
}

// SetProviderOrderID records the CoinSub commerce order created for an intent.
func (s *IntentStore) SetProviderOrderID(ctx context.Context, orderID, providerOrderID string) error {
	res := s.db.WithContext(ctx).
		Model(&models.OrderIntent{}).
		Where("order_id = ?", orderID).
		Update("provider_order_id", providerOrderID)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrOrderNotFound
	}
	return nil
}

// FindByOrderID loads an intent by merchant order id.
func (s *IntentStore) FindByOrderID(ctx context.Context, orderID string) (*models.OrderIntent, error) {
	var intent models.OrderIntent
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).First(&intent).Error; err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// FindBySessionID loads an intent by purchase session id, with or without
// the sess_ prefix on either side.
func (s *IntentStore) FindBySessionID(ctx context.Context, sessionID string) (*models.OrderIntent, error) {
	variants := coinsub.SessionVariants(sessionID)
	if variants == nil {
		return nil, ErrOrderNotFound
	}

	var intent models.OrderIntent
	if err := s.db.WithContext(ctx).Where("session_id IN ?", variants).First(&intent).Error; err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// LatestForClient returns the most recent intent of a client in any status.
func (s *IntentStore) LatestForClient(ctx context.Context, clientKey string) (*models.OrderIntent, error) {
	var intent models.OrderIntent
	if err := s.db.WithContext(ctx).
		Where("client_key = ?", clientKey).
		Order("created_at DESC").
		First(&intent).Error; err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// ActiveForClient returns the client's pending or on_hold intent.
func (s *IntentStore) ActiveForClient(ctx context.Context, clientKey string) (*models.OrderIntent, error) {
	var intent models.OrderIntent
	if err := s.db.WithContext(ctx).
		Where("client_key = ? AND status IN ?", clientKey, activeStatuses).
		Order("created_at DESC").
		First(&intent).Error; err != nil {
		return nil, notFound(err)
	}
	return &intent, nil
}

// Transition moves an intent forward. Evidence is recorded only when the
// intent enters completed, together with the redirect flag.
func (s *IntentStore) Transition(ctx context.Context, orderID string, to models.IntentStatus, evidence *models.PaymentEvidence) (*TransitionResult, error) {
	return s.transition(ctx, orderID, to, evidence, "")
}

// Fail moves an intent to failed and records why.
func (s *IntentStore) Fail(ctx context.Context, orderID, reason string) (*TransitionResult, error) {
	return s.transition(ctx, orderID, models.IntentFailed, nil, reason)
}

func (s *IntentStore) transition(ctx context.Context, orderID string, to models.IntentStatus, evidence *models.PaymentEvidence, reason string) (*TransitionResult, error) {
	result := &TransitionResult{}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var intent models.OrderIntent
		if err := lockIntent(tx, orderID, &intent); err != nil {
			return err
		}
		result.From = intent.Status
		result.Intent = &intent

		if intent.Status == to {
			return nil
		}
		if !CanReach(intent.Status, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, intent.Status, to)
		}

		updates := map[string]any{"status": to}
		switch to {
		case models.IntentCompleted:
			now := s.now().UTC()
			updates["redirect_ready"] = true
			updates["completed_at"] = now
			if evidence != nil {
				raw, err := json.Marshal(evidence)
				if err != nil {
					return err
				}
				updates["payment_evidence"] = datatypes.JSON(raw)
			}
		case models.IntentFailed:
			if reason != "" {
				updates["failure_reason"] = reason
			}
		}

		res := tx.Model(&models.OrderIntent{}).
			Where("order_id = ? AND status = ?", orderID, intent.Status).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Another writer moved the row first. Reaching the same state
			// is a duplicate, not a conflict.
			if err := tx.Where("order_id = ?", orderID).First(&intent).Error; err != nil {
				return err
			}
			if intent.Status == to {
				result.From = to
				return nil
			}
			return fmt.Errorf("%w: %s changed concurrently to %s", ErrInvalidTransition, orderID, intent.Status)
		}

		result.Changed = true
		return tx.Where("order_id = ?", orderID).First(&intent).Error
	})
	if err != nil {
		return nil, err
	}

	if result.Changed {
		metrics.TransitionsTotal.WithLabelValues(string(result.From), string(to)).Inc()
		s.log.Info("order intent transitioned",
			zap.String("order_id", orderID),
			zap.String("from", string(result.From)),
			zap.String("to", string(to)),
		)
	}
	return result, nil
}

// ConsumeRedirect clears the redirect flag. It returns true for exactly one
// caller per completed intent.
func (s *IntentStore) ConsumeRedirect(ctx context.Context, orderID string) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.OrderIntent{}).
		Where("order_id = ? AND redirect_ready = ? AND status IN ?", orderID, true, paidStatuses).
		Update("redirect_ready", false)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// List returns intents for operators, newest first.
func (s *IntentStore) List(ctx context.Context, filter IntentFilter, page utils.Pagination) ([]models.OrderIntent, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.OrderIntent{})
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.ClientKey != "" {
		query = query.Where("client_key = ?", filter.ClientKey)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var intents []models.OrderIntent
	if err := query.Order("created_at DESC").
		Limit(page.Limit).
		Offset(page.Offset).
		Find(&intents).Error; err != nil {
		return nil, 0, err
	}
	return intents, total, nil
}

func lockIntent(tx *gorm.DB, orderID string, intent *models.OrderIntent) error {
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(intent).Error
	return notFound(err)
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrOrderNotFound
	}
	return err
}
