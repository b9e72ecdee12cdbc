package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/example/stablepay/internal/models"
)

// PaymentNotifier tells the merchant about settled payments.
type PaymentNotifier interface {
	NotifyPaymentReceived(ctx context.Context, payment PaymentReceivedNotification) error
}

// SettlementService is the only writer of terminal intent outcomes.
type SettlementService struct {
	store    *IntentStore
	backend  OrderBackend
	notifier PaymentNotifier
	log      *zap.Logger
}

// NewSettlementService creates a SettlementService. notifier may be nil.
func NewSettlementService(store *IntentStore, backend OrderBackend, notifier PaymentNotifier, log *zap.Logger) *SettlementService {
	return &SettlementService{store: store, backend: backend, notifier: notifier, log: log}
}

// ApplyCompletion marks the intent completed with its payment evidence.
// Repeated calls leave the first evidence in place and trigger no side effects.
func (s *SettlementService) ApplyCompletion(ctx context.Context, orderID string, evidence *models.PaymentEvidence) (*TransitionResult, error) {
	res, err := s.store.Transition(ctx, orderID, models.IntentCompleted, evidence)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	if err := s.backend.MarkPaid(ctx, res.Intent); err != nil {
		s.log.Error("host order backend rejected paid update",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}

	s.notify(paymentNotification(res.Intent))
	return res, nil
}

// ReportClosedOrderPayment flags a settled payment that arrived for an intent
// that can no longer complete. The intent is left as it is; the merchant has
// to reconcile the funds by hand.
func (s *SettlementService) ReportClosedOrderPayment(intent *models.OrderIntent, evidence *models.PaymentEvidence) {
	closed := *intent
	closed.Evidence = evidence
	notification := paymentNotification(&closed)
	notification.ClosedOrder = true

	s.log.Error("payment received for closed order",
		zap.String("order_id", intent.OrderID),
		zap.String("status", string(intent.Status)),
		zap.String("failure_reason", intent.FailureReason),
		zap.String("amount", notification.Amount),
		zap.String("currency", notification.Currency),
		zap.String("transaction_hash", notification.TransactionHash),
	)
	s.notify(notification)
}

func (s *SettlementService) notify(notification PaymentReceivedNotification) {
	if s.notifier == nil {
		return
	}
	go func() {
		nctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := s.notifier.NotifyPaymentReceived(nctx, notification); err != nil {
			s.log.Warn("payment notification failed", zap.String("order_id", notification.OrderID), zap.Error(err))
		}
	}()
}

// ApplyFailure marks the intent failed with a reason.
func (s *SettlementService) ApplyFailure(ctx context.Context, orderID, reason string) (*TransitionResult, error) {
	res, err := s.store.Fail(ctx, orderID, reason)
	if err != nil {
		return nil, err
	}
	if !res.Changed {
		return res, nil
	}

	if err := s.backend.MarkFailed(ctx, res.Intent, reason); err != nil {
		s.log.Error("host order backend rejected failed update",
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
	return res, nil
}

func paymentNotification(intent *models.OrderIntent) PaymentReceivedNotification {
	n := PaymentReceivedNotification{
		OrderID:  intent.OrderID,
		Amount:   intent.Amount.String(),
		Currency: intent.Currency,
	}
	if ev := intent.Evidence; ev != nil {
		n.Network = ev.Network
		n.TransactionHash = ev.TransactionHash
		n.PayerName = ev.PayerName
		n.PayerEmail = ev.PayerEmail
		if !ev.Amount.IsZero() {
			n.Amount = ev.Amount.String()
		}
		if ev.Currency != "" {
			n.Currency = ev.Currency
		}
	}
	return n
}
