package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/example/stablepay/internal/models"
)

const webhookSecretKey = "coinsub_webhook_secret"

// SecretProvider supplies the shared webhook secret. An empty secret
// disables webhook authentication.
type SecretProvider interface {
	WebhookSecret(ctx context.Context) (string, error)
}

// StaticSecret is a secret taken from configuration.
type StaticSecret string

func (s StaticSecret) WebhookSecret(context.Context) (string, error) {
	return string(s), nil
}

// SettingsSecretStore generates the per-installation secret once and keeps
// it in the settings table.
type SettingsSecretStore struct {
	db  *gorm.DB
	log *zap.Logger

	mu     sync.Mutex
	cached string
}

// NewSettingsSecretStore creates a SettingsSecretStore.
func NewSettingsSecretStore(db *gorm.DB, log *zap.Logger) *SettingsSecretStore {
	return &SettingsSecretStore{db: db, log: log}
}

func (s *SettingsSecretStore) WebhookSecret(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cached != "" {
		return s.cached, nil
	}

	var setting models.Setting
	err := s.db.WithContext(ctx).Where(&models.Setting{Key: webhookSecretKey}).First(&setting).Error
	if err == nil {
		s.cached = setting.Value
		return s.cached, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	if err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Setting{Key: webhookSecretKey, Value: hex.EncodeToString(buf)}).Error; err != nil {
		return "", err
	}

	// Another instance may have won the insert.
	if err := s.db.WithContext(ctx).Where(&models.Setting{Key: webhookSecretKey}).First(&setting).Error; err != nil {
		return "", err
	}
	s.log.Info("generated webhook secret")
	s.cached = setting.Value
	return s.cached, nil
}
