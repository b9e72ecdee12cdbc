package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/database"
	"github.com/example/stablepay/internal/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, database.Migrate(db))
	return db
}

func newTestStore(t *testing.T) (*IntentStore, *gorm.DB) {
	t.Helper()
	db := newTestDB(t)
	return NewIntentStore(db, zap.NewNop()), db
}

// forceStatus puts an intent into a status without going through the machine.
func forceStatus(t *testing.T, db *gorm.DB, orderID string, status models.IntentStatus) {
	t.Helper()
	require.NoError(t, db.Model(&models.OrderIntent{}).
		Where("order_id = ?", orderID).
		Update("status", status).Error)
}

func usdc(value string) decimal.Decimal {
	return decimal.RequireFromString(value)
}

type fakeProvider struct {
	mu         sync.Mutex
	products   int
	orders     int
	sessions   int
	links      int
	sessionID  string
	url        string
	sessionErr error
	requests   []coinsub.SessionRequest
}

func newFakeProvider(sessionID, url string) *fakeProvider {
	return &fakeProvider{sessionID: sessionID, url: url}
}

func (p *fakeProvider) CreateProduct(_ context.Context, _ coinsub.Product) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products++
	return "prod_1", nil
}

func (p *fakeProvider) CreateOrder(_ context.Context, _ coinsub.OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.orders++
	return "ord_1", nil
}

func (p *fakeProvider) StartPurchaseSession(_ context.Context, req coinsub.SessionRequest) (*coinsub.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions++
	p.requests = append(p.requests, req)
	if p.sessionErr != nil {
		return nil, p.sessionErr
	}
	return &coinsub.Session{ID: coinsub.SessionID(p.sessionID), RawID: p.sessionID, CheckoutURL: p.url}, nil
}

func (p *fakeProvider) LinkCheckout(_ context.Context, _, _ string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.links++
	return nil
}

func (p *fakeProvider) sessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions
}

type fakeBackend struct {
	mu     sync.Mutex
	paid   []string
	failed []string
}

func (b *fakeBackend) MarkPaid(_ context.Context, intent *models.OrderIntent) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paid = append(b.paid, intent.OrderID)
	return nil
}

func (b *fakeBackend) MarkFailed(_ context.Context, intent *models.OrderIntent, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failed = append(b.failed, intent.OrderID)
	return nil
}

func (b *fakeBackend) paidOrders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.paid...)
}

func (b *fakeBackend) failedOrders() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.failed...)
}

type fakeNotifier struct {
	sent chan PaymentReceivedNotification
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{sent: make(chan PaymentReceivedNotification, 8)}
}

func (n *fakeNotifier) NotifyPaymentReceived(_ context.Context, payment PaymentReceivedNotification) error {
	n.sent <- payment
	return nil
}

// fixedClock is a controllable time source for the memory lock store.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
