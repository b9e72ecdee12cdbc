package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/stablepay/internal/coinsub"
	"github.com/example/stablepay/internal/config"
	"github.com/example/stablepay/internal/models"
)

type checkoutFixture struct {
	db       *gorm.DB
	store    *IntentStore
	provider *fakeProvider
	backend  *fakeBackend
	clock    *fixedClock
	checkout *CheckoutService
}

func newCheckoutFixture(t *testing.T, policy string) *checkoutFixture {
	t.Helper()

	store, db := newTestStore(t)
	clock := &fixedClock{now: time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)}
	store.now = clock.Now
	locks := NewMemoryLockStore()
	locks.now = clock.Now

	provider := newFakeProvider("sess_xyz", "https://pay/xyz")
	backend := &fakeBackend{}
	settlement := NewSettlementService(store, backend, nil, zap.NewNop())

	checkout := NewCheckoutService(store, NewClickGuard(locks, 5*time.Second), provider, settlement, CheckoutOptions{
		OrderReceivedURL: "https://shop.example/order-received/{order_id}",
		CancelURL:        "https://shop.example/cart",
		ContentionPolicy: policy,
	}, zap.NewNop())
	checkout.now = clock.Now

	return &checkoutFixture{db: db, store: store, provider: provider, backend: backend, clock: clock, checkout: checkout}
}

func (f *checkoutFixture) intentCount(t *testing.T) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.OrderIntent{}).Count(&n).Error)
	return n
}

func TestBeginOpensCheckout(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08"), Currency: "usdc"})
	require.NoError(t, err)
	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, "https://pay/xyz", res.CheckoutURL)
	assert.Equal(t, models.IntentOnHold, res.Status)
	assert.False(t, res.Reused)

	intent, err := f.store.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, "xyz", intent.SessionID)
	assert.Equal(t, "ord_1", intent.ProviderOrderID)
	assert.Equal(t, "USDC", intent.Currency)

	require.Len(t, f.provider.requests, 1)
	req := f.provider.requests[0]
	assert.Equal(t, "order-1", req.Metadata["order_ref"])
	assert.Equal(t, "order-1", req.Metadata["woocommerce_order_id"])
	assert.Equal(t, "https://shop.example/order-received/order-1", req.SuccessURL)
	assert.Equal(t, 1, f.provider.products, "synthetic line item needs a product")
	assert.Equal(t, 1, f.provider.links)
}

func TestBeginGeneratesOrderID(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	f.checkout.newOrderID = func() string { return "generated-1" }

	res, err := f.checkout.Begin(context.Background(), "client-a", CheckoutRequest{Amount: usdc("5")})
	require.NoError(t, err)
	assert.Equal(t, "generated-1", res.OrderID)
}

func TestBeginRejectsInvalidRequest(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)

	tests := []struct {
		name string
		req  CheckoutRequest
	}{
		{name: "zero amount", req: CheckoutRequest{OrderID: "o", Amount: usdc("0")}},
		{name: "negative amount", req: CheckoutRequest{OrderID: "o", Amount: usdc("-1")}},
		{name: "bad quantity", req: CheckoutRequest{OrderID: "o", Amount: usdc("1"), Items: []CheckoutItem{{Name: "Tea", Quantity: 0, Price: usdc("1")}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.checkout.Begin(context.Background(), "client-a", tt.req)
			assert.ErrorIs(t, err, ErrInvalidCheckout)
		})
	}
	assert.EqualValues(t, 0, f.intentCount(t))
}

func TestSecondRequestWithinWindowReusesCheckout(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	first, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	second, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-2", Amount: usdc("0.08")})
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.OrderID, second.OrderID)
	assert.Equal(t, first.CheckoutURL, second.CheckoutURL)
	assert.Equal(t, 1, f.provider.sessionCount())
	assert.EqualValues(t, 1, f.intentCount(t))
}

func TestRequestAfterWindowStillReusesActiveIntent(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	first, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Second)
	second, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-2", Amount: usdc("0.08")})
	require.NoError(t, err)

	assert.True(t, second.Reused)
	assert.Equal(t, first.CheckoutURL, second.CheckoutURL)
	assert.EqualValues(t, 1, f.intentCount(t))
}

func TestRapidClicksCreateOneIntent(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)

	const clicks = 10
	var wg sync.WaitGroup
	errs := make([]error, clicks)
	results := make([]*CheckoutResult, clicks)
	for i := 0; i < clicks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.checkout.Begin(context.Background(), "client-a", CheckoutRequest{
				OrderID: fmt.Sprintf("order-%d", i),
				Amount:  usdc("0.08"),
			})
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range errs {
		if errs[i] != nil {
			assert.ErrorIs(t, errs[i], ErrCheckoutInProgress)
			continue
		}
		if !results[i].Reused {
			created++
		}
	}

	assert.Equal(t, 1, created)
	assert.EqualValues(t, 1, f.intentCount(t))
	assert.Equal(t, 1, f.provider.sessionCount())
}

func TestPaidIntentRedirectsToOrderReceived(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, "order-1", models.IntentCompleted, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-2", Amount: usdc("0.08")})
	require.NoError(t, err)
	assert.True(t, res.AlreadyPaid)
	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, "https://shop.example/order-received/order-1", res.RedirectURL)
	assert.Empty(t, res.CheckoutURL)
}

func TestContentionPolicy(t *testing.T) {
	tests := []struct {
		policy  string
		wantErr error
	}{
		{policy: config.ContentionRetry, wantErr: ErrCheckoutInProgress},
		{policy: config.ContentionProceed},
	}

	for _, tt := range tests {
		t.Run(tt.policy, func(t *testing.T) {
			f := newCheckoutFixture(t, tt.policy)
			ctx := context.Background()

			// Hold the lock with no reusable intent behind it.
			ok, err := f.checkout.guard.Acquire(ctx, "client-a")
			require.NoError(t, err)
			require.True(t, ok)

			res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("1")})
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.EqualValues(t, 0, f.intentCount(t))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "https://pay/xyz", res.CheckoutURL)
		})
	}
}

func TestProviderFailureLeavesIntentRetryable(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()
	f.provider.sessionErr = fmt.Errorf("start session: %w", coinsub.ErrProviderUnavailable)

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	intent, err := f.store.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentPending, intent.Status)
	assert.Empty(t, intent.CheckoutURL)
	assert.Empty(t, f.backend.failedOrders())

	// Within the window the half-open intent is not handed back as reusable.
	f.clock.Advance(time.Second)
	_, err = f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	assert.ErrorIs(t, err, ErrCheckoutInProgress)

	f.provider.sessionErr = nil
	f.clock.Advance(10 * time.Second)
	res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)
	assert.Equal(t, "order-1", res.OrderID)
	assert.Equal(t, "https://pay/xyz", res.CheckoutURL)
	assert.Equal(t, models.IntentOnHold, res.Status)
	assert.False(t, res.Reused)
	assert.EqualValues(t, 1, f.intentCount(t))
}

func TestProviderFailureThenNewOrderSupersedesIntent(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()
	f.provider.sessionErr = fmt.Errorf("start session: %w", coinsub.ErrProviderUnavailable)

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.ErrorIs(t, err, ErrProviderUnavailable)

	f.provider.sessionErr = nil
	f.clock.Advance(10 * time.Second)
	res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-2", Amount: usdc("0.08")})
	require.NoError(t, err)
	assert.Equal(t, "order-2", res.OrderID)
	assert.False(t, res.Reused)

	old, err := f.store.FindByOrderID(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, old.Status)
	assert.Equal(t, "superseded by order order-2", old.FailureReason)
	assert.Equal(t, []string{"order-1"}, f.backend.failedOrders())
}

func TestOrderIDConflicts(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)

	_, err = f.checkout.Begin(ctx, "client-b", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	assert.ErrorIs(t, err, ErrOrderIDTaken)

	_, err = f.checkout.Cancel(ctx, "client-a", "order-1")
	require.NoError(t, err)

	tests := []struct {
		name    string
		advance time.Duration
	}{
		{name: "inside window", advance: time.Second},
		{name: "after window", advance: 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.clock.Advance(tt.advance)
			_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
			assert.ErrorIs(t, err, ErrOrderClosed)
		})
	}
	assert.EqualValues(t, 1, f.intentCount(t))
}

func TestOldPaidOrderIsNotReturnedForNewBurst(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "old-order", Amount: usdc("0.08")})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, "old-order", models.IntentCompleted, nil)
	require.NoError(t, err)

	f.clock.Advance(time.Hour)

	// The first click of the new burst holds the lock but has not stored its intent yet.
	ok, err := f.checkout.guard.Acquire(ctx, "client-a")
	require.NoError(t, err)
	require.True(t, ok)

	res, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "new-order", Amount: usdc("0.08")})
	assert.ErrorIs(t, err, ErrCheckoutInProgress)
	assert.Nil(t, res)
}

func TestCancel(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)

	_, err = f.checkout.Cancel(ctx, "client-b", "order-1")
	assert.ErrorIs(t, err, ErrOrderNotFound, "other clients cannot cancel")

	intent, err := f.checkout.Cancel(ctx, "client-a", "order-1")
	require.NoError(t, err)
	assert.Equal(t, models.IntentFailed, intent.Status)

	_, err = f.store.Transition(ctx, "order-1", models.IntentCompleted, nil)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
}

func TestCancelPaidIntentIsRejected(t *testing.T) {
	f := newCheckoutFixture(t, config.ContentionRetry)
	ctx := context.Background()

	_, err := f.checkout.Begin(ctx, "client-a", CheckoutRequest{OrderID: "order-1", Amount: usdc("0.08")})
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, "order-1", models.IntentCompleted, nil)
	require.NoError(t, err)

	_, err = f.checkout.Cancel(ctx, "client-a", "order-1")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
