package authorization

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railledger/internal/common/money"
	"railledger/internal/ledger"
	"railledger/internal/ledger/domain"
	"railledger/internal/ledger/store"
	"railledger/internal/pricing"
)

type fakeWalletRail struct {
	authorizeCalls int
	captureCalls   int
	voidCalls      int
	captureErr     error
	voidErr        error
}

func (f *fakeWalletRail) Authorize(ctx context.Context, orderID, customerID string, amount money.Money) (string, error) {
	f.authorizeCalls++
	return fmt.Sprintf("WA-%d", f.authorizeCalls), nil
}

func (f *fakeWalletRail) Capture(ctx context.Context, authorizationID string, amount money.Money) (string, error) {
	f.captureCalls++
	if f.captureErr != nil {
		return "", f.captureErr
	}
	return fmt.Sprintf("WPAY-%d", f.captureCalls), nil
}

func (f *fakeWalletRail) Void(ctx context.Context, authorizationID string) error {
	f.voidCalls++
	return f.voidErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testItems(amountMinor int64) []pricing.LineItem {
	return []pricing.LineItem{{
		Code:       "booking_total",
		UnitPrice:  money.New(amountMinor, money.GBP),
		Quantity:   1,
		IncludeFor: []pricing.Party{pricing.PartyCustomer, pricing.PartyProvider},
	}}
}

func newTestService(t *testing.T) (*Service, *fakeWalletRail, *store.Memory) {
	t.Helper()
	rail := &fakeWalletRail{}
	ledgerStore := store.NewMemory()
	ledgerSvc := ledger.NewService(ledgerStore, nil, testLogger())
	svc := NewService(
		Config{HoldWindow: time.Hour, ExpiryBatch: 100},
		NewMemoryStore(),
		rail,
		ledgerSvc,
		nil,
		testLogger(),
	)
	return svc, rail, ledgerStore
}

func createHold(t *testing.T, svc *Service) *Authorization {
	t.Helper()
	auth, err := svc.Create(context.Background(), CreateRequest{
		TenantID:   "tenant-1",
		OrderID:    "ord-1",
		ProviderID: "prov-1",
		CustomerID: "cust-1",
		Amount:     money.New(10000, money.GBP),
	})
	require.NoError(t, err)
	return auth
}

func TestServiceCreate(t *testing.T) {
	t.Run("should place a hold on the wallet rail", func(t *testing.T) {
		svc, rail, _ := newTestService(t)

		auth := createHold(t, svc)
		assert.Equal(t, StateAuthorized, auth.State)
		assert.Equal(t, "WA-1", auth.AuthorizationID)
		assert.Equal(t, 1, rail.authorizeCalls)
	})

	t.Run("should return the existing hold on a repeat request", func(t *testing.T) {
		svc, rail, _ := newTestService(t)

		first := createHold(t, svc)
		second := createHold(t, svc)

		assert.Equal(t, first.AuthorizationID, second.AuthorizationID)
		assert.Equal(t, 1, rail.authorizeCalls)
	})
}

func TestServiceCapture(t *testing.T) {
	t.Run("should capture the hold and ledger the payment", func(t *testing.T) {
		svc, rail, ledgerStore := newTestService(t)
		createHold(t, svc)

		auth, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID:  "tenant-1",
			OrderID:   "ord-1",
			LineItems: testItems(10000),
		})
		require.NoError(t, err)

		assert.Equal(t, StateCaptured, auth.State)
		assert.Equal(t, int64(10000), auth.CapturedAmount.AmountMinor)
		assert.Equal(t, 1, rail.captureCalls)

		entry, err := ledgerStore.GetByExternalPayment(context.Background(), domain.RailWallet, "WPAY-1")
		require.NoError(t, err)
		assert.Equal(t, "prov-1", entry.ProviderID)
		assert.Equal(t, domain.PayoutPending, entry.PayoutStatus)
	})

	t.Run("should no-op on a retried capture without touching the rail", func(t *testing.T) {
		svc, rail, ledgerStore := newTestService(t)
		createHold(t, svc)

		_, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", LineItems: testItems(10000),
		})
		require.NoError(t, err)

		auth, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", LineItems: testItems(10000),
		})
		require.NoError(t, err)

		assert.Equal(t, StateCaptured, auth.State)
		assert.Equal(t, 1, rail.captureCalls)

		pending, err := ledgerStore.QueryPending(context.Background(), "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})

	t.Run("should capture a partial amount", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		createHold(t, svc)

		partial := money.New(6000, money.GBP)
		auth, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", Amount: &partial, LineItems: testItems(6000),
		})
		require.NoError(t, err)
		assert.Equal(t, int64(6000), auth.CapturedAmount.AmountMinor)
	})

	t.Run("should reject over-capture before calling the rail", func(t *testing.T) {
		svc, rail, _ := newTestService(t)
		createHold(t, svc)

		over := money.New(10001, money.GBP)
		_, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", Amount: &over, LineItems: testItems(10001),
		})
		assert.ErrorIs(t, err, ErrCaptureExceedsHold)
		assert.Equal(t, 0, rail.captureCalls)
	})

	t.Run("should surface rail failures without state change", func(t *testing.T) {
		svc, rail, _ := newTestService(t)
		rail.captureErr = errors.New("rail unavailable")
		createHold(t, svc)

		_, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", LineItems: testItems(10000),
		})
		require.Error(t, err)

		auth, err := svc.Get(context.Background(), "tenant-1", "ord-1")
		require.NoError(t, err)
		assert.Equal(t, StateAuthorized, auth.State)
	})

	t.Run("should error for an unknown order", func(t *testing.T) {
		svc, _, _ := newTestService(t)

		_, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "missing", LineItems: testItems(100),
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestServiceVoid(t *testing.T) {
	t.Run("should release the hold on the rail", func(t *testing.T) {
		svc, rail, _ := newTestService(t)
		createHold(t, svc)

		auth, err := svc.Void(context.Background(), "tenant-1", "ord-1")
		require.NoError(t, err)
		assert.Equal(t, StateVoided, auth.State)
		assert.Equal(t, 1, rail.voidCalls)
	})

	t.Run("should no-op on a second void", func(t *testing.T) {
		svc, rail, _ := newTestService(t)
		createHold(t, svc)

		_, err := svc.Void(context.Background(), "tenant-1", "ord-1")
		require.NoError(t, err)

		auth, err := svc.Void(context.Background(), "tenant-1", "ord-1")
		require.NoError(t, err)
		assert.Equal(t, StateVoided, auth.State)
		assert.Equal(t, 1, rail.voidCalls)
	})

	t.Run("should refuse to void a captured order", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		createHold(t, svc)

		_, err := svc.Capture(context.Background(), CaptureRequest{
			TenantID: "tenant-1", OrderID: "ord-1", LineItems: testItems(10000),
		})
		require.NoError(t, err)

		_, err = svc.Void(context.Background(), "tenant-1", "ord-1")
		assert.ErrorIs(t, err, ErrCannotVoidCaptured)
	})
}

func TestServiceExpireStale(t *testing.T) {
	t.Run("should void holds past their window", func(t *testing.T) {
		svc, rail, _ := newTestService(t)
		svc.cfg.HoldWindow = -time.Minute
		createHold(t, svc)

		released, err := svc.ExpireStale(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 1, released)
		assert.Equal(t, 1, rail.voidCalls)

		auth, err := svc.Get(context.Background(), "tenant-1", "ord-1")
		require.NoError(t, err)
		assert.Equal(t, StateVoided, auth.State)
	})

	t.Run("should leave fresh holds alone", func(t *testing.T) {
		svc, _, _ := newTestService(t)
		createHold(t, svc)

		released, err := svc.ExpireStale(context.Background())
		require.NoError(t, err)
		assert.Equal(t, 0, released)
	})
}
