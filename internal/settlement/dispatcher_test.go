package settlement

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railledger/internal/common/events"
	"railledger/internal/common/money"
	"railledger/internal/ledger"
	"railledger/internal/ledger/domain"
	"railledger/internal/ledger/store"
	"railledger/internal/pricing"
	"railledger/internal/providers/walletrail"
)

type fakePayoutRail struct {
	mu      sync.Mutex
	prefix  string
	calls   int
	err     error
	blockCh chan struct{} // when set, CreatePayout waits until closed
}

func (f *fakePayoutRail) CreatePayout(ctx context.Context, destination string, amount money.Money) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	block := f.blockCh
	f.mu.Unlock()

	if block != nil {
		<-block
	}
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("%s-%d", f.prefix, n), nil
}

func (f *fakePayoutRail) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type failingMarkPaidStore struct {
	*store.Memory
	markPaidErr error
}

func (s *failingMarkPaidStore) MarkPaid(ctx context.Context, tenantID string, entryIDs []string, rail domain.Rail, payoutID string) (int64, error) {
	if s.markPaidErr != nil {
		return 0, s.markPaidErr
	}
	return s.Memory.MarkPaid(ctx, tenantID, entryIDs, rail, payoutID)
}

type fixture struct {
	dispatcher   *Dispatcher
	ledgerSvc    *ledger.Service
	memory       *store.Memory
	cardRail     *fakePayoutRail
	walletRail   *fakePayoutRail
	destinations *walletrail.MemoryDestinationStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, st ledger.Store) *fixture {
	t.Helper()
	memory, _ := st.(*store.Memory)
	ledgerSvc := ledger.NewService(st, nil, testLogger())
	f := &fixture{
		ledgerSvc:    ledgerSvc,
		memory:       memory,
		cardRail:     &fakePayoutRail{prefix: "CPO"},
		walletRail:   &fakePayoutRail{prefix: "WPO"},
		destinations: walletrail.NewMemoryDestinationStore(),
	}
	f.dispatcher = NewDispatcher(
		Config{Cooldown: 5 * time.Minute, PayoutTimeout: 30 * time.Second},
		ledgerSvc,
		f.cardRail,
		f.walletRail,
		f.destinations,
		nil,
		testLogger(),
	)
	return f
}

func (f *fixture) registerWalletDestination(t *testing.T) {
	t.Helper()
	err := f.destinations.RegisterDestination(context.Background(), &walletrail.Destination{
		TenantID:   "tenant-1",
		ProviderID: "prov-1",
		WalletRef:  "wallet-ref-1",
	})
	require.NoError(t, err)
}

func (f *fixture) record(t *testing.T, rail domain.Rail, payoutMinor int64) *domain.Entry {
	t.Helper()
	entry, err := f.ledgerSvc.Record(context.Background(), ledger.RecordRequest{
		TenantID:          "tenant-1",
		Rail:              rail,
		ExternalOrderID:   "ord-" + ulid.Make().String(),
		ExternalPaymentID: string(rail) + "-" + ulid.Make().String(),
		ProviderID:        "prov-1",
		CustomerID:        "cust-1",
		LineItems: []pricing.LineItem{{
			Code:       "booking_total",
			UnitPrice:  money.New(payoutMinor, money.GBP),
			Quantity:   1,
			IncludeFor: []pricing.Party{pricing.PartyCustomer, pricing.PartyProvider},
		}},
	})
	require.NoError(t, err)
	return entry
}

func railResult(t *testing.T, result *Result, rail domain.Rail) RailResult {
	t.Helper()
	for _, r := range result.PerRail {
		if r.Rail == rail {
			return r
		}
	}
	t.Fatalf("no result for rail %s", rail)
	return RailResult{}
}

func TestSettle(t *testing.T) {
	t.Run("should pay out both rails and mark entries paid", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.registerWalletDestination(t)
		ctx := context.Background()

		f.record(t, domain.RailCard, 10000)
		f.record(t, domain.RailCard, 5000)
		f.record(t, domain.RailWallet, 3000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, int64(18000), result.TotalAmount.AmountMinor)
		require.Len(t, result.PerRail, 2)

		card := railResult(t, result, domain.RailCard)
		assert.Equal(t, RailPaid, card.Status)
		assert.Equal(t, int64(15000), card.Amount.AmountMinor)
		assert.Equal(t, "CPO-1", card.PayoutID)
		assert.Equal(t, 2, card.EntryCount)

		wallet := railResult(t, result, domain.RailWallet)
		assert.Equal(t, RailPaid, wallet.Status)
		assert.Equal(t, "WPO-1", wallet.PayoutID)

		pending, err := f.ledgerSvc.ComputePending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.Empty(t, pending.EntryIDs())
	})

	t.Run("should return no funds when nothing is pending", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())

		_, err := f.dispatcher.Settle(context.Background(), "tenant-1", "prov-1")
		assert.ErrorIs(t, err, ErrNoFundsAvailable)
		assert.Equal(t, 0, f.cardRail.callCount())
		assert.Equal(t, 0, f.walletRail.callCount())
	})

	t.Run("should settle rails independently when one fails", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.registerWalletDestination(t)
		f.cardRail.err = errors.New("acquirer timeout")
		ctx := context.Background()

		cardEntry := f.record(t, domain.RailCard, 10000)
		f.record(t, domain.RailWallet, 3000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.False(t, result.Success)
		assert.Equal(t, RailFailed, railResult(t, result, domain.RailCard).Status)
		assert.Equal(t, RailPaid, railResult(t, result, domain.RailWallet).Status)
		assert.Equal(t, int64(3000), result.TotalAmount.AmountMinor)

		// Failed rail's entries stay pending for the next run.
		pending, err := f.ledgerSvc.ComputePending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{cardEntry.ID}, pending.EntryIDs())
	})

	t.Run("should fail the wallet rail without a registered destination", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		ctx := context.Background()

		f.record(t, domain.RailWallet, 3000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.False(t, result.Success)
		wallet := railResult(t, result, domain.RailWallet)
		assert.Equal(t, RailFailed, wallet.Status)
		assert.Equal(t, ErrPayoutDestinationMissing.Error(), wallet.Error)
		assert.Equal(t, 0, f.walletRail.callCount())
	})

	t.Run("should skip a rail inside its cooldown window", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.registerWalletDestination(t)
		ctx := context.Background()

		f.record(t, domain.RailCard, 10000)
		_, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		f.record(t, domain.RailCard, 5000)
		f.record(t, domain.RailWallet, 3000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.False(t, result.Success)
		card := railResult(t, result, domain.RailCard)
		assert.Equal(t, RailSkipped, card.Status)
		assert.Equal(t, ErrDuplicateSettlementWindow.Error(), card.Error)
		assert.Equal(t, 1, f.cardRail.callCount())

		// The wallet rail has no recent payout and settles normally.
		assert.Equal(t, RailPaid, railResult(t, result, domain.RailWallet).Status)
	})

	t.Run("should settle a rail again once the cooldown elapses", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.dispatcher.cfg.Cooldown = time.Millisecond
		ctx := context.Background()

		f.record(t, domain.RailCard, 10000)
		_, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		time.Sleep(5 * time.Millisecond)
		f.record(t, domain.RailCard, 5000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, 2, f.cardRail.callCount())
	})

	t.Run("should admit one settlement per provider at a time", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.registerWalletDestination(t)
		ctx := context.Background()

		f.record(t, domain.RailCard, 10000)

		block := make(chan struct{})
		f.cardRail.blockCh = block

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
			assert.NoError(t, err)
		}()

		// Wait for the first run to reach the rail call.
		require.Eventually(t, func() bool {
			return f.cardRail.callCount() == 1
		}, time.Second, time.Millisecond)

		_, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		assert.ErrorIs(t, err, domain.ErrSettlementInProgress)

		close(block)
		<-done

		assert.Equal(t, 1, f.cardRail.callCount())
	})

	t.Run("should record a reconciliation when paid entries cannot be marked", func(t *testing.T) {
		memory := store.NewMemory()
		failing := &failingMarkPaidStore{Memory: memory, markPaidErr: errors.New("connection reset")}
		f := newFixture(t, failing)
		ctx := context.Background()

		entry := f.record(t, domain.RailCard, 10000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.False(t, result.Success)
		card := railResult(t, result, domain.RailCard)
		assert.Equal(t, RailReconciliationRequired, card.Status)
		assert.Equal(t, "CPO-1", card.PayoutID)

		recs := memory.Reconciliations()
		require.Len(t, recs, 1)
		assert.Equal(t, "prov-1", recs[0].ProviderID)
		assert.Equal(t, domain.RailCard, recs[0].Rail)
		assert.Equal(t, "CPO-1", recs[0].PayoutID)
		assert.Equal(t, []string{entry.ID}, recs[0].EntryIDs)
		assert.Equal(t, int64(10000), recs[0].Amount.AmountMinor)
	})

	t.Run("should finish a dispatched payout after caller cancellation", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		ctx, cancel := context.WithCancel(context.Background())

		f.record(t, domain.RailCard, 10000)

		block := make(chan struct{})
		f.cardRail.blockCh = block

		resultCh := make(chan *Result, 1)
		go func() {
			result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
			assert.NoError(t, err)
			resultCh <- result
		}()

		require.Eventually(t, func() bool {
			return f.cardRail.callCount() == 1
		}, time.Second, time.Millisecond)

		// Cancel mid-payout; the dispatched transfer must still be
		// accounted for in the ledger.
		cancel()
		close(block)

		result := <-resultCh
		assert.Equal(t, RailPaid, railResult(t, result, domain.RailCard).Status)

		pending, err := f.ledgerSvc.ComputePending(context.Background(), "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.Empty(t, pending.EntryIDs())
	})

	t.Run("should complete the settlement when event publishing fails", func(t *testing.T) {
		f := newFixture(t, store.NewMemory())
		f.dispatcher.publisher = &failingPublisher{err: errors.New("no stream matches subject")}
		ctx := context.Background()

		f.record(t, domain.RailCard, 10000)

		result, err := f.dispatcher.Settle(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		assert.True(t, result.Success)
		assert.Equal(t, RailPaid, railResult(t, result, domain.RailCard).Status)

		pending, err := f.ledgerSvc.ComputePending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.Empty(t, pending.EntryIDs())
	})
}

type failingPublisher struct {
	err error
}

func (p *failingPublisher) Publish(ctx context.Context, event *events.Event) error {
	return p.err
}
