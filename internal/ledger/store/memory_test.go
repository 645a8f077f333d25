package store

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railledger/internal/common/money"
	"railledger/internal/ledger/domain"
	"railledger/internal/pricing"
)

func testTotals(payinMinor, payoutMinor int64) pricing.Totals {
	return pricing.Totals{
		Payin:       money.New(payinMinor, money.GBP),
		Payout:      money.New(payoutMinor, money.GBP),
		PlatformFee: money.New(payinMinor-payoutMinor, money.GBP),
	}
}

func testEntry(t *testing.T, rail domain.Rail, externalPaymentID, providerID string, payoutMinor int64) *domain.Entry {
	t.Helper()
	entry, err := domain.NewEntry(
		ulid.Make().String(),
		"tenant-1",
		rail,
		"ord-"+externalPaymentID,
		externalPaymentID,
		providerID,
		"cust-1",
		testTotals(payoutMinor+payoutMinor/10, payoutMinor),
		nil,
	)
	require.NoError(t, err)
	return entry
}

func TestMemoryInsert(t *testing.T) {
	t.Run("should reject a duplicate external payment on the same rail", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)))

		err := s.Insert(ctx, testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000))
		assert.ErrorIs(t, err, domain.ErrDuplicateExternalPayment)
	})

	t.Run("should allow the same payment id on different rails", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailCard, "PAY-1", "prov-1", 1000)))
		require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailWallet, "PAY-1", "prov-1", 1000)))
	})
}

func TestMemoryMarkPaid(t *testing.T) {
	t.Run("should mark only the given pending entries", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		first := testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)
		second := testEntry(t, domain.RailCard, "TXN-2", "prov-1", 2000)
		later := testEntry(t, domain.RailCard, "TXN-3", "prov-1", 3000)
		require.NoError(t, s.Insert(ctx, first))
		require.NoError(t, s.Insert(ctx, second))
		require.NoError(t, s.Insert(ctx, later))

		marked, err := s.MarkPaid(ctx, "tenant-1", []string{first.ID, second.ID}, domain.RailCard, "CPO-1")
		require.NoError(t, err)
		assert.Equal(t, int64(2), marked)

		pending, err := s.QueryPending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, later.ID, pending[0].ID)

		paid, err := s.GetByExternalPayment(ctx, domain.RailCard, "TXN-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PayoutPaid, paid.PayoutStatus)
		assert.Equal(t, "CPO-1", paid.PayoutID)
		assert.NotNil(t, paid.PaidAt)
	})

	t.Run("should skip entries already paid", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		entry := testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)
		require.NoError(t, s.Insert(ctx, entry))

		marked, err := s.MarkPaid(ctx, "tenant-1", []string{entry.ID}, domain.RailCard, "CPO-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), marked)

		marked, err = s.MarkPaid(ctx, "tenant-1", []string{entry.ID}, domain.RailCard, "CPO-2")
		require.NoError(t, err)
		assert.Equal(t, int64(0), marked)

		paid, err := s.GetByExternalPayment(ctx, domain.RailCard, "TXN-1")
		require.NoError(t, err)
		assert.Equal(t, "CPO-1", paid.PayoutID)
	})

	t.Run("should skip entries belonging to another tenant", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		entry := testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)
		require.NoError(t, s.Insert(ctx, entry))

		marked, err := s.MarkPaid(ctx, "tenant-2", []string{entry.ID}, domain.RailCard, "CPO-1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), marked)
	})

	t.Run("should restore a dropped payout column before writing", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		entry := testEntry(t, domain.RailWallet, "WPAY-1", "prov-1", 1000)
		require.NoError(t, s.Insert(ctx, entry))

		s.DropPayoutColumn(domain.RailWallet)
		require.False(t, s.HasPayoutColumn(domain.RailWallet))

		marked, err := s.MarkPaid(ctx, "tenant-1", []string{entry.ID}, domain.RailWallet, "WPO-1")
		require.NoError(t, err)
		assert.Equal(t, int64(1), marked)
		assert.True(t, s.HasPayoutColumn(domain.RailWallet))
	})
}

func TestMemoryQueryPending(t *testing.T) {
	t.Run("should exclude reversed entries", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		keep := testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)
		reversed := testEntry(t, domain.RailCard, "TXN-2", "prov-1", 2000)
		require.NoError(t, s.Insert(ctx, keep))
		require.NoError(t, s.Insert(ctx, reversed))
		require.NoError(t, s.MarkReversed(ctx, domain.RailCard, "TXN-2"))

		pending, err := s.QueryPending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, keep.ID, pending[0].ID)
	})

	t.Run("should scope to the provider", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)))
		require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailCard, "TXN-2", "prov-2", 2000)))

		pending, err := s.QueryPending(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		assert.Len(t, pending, 1)
	})
}

func TestMemoryLastPayoutAt(t *testing.T) {
	t.Run("should return nil before any payout", func(t *testing.T) {
		s := NewMemory()

		last, err := s.LastPayoutAt(context.Background(), "tenant-1", "prov-1", domain.RailCard)
		require.NoError(t, err)
		assert.Nil(t, last)
	})

	t.Run("should track payouts per rail", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		entry := testEntry(t, domain.RailCard, "TXN-1", "prov-1", 1000)
		require.NoError(t, s.Insert(ctx, entry))
		_, err := s.MarkPaid(ctx, "tenant-1", []string{entry.ID}, domain.RailCard, "CPO-1")
		require.NoError(t, err)

		last, err := s.LastPayoutAt(ctx, "tenant-1", "prov-1", domain.RailCard)
		require.NoError(t, err)
		assert.NotNil(t, last)

		last, err = s.LastPayoutAt(ctx, "tenant-1", "prov-1", domain.RailWallet)
		require.NoError(t, err)
		assert.Nil(t, last)
	})
}

func TestMemoryProviderLock(t *testing.T) {
	t.Run("should fail fast while the provider is claimed", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		release, err := s.AcquireProviderLock(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)

		_, err = s.AcquireProviderLock(ctx, "tenant-1", "prov-1")
		assert.ErrorIs(t, err, domain.ErrSettlementInProgress)

		release()
		release() // released once even when called twice

		release2, err := s.AcquireProviderLock(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		release2()
	})

	t.Run("should scope claims per provider", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		r1, err := s.AcquireProviderLock(ctx, "tenant-1", "prov-1")
		require.NoError(t, err)
		defer r1()

		r2, err := s.AcquireProviderLock(ctx, "tenant-1", "prov-2")
		require.NoError(t, err)
		defer r2()
	})

	t.Run("should admit exactly one concurrent claimant", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		var wg sync.WaitGroup
		var mu sync.Mutex
		var acquired int
		var releases []func()

		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				release, err := s.AcquireProviderLock(ctx, "tenant-1", "prov-1")
				if err != nil {
					return
				}
				mu.Lock()
				acquired++
				releases = append(releases, release)
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, acquired)
		for _, release := range releases {
			release()
		}
	})
}

func TestMemoryListByProvider(t *testing.T) {
	t.Run("should page newest first", func(t *testing.T) {
		s := NewMemory()
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			require.NoError(t, s.Insert(ctx, testEntry(t, domain.RailCard, fmt.Sprintf("TXN-%d", i), "prov-1", 1000)))
		}

		page, total, err := s.ListByProvider(ctx, "tenant-1", "prov-1", 2, 0)
		require.NoError(t, err)
		assert.Equal(t, int64(5), total)
		assert.Len(t, page, 2)

		rest, _, err := s.ListByProvider(ctx, "tenant-1", "prov-1", 10, 4)
		require.NoError(t, err)
		assert.Len(t, rest, 1)

		empty, _, err := s.ListByProvider(ctx, "tenant-1", "prov-1", 10, 99)
		require.NoError(t, err)
		assert.Empty(t, empty)
	})
}
