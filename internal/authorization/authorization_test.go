package authorization

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"railledger/internal/common/money"
)

func newAuthorized(t *testing.T, amountMinor int64) *Authorization {
	t.Helper()
	auth, err := New("ord-1", "tenant-1", "prov-1", "cust-1", money.New(amountMinor, money.GBP), time.Hour)
	require.NoError(t, err)
	require.NoError(t, auth.MarkAuthorized("WA-123"))
	return auth
}

func TestNew(t *testing.T) {
	t.Run("should start in created state with an expiry", func(t *testing.T) {
		auth, err := New("ord-1", "tenant-1", "prov-1", "cust-1", money.New(5000, money.GBP), time.Hour)
		require.NoError(t, err)

		assert.Equal(t, StateCreated, auth.State)
		assert.False(t, auth.Captured)
		require.NotNil(t, auth.ExpiresAt)
		assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *auth.ExpiresAt, time.Minute)
	})

	t.Run("should require identifiers and a positive amount", func(t *testing.T) {
		_, err := New("", "tenant-1", "p", "c", money.New(100, money.GBP), time.Hour)
		assert.Error(t, err)

		_, err = New("ord-1", "", "p", "c", money.New(100, money.GBP), time.Hour)
		assert.Error(t, err)

		_, err = New("ord-1", "tenant-1", "p", "c", money.New(0, money.GBP), time.Hour)
		assert.Error(t, err)
	})
}

func TestMarkAuthorized(t *testing.T) {
	t.Run("should record the rail authorization id", func(t *testing.T) {
		auth, err := New("ord-1", "tenant-1", "p", "c", money.New(5000, money.GBP), time.Hour)
		require.NoError(t, err)

		require.NoError(t, auth.MarkAuthorized("WA-1"))
		assert.Equal(t, StateAuthorized, auth.State)
		assert.Equal(t, "WA-1", auth.AuthorizationID)
		assert.NotNil(t, auth.AuthorizedAt)
	})

	t.Run("should reject authorizing twice", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		assert.Error(t, auth.MarkAuthorized("WA-2"))
	})
}

func TestMarkCaptured(t *testing.T) {
	t.Run("should capture the full held amount", func(t *testing.T) {
		auth := newAuthorized(t, 5000)

		require.NoError(t, auth.MarkCaptured(money.New(5000, money.GBP)))
		assert.Equal(t, StateCaptured, auth.State)
		assert.True(t, auth.Captured)
		assert.Equal(t, int64(5000), auth.CapturedAmount.AmountMinor)
		assert.True(t, auth.IsTerminal())
	})

	t.Run("should allow a partial capture", func(t *testing.T) {
		auth := newAuthorized(t, 5000)

		require.NoError(t, auth.MarkCaptured(money.New(3000, money.GBP)))
		assert.Equal(t, int64(3000), auth.CapturedAmount.AmountMinor)
	})

	t.Run("should reject capturing more than the hold", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		assert.ErrorIs(t, auth.MarkCaptured(money.New(5001, money.GBP)), ErrCaptureExceedsHold)
		assert.Equal(t, StateAuthorized, auth.State)
	})

	t.Run("should reject a second capture", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		require.NoError(t, auth.MarkCaptured(money.New(5000, money.GBP)))

		assert.ErrorIs(t, auth.MarkCaptured(money.New(5000, money.GBP)), ErrAlreadyCaptured)
	})

	t.Run("should reject capturing a voided hold", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		require.NoError(t, auth.MarkVoided())

		assert.ErrorIs(t, auth.MarkCaptured(money.New(5000, money.GBP)), ErrAlreadyVoided)
	})

	t.Run("should reject capturing before checkout completes", func(t *testing.T) {
		auth, err := New("ord-1", "tenant-1", "p", "c", money.New(5000, money.GBP), time.Hour)
		require.NoError(t, err)

		assert.ErrorIs(t, auth.MarkCaptured(money.New(5000, money.GBP)), ErrNotAuthorized)
	})

	t.Run("should reject a capture in another currency", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		assert.ErrorIs(t, auth.MarkCaptured(money.New(5000, money.EUR)), money.ErrCurrencyMismatch)
	})
}

func TestMarkVoided(t *testing.T) {
	t.Run("should void an authorized hold", func(t *testing.T) {
		auth := newAuthorized(t, 5000)

		require.NoError(t, auth.MarkVoided())
		assert.Equal(t, StateVoided, auth.State)
		assert.NotNil(t, auth.VoidedAt)
		assert.True(t, auth.IsTerminal())
	})

	t.Run("should void a created hold that never authorized", func(t *testing.T) {
		auth, err := New("ord-1", "tenant-1", "p", "c", money.New(5000, money.GBP), time.Hour)
		require.NoError(t, err)

		require.NoError(t, auth.MarkVoided())
		assert.Equal(t, StateVoided, auth.State)
	})

	t.Run("should reject voiding a captured authorization", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		require.NoError(t, auth.MarkCaptured(money.New(5000, money.GBP)))

		assert.ErrorIs(t, auth.MarkVoided(), ErrCannotVoidCaptured)
		assert.Equal(t, StateCaptured, auth.State)
	})

	t.Run("should reject a second void", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		require.NoError(t, auth.MarkVoided())

		assert.ErrorIs(t, auth.MarkVoided(), ErrAlreadyVoided)
	})
}

func TestExpired(t *testing.T) {
	t.Run("should expire only uncaptured authorized holds", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		past := time.Now().UTC().Add(-time.Minute)
		auth.ExpiresAt = &past

		assert.True(t, auth.Expired(time.Now().UTC()))

		require.NoError(t, auth.MarkCaptured(money.New(5000, money.GBP)))
		assert.False(t, auth.Expired(time.Now().UTC()))
	})

	t.Run("should not expire within the hold window", func(t *testing.T) {
		auth := newAuthorized(t, 5000)
		assert.False(t, auth.Expired(time.Now().UTC()))
	})
}
