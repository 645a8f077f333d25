// Package store provides ledger persistence.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"railledger/internal/common/database"
	"railledger/internal/common/money"
	"railledger/internal/ledger/domain"
	"railledger/internal/pricing"
)

// Postgres is the pgx-backed ledger store.
type Postgres struct {
	db *database.DB
}

// NewPostgres creates a ledger store and runs the schema guard for every
// known rail, so a deploy that precedes its migration still has the payout
// columns it is about to write.
func NewPostgres(ctx context.Context, db *database.DB) (*Postgres, error) {
	s := &Postgres{db: db}
	for _, rail := range []domain.Rail{domain.RailCard, domain.RailWallet} {
		if err := s.EnsurePayoutColumn(ctx, rail); err != nil {
			return nil, err
		}
	}
	return s, nil
}

const entryColumns = `
	id, tenant_id, payment_method, external_order_id, external_payment_id,
	provider_id, customer_id, payin_minor, payout_minor, fee_minor, currency,
	status, payout_status, COALESCE(card_payout_id, wallet_payout_id, ''),
	line_items, paid_at, created_at, updated_at
`

// Insert appends a ledger entry with payout status pending. Inserting the
// same (payment_method, external_payment_id) twice is rejected by the
// unique constraint, which makes ingestion idempotent under concurrent
// retries.
func (s *Postgres) Insert(ctx context.Context, entry *domain.Entry) error {
	query := `
		INSERT INTO settlement_entries (
			id, tenant_id, payment_method, external_order_id, external_payment_id,
			provider_id, customer_id, payin_minor, payout_minor, fee_minor, currency,
			status, payout_status, line_items, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16
		)
	`

	lineItems, err := json.Marshal(entry.LineItems)
	if err != nil {
		return fmt.Errorf("marshaling line items: %w", err)
	}

	_, err = s.db.Exec(ctx, query,
		entry.ID,
		entry.TenantID,
		entry.PaymentMethod,
		entry.ExternalOrderID,
		entry.ExternalPaymentID,
		entry.ProviderID,
		entry.CustomerID,
		entry.PayinTotal.AmountMinor,
		entry.PayoutTotal.AmountMinor,
		entry.PlatformFee.AmountMinor,
		entry.PayinTotal.Currency,
		entry.Status,
		entry.PayoutStatus,
		lineItems,
		entry.CreatedAt,
		entry.UpdatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("%s payment %s: %w",
				entry.PaymentMethod, entry.ExternalPaymentID, domain.ErrDuplicateExternalPayment)
		}
		return fmt.Errorf("inserting ledger entry: %w", err)
	}

	return nil
}

// GetByExternalPayment retrieves an entry by its rail-native payment id.
func (s *Postgres) GetByExternalPayment(ctx context.Context, rail domain.Rail, externalPaymentID string) (*domain.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM settlement_entries
		WHERE payment_method = $1 AND external_payment_id = $2
	`

	row := s.db.QueryRow(ctx, query, rail, externalPaymentID)
	return scanEntry(row)
}

// QueryPending returns all pending entries for a provider, oldest first.
func (s *Postgres) QueryPending(ctx context.Context, tenantID, providerID string) ([]*domain.Entry, error) {
	query := `SELECT ` + entryColumns + `
		FROM settlement_entries
		WHERE tenant_id = $1 AND provider_id = $2 AND payout_status = $3 AND status = $4
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID, providerID, domain.PayoutPending, domain.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("querying pending entries: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkPaid transitions the given entries to paid and records the rail's
// payout identifier. The update is a single statement over the id set, so
// it is all-or-nothing; rows already paid are skipped, never re-applied.
// Returns the number of entries actually transitioned.
func (s *Postgres) MarkPaid(ctx context.Context, tenantID string, entryIDs []string, rail domain.Rail, payoutID string) (int64, error) {
	if len(entryIDs) == 0 {
		return 0, nil
	}

	if err := s.EnsurePayoutColumn(ctx, rail); err != nil {
		return 0, err
	}

	// Column name comes from the fixed Rail enum, never from input.
	query := fmt.Sprintf(`
		UPDATE settlement_entries
		SET payout_status = $1, %s = $2, paid_at = $3, updated_at = $3
		WHERE tenant_id = $4 AND id = ANY($5) AND payout_status = $6
	`, rail.PayoutColumn())

	now := time.Now().UTC()
	tag, err := s.db.Exec(ctx, query,
		domain.PayoutPaid, payoutID, now, tenantID, entryIDs, domain.PayoutPending,
	)
	if err != nil {
		return 0, fmt.Errorf("marking entries paid: %w", err)
	}

	return tag.RowsAffected(), nil
}

// MarkReversed flags an entry as reversed (chargeback/recall). Payout
// fields are untouched; a reversed entry simply stops counting as pending.
func (s *Postgres) MarkReversed(ctx context.Context, rail domain.Rail, externalPaymentID string) error {
	query := `
		UPDATE settlement_entries
		SET status = $1, updated_at = $2
		WHERE payment_method = $3 AND external_payment_id = $4
	`

	tag, err := s.db.Exec(ctx, query, domain.StatusReversed, time.Now().UTC(), rail, externalPaymentID)
	if err != nil {
		return fmt.Errorf("marking entry reversed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrEntryNotFound
	}
	return nil
}

// LastPayoutAt returns the most recent paid_at among a provider's entries
// on one rail, or nil when the rail has never been paid out.
func (s *Postgres) LastPayoutAt(ctx context.Context, tenantID, providerID string, rail domain.Rail) (*time.Time, error) {
	query := `
		SELECT MAX(paid_at)
		FROM settlement_entries
		WHERE tenant_id = $1 AND provider_id = $2 AND payment_method = $3 AND payout_status = $4
	`

	var last *time.Time
	err := s.db.QueryRow(ctx, query, tenantID, providerID, rail, domain.PayoutPaid).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("querying last payout: %w", err)
	}
	return last, nil
}

// ListByProvider returns a provider's entries, newest first.
func (s *Postgres) ListByProvider(ctx context.Context, tenantID, providerID string, limit, offset int) ([]*domain.Entry, int64, error) {
	countQuery := `
		SELECT COUNT(*) FROM settlement_entries
		WHERE tenant_id = $1 AND provider_id = $2
	`

	var total int64
	if err := s.db.QueryRow(ctx, countQuery, tenantID, providerID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting entries: %w", err)
	}

	query := `SELECT ` + entryColumns + `
		FROM settlement_entries
		WHERE tenant_id = $1 AND provider_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.db.Query(ctx, query, tenantID, providerID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("listing entries: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	return entries, total, err
}

// EnsurePayoutColumn verifies the rail's payout identifier column exists
// and adds it when missing. Ledger schema evolves independently of code
// deploys; without this a successfully dispatched payout could go
// unrecorded on a partially migrated database.
func (s *Postgres) EnsurePayoutColumn(ctx context.Context, rail domain.Rail) error {
	column := rail.PayoutColumn()
	if column == "" {
		return fmt.Errorf("unknown rail: %s", rail)
	}

	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.columns
			WHERE table_name = 'settlement_entries' AND column_name = $1
		)
	`, column).Scan(&exists)
	if err != nil {
		return fmt.Errorf("checking payout column %s: %w", column, err)
	}
	if exists {
		return nil
	}

	_, err = s.db.Exec(ctx, fmt.Sprintf(
		`ALTER TABLE settlement_entries ADD COLUMN IF NOT EXISTS %s TEXT`, column,
	))
	if err != nil {
		return fmt.Errorf("adding payout column %s: %w", column, err)
	}
	return nil
}

// SaveReconciliation durably records a payout that succeeded at the rail
// but could not be marked in the ledger.
func (s *Postgres) SaveReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	query := `
		INSERT INTO settlement_reconciliations (
			id, tenant_id, provider_id, rail, amount_minor, currency,
			payout_id, entry_ids, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`

	_, err := s.db.Exec(ctx, query,
		rec.ID, rec.TenantID, rec.ProviderID, rec.Rail,
		rec.Amount.AmountMinor, rec.Amount.Currency,
		rec.PayoutID, rec.EntryIDs, rec.Detail, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("saving reconciliation record: %w", err)
	}
	return nil
}

// AcquireProviderLock serializes settlement per provider with a Postgres
// advisory lock. The returned release function must always be called; the
// lock is held for the whole settle operation, including the external
// payout calls, because cancelling between dispatch and mark-paid is not
// safe.
func (s *Postgres) AcquireProviderLock(ctx context.Context, tenantID, providerID string) (func(), error) {
	key := database.AdvisoryLockKey("settlement:"+tenantID, providerID)
	release, err := s.db.TryAdvisoryLock(ctx, key)
	if err != nil {
		if errors.Is(err, database.ErrLockNotHeld) {
			return nil, domain.ErrSettlementInProgress
		}
		return nil, err
	}
	return release, nil
}

func scanEntry(row pgx.Row) (*domain.Entry, error) {
	var e domain.Entry
	var payinMinor, payoutMinor, feeMinor int64
	var currency string
	var payoutID string
	var lineItems []byte

	err := row.Scan(
		&e.ID, &e.TenantID, &e.PaymentMethod, &e.ExternalOrderID, &e.ExternalPaymentID,
		&e.ProviderID, &e.CustomerID, &payinMinor, &payoutMinor, &feeMinor, &currency,
		&e.Status, &e.PayoutStatus, &payoutID,
		&lineItems, &e.PaidAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrEntryNotFound
		}
		return nil, fmt.Errorf("scanning ledger entry: %w", err)
	}

	c := money.Currency(currency)
	e.PayinTotal = money.New(payinMinor, c)
	e.PayoutTotal = money.New(payoutMinor, c)
	e.PlatformFee = money.New(feeMinor, c)
	e.PayoutID = payoutID

	if len(lineItems) > 0 {
		var items []pricing.LineItem
		if err := json.Unmarshal(lineItems, &items); err == nil {
			e.LineItems = items
		}
	}

	return &e, nil
}

func scanEntries(rows pgx.Rows) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
