// Package ledger records captured payments and aggregates unpaid earnings.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"railledger/internal/common/events"
	"railledger/internal/common/money"
	"railledger/internal/ledger/domain"
	"railledger/internal/pricing"
)

// Store persists ledger entries. Implemented by store.Postgres and
// store.Memory.
type Store interface {
	Insert(ctx context.Context, entry *domain.Entry) error
	GetByExternalPayment(ctx context.Context, rail domain.Rail, externalPaymentID string) (*domain.Entry, error)
	QueryPending(ctx context.Context, tenantID, providerID string) ([]*domain.Entry, error)
	MarkPaid(ctx context.Context, tenantID string, entryIDs []string, rail domain.Rail, payoutID string) (int64, error)
	MarkReversed(ctx context.Context, rail domain.Rail, externalPaymentID string) error
	LastPayoutAt(ctx context.Context, tenantID, providerID string, rail domain.Rail) (*time.Time, error)
	ListByProvider(ctx context.Context, tenantID, providerID string, limit, offset int) ([]*domain.Entry, int64, error)
	EnsurePayoutColumn(ctx context.Context, rail domain.Rail) error
	SaveReconciliation(ctx context.Context, rec *domain.Reconciliation) error
	AcquireProviderLock(ctx context.Context, tenantID, providerID string) (func(), error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service provides ledger operations.
type Service struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new ledger service.
func NewService(store Store, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// Store exposes the underlying store to the settlement dispatcher.
func (s *Service) Store() Store {
	return s.store
}

// RecordRequest describes a captured payment to be ledgered.
type RecordRequest struct {
	TenantID          string
	Rail              domain.Rail
	ExternalOrderID   string
	ExternalPaymentID string
	ProviderID        string
	CustomerID        string
	LineItems         []pricing.LineItem
}

// Record computes splits from the line items and appends a ledger entry
// with payout status pending. A retried call with the same external
// payment id returns the already recorded entry.
func (s *Service) Record(ctx context.Context, req RecordRequest) (*domain.Entry, error) {
	totals, err := pricing.Compute(req.LineItems)
	if err != nil {
		return nil, fmt.Errorf("computing totals: %w", err)
	}

	entry, err := domain.NewEntry(
		ulid.Make().String(),
		req.TenantID,
		req.Rail,
		req.ExternalOrderID,
		req.ExternalPaymentID,
		req.ProviderID,
		req.CustomerID,
		totals,
		req.LineItems,
	)
	if err != nil {
		return nil, err
	}

	if err := s.store.Insert(ctx, entry); err != nil {
		if errors.Is(err, domain.ErrDuplicateExternalPayment) {
			existing, getErr := s.store.GetByExternalPayment(ctx, req.Rail, req.ExternalPaymentID)
			if getErr != nil {
				return nil, err
			}
			s.logger.Info("duplicate payment ignored",
				"rail", req.Rail,
				"external_payment_id", req.ExternalPaymentID,
				"entry_id", existing.ID,
			)
			return existing, nil
		}
		return nil, err
	}

	if s.publisher != nil {
		data := events.EntryRecordedData{
			EntryID:           entry.ID,
			PaymentMethod:     string(entry.PaymentMethod),
			ExternalPaymentID: entry.ExternalPaymentID,
			ProviderID:        entry.ProviderID,
			PayinMinor:        entry.PayinTotal.AmountMinor,
			PayoutMinor:       entry.PayoutTotal.AmountMinor,
			FeeMinor:          entry.PlatformFee.AmountMinor,
			Currency:          string(entry.Currency()),
		}
		if event, err := events.NewEvent(events.EventLedgerEntryRecorded, entry.TenantID, "ledger_entry", entry.ID, data); err == nil {
			if err := s.publisher.Publish(ctx, event); err != nil {
				s.logger.Warn("event publish failed",
					"type", events.EventLedgerEntryRecorded,
					"entry_id", entry.ID,
					"error", err,
				)
			}
		}
	}

	s.logger.Info("ledger entry recorded",
		"entry_id", entry.ID,
		"rail", entry.PaymentMethod,
		"provider_id", entry.ProviderID,
		"payin", entry.PayinTotal.AmountMinor,
		"payout", entry.PayoutTotal.AmountMinor,
		"fee", entry.PlatformFee.AmountMinor,
		"currency", entry.Currency(),
	)

	return entry, nil
}

// Reverse flags an entry as reversed after a chargeback or recall.
func (s *Service) Reverse(ctx context.Context, tenantID string, rail domain.Rail, externalPaymentID string) error {
	entry, err := s.store.GetByExternalPayment(ctx, rail, externalPaymentID)
	if err != nil {
		return err
	}

	if err := s.store.MarkReversed(ctx, rail, externalPaymentID); err != nil {
		return err
	}

	if s.publisher != nil {
		data := events.EntryRecordedData{
			EntryID:           entry.ID,
			PaymentMethod:     string(rail),
			ExternalPaymentID: externalPaymentID,
			ProviderID:        entry.ProviderID,
		}
		if event, err := events.NewEvent(events.EventLedgerEntryReversed, tenantID, "ledger_entry", entry.ID, data); err == nil {
			if err := s.publisher.Publish(ctx, event); err != nil {
				s.logger.Warn("event publish failed",
					"type", events.EventLedgerEntryReversed,
					"entry_id", entry.ID,
					"error", err,
				)
			}
		}
	}

	s.logger.Warn("ledger entry reversed",
		"entry_id", entry.ID,
		"rail", rail,
		"external_payment_id", externalPaymentID,
	)

	return nil
}

// ComputePending aggregates a provider's unpaid earnings per rail. The
// result carries the exact contributing entry ids so a later mark-paid
// touches those rows and no others; entries inserted after this call
// stay pending until the next run.
func (s *Service) ComputePending(ctx context.Context, tenantID, providerID string) (*domain.PendingPayoutSet, error) {
	entries, err := s.store.QueryPending(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}

	set := &domain.PendingPayoutSet{
		ProviderID:         providerID,
		PerRail:            make(map[domain.Rail]money.Money),
		ContributingByRail: make(map[domain.Rail][]string),
	}

	for _, e := range entries {
		railTotal, ok := set.PerRail[e.PaymentMethod]
		if !ok {
			railTotal = money.Zero(e.Currency())
		}
		railTotal, err = railTotal.Add(e.PayoutTotal)
		if err != nil {
			return nil, fmt.Errorf("aggregating rail %s: %w", e.PaymentMethod, err)
		}
		set.PerRail[e.PaymentMethod] = railTotal
		set.ContributingByRail[e.PaymentMethod] = append(set.ContributingByRail[e.PaymentMethod], e.ID)

		if set.Total.Currency == "" {
			set.Total = money.Zero(e.Currency())
		}
		set.Total, err = set.Total.Add(e.PayoutTotal)
		if err != nil {
			return nil, fmt.Errorf("aggregating total: %w", err)
		}
	}

	return set, nil
}

// RailBalance is one rail's slice of a provider balance. Pending is the
// rail's full unpaid total; Available is the portion a settlement run
// could pay out right now, which drops to zero while the rail sits
// inside its cooldown window.
type RailBalance struct {
	Rail      domain.Rail `json:"rail"`
	Available money.Money `json:"available"`
	Pending   money.Money `json:"pending"`
}

// Balance is the pending-balance query response.
type Balance struct {
	ProviderID     string        `json:"provider_id"`
	PerRail        []RailBalance `json:"per_rail"`
	TotalAvailable money.Money   `json:"total_available"`
	TotalPending   money.Money   `json:"total_pending"`
}

// PendingBalance returns a provider's unpaid earnings per rail and
// overall. The cooldown is the settlement dispatcher's duplicate-window
// guard; rails settled more recently than that report zero available.
func (s *Service) PendingBalance(ctx context.Context, tenantID, providerID string, cooldown time.Duration) (*Balance, error) {
	set, err := s.ComputePending(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}

	balance := &Balance{
		ProviderID:     providerID,
		TotalPending:   set.Total,
		TotalAvailable: money.Zero(set.Total.Currency),
	}
	for _, rail := range []domain.Rail{domain.RailCard, domain.RailWallet} {
		amount, ok := set.PerRail[rail]
		if !ok {
			continue
		}

		available := amount
		last, err := s.store.LastPayoutAt(ctx, tenantID, providerID, rail)
		if err != nil {
			return nil, fmt.Errorf("checking last payout for %s: %w", rail, err)
		}
		if last != nil && time.Since(*last) < cooldown {
			available = money.Zero(amount.Currency)
		}

		balance.PerRail = append(balance.PerRail, RailBalance{
			Rail:      rail,
			Available: available,
			Pending:   amount,
		})
		balance.TotalAvailable, err = balance.TotalAvailable.Add(available)
		if err != nil {
			return nil, fmt.Errorf("aggregating available total: %w", err)
		}
	}
	return balance, nil
}

// ListEntries returns a provider's ledger rows, newest first.
func (s *Service) ListEntries(ctx context.Context, tenantID, providerID string, limit, offset int) ([]*domain.Entry, int64, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	return s.store.ListByProvider(ctx, tenantID, providerID, limit, offset)
}
