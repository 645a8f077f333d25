package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"railledger/internal/ledger/domain"
)

// Memory is an in-memory ledger store with the same semantics as the
// Postgres store. It backs local development and tests.
type Memory struct {
	mu              sync.Mutex
	entries         map[string]*domain.Entry // by id
	byExternal      map[string]string        // (rail, external payment id) -> id
	reconciliations []*domain.Reconciliation
	providerLocks   map[string]bool
	missingColumns  map[domain.Rail]bool // simulates an unmigrated schema
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:        make(map[string]*domain.Entry),
		byExternal:     make(map[string]string),
		providerLocks:  make(map[string]bool),
		missingColumns: make(map[domain.Rail]bool),
	}
}

func externalKey(rail domain.Rail, externalPaymentID string) string {
	return string(rail) + "|" + externalPaymentID
}

// DropPayoutColumn simulates a schema missing a rail's payout column.
func (s *Memory) DropPayoutColumn(rail domain.Rail) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missingColumns[rail] = true
}

// HasPayoutColumn reports whether the rail's payout column is present.
func (s *Memory) HasPayoutColumn(rail domain.Rail) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.missingColumns[rail]
}

// Insert appends an entry, enforcing the (rail, external payment id)
// uniqueness the Postgres schema guarantees with a constraint.
func (s *Memory) Insert(ctx context.Context, entry *domain.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := externalKey(entry.PaymentMethod, entry.ExternalPaymentID)
	if _, exists := s.byExternal[key]; exists {
		return fmt.Errorf("%s payment %s: %w",
			entry.PaymentMethod, entry.ExternalPaymentID, domain.ErrDuplicateExternalPayment)
	}

	cp := *entry
	s.entries[entry.ID] = &cp
	s.byExternal[key] = entry.ID
	return nil
}

// GetByExternalPayment retrieves an entry by its rail-native payment id.
func (s *Memory) GetByExternalPayment(ctx context.Context, rail domain.Rail, externalPaymentID string) (*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalKey(rail, externalPaymentID)]
	if !ok {
		return nil, domain.ErrEntryNotFound
	}
	cp := *s.entries[id]
	return &cp, nil
}

// QueryPending returns pending completed entries for a provider, oldest first.
func (s *Memory) QueryPending(ctx context.Context, tenantID, providerID string) ([]*domain.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var result []*domain.Entry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.ProviderID == providerID &&
			e.PayoutStatus == domain.PayoutPending && e.Status == domain.StatusCompleted {
			cp := *e
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MarkPaid transitions the given entries to paid, skipping any already
// paid. All mutations happen under one lock acquisition, mirroring the
// single-statement atomicity of the Postgres store.
func (s *Memory) MarkPaid(ctx context.Context, tenantID string, entryIDs []string, rail domain.Rail, payoutID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Schema guard: restore the column before writing to it.
	delete(s.missingColumns, rail)

	now := time.Now().UTC()
	var marked int64
	for _, id := range entryIDs {
		e, ok := s.entries[id]
		if !ok || e.TenantID != tenantID || e.PayoutStatus != domain.PayoutPending {
			continue
		}
		e.PayoutStatus = domain.PayoutPaid
		e.PayoutID = payoutID
		paidAt := now
		e.PaidAt = &paidAt
		e.UpdatedAt = now
		marked++
	}
	return marked, nil
}

// MarkReversed flags an entry as reversed.
func (s *Memory) MarkReversed(ctx context.Context, rail domain.Rail, externalPaymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byExternal[externalKey(rail, externalPaymentID)]
	if !ok {
		return domain.ErrEntryNotFound
	}
	e := s.entries[id]
	e.Status = domain.StatusReversed
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// LastPayoutAt returns the most recent paid_at for a provider and rail.
func (s *Memory) LastPayoutAt(ctx context.Context, tenantID, providerID string, rail domain.Rail) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var last *time.Time
	for _, e := range s.entries {
		if e.TenantID != tenantID || e.ProviderID != providerID ||
			e.PaymentMethod != rail || e.PayoutStatus != domain.PayoutPaid || e.PaidAt == nil {
			continue
		}
		if last == nil || e.PaidAt.After(*last) {
			t := *e.PaidAt
			last = &t
		}
	}
	return last, nil
}

// ListByProvider returns a provider's entries, newest first.
func (s *Memory) ListByProvider(ctx context.Context, tenantID, providerID string, limit, offset int) ([]*domain.Entry, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*domain.Entry
	for _, e := range s.entries {
		if e.TenantID == tenantID && e.ProviderID == providerID {
			cp := *e
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	total := int64(len(all))
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// EnsurePayoutColumn restores a simulated missing column.
func (s *Memory) EnsurePayoutColumn(ctx context.Context, rail domain.Rail) error {
	if rail.PayoutColumn() == "" {
		return fmt.Errorf("unknown rail: %s", rail)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.missingColumns, rail)
	return nil
}

// SaveReconciliation records a reconciliation row.
func (s *Memory) SaveReconciliation(ctx context.Context, rec *domain.Reconciliation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.reconciliations = append(s.reconciliations, &cp)
	return nil
}

// Reconciliations returns all recorded reconciliation rows.
func (s *Memory) Reconciliations() []*domain.Reconciliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*domain.Reconciliation, len(s.reconciliations))
	copy(out, s.reconciliations)
	return out
}

// AcquireProviderLock serializes settlement per provider. A second caller
// fails immediately with ErrSettlementInProgress rather than blocking.
func (s *Memory) AcquireProviderLock(ctx context.Context, tenantID, providerID string) (func(), error) {
	key := tenantID + "|" + providerID

	s.mu.Lock()
	if s.providerLocks[key] {
		s.mu.Unlock()
		return nil, domain.ErrSettlementInProgress
	}
	s.providerLocks[key] = true
	s.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.providerLocks, key)
			s.mu.Unlock()
		})
	}
	return release, nil
}
