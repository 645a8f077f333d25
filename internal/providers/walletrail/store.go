package walletrail

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDestinationNotFound is returned when a provider has no registered
// wallet payout destination.
var ErrDestinationNotFound = errors.New("wallet payout destination not found")

// Destination is a provider's registered wallet payout target.
type Destination struct {
	TenantID   string
	ProviderID string
	WalletRef  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// DestinationStore persists wallet payout destinations.
type DestinationStore interface {
	RegisterDestination(ctx context.Context, dest *Destination) error
	GetDestination(ctx context.Context, tenantID, providerID string) (*Destination, error)
}

// PostgresDestinationStore implements DestinationStore on Postgres.
type PostgresDestinationStore struct {
	pool *pgxpool.Pool
}

// NewPostgresDestinationStore creates a new destination store.
func NewPostgresDestinationStore(pool *pgxpool.Pool) *PostgresDestinationStore {
	return &PostgresDestinationStore{pool: pool}
}

// RegisterDestination upserts the destination for a provider.
func (s *PostgresDestinationStore) RegisterDestination(ctx context.Context, dest *Destination) error {
	query := `
		INSERT INTO wallet_payout_destinations (tenant_id, provider_id, wallet_ref, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (tenant_id, provider_id)
		DO UPDATE SET wallet_ref = EXCLUDED.wallet_ref, updated_at = EXCLUDED.updated_at
	`
	now := time.Now().UTC()
	dest.UpdatedAt = now
	if dest.CreatedAt.IsZero() {
		dest.CreatedAt = now
	}

	_, err := s.pool.Exec(ctx, query, dest.TenantID, dest.ProviderID, dest.WalletRef, now)
	return err
}

// GetDestination returns the destination registered for a provider.
func (s *PostgresDestinationStore) GetDestination(ctx context.Context, tenantID, providerID string) (*Destination, error) {
	query := `
		SELECT tenant_id, provider_id, wallet_ref, created_at, updated_at
		FROM wallet_payout_destinations
		WHERE tenant_id = $1 AND provider_id = $2
	`

	var dest Destination
	err := s.pool.QueryRow(ctx, query, tenantID, providerID).Scan(
		&dest.TenantID, &dest.ProviderID, &dest.WalletRef, &dest.CreatedAt, &dest.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDestinationNotFound
		}
		return nil, err
	}
	return &dest, nil
}

// MemoryDestinationStore is an in-memory DestinationStore for tests.
type MemoryDestinationStore struct {
	mu           sync.RWMutex
	destinations map[string]*Destination
}

// NewMemoryDestinationStore creates an empty in-memory store.
func NewMemoryDestinationStore() *MemoryDestinationStore {
	return &MemoryDestinationStore{destinations: make(map[string]*Destination)}
}

func destKey(tenantID, providerID string) string {
	return tenantID + "|" + providerID
}

func (s *MemoryDestinationStore) RegisterDestination(_ context.Context, dest *Destination) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	copied := *dest
	copied.UpdatedAt = now
	if copied.CreatedAt.IsZero() {
		copied.CreatedAt = now
	}
	s.destinations[destKey(dest.TenantID, dest.ProviderID)] = &copied
	return nil
}

func (s *MemoryDestinationStore) GetDestination(_ context.Context, tenantID, providerID string) (*Destination, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dest, ok := s.destinations[destKey(tenantID, providerID)]
	if !ok {
		return nil, ErrDestinationNotFound
	}
	copied := *dest
	return &copied, nil
}
