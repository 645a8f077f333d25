package authorization

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"railledger/internal/common/database"
	"railledger/internal/common/money"
)

// Store persists authorization records.
type Store interface {
	Create(ctx context.Context, auth *Authorization) error
	Get(ctx context.Context, tenantID, orderID string) (*Authorization, error)
	Update(ctx context.Context, auth *Authorization) error
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Authorization, error)
}

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const authColumns = `
	order_id, tenant_id, authorization_id, provider_id, customer_id,
	amount_minor, captured_minor, currency, captured, state,
	created_at, updated_at, authorized_at, captured_at, voided_at, expires_at
`

// Create inserts a new authorization record.
func (s *PostgresStore) Create(ctx context.Context, auth *Authorization) error {
	query := `
		INSERT INTO wallet_authorizations (` + authColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`

	_, err := s.pool.Exec(ctx, query,
		auth.OrderID, auth.TenantID, nullStr(auth.AuthorizationID),
		auth.ProviderID, auth.CustomerID,
		auth.Amount.AmountMinor, auth.CapturedAmount.AmountMinor, auth.Amount.Currency,
		auth.Captured, auth.State,
		auth.CreatedAt, auth.UpdatedAt,
		auth.AuthorizedAt, auth.CapturedAt, auth.VoidedAt, auth.ExpiresAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("order %s: %w", auth.OrderID, database.ErrAlreadyExists)
		}
		return fmt.Errorf("creating authorization: %w", err)
	}
	return nil
}

// Get retrieves an authorization by order id.
func (s *PostgresStore) Get(ctx context.Context, tenantID, orderID string) (*Authorization, error) {
	query := `SELECT ` + authColumns + `
		FROM wallet_authorizations
		WHERE tenant_id = $1 AND order_id = $2
	`

	row := s.pool.QueryRow(ctx, query, tenantID, orderID)
	return scanAuthorization(row)
}

// Update persists the current state of an authorization.
func (s *PostgresStore) Update(ctx context.Context, auth *Authorization) error {
	query := `
		UPDATE wallet_authorizations SET
			authorization_id = $2, captured_minor = $3, captured = $4, state = $5,
			updated_at = $6, authorized_at = $7, captured_at = $8, voided_at = $9
		WHERE order_id = $1
	`

	auth.UpdatedAt = time.Now().UTC()
	tag, err := s.pool.Exec(ctx, query,
		auth.OrderID, nullStr(auth.AuthorizationID),
		auth.CapturedAmount.AmountMinor, auth.Captured, auth.State,
		auth.UpdatedAt, auth.AuthorizedAt, auth.CapturedAt, auth.VoidedAt,
	)
	if err != nil {
		return fmt.Errorf("updating authorization: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpired lists authorized holds whose expiry has passed.
func (s *PostgresStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Authorization, error) {
	query := `SELECT ` + authColumns + `
		FROM wallet_authorizations
		WHERE state = $1 AND expires_at < $2
		ORDER BY expires_at ASC
		LIMIT $3
	`

	rows, err := s.pool.Query(ctx, query, StateAuthorized, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired authorizations: %w", err)
	}
	defer rows.Close()

	var auths []*Authorization
	for rows.Next() {
		auth, err := scanAuthorization(rows)
		if err != nil {
			return nil, err
		}
		auths = append(auths, auth)
	}
	return auths, rows.Err()
}

func scanAuthorization(row pgx.Row) (*Authorization, error) {
	var a Authorization
	var authorizationID *string
	var amountMinor, capturedMinor int64
	var currency string

	err := row.Scan(
		&a.OrderID, &a.TenantID, &authorizationID, &a.ProviderID, &a.CustomerID,
		&amountMinor, &capturedMinor, &currency, &a.Captured, &a.State,
		&a.CreatedAt, &a.UpdatedAt, &a.AuthorizedAt, &a.CapturedAt, &a.VoidedAt, &a.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning authorization: %w", err)
	}

	if authorizationID != nil {
		a.AuthorizationID = *authorizationID
	}
	c := money.Currency(currency)
	a.Amount = money.New(amountMinor, c)
	a.CapturedAmount = money.New(capturedMinor, c)
	return &a, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu    sync.Mutex
	auths map[string]*Authorization // by tenant|order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{auths: make(map[string]*Authorization)}
}

func memKey(tenantID, orderID string) string {
	return tenantID + "|" + orderID
}

// Create inserts an authorization.
func (s *MemoryStore) Create(ctx context.Context, auth *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(auth.TenantID, auth.OrderID)
	if _, exists := s.auths[key]; exists {
		return fmt.Errorf("order %s: %w", auth.OrderID, database.ErrAlreadyExists)
	}
	cp := *auth
	s.auths[key] = &cp
	return nil
}

// Get retrieves an authorization by order id.
func (s *MemoryStore) Get(ctx context.Context, tenantID, orderID string) (*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	auth, ok := s.auths[memKey(tenantID, orderID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *auth
	return &cp, nil
}

// Update persists an authorization's state.
func (s *MemoryStore) Update(ctx context.Context, auth *Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memKey(auth.TenantID, auth.OrderID)
	if _, ok := s.auths[key]; !ok {
		return ErrNotFound
	}
	auth.UpdatedAt = time.Now().UTC()
	cp := *auth
	s.auths[key] = &cp
	return nil
}

// ListExpired lists authorized holds whose expiry has passed.
func (s *MemoryStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]*Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var expired []*Authorization
	for _, a := range s.auths {
		if a.State == StateAuthorized && a.ExpiresAt != nil && a.ExpiresAt.Before(cutoff) {
			cp := *a
			expired = append(expired, &cp)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		return expired[i].ExpiresAt.Before(*expired[j].ExpiresAt)
	})
	if len(expired) > limit {
		expired = expired[:limit]
	}
	return expired, nil
}
