// Package authorization models the wallet rail's reservation lifecycle:
// a hold is placed at booking-request time, captured when the provider
// accepts, and voided on decline or expiry. Card payments never enter
// this lifecycle; they charge and split in one call at confirmation.
package authorization

import (
	"errors"
	"fmt"
	"time"

	"railledger/internal/common/money"
)

// State represents the lifecycle state of an authorization.
type State string

const (
	StateCreated    State = "created"
	StateAuthorized State = "authorized"
	StateCaptured   State = "captured"
	StateVoided     State = "voided"
)

// Transition errors.
var (
	ErrNotFound           = errors.New("authorization not found")
	ErrNotAuthorized      = errors.New("authorization is not in authorized state")
	ErrAlreadyCaptured    = errors.New("authorization already captured")
	ErrAlreadyVoided      = errors.New("authorization already voided")
	ErrCannotVoidCaptured = errors.New("cannot void a captured authorization")
	ErrCaptureExceedsHold = errors.New("capture amount exceeds authorized amount")
)

// Authorization is a hold on wallet funds for a booking order.
// It transitions to captured exactly once or is terminated by a void,
// never both.
type Authorization struct {
	OrderID         string      `json:"order_id"`
	TenantID        string      `json:"tenant_id"`
	AuthorizationID string      `json:"authorization_id,omitempty"`
	ProviderID      string      `json:"provider_id"`
	CustomerID      string      `json:"customer_id"`
	Amount          money.Money `json:"amount"`
	CapturedAmount  money.Money `json:"captured_amount"`
	Captured        bool        `json:"captured"`
	State           State       `json:"state"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	AuthorizedAt    *time.Time  `json:"authorized_at,omitempty"`
	CapturedAt      *time.Time  `json:"captured_at,omitempty"`
	VoidedAt        *time.Time  `json:"voided_at,omitempty"`
	ExpiresAt       *time.Time  `json:"expires_at,omitempty"`
}

// New creates an authorization record in the created state.
func New(orderID, tenantID, providerID, customerID string, amount money.Money, holdWindow time.Duration) (*Authorization, error) {
	if orderID == "" {
		return nil, errors.New("order_id is required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if !amount.IsPositive() {
		return nil, errors.New("amount must be positive")
	}

	now := time.Now().UTC()
	expiry := now.Add(holdWindow)
	return &Authorization{
		OrderID:    orderID,
		TenantID:   tenantID,
		ProviderID: providerID,
		CustomerID: customerID,
		Amount:     amount,
		State:      StateCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  &expiry,
	}, nil
}

// MarkAuthorized records the completed wallet checkout. The amount is
// held at the rail but not transferred.
func (a *Authorization) MarkAuthorized(authorizationID string) error {
	if a.State != StateCreated {
		return fmt.Errorf("cannot authorize from state %s", a.State)
	}
	if authorizationID == "" {
		return errors.New("authorization_id is required")
	}
	now := time.Now().UTC()
	a.State = StateAuthorized
	a.AuthorizationID = authorizationID
	a.AuthorizedAt = &now
	a.UpdatedAt = now
	return nil
}

// MarkCaptured records a capture of up to the held amount. This is the
// only transition that leads to a ledger entry.
func (a *Authorization) MarkCaptured(amount money.Money) error {
	switch a.State {
	case StateCaptured:
		return ErrAlreadyCaptured
	case StateVoided:
		return ErrAlreadyVoided
	case StateAuthorized:
		// proceed
	default:
		return ErrNotAuthorized
	}
	if amount.Currency != a.Amount.Currency {
		return money.ErrCurrencyMismatch
	}
	if !amount.IsPositive() || amount.GreaterThan(a.Amount) {
		return fmt.Errorf("%w: %d > %d", ErrCaptureExceedsHold, amount.AmountMinor, a.Amount.AmountMinor)
	}

	now := time.Now().UTC()
	a.State = StateCaptured
	a.Captured = true
	a.CapturedAmount = amount
	a.CapturedAt = &now
	a.UpdatedAt = now
	return nil
}

// MarkVoided releases the hold without transfer. Voiding a captured
// authorization is rejected; a refund flow is required instead.
func (a *Authorization) MarkVoided() error {
	switch a.State {
	case StateCaptured:
		return ErrCannotVoidCaptured
	case StateVoided:
		return ErrAlreadyVoided
	case StateAuthorized, StateCreated:
		// proceed
	default:
		return fmt.Errorf("cannot void from state %s", a.State)
	}

	now := time.Now().UTC()
	a.State = StateVoided
	a.VoidedAt = &now
	a.UpdatedAt = now
	return nil
}

// Expired reports whether the hold window has elapsed without capture.
func (a *Authorization) Expired(now time.Time) bool {
	return a.State == StateAuthorized && a.ExpiresAt != nil && now.After(*a.ExpiresAt)
}

// IsTerminal returns true when no further transitions are possible.
func (a *Authorization) IsTerminal() bool {
	return a.State == StateCaptured || a.State == StateVoided
}
