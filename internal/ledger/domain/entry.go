// Package domain contains the settlement ledger's core types.
package domain

import (
	"errors"
	"fmt"
	"time"

	"railledger/internal/common/money"
	"railledger/internal/pricing"
)

// Rail identifies a payment-processing backend.
type Rail string

const (
	RailCard   Rail = "CARD"
	RailWallet Rail = "WALLET"
)

// Valid reports whether the rail is one the ledger knows about.
func (r Rail) Valid() bool {
	return r == RailCard || r == RailWallet
}

// PayoutColumn is the ledger column carrying this rail's payout identifier.
func (r Rail) PayoutColumn() string {
	switch r {
	case RailCard:
		return "card_payout_id"
	case RailWallet:
		return "wallet_payout_id"
	default:
		return ""
	}
}

// EntryStatus represents the status of a ledger entry
type EntryStatus string

const (
	StatusCompleted EntryStatus = "completed"
	StatusReversed  EntryStatus = "reversed"
)

// PayoutStatus represents whether an entry's earnings have been paid out
type PayoutStatus string

const (
	PayoutPending PayoutStatus = "pending"
	PayoutPaid    PayoutStatus = "paid"
)

// Entry is one row of the settlement ledger: a single captured payment
// with its computed splits. After creation only the payout fields change,
// and only the settlement dispatcher changes them.
type Entry struct {
	ID                string             `json:"id"`
	TenantID          string             `json:"tenant_id"`
	PaymentMethod     Rail               `json:"payment_method"`
	ExternalOrderID   string             `json:"external_order_id"`
	ExternalPaymentID string             `json:"external_payment_id"`
	ProviderID        string             `json:"provider_id"`
	CustomerID        string             `json:"customer_id"`
	PayinTotal        money.Money        `json:"payin_total"`
	PayoutTotal       money.Money        `json:"payout_total"`
	PlatformFee       money.Money        `json:"platform_fee"`
	Status            EntryStatus        `json:"status"`
	PayoutStatus      PayoutStatus       `json:"payout_status"`
	PayoutID          string             `json:"payout_id,omitempty"`
	LineItems         []pricing.LineItem `json:"line_items,omitempty"`
	PaidAt            *time.Time         `json:"paid_at,omitempty"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// NewEntry creates a ledger entry for a captured payment. The totals must
// satisfy payin = payout + fee in a single currency.
func NewEntry(id, tenantID string, rail Rail, externalOrderID, externalPaymentID, providerID, customerID string, totals pricing.Totals, items []pricing.LineItem) (*Entry, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if tenantID == "" {
		return nil, errors.New("tenant_id is required")
	}
	if !rail.Valid() {
		return nil, fmt.Errorf("unknown rail: %s", rail)
	}
	if externalPaymentID == "" {
		return nil, errors.New("external_payment_id is required")
	}
	if providerID == "" {
		return nil, errors.New("provider_id is required")
	}
	if totals.Payin.IsNegative() || totals.Payout.IsNegative() || totals.PlatformFee.IsNegative() {
		return nil, errors.New("totals must be non-negative")
	}
	if totals.Payin.Currency != totals.Payout.Currency || totals.Payin.Currency != totals.PlatformFee.Currency {
		return nil, money.ErrCurrencyMismatch
	}
	if totals.Payin.AmountMinor != totals.Payout.AmountMinor+totals.PlatformFee.AmountMinor {
		return nil, fmt.Errorf("unbalanced entry: payin %d != payout %d + fee %d",
			totals.Payin.AmountMinor, totals.Payout.AmountMinor, totals.PlatformFee.AmountMinor)
	}

	now := time.Now().UTC()
	return &Entry{
		ID:                id,
		TenantID:          tenantID,
		PaymentMethod:     rail,
		ExternalOrderID:   externalOrderID,
		ExternalPaymentID: externalPaymentID,
		ProviderID:        providerID,
		CustomerID:        customerID,
		PayinTotal:        totals.Payin,
		PayoutTotal:       totals.Payout,
		PlatformFee:       totals.PlatformFee,
		Status:            StatusCompleted,
		PayoutStatus:      PayoutPending,
		LineItems:         items,
		CreatedAt:         now,
		UpdatedAt:         now,
	}, nil
}

// Currency returns the entry's currency.
func (e *Entry) Currency() money.Currency {
	return e.PayinTotal.Currency
}

// PendingPayoutSet is the ephemeral aggregate over a provider's unpaid
// entries. It is computed fresh on every payout request and carries the
// exact contributing entry ids so the dispatcher marks those rows and no
// others, regardless of entries inserted in between.
type PendingPayoutSet struct {
	ProviderID         string               `json:"provider_id"`
	PerRail            map[Rail]money.Money `json:"per_rail"`
	Total              money.Money          `json:"total"`
	ContributingByRail map[Rail][]string    `json:"contributing_by_rail"`
}

// EntryIDs flattens the contributing ids across rails.
func (p *PendingPayoutSet) EntryIDs() []string {
	var ids []string
	for _, railIDs := range p.ContributingByRail {
		ids = append(ids, railIDs...)
	}
	return ids
}

// Reconciliation records a payout that succeeded at the rail but could not
// be marked in the ledger. These rows exist purely for operators; nothing
// consumes them automatically.
type Reconciliation struct {
	ID         string      `json:"id"`
	TenantID   string      `json:"tenant_id"`
	ProviderID string      `json:"provider_id"`
	Rail       Rail        `json:"rail"`
	Amount     money.Money `json:"amount"`
	PayoutID   string      `json:"payout_id"`
	EntryIDs   []string    `json:"entry_ids"`
	Detail     string      `json:"detail"`
	CreatedAt  time.Time   `json:"created_at"`
}
