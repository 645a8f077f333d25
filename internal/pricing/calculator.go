// Package pricing converts a booking's itemized charges into the payer,
// payee, and platform-fee totals recorded on the ledger.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"railledger/internal/common/money"
)

// Party identifies who a line item is charged to or credited from.
type Party string

const (
	PartyCustomer Party = "customer"
	PartyProvider Party = "provider"
)

// Errors returned by Compute.
var (
	ErrCurrencyMismatch    = errors.New("line items span multiple currencies")
	ErrNoLineItems         = errors.New("no line items")
	ErrInvalidQuantity     = errors.New("line item quantity must be positive")
	ErrNegativeTotal       = errors.New("computed total is negative")
	ErrNegativePlatformFee = errors.New("provider total exceeds customer total")
)

// LineItem is a single itemized charge produced by the booking workflow.
// Consumed read-only; the calculator never mutates its input.
type LineItem struct {
	Code       string      `json:"code"`
	UnitPrice  money.Money `json:"unit_price"`
	Quantity   int64       `json:"quantity"`
	IncludeFor []Party     `json:"include_for"`
	Reversal   bool        `json:"reversal"`
}

// includes reports whether the item applies to the given party.
func (li LineItem) includes(p Party) bool {
	for _, party := range li.IncludeFor {
		if party == p {
			return true
		}
	}
	return false
}

// Totals is the result of a computation over a line item sequence.
// Invariant: Payin = Payout + PlatformFee, all non-negative, one currency.
type Totals struct {
	Payin       money.Money `json:"payin_total"`
	Payout      money.Money `json:"payout_total"`
	PlatformFee money.Money `json:"platform_fee"`
}

// Compute sums unit price times quantity for each party. Accumulation runs
// on arbitrary-precision decimals and converts to integer minor units once
// at the end, so long sequences of small items cannot accumulate float
// error. Pure and deterministic.
func Compute(items []LineItem) (Totals, error) {
	if len(items) == 0 {
		return Totals{}, ErrNoLineItems
	}

	currency := items[0].UnitPrice.Currency
	payin := decimal.Zero
	payout := decimal.Zero

	for i, item := range items {
		if item.UnitPrice.Currency != currency {
			return Totals{}, fmt.Errorf("%w: %s vs %s (item %q)",
				ErrCurrencyMismatch, currency, item.UnitPrice.Currency, item.Code)
		}
		if item.Quantity <= 0 {
			return Totals{}, fmt.Errorf("%w: item %d (%q) has quantity %d",
				ErrInvalidQuantity, i, item.Code, item.Quantity)
		}

		line := decimal.NewFromInt(item.UnitPrice.AmountMinor).
			Mul(decimal.NewFromInt(item.Quantity))
		if item.Reversal {
			line = line.Neg()
		}

		if item.includes(PartyCustomer) {
			payin = payin.Add(line)
		}
		if item.includes(PartyProvider) {
			payout = payout.Add(line)
		}
	}

	if payin.IsNegative() || payout.IsNegative() {
		return Totals{}, fmt.Errorf("%w: payin %s, payout %s", ErrNegativeTotal, payin, payout)
	}

	payinTotal := money.New(payin.IntPart(), currency)
	payoutTotal := money.New(payout.IntPart(), currency)

	fee, err := money.Fee(payinTotal, payoutTotal)
	if err != nil {
		if errors.Is(err, money.ErrNegativeFee) {
			return Totals{}, fmt.Errorf("%w: payin %d, payout %d",
				ErrNegativePlatformFee, payinTotal.AmountMinor, payoutTotal.AmountMinor)
		}
		return Totals{}, err
	}

	return Totals{
		Payin:       payinTotal,
		Payout:      payoutTotal,
		PlatformFee: fee,
	}, nil
}
