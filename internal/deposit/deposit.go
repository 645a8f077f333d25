// Package deposit implements the percentage-based security-deposit
// sub-flow. Deposits live on the booking transaction's metadata, not in
// the settlement ledger: they net to zero for the platform and are out
// of payout scope.
package deposit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"railledger/internal/common/money"
)

// Status is the deposit lifecycle status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusRefunded Status = "refunded"
)

var (
	ErrInvalidPercentage = errors.New("deposit percentage must be between 1 and 100")
	ErrNotFound          = errors.New("deposit not found")
	ErrNotPaid           = errors.New("deposit is not paid")
	ErrAlreadyRefunded   = errors.New("deposit already refunded")
)

// Record is the derived deposit state stored on booking metadata.
type Record struct {
	OrderID        string      `json:"order_id"`
	Percentage     int         `json:"percentage"`
	Amount         money.Money `json:"amount"`
	TransferAmount money.Money `json:"transfer_amount"`
	PaymentID      string      `json:"payment_id,omitempty"`
	Status         Status      `json:"status"`
}

// Compute derives the deposit amount from the booking total. The
// transfer amount equals the charged amount: the platform takes no cut
// of deposits.
func Compute(total money.Money, percentage int) (amount, transfer money.Money, err error) {
	if percentage < 1 || percentage > 100 {
		return money.Money{}, money.Money{}, ErrInvalidPercentage
	}
	if total.IsNegative() {
		return money.Money{}, money.Money{}, fmt.Errorf("booking total cannot be negative")
	}

	minor := decimal.NewFromInt(total.AmountMinor).
		Mul(decimal.NewFromInt(int64(percentage))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()

	amount = money.New(minor, total.Currency)
	return amount, amount, nil
}
