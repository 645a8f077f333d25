// Package walletrail provides wallet payment processing via the wallet
// platform service.
package walletrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"railledger/internal/common/money"
)

// NATS subjects for the wallet platform.
const (
	SubjectAuthorize = "walletpay.authorize"
	SubjectCapture   = "walletpay.capture"
	SubjectVoid      = "walletpay.void"
	SubjectRefund    = "walletpay.refund"
	SubjectPayout    = "walletpay.payout"
	SubjectBalance   = "walletpay.balance"
)

// Config holds wallet rail configuration.
type Config struct {
	MerchantID     string        `envconfig:"WALLET_MERCHANT_ID"`
	RequestTimeout time.Duration `envconfig:"WALLET_TIMEOUT" default:"30s"`
}

type authorizeMessage struct {
	ReferenceID string `json:"referenceId"`
	MerchantID  string `json:"merchantId"`
	OrderID     string `json:"orderId"`
	CustomerID  string `json:"customerId"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type authorizeReply struct {
	Success         bool   `json:"success"`
	AuthorizationID string `json:"authorizationId"`
	Status          string `json:"status"`
	Error           string `json:"error,omitempty"`
}

type captureMessage struct {
	AuthorizationID string `json:"authorizationId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

type captureReply struct {
	Success   bool   `json:"success"`
	PaymentID string `json:"paymentId"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type voidMessage struct {
	AuthorizationID string `json:"authorizationId"`
}

type refundMessage struct {
	PaymentID string `json:"paymentId"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason,omitempty"`
}

type payoutMessage struct {
	PayoutID    string `json:"payoutId"`
	MerchantID  string `json:"merchantId"`
	Destination string `json:"destination"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

type simpleReply struct {
	Success  bool   `json:"success"`
	PayoutID string `json:"payoutId,omitempty"`
	Status   string `json:"status,omitempty"`
	Error    string `json:"error,omitempty"`
}

type balanceReply struct {
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
	Error     string `json:"error,omitempty"`
}

// Adapter implements the wallet payment rail.
type Adapter struct {
	config Config
	nc     *nats.Conn
	logger *slog.Logger
}

// NewAdapter creates a new wallet rail adapter.
func NewAdapter(cfg Config, nc *nats.Conn, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		nc:     nc,
		logger: logger,
	}
}

// Authorize places a hold on the customer's wallet. Returns the rail
// authorization id.
func (a *Adapter) Authorize(ctx context.Context, orderID, customerID string, amount money.Money) (string, error) {
	refID := fmt.Sprintf("WAU-%s", ulid.Make().String())

	msg := authorizeMessage{
		ReferenceID: refID,
		MerchantID:  a.config.MerchantID,
		OrderID:     orderID,
		CustomerID:  customerID,
		Amount:      amount.AmountMinor,
		Currency:    string(amount.Currency),
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectAuthorize, data)
	if err != nil {
		return "", fmt.Errorf("nats authorize request: %w", err)
	}

	var resp authorizeReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal authorize response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("wallet authorize failed: %s", resp.Error)
	}

	a.logger.Info("wallet hold placed",
		"order_id", orderID,
		"authorization_id", resp.AuthorizationID,
		"amount", amount.AmountMinor,
	)
	return resp.AuthorizationID, nil
}

// Capture converts a hold into a transfer, possibly for less than the
// held amount. Returns the rail payment id.
func (a *Adapter) Capture(ctx context.Context, authorizationID string, amount money.Money) (string, error) {
	msg := captureMessage{
		AuthorizationID: authorizationID,
		Amount:          amount.AmountMinor,
		Currency:        string(amount.Currency),
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectCapture, data)
	if err != nil {
		return "", fmt.Errorf("nats capture request: %w", err)
	}

	var resp captureReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal capture response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("wallet capture failed: %s", resp.Error)
	}

	a.logger.Info("wallet hold captured",
		"authorization_id", authorizationID,
		"payment_id", resp.PaymentID,
		"amount", amount.AmountMinor,
	)
	return resp.PaymentID, nil
}

// Void releases a hold without transferring funds.
func (a *Adapter) Void(ctx context.Context, authorizationID string) error {
	data, _ := json.Marshal(voidMessage{AuthorizationID: authorizationID})

	reply, err := a.nc.RequestWithContext(ctx, SubjectVoid, data)
	if err != nil {
		return fmt.Errorf("nats void request: %w", err)
	}

	var resp simpleReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("unmarshal void response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("wallet void failed: %s", resp.Error)
	}

	a.logger.Info("wallet hold released", "authorization_id", authorizationID)
	return nil
}

// Refund returns captured funds to the customer's wallet.
func (a *Adapter) Refund(ctx context.Context, paymentID string, amount money.Money) error {
	msg := refundMessage{
		PaymentID: paymentID,
		Amount:    amount.AmountMinor,
		Reason:    "Customer requested refund",
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectRefund, data)
	if err != nil {
		return fmt.Errorf("nats refund request: %w", err)
	}

	var resp simpleReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("unmarshal refund response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("wallet refund failed: %s", resp.Error)
	}

	a.logger.Info("wallet payment refunded", "payment_id", paymentID, "amount", amount.AmountMinor)
	return nil
}

// CreatePayout transfers collected wallet funds to the provider's
// registered destination.
func (a *Adapter) CreatePayout(ctx context.Context, destination string, amount money.Money) (string, error) {
	payoutID := fmt.Sprintf("WPO-%s", ulid.Make().String())

	msg := payoutMessage{
		PayoutID:    payoutID,
		MerchantID:  a.config.MerchantID,
		Destination: destination,
		Amount:      amount.AmountMinor,
		Currency:    string(amount.Currency),
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectPayout, data)
	if err != nil {
		return "", fmt.Errorf("nats payout request: %w", err)
	}

	var resp simpleReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal payout response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("payout failed: %s", resp.Error)
	}

	a.logger.Info("wallet payout created",
		"payout_id", resp.PayoutID,
		"destination", destination,
		"amount", amount.AmountMinor,
	)
	return resp.PayoutID, nil
}

// GetBalance returns the available balance on the wallet merchant account.
func (a *Adapter) GetBalance(ctx context.Context, currency money.Currency) (money.Money, error) {
	msg, _ := json.Marshal(map[string]string{
		"merchantId": a.config.MerchantID,
		"currency":   string(currency),
	})

	reply, err := a.nc.RequestWithContext(ctx, SubjectBalance, msg)
	if err != nil {
		return money.Money{}, fmt.Errorf("nats balance request: %w", err)
	}

	var resp balanceReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return money.Money{}, fmt.Errorf("unmarshal balance response: %w", err)
	}
	if resp.Error != "" {
		return money.Money{}, fmt.Errorf("balance query failed: %s", resp.Error)
	}

	return money.New(resp.Available, money.Currency(resp.Currency)), nil
}
