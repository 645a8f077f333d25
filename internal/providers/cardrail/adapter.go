// Package cardrail provides card payment processing via the acquiring service.
package cardrail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"

	"railledger/internal/common/money"
)

// NATS subjects for the acquiring service.
const (
	SubjectCharge  = "acquiring.charge"
	SubjectRefund  = "acquiring.refund"
	SubjectPayout  = "acquiring.payout"
	SubjectBalance = "acquiring.balance"

	// Event subjects from acquiring.
	SubjectTxnChargeback = "acquiring.events.txn.chargeback"
)

// Status represents the card payment status.
type Status string

const (
	StatusCaptured   Status = "CAPTURED"
	StatusFailed     Status = "FAILED"
	StatusRefunded   Status = "REFUNDED"
	StatusChargeback Status = "CHARGEBACK"
)

// Config holds card rail configuration.
type Config struct {
	MerchantID     string        `envconfig:"CARDS_MERCHANT_ID"`
	RequestTimeout time.Duration `envconfig:"CARDS_TIMEOUT" default:"30s"`
}

// Payment is the local record of a card transaction.
type Payment struct {
	ID            string
	TenantID      string
	OrderID       string
	ProviderID    string
	CustomerID    string
	TransactionID string
	AuthCode      string
	CardLastFour  string
	AmountMinor   int64
	Currency      string
	Status        Status
	ErrorCode     string
	ErrorMessage  string
	CapturedAt    *time.Time
	RefundedAt    *time.Time
	ChargebackAt  *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ChargeRequest describes an immediate charge at booking confirmation.
type ChargeRequest struct {
	TenantID   string
	OrderID    string
	ProviderID string
	CustomerID string
	CardToken  string
	Amount     money.Money
}

type chargeMessage struct {
	TransactionID string         `json:"transactionId"`
	MerchantID    string         `json:"merchantId"`
	Amount        int64          `json:"amount"`
	Currency      string         `json:"currency"`
	CardToken     string         `json:"cardToken"`
	EntryMode     string         `json:"entryMode"`
	Capture       bool           `json:"capture"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

type chargeReply struct {
	Success         bool   `json:"success"`
	TransactionID   string `json:"transactionId"`
	Approved        bool   `json:"approved"`
	AuthCode        string `json:"authCode"`
	ResponseCode    string `json:"responseCode"`
	ResponseMessage string `json:"responseMessage"`
	CardLastFour    string `json:"cardLast4,omitempty"`
	Error           string `json:"error,omitempty"`
}

type refundMessage struct {
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason,omitempty"`
}

type payoutMessage struct {
	PayoutID   string `json:"payoutId"`
	MerchantID string `json:"merchantId"`
	AccountRef string `json:"accountRef"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
}

type payoutReply struct {
	Success  bool   `json:"success"`
	PayoutID string `json:"payoutId"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

type balanceReply struct {
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
	Error     string `json:"error,omitempty"`
}

// ChargebackEvent from the acquiring service.
type ChargebackEvent struct {
	TransactionID string    `json:"transactionId"`
	ChargebackID  string    `json:"chargebackId"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	ReasonCode    string    `json:"reasonCode"`
	Timestamp     time.Time `json:"timestamp"`
}

// LedgerService is the callback used on chargebacks.
type LedgerService interface {
	ReverseCardPayment(ctx context.Context, tenantID, transactionID, reason string) error
}

// Adapter implements the card payment rail.
type Adapter struct {
	config Config
	nc     *nats.Conn
	store  *Store
	ledger LedgerService
	logger *slog.Logger
	subs   []*nats.Subscription
}

// NewAdapter creates a new card rail adapter and subscribes to
// acquiring events.
func NewAdapter(cfg Config, nc *nats.Conn, store *Store, logger *slog.Logger) (*Adapter, error) {
	a := &Adapter{
		config: cfg,
		nc:     nc,
		store:  store,
		logger: logger,
	}

	sub, err := nc.Subscribe(SubjectTxnChargeback, a.handleChargeback)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", SubjectTxnChargeback, err)
	}
	a.subs = append(a.subs, sub)

	return a, nil
}

// SetLedgerService sets the chargeback callback.
func (a *Adapter) SetLedgerService(svc LedgerService) {
	a.ledger = svc
}

// Close cleans up subscriptions.
func (a *Adapter) Close() {
	for _, sub := range a.subs {
		sub.Unsubscribe()
	}
}

// ChargeSplit authorizes and captures a card payment in one call at
// booking confirmation. Returns the rail transaction id the ledger
// records as the external payment id.
func (a *Adapter) ChargeSplit(ctx context.Context, req ChargeRequest) (string, error) {
	txnID := fmt.Sprintf("TXN-%s", ulid.Make().String())

	a.logger.Info("charging card",
		"order_id", req.OrderID,
		"transaction_id", txnID,
		"amount", req.Amount.AmountMinor,
		"card_token", maskToken(req.CardToken),
	)

	msg := chargeMessage{
		TransactionID: txnID,
		MerchantID:    a.config.MerchantID,
		Amount:        req.Amount.AmountMinor,
		Currency:      string(req.Amount.Currency),
		CardToken:     req.CardToken,
		EntryMode:     "ECOMMERCE",
		Capture:       true,
		Metadata: map[string]any{
			"order_id":    req.OrderID,
			"provider_id": req.ProviderID,
			"customer_id": req.CustomerID,
		},
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectCharge, data)
	if err != nil {
		return "", fmt.Errorf("nats charge request: %w", err)
	}

	var resp chargeReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal charge response: %w", err)
	}

	now := time.Now()
	payment := &Payment{
		ID:            ulid.Make().String(),
		TenantID:      req.TenantID,
		OrderID:       req.OrderID,
		ProviderID:    req.ProviderID,
		CustomerID:    req.CustomerID,
		TransactionID: txnID,
		AmountMinor:   req.Amount.AmountMinor,
		Currency:      string(req.Amount.Currency),
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if !resp.Success || !resp.Approved {
		payment.Status = StatusFailed
		payment.ErrorCode = resp.ResponseCode
		payment.ErrorMessage = resp.ResponseMessage
		if resp.Error != "" {
			payment.ErrorCode = resp.Error
		}
		if err := a.store.Create(ctx, payment); err != nil {
			a.logger.Error("failed to store declined payment", "error", err)
		}
		return "", fmt.Errorf("charge declined: %s - %s", resp.ResponseCode, resp.ResponseMessage)
	}

	payment.Status = StatusCaptured
	payment.AuthCode = resp.AuthCode
	payment.CardLastFour = resp.CardLastFour
	payment.CapturedAt = &now

	if err := a.store.Create(ctx, payment); err != nil {
		a.logger.Error("failed to store payment", "error", err)
	}

	a.logger.Info("card charge captured",
		"order_id", req.OrderID,
		"transaction_id", txnID,
		"auth_code", resp.AuthCode,
	)

	return txnID, nil
}

// Refund refunds a captured payment.
func (a *Adapter) Refund(ctx context.Context, transactionID string, amount money.Money) error {
	payment, err := a.store.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return fmt.Errorf("get payment: %w", err)
	}
	if payment.Status != StatusCaptured {
		return fmt.Errorf("payment not in CAPTURED status: %s", payment.Status)
	}

	msg := refundMessage{
		TransactionID: transactionID,
		Amount:        amount.AmountMinor,
		Reason:        "Customer requested refund",
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectRefund, data)
	if err != nil {
		return fmt.Errorf("nats refund request: %w", err)
	}

	var resp payoutReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("unmarshal refund response: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("refund failed: %s", resp.Error)
	}

	if err := a.store.MarkRefunded(ctx, transactionID); err != nil {
		a.logger.Error("failed to update refund status", "error", err)
	}

	a.logger.Info("card payment refunded",
		"transaction_id", transactionID,
		"amount", amount.AmountMinor,
	)
	return nil
}

// CreatePayout transfers collected card funds to the provider's
// merchant account.
func (a *Adapter) CreatePayout(ctx context.Context, accountRef string, amount money.Money) (string, error) {
	payoutID := fmt.Sprintf("CPO-%s", ulid.Make().String())

	msg := payoutMessage{
		PayoutID:   payoutID,
		MerchantID: a.config.MerchantID,
		AccountRef: accountRef,
		Amount:     amount.AmountMinor,
		Currency:   string(amount.Currency),
	}
	data, _ := json.Marshal(msg)

	reply, err := a.nc.RequestWithContext(ctx, SubjectPayout, data)
	if err != nil {
		return "", fmt.Errorf("nats payout request: %w", err)
	}

	var resp payoutReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return "", fmt.Errorf("unmarshal payout response: %w", err)
	}
	if !resp.Success {
		return "", fmt.Errorf("payout failed: %s", resp.Error)
	}

	a.logger.Info("card payout created",
		"payout_id", resp.PayoutID,
		"account_ref", accountRef,
		"amount", amount.AmountMinor,
	)
	return resp.PayoutID, nil
}

// GetBalance returns the available balance on the acquiring account.
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

// handleChargeback processes chargeback events from acquiring.
func (a *Adapter) handleChargeback(msg *nats.Msg) {
	var event ChargebackEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		a.logger.Error("unmarshal chargeback event", "error", err)
		return
	}

	a.logger.Warn("received chargeback",
		"transaction_id", event.TransactionID,
		"chargeback_id", event.ChargebackID,
		"reason", event.Reason,
		"amount", event.Amount,
	)

	ctx := context.Background()
	payment, err := a.store.GetByTransactionID(ctx, event.TransactionID)
	if err != nil {
		a.logger.Error("payment not found for chargeback", "transaction_id", event.TransactionID)
		return
	}

	if err := a.store.MarkChargeback(ctx, event.TransactionID, event.Reason); err != nil {
		a.logger.Error("failed to update chargeback status", "error", err)
	}

	if a.ledger != nil {
		reason := fmt.Sprintf("Chargeback: %s (%s)", event.Reason, event.ReasonCode)
		if err := a.ledger.ReverseCardPayment(ctx, payment.TenantID, event.TransactionID, reason); err != nil {
			a.logger.Error("failed to reverse chargebacked payment", "error", err)
		}
	}
}

func maskToken(token string) string {
	if len(token) > 8 {
		return token[:4] + "****" + token[len(token)-4:]
	}
	return "****"
}

// Store handles card payment persistence.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new card payment store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Create inserts a new payment record.
func (s *Store) Create(ctx context.Context, payment *Payment) error {
	query := `
		INSERT INTO card_payments (
			id, tenant_id, order_id, provider_id, customer_id, transaction_id,
			auth_code, card_last_four, amount_minor, currency, card_status,
			error_code, error_message, captured_at, refunded_at, chargeback_at,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`

	_, err := s.pool.Exec(ctx, query,
		payment.ID, payment.TenantID, payment.OrderID, payment.ProviderID,
		payment.CustomerID, payment.TransactionID,
		nullableString(payment.AuthCode), nullableString(payment.CardLastFour),
		payment.AmountMinor, payment.Currency, payment.Status,
		nullableString(payment.ErrorCode), nullableString(payment.ErrorMessage),
		payment.CapturedAt, payment.RefundedAt, payment.ChargebackAt,
		payment.CreatedAt, payment.UpdatedAt,
	)
	return err
}

// GetByTransactionID retrieves a payment by rail transaction id.
func (s *Store) GetByTransactionID(ctx context.Context, txnID string) (*Payment, error) {
	query := `
		SELECT id, tenant_id, order_id, provider_id, customer_id, transaction_id,
			   auth_code, card_last_four, amount_minor, currency, card_status,
			   error_code, error_message, captured_at, refunded_at, chargeback_at,
			   created_at, updated_at
		FROM card_payments WHERE transaction_id = $1
	`

	row := s.pool.QueryRow(ctx, query, txnID)

	var p Payment
	var authCode, lastFour, errorCode, errorMsg *string

	err := row.Scan(
		&p.ID, &p.TenantID, &p.OrderID, &p.ProviderID, &p.CustomerID,
		&p.TransactionID, &authCode, &lastFour,
		&p.AmountMinor, &p.Currency, &p.Status,
		&errorCode, &errorMsg,
		&p.CapturedAt, &p.RefundedAt, &p.ChargebackAt,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, fmt.Errorf("payment not found: %s", txnID)
		}
		return nil, err
	}

	if authCode != nil {
		p.AuthCode = *authCode
	}
	if lastFour != nil {
		p.CardLastFour = *lastFour
	}
	if errorCode != nil {
		p.ErrorCode = *errorCode
	}
	if errorMsg != nil {
		p.ErrorMessage = *errorMsg
	}

	return &p, nil
}

// MarkRefunded marks a payment as refunded.
func (s *Store) MarkRefunded(ctx context.Context, txnID string) error {
	query := `UPDATE card_payments SET card_status = $2, refunded_at = $3, updated_at = $3 WHERE transaction_id = $1`
	_, err := s.pool.Exec(ctx, query, txnID, StatusRefunded, time.Now())
	return err
}

// MarkChargeback marks a payment as chargebacked.
func (s *Store) MarkChargeback(ctx context.Context, txnID, reason string) error {
	query := `UPDATE card_payments SET card_status = $2, chargeback_at = $3, error_message = $4, updated_at = $3 WHERE transaction_id = $1`
	_, err := s.pool.Exec(ctx, query, txnID, StatusChargeback, time.Now(), reason)
	return err
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
