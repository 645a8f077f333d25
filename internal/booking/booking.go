// Package booking is the surface to the external booking workflow. The
// workflow owns transaction state; this core reads line items from its
// events and writes payment identifiers back into transaction metadata.
package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"railledger/internal/pricing"
)

// NATS subjects for the booking workflow.
const (
	SubjectGetTransaction = "booking.txn.get"
	SubjectUpdateMetadata = "booking.txn.metadata"

	SubjectTxnAccepted = "booking.txn.accepted"
	SubjectTxnDeclined = "booking.txn.declined"
	SubjectTxnExpired  = "booking.txn.expired"
)

// ErrTransactionNotFound is returned when the workflow has no record of
// the order.
var ErrTransactionNotFound = errors.New("booking transaction not found")

// TransactionMetadata is the slice of booking transaction state this
// core writes. The workflow owns the rest of the transaction.
type TransactionMetadata struct {
	PayoutAccountRef     string `json:"payout_account_ref,omitempty"`
	CardPaymentID        string `json:"card_payment_id,omitempty"`
	WalletPaymentID      string `json:"wallet_payment_id,omitempty"`
	DepositPercentage    int    `json:"deposit_percentage,omitempty"`
	DepositAmountMinor   int64  `json:"deposit_amount_minor,omitempty"`
	DepositTransferMinor int64  `json:"deposit_transfer_minor,omitempty"`
	DepositPaymentID     string `json:"deposit_payment_id,omitempty"`
	DepositStatus        string `json:"deposit_status,omitempty"`
	Currency             string `json:"currency,omitempty"`
}

// StateChange is the payload of booking.txn.* state-change events.
type StateChange struct {
	TenantID   string             `json:"tenant_id"`
	OrderID    string             `json:"order_id"`
	ProviderID string             `json:"provider_id"`
	CustomerID string             `json:"customer_id"`
	LineItems  []pricing.LineItem `json:"line_items,omitempty"`
	OccurredAt time.Time          `json:"occurred_at"`
}

type getRequest struct {
	TenantID string `json:"tenant_id"`
	OrderID  string `json:"order_id"`
}

type getReply struct {
	Found    bool                 `json:"found"`
	Metadata *TransactionMetadata `json:"metadata,omitempty"`
	Error    string               `json:"error,omitempty"`
}

type updateRequest struct {
	TenantID string               `json:"tenant_id"`
	OrderID  string               `json:"order_id"`
	Metadata *TransactionMetadata `json:"metadata"`
}

type updateReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client talks to the booking workflow over NATS request/reply.
type Client struct {
	nc      *nats.Conn
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a new booking workflow client.
func NewClient(nc *nats.Conn, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{nc: nc, timeout: timeout, logger: logger}
}

// GetMetadata fetches the payment metadata slice of a transaction.
func (c *Client) GetMetadata(ctx context.Context, tenantID, orderID string) (*TransactionMetadata, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, _ := json.Marshal(getRequest{TenantID: tenantID, OrderID: orderID})
	reply, err := c.nc.RequestWithContext(ctx, SubjectGetTransaction, data)
	if err != nil {
		return nil, fmt.Errorf("nats get transaction: %w", err)
	}

	var resp getReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal transaction reply: %w", err)
	}
	if !resp.Found {
		return nil, ErrTransactionNotFound
	}
	if resp.Metadata == nil {
		return &TransactionMetadata{}, nil
	}
	return resp.Metadata, nil
}

// UpdateMetadata writes payment metadata back to the transaction.
func (c *Client) UpdateMetadata(ctx context.Context, tenantID, orderID string, meta *TransactionMetadata) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data, _ := json.Marshal(updateRequest{TenantID: tenantID, OrderID: orderID, Metadata: meta})
	reply, err := c.nc.RequestWithContext(ctx, SubjectUpdateMetadata, data)
	if err != nil {
		return fmt.Errorf("nats update metadata: %w", err)
	}

	var resp updateReply
	if err := json.Unmarshal(reply.Data, &resp); err != nil {
		return fmt.Errorf("unmarshal metadata reply: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("metadata update rejected: %s", resp.Error)
	}

	c.logger.Debug("transaction metadata updated", "order_id", orderID)
	return nil
}
