package deposit

import (
	"context"
	"fmt"
	"log/slog"

	"railledger/internal/booking"
	"railledger/internal/common/events"
	"railledger/internal/common/money"
)

// MetadataStore reads and writes the deposit slice of booking metadata.
type MetadataStore interface {
	GetMetadata(ctx context.Context, tenantID, orderID string) (*booking.TransactionMetadata, error)
	UpdateMetadata(ctx context.Context, tenantID, orderID string, meta *booking.TransactionMetadata) error
}

// WalletRail is the subset of the wallet provider used for deposits.
type WalletRail interface {
	Authorize(ctx context.Context, orderID, customerID string, amount money.Money) (string, error)
	Capture(ctx context.Context, authorizationID string, amount money.Money) (string, error)
	Refund(ctx context.Context, paymentID string, amount money.Money) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service manages the security-deposit lifecycle.
type Service struct {
	metadata  MetadataStore
	rail      WalletRail
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new deposit service.
func NewService(metadata MetadataStore, rail WalletRail, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		metadata:  metadata,
		rail:      rail,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRequest describes a deposit selected at booking-request time.
type CreateRequest struct {
	TenantID     string
	OrderID      string
	CustomerID   string
	Percentage   int
	BookingTotal money.Money
}

// Create computes the deposit from the booking total and records it as
// pending on the transaction metadata.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Record, error) {
	amount, transfer, err := Compute(req.BookingTotal, req.Percentage)
	if err != nil {
		return nil, err
	}

	meta, err := s.metadata.GetMetadata(ctx, req.TenantID, req.OrderID)
	if err != nil {
		return nil, err
	}

	meta.DepositPercentage = req.Percentage
	meta.DepositAmountMinor = amount.AmountMinor
	meta.DepositTransferMinor = transfer.AmountMinor
	meta.DepositStatus = string(StatusPending)
	meta.Currency = string(amount.Currency)

	if err := s.metadata.UpdateMetadata(ctx, req.TenantID, req.OrderID, meta); err != nil {
		return nil, fmt.Errorf("writing deposit metadata: %w", err)
	}

	rec := &Record{
		OrderID:        req.OrderID,
		Percentage:     req.Percentage,
		Amount:         amount,
		TransferAmount: transfer,
		Status:         StatusPending,
	}

	s.publish(ctx, events.EventDepositCreated, req.TenantID, rec)
	s.logger.Info("security deposit created",
		"order_id", req.OrderID,
		"percentage", req.Percentage,
		"amount", amount.AmountMinor,
		"currency", amount.Currency,
	)
	return rec, nil
}

// Pay charges the deposit to the customer's wallet and marks it paid.
// Paying an already-paid deposit is a no-op success.
func (s *Service) Pay(ctx context.Context, tenantID, orderID, customerID string) (*Record, error) {
	meta, err := s.metadata.GetMetadata(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	rec, err := recordFromMetadata(orderID, meta)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusPaid:
		s.logger.Info("deposit already paid, no-op", "order_id", orderID)
		return rec, nil
	case StatusRefunded:
		return nil, ErrAlreadyRefunded
	}

	authorizationID, err := s.rail.Authorize(ctx, orderID, customerID, rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("authorizing deposit: %w", err)
	}
	paymentID, err := s.rail.Capture(ctx, authorizationID, rec.Amount)
	if err != nil {
		return nil, fmt.Errorf("capturing deposit: %w", err)
	}

	meta.DepositPaymentID = paymentID
	meta.DepositStatus = string(StatusPaid)
	if err := s.metadata.UpdateMetadata(ctx, tenantID, orderID, meta); err != nil {
		// The charge went through; the status write must not be lost.
		s.logger.Error("deposit charged but metadata write failed",
			"order_id", orderID,
			"payment_id", paymentID,
			"error", err,
		)
		return nil, fmt.Errorf("writing deposit status: %w", err)
	}

	rec.PaymentID = paymentID
	rec.Status = StatusPaid

	s.publish(ctx, events.EventDepositPaid, tenantID, rec)
	s.logger.Info("security deposit paid",
		"order_id", orderID,
		"payment_id", paymentID,
		"amount", rec.Amount.AmountMinor,
	)
	return rec, nil
}

// Refund returns a paid deposit to the customer.
func (s *Service) Refund(ctx context.Context, tenantID, orderID string) (*Record, error) {
	meta, err := s.metadata.GetMetadata(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	rec, err := recordFromMetadata(orderID, meta)
	if err != nil {
		return nil, err
	}

	switch rec.Status {
	case StatusRefunded:
		s.logger.Info("deposit already refunded, no-op", "order_id", orderID)
		return rec, nil
	case StatusPending:
		return nil, ErrNotPaid
	}

	if err := s.rail.Refund(ctx, rec.PaymentID, rec.Amount); err != nil {
		return nil, fmt.Errorf("refunding deposit: %w", err)
	}

	meta.DepositStatus = string(StatusRefunded)
	if err := s.metadata.UpdateMetadata(ctx, tenantID, orderID, meta); err != nil {
		s.logger.Error("deposit refunded but metadata write failed",
			"order_id", orderID,
			"payment_id", rec.PaymentID,
			"error", err,
		)
		return nil, fmt.Errorf("writing deposit status: %w", err)
	}

	rec.Status = StatusRefunded

	s.publish(ctx, events.EventDepositRefunded, tenantID, rec)
	s.logger.Info("security deposit refunded",
		"order_id", orderID,
		"payment_id", rec.PaymentID,
		"amount", rec.Amount.AmountMinor,
	)
	return rec, nil
}

// Get returns the deposit state for an order.
func (s *Service) Get(ctx context.Context, tenantID, orderID string) (*Record, error) {
	meta, err := s.metadata.GetMetadata(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	return recordFromMetadata(orderID, meta)
}

func recordFromMetadata(orderID string, meta *booking.TransactionMetadata) (*Record, error) {
	if meta.DepositStatus == "" {
		return nil, ErrNotFound
	}
	currency := money.Currency(meta.Currency)
	return &Record{
		OrderID:        orderID,
		Percentage:     meta.DepositPercentage,
		Amount:         money.New(meta.DepositAmountMinor, currency),
		TransferAmount: money.New(meta.DepositTransferMinor, currency),
		PaymentID:      meta.DepositPaymentID,
		Status:         Status(meta.DepositStatus),
	}, nil
}

func (s *Service) publish(ctx context.Context, eventType, tenantID string, rec *Record) {
	if s.publisher == nil {
		return
	}
	data := events.DepositStatusData{
		OrderID:       rec.OrderID,
		Percentage:    rec.Percentage,
		AmountMinor:   rec.Amount.AmountMinor,
		TransferMinor: rec.TransferAmount.AmountMinor,
		Currency:      string(rec.Amount.Currency),
		Status:        string(rec.Status),
	}
	if event, err := events.NewEvent(eventType, tenantID, "deposit", rec.OrderID, data); err == nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("event publish failed",
				"type", eventType,
				"order_id", rec.OrderID,
				"error", err,
			)
		}
	}
}
