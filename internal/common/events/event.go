package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	TenantID      string          `json:"tenant_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType string, tenantID, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// EventPublisher publishes events to a message broker
type EventPublisher interface {
	Publish(ctx context.Context, event *Event) error
	PublishBatch(ctx context.Context, events []*Event) error
}

// EventHandler handles incoming events
type EventHandler interface {
	Handle(ctx context.Context, event *Event) error
	EventTypes() []string
}

// Common event types
const (
	// Authorization events (wallet rail)
	EventAuthorizationCreated  = "authorization.created"
	EventAuthorizationCaptured = "authorization.captured"
	EventAuthorizationVoided   = "authorization.voided"
	EventAuthorizationExpired  = "authorization.expired"

	// Ledger events
	EventLedgerEntryRecorded = "ledger.entry.recorded"
	EventLedgerEntryReversed = "ledger.entry.reversed"

	// Settlement events
	EventSettlementCompleted     = "settlement.completed"
	EventSettlementRailFailed    = "settlement.rail_failed"
	EventSettlementReconRequired = "settlement.reconciliation_required"

	// Security deposit events
	EventDepositCreated  = "deposit.created"
	EventDepositPaid     = "deposit.paid"
	EventDepositRefunded = "deposit.refunded"

	// Booking transaction events (consumed)
	EventBookingAccepted = "booking.txn.accepted"
	EventBookingDeclined = "booking.txn.declined"
	EventBookingExpired  = "booking.txn.expired"
)

// Event data structures

// EntryRecordedData is the data for ledger.entry.recorded events
type EntryRecordedData struct {
	EntryID           string `json:"entry_id"`
	PaymentMethod     string `json:"payment_method"`
	ExternalPaymentID string `json:"external_payment_id"`
	ProviderID        string `json:"provider_id"`
	PayinMinor        int64  `json:"payin_minor"`
	PayoutMinor       int64  `json:"payout_minor"`
	FeeMinor          int64  `json:"fee_minor"`
	Currency          string `json:"currency"`
}

// SettlementCompletedData is the data for settlement.completed events
type SettlementCompletedData struct {
	ProviderID  string            `json:"provider_id"`
	TotalMinor  int64             `json:"total_minor"`
	Currency    string            `json:"currency"`
	PayoutIDs   map[string]string `json:"payout_ids"`
	CompletedAt time.Time         `json:"completed_at"`
}

// SettlementRailFailedData is the data for settlement.rail_failed events
type SettlementRailFailedData struct {
	ProviderID string `json:"provider_id"`
	Rail       string `json:"rail"`
	Amount     int64  `json:"amount"`
	Currency   string `json:"currency"`
	Error      string `json:"error"`
}

// ReconciliationRequiredData is emitted when a payout succeeded but the
// ledger could not be marked. It pages an operator; it is never retried
// automatically.
type ReconciliationRequiredData struct {
	ProviderID string    `json:"provider_id"`
	Rail       string    `json:"rail"`
	Amount     int64     `json:"amount"`
	Currency   string    `json:"currency"`
	PayoutID   string    `json:"payout_id"`
	EntryIDs   []string  `json:"entry_ids"`
	OccurredAt time.Time `json:"occurred_at"`
}

// AuthorizationCapturedData is the data for authorization.captured events
type AuthorizationCapturedData struct {
	OrderID         string `json:"order_id"`
	AuthorizationID string `json:"authorization_id"`
	CapturedMinor   int64  `json:"captured_minor"`
	Currency        string `json:"currency"`
}

// DepositStatusData is the data for deposit.* events
type DepositStatusData struct {
	OrderID       string `json:"order_id"`
	Percentage    int    `json:"percentage"`
	AmountMinor   int64  `json:"amount_minor"`
	TransferMinor int64  `json:"transfer_minor"`
	Currency      string `json:"currency"`
	Status        string `json:"status"`
}
