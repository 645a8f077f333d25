package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"railledger/internal/authorization"
)

// Subscriber reacts to booking workflow state changes by driving the
// wallet-rail authorization lifecycle.
type Subscriber struct {
	nc      *nats.Conn
	auths   *authorization.Service
	logger  *slog.Logger
	timeout time.Duration
	subs    []*nats.Subscription
}

// NewSubscriber creates a subscriber for booking.txn.* events.
func NewSubscriber(nc *nats.Conn, auths *authorization.Service, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:      nc,
		auths:   auths,
		logger:  logger,
		timeout: 30 * time.Second,
	}
}

// Start subscribes to the state-change subjects.
func (s *Subscriber) Start() error {
	subjects := map[string]nats.MsgHandler{
		SubjectTxnAccepted: s.handleAccepted,
		SubjectTxnDeclined: s.handleDeclined,
		SubjectTxnExpired:  s.handleExpired,
	}

	for subject, handler := range subjects {
		sub, err := s.nc.QueueSubscribe(subject, "railledger", handler)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}
		s.subs = append(s.subs, sub)
		s.logger.Info("subscribed to booking events", "subject", subject)
	}

	return nil
}

// Stop drains the subscriptions.
func (s *Subscriber) Stop() {
	for _, sub := range s.subs {
		sub.Unsubscribe()
	}
}

func (s *Subscriber) handleAccepted(msg *nats.Msg) {
	change, ok := s.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.auths.Capture(ctx, authorization.CaptureRequest{
		TenantID:  change.TenantID,
		OrderID:   change.OrderID,
		LineItems: change.LineItems,
	})
	if err != nil {
		s.logger.Error("capture on acceptance failed",
			"order_id", change.OrderID,
			"error", err,
		)
		return
	}

	s.logger.Info("booking accepted, hold captured", "order_id", change.OrderID)
}

func (s *Subscriber) handleDeclined(msg *nats.Msg) {
	s.void(msg, "declined")
}

func (s *Subscriber) handleExpired(msg *nats.Msg) {
	s.void(msg, "expired")
}

func (s *Subscriber) void(msg *nats.Msg, cause string) {
	change, ok := s.decode(msg)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	_, err := s.auths.Void(ctx, change.TenantID, change.OrderID)
	if err != nil {
		if errors.Is(err, authorization.ErrCannotVoidCaptured) {
			s.logger.Warn("void requested for captured order",
				"order_id", change.OrderID,
				"cause", cause,
			)
			return
		}
		s.logger.Error("void failed",
			"order_id", change.OrderID,
			"cause", cause,
			"error", err,
		)
		return
	}

	s.logger.Info("booking hold released", "order_id", change.OrderID, "cause", cause)
}

func (s *Subscriber) decode(msg *nats.Msg) (*StateChange, bool) {
	var change StateChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		s.logger.Error("unmarshal booking event", "subject", msg.Subject, "error", err)
		return nil, false
	}
	if change.TenantID == "" || change.OrderID == "" {
		s.logger.Error("booking event missing identifiers", "subject", msg.Subject)
		return nil, false
	}
	return &change, true
}
