package authorization

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"railledger/internal/common/events"
	"railledger/internal/common/money"
	"railledger/internal/ledger"
	"railledger/internal/ledger/domain"
	"railledger/internal/pricing"
)

// WalletRail is the subset of the wallet provider used by the lifecycle.
type WalletRail interface {
	Authorize(ctx context.Context, orderID, customerID string, amount money.Money) (authorizationID string, err error)
	Capture(ctx context.Context, authorizationID string, amount money.Money) (paymentID string, err error)
	Void(ctx context.Context, authorizationID string) error
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds authorization service configuration.
type Config struct {
	HoldWindow  time.Duration `envconfig:"AUTH_HOLD_WINDOW" default:"168h"`
	ExpiryBatch int           `envconfig:"AUTH_EXPIRY_BATCH" default:"100"`
}

// Service drives the wallet-rail authorization lifecycle.
type Service struct {
	cfg       Config
	store     Store
	rail      WalletRail
	ledger    *ledger.Service
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a new authorization service.
func NewService(cfg Config, store Store, rail WalletRail, ledgerSvc *ledger.Service, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     store,
		rail:      rail,
		ledger:    ledgerSvc,
		publisher: publisher,
		logger:    logger,
	}
}

// CreateRequest describes a new hold at booking-request time.
type CreateRequest struct {
	TenantID   string
	OrderID    string
	ProviderID string
	CustomerID string
	Amount     money.Money
}

// Create places a hold on the customer's wallet for a booking order.
// A repeated call for the same order returns the existing record.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Authorization, error) {
	if existing, err := s.store.Get(ctx, req.TenantID, req.OrderID); err == nil {
		s.logger.Info("returning existing authorization", "order_id", req.OrderID, "state", existing.State)
		return existing, nil
	}

	auth, err := New(req.OrderID, req.TenantID, req.ProviderID, req.CustomerID, req.Amount, s.cfg.HoldWindow)
	if err != nil {
		return nil, err
	}

	authorizationID, err := s.rail.Authorize(ctx, req.OrderID, req.CustomerID, req.Amount)
	if err != nil {
		return nil, fmt.Errorf("authorizing on wallet rail: %w", err)
	}
	if err := auth.MarkAuthorized(authorizationID); err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, auth); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventAuthorizationCreated, auth, 0)

	s.logger.Info("authorization created",
		"order_id", auth.OrderID,
		"authorization_id", auth.AuthorizationID,
		"amount", auth.Amount.AmountMinor,
		"currency", auth.Amount.Currency,
	)

	return auth, nil
}

// CaptureRequest describes a capture on acceptance.
type CaptureRequest struct {
	TenantID  string
	OrderID   string
	Amount    *money.Money // nil captures the full held amount
	LineItems []pricing.LineItem
}

// Capture converts the hold into a transfer when the booking is accepted.
// It may capture a partial amount and is the only path that produces a
// ledger entry. Re-invoking capture on an already-captured order detects
// the stored captured flag and returns the existing state as a no-op
// success; it never double-charges.
func (s *Service) Capture(ctx context.Context, req CaptureRequest) (*Authorization, error) {
	auth, err := s.store.Get(ctx, req.TenantID, req.OrderID)
	if err != nil {
		return nil, err
	}

	if auth.Captured {
		// Webhook retries and duplicate controller calls land here.
		s.logger.Info("capture already applied, no-op",
			"order_id", auth.OrderID,
			"captured_amount", auth.CapturedAmount.AmountMinor,
		)
		return auth, nil
	}

	amount := auth.Amount
	if req.Amount != nil {
		amount = *req.Amount
	}

	// Validate the transition before touching the rail.
	check := *auth
	if err := check.MarkCaptured(amount); err != nil {
		return nil, err
	}

	paymentID, err := s.rail.Capture(ctx, auth.AuthorizationID, amount)
	if err != nil {
		return nil, fmt.Errorf("capturing on wallet rail: %w", err)
	}

	if err := auth.MarkCaptured(amount); err != nil {
		return nil, err
	}
	if err := s.store.Update(ctx, auth); err != nil {
		return nil, err
	}

	_, err = s.ledger.Record(ctx, ledger.RecordRequest{
		TenantID:          auth.TenantID,
		Rail:              domain.RailWallet,
		ExternalOrderID:   auth.OrderID,
		ExternalPaymentID: paymentID,
		ProviderID:        auth.ProviderID,
		CustomerID:        auth.CustomerID,
		LineItems:         req.LineItems,
	})
	if err != nil {
		// The capture went through; the entry must not be lost.
		s.logger.Error("captured payment could not be ledgered",
			"order_id", auth.OrderID,
			"payment_id", paymentID,
			"amount", amount.AmountMinor,
			"currency", amount.Currency,
			"error", err,
		)
		return nil, fmt.Errorf("recording captured payment: %w", err)
	}

	s.publish(ctx, events.EventAuthorizationCaptured, auth, amount.AmountMinor)

	s.logger.Info("authorization captured",
		"order_id", auth.OrderID,
		"payment_id", paymentID,
		"captured", amount.AmountMinor,
		"held", auth.Amount.AmountMinor,
	)

	return auth, nil
}

// Void releases the hold on decline or expiry. Voiding an already-voided
// order is a no-op success; voiding a captured order is rejected.
func (s *Service) Void(ctx context.Context, tenantID, orderID string) (*Authorization, error) {
	auth, err := s.store.Get(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}

	if auth.State == StateVoided {
		s.logger.Info("void already applied, no-op", "order_id", orderID)
		return auth, nil
	}

	if err := auth.MarkVoided(); err != nil {
		return nil, err
	}

	if auth.AuthorizationID != "" {
		if err := s.rail.Void(ctx, auth.AuthorizationID); err != nil {
			return nil, fmt.Errorf("voiding on wallet rail: %w", err)
		}
	}

	if err := s.store.Update(ctx, auth); err != nil {
		return nil, err
	}

	s.publish(ctx, events.EventAuthorizationVoided, auth, 0)

	s.logger.Info("authorization voided", "order_id", orderID)
	return auth, nil
}

// Get returns the authorization for an order.
func (s *Service) Get(ctx context.Context, tenantID, orderID string) (*Authorization, error) {
	return s.store.Get(ctx, tenantID, orderID)
}

// ExpireStale voids authorized holds whose window has elapsed. Returns
// the number of holds released.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	expired, err := s.store.ListExpired(ctx, time.Now().UTC(), s.cfg.ExpiryBatch)
	if err != nil {
		return 0, err
	}

	var released int
	for _, auth := range expired {
		if _, err := s.Void(ctx, auth.TenantID, auth.OrderID); err != nil {
			s.logger.Error("failed to void expired authorization",
				"order_id", auth.OrderID,
				"error", err,
			)
			continue
		}
		s.publish(ctx, events.EventAuthorizationExpired, auth, 0)
		released++
	}

	if released > 0 {
		s.logger.Info("expired authorizations released", "count", released)
	}
	return released, nil
}

func (s *Service) publish(ctx context.Context, eventType string, auth *Authorization, capturedMinor int64) {
	if s.publisher == nil {
		return
	}
	data := events.AuthorizationCapturedData{
		OrderID:         auth.OrderID,
		AuthorizationID: auth.AuthorizationID,
		CapturedMinor:   capturedMinor,
		Currency:        string(auth.Amount.Currency),
	}
	if event, err := events.NewEvent(eventType, auth.TenantID, "authorization", auth.OrderID, data); err == nil {
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn("event publish failed",
				"type", eventType,
				"order_id", auth.OrderID,
				"error", err,
			)
		}
	}
}
