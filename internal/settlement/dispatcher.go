// Package settlement dispatches pending provider balances to the payment
// rails and marks the contributing ledger entries paid.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"railledger/internal/common/events"
	"railledger/internal/common/money"
	"railledger/internal/ledger"
	"railledger/internal/ledger/domain"
	"railledger/internal/providers/walletrail"
)

var (
	// ErrNoFundsAvailable is returned when a provider has no pending
	// balance on any rail.
	ErrNoFundsAvailable = errors.New("no funds available for settlement")

	// ErrDuplicateSettlementWindow is returned for a rail settled more
	// recently than the cooldown window.
	ErrDuplicateSettlementWindow = errors.New("settlement window duplicate, rail settled too recently")

	// ErrPayoutDestinationMissing is returned when the wallet rail has
	// pending funds but the provider never registered a destination.
	ErrPayoutDestinationMissing = errors.New("payout destination missing")
)

// RailStatus is the outcome for one rail within a settlement run.
type RailStatus string

const (
	RailPaid                   RailStatus = "paid"
	RailSkipped                RailStatus = "skipped"
	RailFailed                 RailStatus = "failed"
	RailReconciliationRequired RailStatus = "reconciliation_required"
)

// PayoutRail creates a transfer on one rail.
type PayoutRail interface {
	CreatePayout(ctx context.Context, destination string, amount money.Money) (string, error)
}

// Publisher publishes domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Config holds dispatcher configuration.
type Config struct {
	Cooldown      time.Duration `envconfig:"SETTLEMENT_COOLDOWN" default:"5m"`
	PayoutTimeout time.Duration `envconfig:"SETTLEMENT_PAYOUT_TIMEOUT" default:"30s"`
}

// RailResult is the per-rail outcome of a settlement run.
type RailResult struct {
	Rail       domain.Rail `json:"rail"`
	Status     RailStatus  `json:"status"`
	Amount     money.Money `json:"amount"`
	PayoutID   string      `json:"payout_id,omitempty"`
	EntryCount int         `json:"entry_count"`
	Error      string      `json:"error,omitempty"`
}

// Result is the outcome of a settlement run for a provider.
type Result struct {
	ProviderID  string       `json:"provider_id"`
	Success     bool         `json:"success"`
	TotalAmount money.Money  `json:"total_amount"`
	PerRail     []RailResult `json:"per_rail"`
	Timestamp   time.Time    `json:"timestamp"`
}

// Dispatcher runs provider settlements across the payment rails.
type Dispatcher struct {
	cfg          Config
	ledger       *ledger.Service
	cardRail     PayoutRail
	walletRail   PayoutRail
	destinations walletrail.DestinationStore
	publisher    Publisher
	logger       *slog.Logger
}

// NewDispatcher creates a new settlement dispatcher.
func NewDispatcher(cfg Config, ledgerSvc *ledger.Service, cardRail, walletRail PayoutRail, destinations walletrail.DestinationStore, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		ledger:       ledgerSvc,
		cardRail:     cardRail,
		walletRail:   walletRail,
		destinations: destinations,
		publisher:    publisher,
		logger:       logger,
	}
}

// Settle pays out the provider's pending balance, one payout per rail.
// Only one settlement may run per provider at a time; a concurrent call
// returns ErrSettlementInProgress. Rails settle independently: one rail
// failing never rolls back another rail's payout. Once a payout request
// has been dispatched the run cannot be canceled; caller cancellation
// no longer interrupts the rail call or the paid-marking that follows.
func (d *Dispatcher) Settle(ctx context.Context, tenantID, providerID string) (*Result, error) {
	release, err := d.ledger.Store().AcquireProviderLock(ctx, tenantID, providerID)
	if err != nil {
		return nil, err
	}
	defer release()

	pending, err := d.ledger.ComputePending(ctx, tenantID, providerID)
	if err != nil {
		return nil, fmt.Errorf("computing pending balance: %w", err)
	}
	if len(pending.PerRail) == 0 || pending.Total.IsZero() {
		return nil, ErrNoFundsAvailable
	}

	result := &Result{
		ProviderID: providerID,
		Success:    true,
		Timestamp:  time.Now().UTC(),
	}

	var paid []money.Money
	for _, rail := range []domain.Rail{domain.RailCard, domain.RailWallet} {
		amount, ok := pending.PerRail[rail]
		if !ok || amount.IsZero() {
			continue
		}

		railResult := d.settleRail(ctx, tenantID, providerID, rail, amount, pending.ContributingByRail[rail])
		result.PerRail = append(result.PerRail, railResult)

		switch railResult.Status {
		case RailPaid:
			paid = append(paid, railResult.Amount)
		default:
			result.Success = false
		}
	}

	if len(paid) > 0 {
		total, err := money.Sum(paid...)
		if err == nil {
			result.TotalAmount = total
		} else {
			d.logger.Warn("mixed currencies across paid rails", "provider_id", providerID, "error", err)
		}
	}

	d.publishResult(ctx, tenantID, result)

	d.logger.Info("settlement run finished",
		"provider_id", providerID,
		"success", result.Success,
		"rails", len(result.PerRail),
		"total", result.TotalAmount.AmountMinor,
	)

	return result, nil
}

func (d *Dispatcher) settleRail(ctx context.Context, tenantID, providerID string, rail domain.Rail, amount money.Money, entryIDs []string) RailResult {
	result := RailResult{
		Rail:       rail,
		Amount:     amount,
		EntryCount: len(entryIDs),
	}

	last, err := d.ledger.Store().LastPayoutAt(ctx, tenantID, providerID, rail)
	if err != nil {
		result.Status = RailFailed
		result.Error = err.Error()
		return result
	}
	if last != nil && time.Since(*last) < d.cfg.Cooldown {
		result.Status = RailSkipped
		result.Error = ErrDuplicateSettlementWindow.Error()
		d.logger.Info("rail inside cooldown window, skipping",
			"provider_id", providerID,
			"rail", rail,
			"last_payout_at", *last,
		)
		return result
	}

	payer, destination, err := d.resolveRail(ctx, tenantID, providerID, rail)
	if err != nil {
		result.Status = RailFailed
		result.Error = err.Error()
		d.logger.Error("rail payout not dispatchable",
			"provider_id", providerID,
			"rail", rail,
			"error", err,
		)
		return result
	}

	// Point of no return: from here the run must survive caller
	// cancellation so a dispatched payout is always accounted for.
	detached := context.WithoutCancel(ctx)

	payoutCtx, cancel := context.WithTimeout(detached, d.cfg.PayoutTimeout)
	payoutID, err := payer.CreatePayout(payoutCtx, destination, amount)
	cancel()
	if err != nil {
		result.Status = RailFailed
		result.Error = err.Error()
		d.logger.Error("rail payout failed",
			"provider_id", providerID,
			"rail", rail,
			"amount", amount.AmountMinor,
			"error", err,
		)
		d.publishRailFailed(detached, tenantID, providerID, rail, amount, err)
		return result
	}

	result.PayoutID = payoutID

	marked, err := d.ledger.Store().MarkPaid(detached, tenantID, entryIDs, rail, payoutID)
	if err != nil {
		d.recordReconciliation(detached, tenantID, providerID, rail, amount, payoutID, entryIDs, err)
		result.Status = RailReconciliationRequired
		result.Error = err.Error()
		return result
	}

	result.Status = RailPaid
	d.logger.Info("rail settled",
		"provider_id", providerID,
		"rail", rail,
		"payout_id", payoutID,
		"amount", amount.AmountMinor,
		"entries_marked", marked,
	)
	return result
}

func (d *Dispatcher) resolveRail(ctx context.Context, tenantID, providerID string, rail domain.Rail) (PayoutRail, string, error) {
	switch rail {
	case domain.RailCard:
		// Card payouts land on the provider's acquiring account.
		return d.cardRail, providerID, nil
	case domain.RailWallet:
		dest, err := d.destinations.GetDestination(ctx, tenantID, providerID)
		if err != nil {
			if errors.Is(err, walletrail.ErrDestinationNotFound) {
				return nil, "", ErrPayoutDestinationMissing
			}
			return nil, "", fmt.Errorf("resolving wallet destination: %w", err)
		}
		return d.walletRail, dest.WalletRef, nil
	default:
		return nil, "", fmt.Errorf("unknown rail: %s", rail)
	}
}

// recordReconciliation persists an operator-facing record for a payout
// that succeeded at the rail but could not be marked in the ledger. The
// payout is never retried automatically.
func (d *Dispatcher) recordReconciliation(ctx context.Context, tenantID, providerID string, rail domain.Rail, amount money.Money, payoutID string, entryIDs []string, cause error) {
	rec := &domain.Reconciliation{
		ID:         ulid.Make().String(),
		TenantID:   tenantID,
		ProviderID: providerID,
		Rail:       rail,
		Amount:     amount,
		PayoutID:   payoutID,
		EntryIDs:   entryIDs,
		Detail:     cause.Error(),
		CreatedAt:  time.Now().UTC(),
	}

	d.logger.Error("payout dispatched but entries could not be marked paid, reconciliation required",
		"provider_id", providerID,
		"rail", rail,
		"payout_id", payoutID,
		"amount", amount.AmountMinor,
		"entry_count", len(entryIDs),
		"error", cause,
	)

	if err := d.ledger.Store().SaveReconciliation(ctx, rec); err != nil {
		d.logger.Error("failed to persist reconciliation record",
			"payout_id", payoutID,
			"error", err,
		)
	}

	if d.publisher != nil {
		data := events.ReconciliationRequiredData{
			ProviderID: providerID,
			Rail:       string(rail),
			Amount:     amount.AmountMinor,
			Currency:   string(amount.Currency),
			PayoutID:   payoutID,
			EntryIDs:   entryIDs,
			OccurredAt: rec.CreatedAt,
		}
		if event, err := events.NewEvent(events.EventSettlementReconRequired, tenantID, "settlement", rec.ID, data); err == nil {
			if err := d.publisher.Publish(ctx, event); err != nil {
				d.logger.Warn("event publish failed",
					"type", events.EventSettlementReconRequired,
					"payout_id", payoutID,
					"error", err,
				)
			}
		}
	}
}

func (d *Dispatcher) publishRailFailed(ctx context.Context, tenantID, providerID string, rail domain.Rail, amount money.Money, cause error) {
	if d.publisher == nil {
		return
	}
	data := events.SettlementRailFailedData{
		ProviderID: providerID,
		Rail:       string(rail),
		Amount:     amount.AmountMinor,
		Currency:   string(amount.Currency),
		Error:      cause.Error(),
	}
	if event, err := events.NewEvent(events.EventSettlementRailFailed, tenantID, "settlement", providerID, data); err == nil {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Warn("event publish failed",
				"type", events.EventSettlementRailFailed,
				"provider_id", providerID,
				"error", err,
			)
		}
	}
}

func (d *Dispatcher) publishResult(ctx context.Context, tenantID string, result *Result) {
	if d.publisher == nil {
		return
	}
	payoutIDs := make(map[string]string, len(result.PerRail))
	for _, r := range result.PerRail {
		if r.PayoutID != "" {
			payoutIDs[string(r.Rail)] = r.PayoutID
		}
	}
	data := events.SettlementCompletedData{
		ProviderID:  result.ProviderID,
		TotalMinor:  result.TotalAmount.AmountMinor,
		Currency:    string(result.TotalAmount.Currency),
		PayoutIDs:   payoutIDs,
		CompletedAt: result.Timestamp,
	}
	if event, err := events.NewEvent(events.EventSettlementCompleted, tenantID, "settlement", result.ProviderID, data); err == nil {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.logger.Warn("event publish failed",
				"type", events.EventSettlementCompleted,
				"provider_id", result.ProviderID,
				"error", err,
			)
		}
	}
}
