package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"railledger/internal/authorization"
	"railledger/internal/common/api"
	"railledger/internal/common/middleware"
	"railledger/internal/common/money"
	"railledger/internal/deposit"
	"railledger/internal/ledger"
	"railledger/internal/ledger/domain"
	"railledger/internal/pricing"
	"railledger/internal/providers/cardrail"
)

// CardRail charges cards at booking confirmation.
type CardRail interface {
	ChargeSplit(ctx context.Context, req cardrail.ChargeRequest) (string, error)
}

// Handler handles payment and ledger HTTP requests.
type Handler struct {
	ledger         *ledger.Service
	auths          *authorization.Service
	deposits       *deposit.Service
	cardRail       CardRail
	payoutCooldown time.Duration
}

// NewHandler creates a new payments handler. The cooldown mirrors the
// settlement dispatcher's duplicate-window guard so balance responses
// report what a settlement run could actually pay out.
func NewHandler(ledgerSvc *ledger.Service, auths *authorization.Service, deposits *deposit.Service, cardRail CardRail, payoutCooldown time.Duration) *Handler {
	return &Handler{
		ledger:         ledgerSvc,
		auths:          auths,
		deposits:       deposits,
		cardRail:       cardRail,
		payoutCooldown: payoutCooldown,
	}
}

// Routes returns the payment routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/payments/card", h.ChargeCard)

	r.Post("/authorizations", h.CreateAuthorization)
	r.Get("/authorizations/{orderID}", h.GetAuthorization)
	r.Post("/authorizations/{orderID}/capture", h.CaptureAuthorization)
	r.Post("/authorizations/{orderID}/void", h.VoidAuthorization)

	r.Get("/providers/{id}/balance", h.GetProviderBalance)
	r.Get("/providers/{id}/entries", h.ListProviderEntries)

	r.Post("/deposits", h.CreateDeposit)
	r.Get("/deposits/{orderID}", h.GetDeposit)
	r.Post("/deposits/{orderID}/pay", h.PayDeposit)
	r.Post("/deposits/{orderID}/refund", h.RefundDeposit)

	return r
}

// LineItemInput is a single line item in a payment request.
type LineItemInput struct {
	Code           string   `json:"code" validate:"required,max=100"`
	UnitPriceMinor int64    `json:"unit_price_minor" validate:"required"`
	Currency       string   `json:"currency" validate:"required,len=3"`
	Quantity       int64    `json:"quantity" validate:"required,gt=0"`
	IncludeFor     []string `json:"include_for" validate:"required,min=1,dive,oneof=customer provider"`
	Reversal       bool     `json:"reversal"`
}

func toLineItems(inputs []LineItemInput) []pricing.LineItem {
	items := make([]pricing.LineItem, len(inputs))
	for i, in := range inputs {
		parties := make([]pricing.Party, len(in.IncludeFor))
		for j, p := range in.IncludeFor {
			parties[j] = pricing.Party(p)
		}
		items[i] = pricing.LineItem{
			Code:       in.Code,
			UnitPrice:  money.New(in.UnitPriceMinor, money.Currency(in.Currency)),
			Quantity:   in.Quantity,
			IncludeFor: parties,
			Reversal:   in.Reversal,
		}
	}
	return items
}

// ChargeCardRequest is the API request for a card payment.
type ChargeCardRequest struct {
	OrderID    string          `json:"order_id" validate:"required"`
	ProviderID string          `json:"provider_id" validate:"required"`
	CustomerID string          `json:"customer_id" validate:"required"`
	CardToken  string          `json:"card_token" validate:"required"`
	LineItems  []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
}

// ChargeCard handles POST /payments/card. The card rail authorizes and
// captures in one step; the captured payment is ledgered immediately.
func (h *Handler) ChargeCard(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req ChargeCardRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	items := toLineItems(req.LineItems)
	totals, err := pricing.Compute(items)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	paymentID, err := h.cardRail.ChargeSplit(r.Context(), cardrail.ChargeRequest{
		TenantID:   tenantID,
		OrderID:    req.OrderID,
		ProviderID: req.ProviderID,
		CustomerID: req.CustomerID,
		CardToken:  req.CardToken,
		Amount:     totals.Payin,
	})
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeRailUnavailable, err.Error())
		return
	}

	entry, err := h.ledger.Record(r.Context(), ledger.RecordRequest{
		TenantID:          tenantID,
		Rail:              domain.RailCard,
		ExternalOrderID:   req.OrderID,
		ExternalPaymentID: paymentID,
		ProviderID:        req.ProviderID,
		CustomerID:        req.CustomerID,
		LineItems:         items,
	})
	if err != nil {
		api.InternalError(w, "payment charged but could not be recorded")
		return
	}

	api.WriteData(w, http.StatusCreated, entry)
}

// CreateAuthorizationRequest is the API request for a wallet hold.
type CreateAuthorizationRequest struct {
	OrderID     string `json:"order_id" validate:"required"`
	ProviderID  string `json:"provider_id" validate:"required"`
	CustomerID  string `json:"customer_id" validate:"required"`
	AmountMinor int64  `json:"amount_minor" validate:"required,gt=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
}

// CreateAuthorization handles POST /authorizations.
func (h *Handler) CreateAuthorization(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req CreateAuthorizationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	auth, err := h.auths.Create(r.Context(), authorization.CreateRequest{
		TenantID:   tenantID,
		OrderID:    req.OrderID,
		ProviderID: req.ProviderID,
		CustomerID: req.CustomerID,
		Amount:     money.New(req.AmountMinor, money.Currency(req.Currency)),
	})
	if err != nil {
		api.WriteError(w, http.StatusBadGateway, api.ErrCodeRailUnavailable, err.Error())
		return
	}

	api.WriteData(w, http.StatusCreated, auth)
}

// GetAuthorization handles GET /authorizations/{orderID}.
func (h *Handler) GetAuthorization(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	auth, err := h.auths.Get(r.Context(), tenantID, chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, authorization.ErrNotFound) {
			api.NotFound(w, "authorization not found")
			return
		}
		api.InternalError(w, "failed to get authorization")
		return
	}

	api.WriteData(w, http.StatusOK, auth)
}

// CaptureAuthorizationRequest is the API request for a capture.
type CaptureAuthorizationRequest struct {
	AmountMinor *int64          `json:"amount_minor,omitempty"`
	Currency    string          `json:"currency,omitempty"`
	LineItems   []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
}

// CaptureAuthorization handles POST /authorizations/{orderID}/capture.
func (h *Handler) CaptureAuthorization(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req CaptureAuthorizationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	capReq := authorization.CaptureRequest{
		TenantID:  tenantID,
		OrderID:   chi.URLParam(r, "orderID"),
		LineItems: toLineItems(req.LineItems),
	}
	if req.AmountMinor != nil {
		if len(req.Currency) != 3 {
			api.BadRequest(w, "currency is required with amount_minor")
			return
		}
		amount := money.New(*req.AmountMinor, money.Currency(req.Currency))
		capReq.Amount = &amount
	}

	auth, err := h.auths.Capture(r.Context(), capReq)
	if err != nil {
		switch {
		case errors.Is(err, authorization.ErrNotFound):
			api.NotFound(w, "authorization not found")
		case errors.Is(err, authorization.ErrAlreadyVoided):
			api.Conflict(w, api.ErrCodeConflict, "authorization already voided")
		case errors.Is(err, authorization.ErrCaptureExceedsHold):
			api.BadRequest(w, err.Error())
		default:
			api.InternalError(w, "failed to capture authorization")
		}
		return
	}

	api.WriteData(w, http.StatusOK, auth)
}

// VoidAuthorization handles POST /authorizations/{orderID}/void.
func (h *Handler) VoidAuthorization(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	auth, err := h.auths.Void(r.Context(), tenantID, chi.URLParam(r, "orderID"))
	if err != nil {
		switch {
		case errors.Is(err, authorization.ErrNotFound):
			api.NotFound(w, "authorization not found")
		case errors.Is(err, authorization.ErrCannotVoidCaptured):
			api.Conflict(w, api.ErrCodeCannotVoidCaptured, "captured authorization cannot be voided")
		default:
			api.InternalError(w, "failed to void authorization")
		}
		return
	}

	api.WriteData(w, http.StatusOK, auth)
}

// GetProviderBalance handles GET /providers/{id}/balance.
func (h *Handler) GetProviderBalance(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	balance, err := h.ledger.PendingBalance(r.Context(), tenantID, chi.URLParam(r, "id"), h.payoutCooldown)
	if err != nil {
		api.InternalError(w, "failed to compute balance")
		return
	}

	api.WriteData(w, http.StatusOK, balance)
}

// ListProviderEntries handles GET /providers/{id}/entries.
func (h *Handler) ListProviderEntries(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	params := api.GetPaginationParams(r, 50, 100)
	entries, total, err := h.ledger.ListEntries(r.Context(), tenantID, chi.URLParam(r, "id"), params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list entries")
		return
	}

	api.WritePaginated(w, entries, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(entries)) < total,
	})
}

// CreateDepositRequest is the API request for a security deposit.
type CreateDepositRequest struct {
	OrderID           string `json:"order_id" validate:"required"`
	CustomerID        string `json:"customer_id" validate:"required"`
	Percentage        int    `json:"percentage" validate:"required,min=1,max=100"`
	BookingTotalMinor int64  `json:"booking_total_minor" validate:"required,gt=0"`
	Currency          string `json:"currency" validate:"required,len=3"`
}

// CreateDeposit handles POST /deposits.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req CreateDepositRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rec, err := h.deposits.Create(r.Context(), deposit.CreateRequest{
		TenantID:     tenantID,
		OrderID:      req.OrderID,
		CustomerID:   req.CustomerID,
		Percentage:   req.Percentage,
		BookingTotal: money.New(req.BookingTotalMinor, money.Currency(req.Currency)),
	})
	if err != nil {
		if errors.Is(err, deposit.ErrInvalidPercentage) {
			api.BadRequest(w, err.Error())
			return
		}
		api.InternalError(w, "failed to create deposit")
		return
	}

	api.WriteData(w, http.StatusCreated, rec)
}

// GetDeposit handles GET /deposits/{orderID}.
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	rec, err := h.deposits.Get(r.Context(), tenantID, chi.URLParam(r, "orderID"))
	if err != nil {
		if errors.Is(err, deposit.ErrNotFound) {
			api.NotFound(w, "deposit not found")
			return
		}
		api.InternalError(w, "failed to get deposit")
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}

// PayDepositRequest is the API request for paying a deposit.
type PayDepositRequest struct {
	CustomerID string `json:"customer_id" validate:"required"`
}

// PayDeposit handles POST /deposits/{orderID}/pay.
func (h *Handler) PayDeposit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req PayDepositRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	rec, err := h.deposits.Pay(r.Context(), tenantID, chi.URLParam(r, "orderID"), req.CustomerID)
	if err != nil {
		switch {
		case errors.Is(err, deposit.ErrNotFound):
			api.NotFound(w, "deposit not found")
		case errors.Is(err, deposit.ErrAlreadyRefunded):
			api.Conflict(w, api.ErrCodeConflict, "deposit already refunded")
		default:
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeRailUnavailable, err.Error())
		}
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}

// RefundDeposit handles POST /deposits/{orderID}/refund.
func (h *Handler) RefundDeposit(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	rec, err := h.deposits.Refund(r.Context(), tenantID, chi.URLParam(r, "orderID"))
	if err != nil {
		switch {
		case errors.Is(err, deposit.ErrNotFound):
			api.NotFound(w, "deposit not found")
		case errors.Is(err, deposit.ErrNotPaid):
			api.Conflict(w, api.ErrCodeConflict, "deposit is not paid")
		default:
			api.WriteError(w, http.StatusBadGateway, api.ErrCodeRailUnavailable, err.Error())
		}
		return
	}

	api.WriteData(w, http.StatusOK, rec)
}
