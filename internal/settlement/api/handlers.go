package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"railledger/internal/common/api"
	"railledger/internal/common/middleware"
	"railledger/internal/ledger/domain"
	"railledger/internal/providers/walletrail"
	"railledger/internal/settlement"
)

// Handler handles settlement HTTP requests.
type Handler struct {
	dispatcher   *settlement.Dispatcher
	destinations walletrail.DestinationStore
}

// NewHandler creates a new settlement handler.
func NewHandler(dispatcher *settlement.Dispatcher, destinations walletrail.DestinationStore) *Handler {
	return &Handler{dispatcher: dispatcher, destinations: destinations}
}

// Routes returns the settlement routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/providers/{id}/settle", h.Settle)
	r.Post("/providers/{id}/payout-destination", h.RegisterDestination)
	r.Get("/providers/{id}/payout-destination", h.GetDestination)

	return r
}

// Settle handles POST /providers/{id}/settle.
func (h *Handler) Settle(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	result, err := h.dispatcher.Settle(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrSettlementInProgress):
			api.Conflict(w, api.ErrCodeSettlementInProgress, "settlement already running for this provider")
		case errors.Is(err, settlement.ErrNoFundsAvailable):
			api.WriteError(w, http.StatusUnprocessableEntity, api.ErrCodeNoFunds, "no pending funds for this provider")
		default:
			api.InternalError(w, "settlement failed")
		}
		return
	}

	status := http.StatusOK
	if !result.Success {
		// Partial outcomes still return the full per-rail result.
		status = http.StatusMultiStatus
	}
	api.WriteData(w, status, result)
}

// RegisterDestinationRequest is the API request for a payout destination.
type RegisterDestinationRequest struct {
	WalletRef string `json:"wallet_ref" validate:"required,max=255"`
}

// RegisterDestination handles POST /providers/{id}/payout-destination.
func (h *Handler) RegisterDestination(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	var req RegisterDestinationRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	dest := &walletrail.Destination{
		TenantID:   tenantID,
		ProviderID: chi.URLParam(r, "id"),
		WalletRef:  req.WalletRef,
	}
	if err := h.destinations.RegisterDestination(r.Context(), dest); err != nil {
		api.InternalError(w, "failed to register destination")
		return
	}

	api.WriteData(w, http.StatusOK, dest)
}

// GetDestination handles GET /providers/{id}/payout-destination.
func (h *Handler) GetDestination(w http.ResponseWriter, r *http.Request) {
	tenantID := middleware.GetTenantID(r.Context())
	if tenantID == "" {
		api.BadRequest(w, "tenant ID required")
		return
	}

	dest, err := h.destinations.GetDestination(r.Context(), tenantID, chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, walletrail.ErrDestinationNotFound) {
			api.WriteError(w, http.StatusNotFound, api.ErrCodeMissingDestination, "no payout destination registered")
			return
		}
		api.InternalError(w, "failed to get destination")
		return
	}

	api.WriteData(w, http.StatusOK, dest)
}
