package inventory

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/foodops/internal/platform/httpx"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// Handler wires HTTP endpoints for inventory module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers inventory routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/ingredient-lots", h.handleReceiveLot)
	r.Get("/ingredients/{id}", h.handleGetIngredient)
	r.Get("/ingredients/{id}/lots", h.handleListLots)
	r.Get("/products/{id}/finished-lots", h.handleListFinishedLots)
	r.Get("/finished-lots/{id}/trace", h.handleTrace)
	r.Get("/aggregate/verify", h.handleVerify)
}

func (h *Handler) handleReceiveLot(w http.ResponseWriter, r *http.Request) {
	var input ReceiveLotInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.RespondError(w, httpx.ValidationError(err))
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	lot, err := h.service.ReceiveIngredientLot(r.Context(), input)
	if err != nil {
		h.logger.Warn("receive ingredient lot", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, lot)
}

func (h *Handler) handleGetIngredient(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	ing, err := h.service.GetIngredient(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ing)
}

func (h *Handler) handleListLots(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	includeInactive, _ := strconv.ParseBool(r.URL.Query().Get("include_inactive"))
	lots, err := h.service.ListIngredientLots(r.Context(), id, includeInactive)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleListFinishedLots(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	includeClosed, _ := strconv.ParseBool(r.URL.Query().Get("include_closed"))
	lots, err := h.service.ListFinishedLots(r.Context(), id, includeClosed)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, lots)
}

func (h *Handler) handleTrace(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	trace, err := h.service.Traceability(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, trace)
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	drift, err := h.service.VerifyAggregate(r.Context())
	if err != nil {
		h.logger.Error("verify aggregate", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"consistent": len(drift) == 0, "drift": drift})
}
