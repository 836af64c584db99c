package settings

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/platform/httpx"
)

// Handler exposes settings over HTTP.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs settings handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers settings routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/charges", h.handleCharges)
	r.Put("/{key}", h.handleSet)
}

func (h *Handler) handleCharges(w http.ResponseWriter, r *http.Request) {
	charges, err := h.service.Charges(r.Context())
	if err != nil {
		h.logger.Error("read charges", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, charges)
}

type setRequest struct {
	Value decimal.Decimal `json:"value"`
}

func (h *Handler) handleSet(w http.ResponseWriter, r *http.Request) {
	var req setRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	key := chi.URLParam(r, "key")
	if err := h.service.Set(r.Context(), key, req.Value); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]string{"key": key, "value": req.Value.String()})
}
