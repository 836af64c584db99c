package production

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/foodops/internal/platform/httpx"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// Handler wires HTTP endpoints for production module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs production handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers production routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/{id}", h.handleGetOrder)
	r.Post("/orders/{id}/cancel", h.handleCancelOrder)
	r.Post("/orders/{id}/lines/{productID}/complete", h.handleCompleteLine)
}

func (h *Handler) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var input CreateOrderInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.RespondError(w, httpx.ValidationError(err))
		return
	}
	input.ActorID = shared.ActorFromContext(r.Context())
	order, err := h.service.CreateOrder(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, order)
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	order, err := h.service.CancelOrder(r.Context(), id, shared.ActorFromContext(r.Context()))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, order)
}

func (h *Handler) handleCompleteLine(w http.ResponseWriter, r *http.Request) {
	orderID, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	productID, err := httpx.IDParam(r, "productID")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input CompleteLineInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.RespondError(w, httpx.ValidationError(err))
		return
	}
	input.OrderID = orderID
	input.ProductID = productID
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := h.service.CompleteLine(r.Context(), input)
	if err != nil {
		if shared.IsConsistencyFault(err) {
			h.logger.Error("complete line consistency fault", slog.Int64("order_id", orderID), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}
