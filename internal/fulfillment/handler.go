package fulfillment

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/foodops/internal/platform/httpx"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// Handler wires HTTP endpoints for fulfillment module.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
}

// NewHandler constructs fulfillment handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validator: validator.New()}
}

// MountRoutes registers fulfillment routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/orders", h.handleCreateOrder)
	r.Get("/orders/{id}", h.handleGetOrder)
	r.Post("/orders/{id}/ship", h.handleApproveAndShip)
	r.Post("/orders/{id}/cancel", h.handleCancelOrder)
	r.Get("/shipments/{id}", h.handleGetShipment)
	r.Post("/shipments/{id}/receive", h.handleReceiveShipment)
	r.Get("/invoices/{id}", h.handleGetInvoice)
	r.Post("/invoices/{id}/payment-status", h.handlePaymentStatus)
	r.Get("/stores/{id}/inventory", h.handleStoreInventory)
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

func (h *Handler) handleApproveAndShip(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input ApproveInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.RespondError(w, httpx.ValidationError(err))
		return
	}
	input.OrderID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := h.service.ApproveAndShip(r.Context(), input)
	if err != nil {
		if shared.IsConsistencyFault(err) {
			h.logger.Error("approve and ship consistency fault", slog.Int64("order_id", id), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
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

func (h *Handler) handleGetShipment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	shipment, err := h.service.GetShipment(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, shipment)
}

func (h *Handler) handleReceiveShipment(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input ReceiveInput
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &input); err != nil {
			httpx.RespondError(w, err)
			return
		}
	}
	input.ShipmentID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	input.IdempotencyKey = r.Header.Get("Idempotency-Key")

	result, err := h.service.ReceiveShipment(r.Context(), input)
	if err != nil {
		if shared.IsConsistencyFault(err) {
			h.logger.Error("receive shipment consistency fault", slog.Int64("shipment_id", id), slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	invoice, err := h.service.GetInvoice(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var input PaymentUpdateInput
	if err := httpx.DecodeJSON(r, &input); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.validator.Struct(input); err != nil {
		httpx.RespondError(w, httpx.ValidationError(err))
		return
	}
	input.InvoiceID = id
	input.ActorID = shared.ActorFromContext(r.Context())
	invoice, err := h.service.UpdatePaymentStatus(r.Context(), input)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, invoice)
}

func (h *Handler) handleStoreInventory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.IDParam(r, "id")
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	records, err := h.service.StoreInventory(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"store_id": id, "records": records})
}
