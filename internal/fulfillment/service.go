package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/settings"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
	GetShipment(ctx context.Context, id int64) (Shipment, error)
	GetInvoice(ctx context.Context, id int64) (Invoice, error)
	ListStoreInventory(ctx context.Context, storeID int64) ([]StoreInventoryRecord, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// ChargesSource resolves the surcharge and tax rate applied to invoices.
type ChargesSource interface {
	Charges(ctx context.Context) (settings.Charges, error)
}

// Service runs store order workflows.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	charges     ChargesSource
	locker      shared.Locker
	idempotency shared.IdempotencyGuard
	metrics     *observability.WorkflowMetrics
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Locker      shared.Locker
	Idempotency shared.IdempotencyGuard
	Metrics     *observability.WorkflowMetrics
	Logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, charges ChargesSource, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NoopLocker{}
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		charges:     charges,
		locker:      locker,
		idempotency: cfg.Idempotency,
		metrics:     cfg.Metrics,
		logger:      logger.With(slog.String("module", "fulfillment")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// productDemand is the merged quantity of one product across order lines.
type productDemand struct {
	productID int64
	quantity  decimal.Decimal
	unitPrice decimal.Decimal
}

// CreateOrder records a pending store order priced from the product list.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	input.Code = strings.TrimSpace(input.Code)
	if input.Code == "" || input.StoreID == 0 {
		return Order{}, fmt.Errorf("%w: order code and store required", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Order{}, ErrEmptyOrder
	}
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.Quantity <= 0 {
			return Order{}, ErrInvalidQuantity
		}
	}
	now := s.now()

	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.OrderCodeExists(ctx, input.Code)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w %s", ErrDuplicateOrderCode, input.Code)
		}
		if _, err := tx.GetStore(ctx, input.StoreID); err != nil {
			return err
		}
		order = Order{
			Code:        input.Code,
			StoreID:     input.StoreID,
			RequestedAt: input.RequestedAt,
			Status:      OrderStatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		for _, in := range input.Lines {
			price, err := tx.GetProductPrice(ctx, in.ProductID)
			if err != nil {
				return err
			}
			qty := decimal.NewFromInt(in.Quantity)
			order.Lines = append(order.Lines, OrderLine{
				ProductID:     in.ProductID,
				FinishedLotID: in.FinishedLotID,
				Quantity:      qty,
				UnitPrice:     price,
				Subtotal:      qty.Mul(price),
			})
		}
		order.TotalAmount = LineTotal(order.Lines)
		order, err = tx.InsertOrder(ctx, order)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fulfillment:create_order",
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", order.ID),
		Meta:     map[string]any{"code": order.Code, "store_id": order.StoreID, "total": order.TotalAmount.String()},
	})
	return order, nil
}

// ApproveAndShip allocates finished lots to a pending order in FEFO order,
// creates the shipment and issues the invoice. Nothing is written unless the
// whole order can be covered.
func (s *Service) ApproveAndShip(ctx context.Context, input ApproveInput) (result ShipResult, err error) {
	tracker := s.metrics.Track(observability.WorkflowApproveAndShip)
	defer func() { err = tracker.End(err) }()

	input.ShipmentCode = strings.TrimSpace(input.ShipmentCode)
	if input.OrderID == 0 {
		return ShipResult{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	if input.ShipmentCode == "" {
		return ShipResult{}, ErrInvalidShipmentRequest
	}

	release, err := s.locker.Acquire(ctx, shared.SalesOrderLockKey(input.OrderID))
	if err != nil {
		return ShipResult{}, err
	}
	defer release()

	charges := settings.Charges{ShippingSurcharge: decimal.Zero, TaxRate: decimal.Zero}
	if s.charges != nil {
		if charges, err = s.charges.Charges(ctx); err != nil {
			return ShipResult{}, fmt.Errorf("resolve charges: %w", err)
		}
	}

	runID := uuid.NewString()
	err = shared.RunOnce(ctx, s.idempotency, input.IdempotencyKey, "fulfillment:ship", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			result, err = s.approveAndShip(ctx, tx, input, charges)
			return err
		})
	})
	if err != nil {
		s.logFailure(ctx, "approve and ship", runID, slog.Int64("order_id", input.OrderID), err)
		return ShipResult{}, err
	}

	s.logger.InfoContext(ctx, "order shipped",
		slog.String("run_id", runID),
		slog.Int64("order_id", result.Order.ID),
		slog.String("shipment", result.Shipment.Code),
		slog.Int("export_lines", len(result.Shipment.Lines)),
		slog.String("invoice_total", result.Invoice.Total.String()))
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fulfillment:approve_and_ship",
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", result.Order.ID),
		Meta: map[string]any{
			"run_id":   runID,
			"shipment": result.Shipment.Code,
			"invoice":  result.Invoice.Code,
			"total":    result.Invoice.Total.String(),
		},
	})
	return result, nil
}

func (s *Service) approveAndShip(ctx context.Context, tx TxRepository, input ApproveInput, charges settings.Charges) (ShipResult, error) {
	order, err := tx.GetOrderForUpdate(ctx, input.OrderID)
	if err != nil {
		return ShipResult{}, err
	}
	if !order.Status.CanShip() {
		return ShipResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderNotPending, order.Code, order.Status)
	}
	if len(order.Lines) == 0 {
		return ShipResult{}, fmt.Errorf("%w: %s", ErrEmptyOrder, order.Code)
	}
	exists, err := tx.ShipmentCodeExists(ctx, input.ShipmentCode)
	if err != nil {
		return ShipResult{}, err
	}
	if exists {
		return ShipResult{}, fmt.Errorf("%w %s", ErrDuplicateShipmentCode, input.ShipmentCode)
	}
	store, err := tx.GetStore(ctx, order.StoreID)
	if err != nil {
		return ShipResult{}, err
	}

	now := s.now()
	demand := groupDemand(order.Lines)

	// Pass one: lock candidate lots per product and check availability. No writes.
	if err := s.preflight(ctx, tx, demand, now); err != nil {
		return ShipResult{}, err
	}

	// Pass two: FEFO deduction per product in first-seen order.
	var exports []ExportLine
	var resolved []OrderLine
	for _, want := range demand {
		allocations, err := inventory.Deduct(ctx, inventory.FinishedLedger(tx), want.productID, want.quantity, now)
		if err != nil {
			return ShipResult{}, fmt.Errorf("allocate product %d: %w", want.productID, err)
		}
		for _, alloc := range allocations {
			lotID := alloc.LotID
			exports = append(exports, ExportLine{
				ProductID:     want.productID,
				FinishedLotID: alloc.LotID,
				LotCode:       alloc.Code,
				Quantity:      alloc.Quantity,
			})
			resolved = append(resolved, OrderLine{
				ProductID:     want.productID,
				FinishedLotID: &lotID,
				Quantity:      alloc.Quantity,
				UnitPrice:     want.unitPrice,
				Subtotal:      alloc.Quantity.Mul(want.unitPrice),
			})
		}
	}

	eta := now.AddDate(0, 0, store.DeliveryDays)
	if input.EstimatedArrival != nil {
		eta = input.EstimatedArrival.UTC()
	}
	shipment, err := tx.InsertShipment(ctx, Shipment{
		Code:             input.ShipmentCode,
		OrderID:          order.ID,
		StoreID:          order.StoreID,
		Status:           ShipmentStatusInTransit,
		Carrier:          input.Carrier,
		Vehicle:          input.Vehicle,
		Notes:            input.Notes,
		ShippedAt:        now,
		EstimatedArrival: eta,
		CreatedBy:        input.ActorID,
		Lines:            exports,
	})
	if err != nil {
		return ShipResult{}, err
	}

	order.Lines, err = tx.ReplaceOrderLines(ctx, order.ID, resolved)
	if err != nil {
		return ShipResult{}, err
	}
	actor := input.ActorID
	order.TotalAmount = LineTotal(order.Lines)
	order.Status = OrderStatusShipped
	order.ApprovedBy = &actor
	order.ApprovedAt = &now
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return ShipResult{}, err
	}

	invoice := BuildInvoice(order, shipment.ID, charges, now)
	invoice.ID, err = tx.InsertInvoice(ctx, invoice)
	if err != nil {
		return ShipResult{}, err
	}
	return ShipResult{Order: order, Shipment: shipment, Invoice: invoice}, nil
}

// groupDemand merges lines per product, keeping first-seen order and the
// unit price of the first line for each product.
func groupDemand(lines []OrderLine) []productDemand {
	index := make(map[int64]int, len(lines))
	var out []productDemand
	for _, line := range lines {
		if i, ok := index[line.ProductID]; ok {
			out[i].quantity = out[i].quantity.Add(line.Quantity)
			continue
		}
		index[line.ProductID] = len(out)
		out = append(out, productDemand{productID: line.ProductID, quantity: line.Quantity, unitPrice: line.UnitPrice})
	}
	return out
}

// preflight locks candidate lots in product-id order and then checks the
// demand in first-seen order.
func (s *Service) preflight(ctx context.Context, tx TxRepository, demand []productDemand, asOf time.Time) error {
	ids := make([]int64, 0, len(demand))
	for _, want := range demand {
		ids = append(ids, want.productID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	available := make(map[int64]decimal.Decimal, len(ids))
	for _, id := range ids {
		candidates, err := tx.ListFinishedCandidates(ctx, id, true, asOf)
		if err != nil {
			return err
		}
		available[id] = inventory.SumCandidates(candidates)
	}
	reqs := make([]inventory.Requirement, 0, len(demand))
	for _, want := range demand {
		if !want.quantity.IsPositive() {
			return fmt.Errorf("%w: product %d", ErrInvalidQuantity, want.productID)
		}
		reqs = append(reqs, inventory.Requirement{
			Key:       want.productID,
			Label:     fmt.Sprintf("product %d", want.productID),
			Required:  want.quantity,
			Available: available[want.productID],
		})
	}
	return inventory.Preflight(reqs)
}

// ReceiveShipment reconciles an in-transit shipment into the store's
// inventory and closes the order.
func (s *Service) ReceiveShipment(ctx context.Context, input ReceiveInput) (result ReceiveResult, err error) {
	tracker := s.metrics.Track(observability.WorkflowReceiveShipment)
	defer func() { err = tracker.End(err) }()

	if input.ShipmentID == 0 {
		return ReceiveResult{}, fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	release, err := s.locker.Acquire(ctx, shared.ShipmentLockKey(input.ShipmentID))
	if err != nil {
		return ReceiveResult{}, err
	}
	defer release()

	runID := uuid.NewString()
	err = shared.RunOnce(ctx, s.idempotency, input.IdempotencyKey, "fulfillment:receive", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			result, err = s.receiveShipment(ctx, tx, input)
			return err
		})
	})
	if err != nil {
		s.logFailure(ctx, "receive shipment", runID, slog.Int64("shipment_id", input.ShipmentID), err)
		return ReceiveResult{}, err
	}

	s.logger.InfoContext(ctx, "shipment received",
		slog.String("run_id", runID),
		slog.String("shipment", result.Shipment.Code),
		slog.Int64("store_id", result.Shipment.StoreID),
		slog.Int("records", len(result.InventoryDeltas)))
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fulfillment:receive_shipment",
		Entity:   "shipment",
		EntityID: fmt.Sprintf("%d", result.Shipment.ID),
		Meta:     map[string]any{"run_id": runID, "order_id": result.Order.ID, "records": len(result.InventoryDeltas)},
	})
	return result, nil
}

func (s *Service) receiveShipment(ctx context.Context, tx TxRepository, input ReceiveInput) (ReceiveResult, error) {
	shipment, err := tx.GetShipmentForUpdate(ctx, input.ShipmentID)
	if err != nil {
		return ReceiveResult{}, err
	}
	if shipment.Status != ShipmentStatusInTransit {
		return ReceiveResult{}, fmt.Errorf("%w: %s is %s", ErrShipmentNotInTransit, shipment.Code, shipment.Status)
	}
	order, err := tx.GetOrderForUpdate(ctx, shipment.OrderID)
	if err != nil {
		return ReceiveResult{}, err
	}
	if order.Status != OrderStatusShipped {
		return ReceiveResult{}, shared.NewConsistencyFault("order", order.ID,
			"in-transit shipment %s belongs to order in status %s", shipment.Code, order.Status)
	}

	now := s.now()
	arrived := now
	if input.ArrivedAt != nil {
		arrived = input.ArrivedAt.UTC()
	}

	deltas := make([]InventoryDelta, 0, len(shipment.Lines))
	for _, line := range shipment.Lines {
		qty, err := tx.UpsertStoreInventory(ctx, StoreInventoryRecord{
			StoreID:       shipment.StoreID,
			ProductID:     line.ProductID,
			FinishedLotID: line.FinishedLotID,
			Quantity:      line.Quantity,
			UpdatedAt:     now,
		})
		if err != nil {
			return ReceiveResult{}, err
		}
		deltas = append(deltas, InventoryDelta{
			StoreID:       shipment.StoreID,
			ProductID:     line.ProductID,
			FinishedLotID: line.FinishedLotID,
			Added:         line.Quantity,
			Quantity:      qty,
		})
	}

	if err := tx.CompleteShipment(ctx, shipment.ID, arrived); err != nil {
		return ReceiveResult{}, err
	}
	shipment.Status = ShipmentStatusCompleted
	shipment.ArrivedAt = &arrived

	order.Status = OrderStatusReceived
	order.ReceivedAt = &arrived
	order.UpdatedAt = now
	if err := tx.UpdateOrder(ctx, order); err != nil {
		return ReceiveResult{}, err
	}
	return ReceiveResult{Shipment: shipment, Order: order, InventoryDeltas: deltas}, nil
}

// CancelOrder withdraws a pending order.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID int64) (Order, error) {
	if orderID == 0 {
		return Order{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	release, err := s.locker.Acquire(ctx, shared.SalesOrderLockKey(orderID))
	if err != nil {
		return Order{}, err
	}
	defer release()

	var order Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanCancel() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotPending, order.Code, order.Status)
		}
		order.Status = OrderStatusCancelled
		order.UpdatedAt = s.now()
		return tx.UpdateOrder(ctx, order)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "fulfillment:cancel_order",
		Entity:   "order",
		EntityID: fmt.Sprintf("%d", order.ID),
	})
	return order, nil
}

// UpdatePaymentStatus moves an invoice to a new payment status.
func (s *Service) UpdatePaymentStatus(ctx context.Context, input PaymentUpdateInput) (Invoice, error) {
	if input.InvoiceID == 0 {
		return Invoice{}, fmt.Errorf("%w: invoice id required", shared.ErrValidation)
	}
	var invoice Invoice
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		invoice, err = tx.GetInvoiceForUpdate(ctx, input.InvoiceID)
		if err != nil {
			return err
		}
		if !invoice.PaymentStatus.CanTransitionTo(input.Status) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidPaymentStatus, invoice.PaymentStatus, input.Status)
		}
		invoice.PaymentStatus = input.Status
		return tx.UpdatePaymentStatus(ctx, invoice.ID, input.Status)
	})
	if err != nil {
		return Invoice{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "fulfillment:payment_status",
		Entity:   "invoice",
		EntityID: fmt.Sprintf("%d", invoice.ID),
		Meta:     map[string]any{"status": string(invoice.PaymentStatus)},
	})
	return invoice, nil
}

// GetOrder returns an order with its lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	if id == 0 {
		return Order{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	return s.repo.GetOrder(ctx, id)
}

// GetShipment returns a shipment with its export lines.
func (s *Service) GetShipment(ctx context.Context, id int64) (Shipment, error) {
	if id == 0 {
		return Shipment{}, fmt.Errorf("%w: shipment id required", shared.ErrValidation)
	}
	return s.repo.GetShipment(ctx, id)
}

// GetInvoice returns an invoice.
func (s *Service) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	if id == 0 {
		return Invoice{}, fmt.Errorf("%w: invoice id required", shared.ErrValidation)
	}
	return s.repo.GetInvoice(ctx, id)
}

// StoreInventory lists what a store has received.
func (s *Service) StoreInventory(ctx context.Context, storeID int64) ([]StoreInventoryRecord, error) {
	if storeID == 0 {
		return nil, fmt.Errorf("%w: store id required", shared.ErrValidation)
	}
	return s.repo.ListStoreInventory(ctx, storeID)
}

func (s *Service) logFailure(ctx context.Context, op, runID string, subject slog.Attr, err error) {
	attrs := []any{slog.String("run_id", runID), subject, slog.Any("error", err)}
	var fault *shared.ConsistencyFault
	switch {
	case errors.As(err, &fault):
		s.logger.ErrorContext(ctx, op+" consistency fault", append(attrs, slog.String("fault", "consistency"))...)
	case errors.Is(err, shared.ErrInsufficientStock), errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrNotFound), errors.Is(err, shared.ErrDuplicate):
		s.logger.InfoContext(ctx, op+" rejected", attrs...)
	default:
		s.logger.WarnContext(ctx, op+" aborted", attrs...)
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
