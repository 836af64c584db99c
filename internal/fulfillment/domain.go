package fulfillment

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// ============================================================================
// STATUSES
// ============================================================================

// OrderStatus represents the lifecycle of a store order
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"   // Awaiting approval
	OrderStatusShipped   OrderStatus = "SHIPPED"   // Approved, stock allocated, in transit
	OrderStatusReceived  OrderStatus = "RECEIVED"  // Store confirmed arrival
	OrderStatusCancelled OrderStatus = "CANCELLED" // Withdrawn before approval
)

// CanShip checks if the order can be approved and shipped
func (s OrderStatus) CanShip() bool {
	return s == OrderStatusPending
}

// CanCancel checks if the order can be cancelled
func (s OrderStatus) CanCancel() bool {
	return s == OrderStatusPending
}

// ShipmentStatus represents the lifecycle of a shipment
type ShipmentStatus string

const (
	ShipmentStatusInTransit ShipmentStatus = "IN_TRANSIT"
	ShipmentStatusCompleted ShipmentStatus = "COMPLETED"
)

// PaymentStatus represents the lifecycle of an invoice payment
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "PENDING"
	PaymentStatusPartial   PaymentStatus = "PARTIAL"
	PaymentStatusPaid      PaymentStatus = "PAID"
	PaymentStatusOverdue   PaymentStatus = "OVERDUE"
	PaymentStatusCancelled PaymentStatus = "CANCELLED"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending: {PaymentStatusPartial, PaymentStatusPaid, PaymentStatusOverdue, PaymentStatusCancelled},
	PaymentStatusPartial: {PaymentStatusPaid, PaymentStatusOverdue},
	PaymentStatusOverdue: {PaymentStatusPaid, PaymentStatusPartial},
}

// CanTransitionTo checks if the payment status may move to next
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ============================================================================
// ENTITIES
// ============================================================================

// Store is a retail outlet receiving shipments
type Store struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	DeliveryDays int    `json:"delivery_days"`
}

// Order is a store's request for finished products
type Order struct {
	ID          int64           `json:"id"`
	Code        string          `json:"code"`
	StoreID     int64           `json:"store_id"`
	RequestedAt *time.Time      `json:"requested_delivery_date,omitempty"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	ApprovedBy  *int64          `json:"approved_by,omitempty"`
	ApprovedAt  *time.Time      `json:"approved_at,omitempty"`
	ReceivedAt  *time.Time      `json:"received_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Lines       []OrderLine     `json:"lines"`
}

// OrderLine is a requested product. FinishedLotID is only a hint before
// shipment; afterwards each line names the lot it was allocated from.
type OrderLine struct {
	ID            int64           `json:"id"`
	OrderID       int64           `json:"order_id"`
	ProductID     int64           `json:"product_id"`
	FinishedLotID *int64          `json:"finished_lot_id,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Subtotal      decimal.Decimal `json:"subtotal"`
}

// Shipment carries allocated lots to a store
type Shipment struct {
	ID               int64          `json:"id"`
	Code             string         `json:"code"`
	OrderID          int64          `json:"order_id"`
	StoreID          int64          `json:"store_id"`
	Status           ShipmentStatus `json:"status"`
	Carrier          string         `json:"carrier,omitempty"`
	Vehicle          string         `json:"vehicle,omitempty"`
	Notes            string         `json:"notes,omitempty"`
	ShippedAt        time.Time      `json:"shipped_at"`
	EstimatedArrival time.Time      `json:"estimated_arrival"`
	ArrivedAt        *time.Time     `json:"arrived_at,omitempty"`
	CreatedBy        int64          `json:"created_by"`
	Lines            []ExportLine   `json:"lines"`
}

// ExportLine is the quantity of one finished lot on a shipment
type ExportLine struct {
	ID            int64           `json:"id"`
	ShipmentID    int64           `json:"shipment_id"`
	ProductID     int64           `json:"product_id"`
	FinishedLotID int64           `json:"finished_lot_id"`
	LotCode       string          `json:"lot_code"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// Invoice bills a shipped order
type Invoice struct {
	ID                int64           `json:"id"`
	Code              string          `json:"code"`
	OrderID           int64           `json:"order_id"`
	ShipmentID        int64           `json:"shipment_id"`
	OrderTotal        decimal.Decimal `json:"order_total"`
	ShippingSurcharge decimal.Decimal `json:"shipping_surcharge"`
	Subtotal          decimal.Decimal `json:"subtotal"`
	TaxRate           decimal.Decimal `json:"tax_rate"`
	TaxAmount         decimal.Decimal `json:"tax_amount"`
	Total             decimal.Decimal `json:"total"`
	PaymentStatus     PaymentStatus   `json:"payment_status"`
	IssuedAt          time.Time       `json:"issued_at"`
}

// StoreInventoryRecord is the stock a store holds of one lot
type StoreInventoryRecord struct {
	StoreID       int64           `json:"store_id"`
	ProductID     int64           `json:"product_id"`
	FinishedLotID int64           `json:"finished_lot_id"`
	Quantity      decimal.Decimal `json:"quantity"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// InventoryDelta reports one store inventory change made by a receipt
type InventoryDelta struct {
	StoreID       int64           `json:"store_id"`
	ProductID     int64           `json:"product_id"`
	FinishedLotID int64           `json:"finished_lot_id"`
	Added         decimal.Decimal `json:"added"`
	Quantity      decimal.Decimal `json:"quantity"`
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// CreateOrderInput records a store's request. Unit prices come from the product.
type CreateOrderInput struct {
	Code        string            `json:"code" validate:"required,max=64"`
	StoreID     int64             `json:"store_id" validate:"required,gt=0"`
	RequestedAt *time.Time        `json:"requested_delivery_date"`
	Lines       []CreateLineInput `json:"lines" validate:"required,min=1,dive"`
	ActorID     int64             `json:"-"`
}

// CreateLineInput is one requested product.
type CreateLineInput struct {
	ProductID     int64  `json:"product_id" validate:"required,gt=0"`
	FinishedLotID *int64 `json:"finished_lot_id"`
	Quantity      int64  `json:"quantity" validate:"required,gt=0"`
}

// ApproveInput approves a pending order and ships it
type ApproveInput struct {
	OrderID          int64      `json:"-"`
	ShipmentCode     string     `json:"shipment_code" validate:"required,max=64"`
	Carrier          string     `json:"carrier" validate:"max=120"`
	Vehicle          string     `json:"vehicle" validate:"max=60"`
	Notes            string     `json:"notes" validate:"max=500"`
	EstimatedArrival *time.Time `json:"estimated_arrival"`
	IdempotencyKey   string     `json:"-"`
	ActorID          int64      `json:"-"`
}

// ShipResult is returned by a committed approval
type ShipResult struct {
	Order    Order    `json:"order"`
	Shipment Shipment `json:"shipment"`
	Invoice  Invoice  `json:"invoice"`
}

// ReceiveInput confirms arrival of a shipment
type ReceiveInput struct {
	ShipmentID     int64      `json:"-"`
	ArrivedAt      *time.Time `json:"arrived_at"`
	IdempotencyKey string     `json:"-"`
	ActorID        int64      `json:"-"`
}

// ReceiveResult is returned by a committed receipt
type ReceiveResult struct {
	Shipment        Shipment         `json:"shipment"`
	Order           Order            `json:"order"`
	InventoryDeltas []InventoryDelta `json:"inventory_deltas"`
}

// PaymentUpdateInput moves an invoice through its payment lifecycle
type PaymentUpdateInput struct {
	InvoiceID int64         `json:"-"`
	Status    PaymentStatus `json:"status" validate:"required,oneof=PENDING PARTIAL PAID OVERDUE CANCELLED"`
	ActorID   int64         `json:"-"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	ErrOrderNotFound          = fmt.Errorf("%w: order", shared.ErrNotFound)
	ErrShipmentNotFound       = fmt.Errorf("%w: shipment", shared.ErrNotFound)
	ErrInvoiceNotFound        = fmt.Errorf("%w: invoice", shared.ErrNotFound)
	ErrStoreNotFound          = fmt.Errorf("%w: store", shared.ErrNotFound)
	ErrOrderNotPending        = fmt.Errorf("%w: order is not pending", shared.ErrInvalidState)
	ErrShipmentNotInTransit   = fmt.Errorf("%w: shipment is not in transit", shared.ErrInvalidState)
	ErrInvalidPaymentStatus   = fmt.Errorf("%w: payment status transition not allowed", shared.ErrInvalidState)
	ErrDuplicateShipmentCode  = fmt.Errorf("%w: shipment code", shared.ErrDuplicate)
	ErrDuplicateOrderCode     = fmt.Errorf("%w: order code", shared.ErrDuplicate)
	ErrProductNotFound        = fmt.Errorf("%w: product", shared.ErrNotFound)
	ErrInvalidQuantity        = fmt.Errorf("%w: quantity must be positive", shared.ErrValidation)
	ErrEmptyOrder             = fmt.Errorf("%w: order has no lines", shared.ErrValidation)
	ErrInvalidShipmentRequest = fmt.Errorf("%w: shipment code required", shared.ErrValidation)
)
