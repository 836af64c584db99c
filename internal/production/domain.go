package production

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// ============================================================================
// PRODUCTION ORDER STATUS
// ============================================================================

// OrderStatus represents the lifecycle of a production order
type OrderStatus string

const (
	OrderStatusPlanned    OrderStatus = "PLANNED"     // No line completed yet
	OrderStatusInProgress OrderStatus = "IN_PROGRESS" // Some lines completed
	OrderStatusCompleted  OrderStatus = "COMPLETED"   // Every line completed
	OrderStatusCancelled  OrderStatus = "CANCELLED"   // Withdrawn before completion
)

// CanComplete checks if lines of the order can still be completed
func (s OrderStatus) CanComplete() bool {
	return s == OrderStatusPlanned || s == OrderStatusInProgress
}

// CanCancel checks if the order can be cancelled
func (s OrderStatus) CanCancel() bool {
	return s == OrderStatusPlanned || s == OrderStatusInProgress
}

// LineStatus represents the state of one product line
type LineStatus string

const (
	LineStatusPending   LineStatus = "PENDING"
	LineStatusCompleted LineStatus = "COMPLETED"
)

// ============================================================================
// ENTITIES
// ============================================================================

// Order is a plan to produce quantities of products on a date
type Order struct {
	ID        int64       `json:"id"`
	Code      string      `json:"code"`
	PlanDate  time.Time   `json:"plan_date"`
	Status    OrderStatus `json:"status"`
	Notes     string      `json:"notes,omitempty"`
	CreatedBy int64       `json:"created_by"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	Lines     []Line      `json:"lines"`
}

// Line is one product to produce within an order
type Line struct {
	ID              int64           `json:"id"`
	OrderID         int64           `json:"order_id"`
	ProductID       int64           `json:"product_id"`
	PlannedQuantity decimal.Decimal `json:"planned_quantity"`
	ActualQuantity  decimal.Decimal `json:"actual_quantity"`
	Status          LineStatus      `json:"status"`
	FinishedLotID   *int64          `json:"finished_lot_id,omitempty"`
	CompletedBy     *int64          `json:"completed_by,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Product is a finished good with its recipe
type Product struct {
	ID            int64           `json:"id"`
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	ShelfLifeDays int             `json:"shelf_life_days"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	Recipe        []RecipeItem    `json:"recipe"`
}

// RecipeItem is the quantity of an ingredient consumed per unit produced
type RecipeItem struct {
	IngredientID    int64           `json:"ingredient_id"`
	QuantityPerUnit decimal.Decimal `json:"quantity_per_unit"`
}

// Line returns the line for productID or nil.
func (o *Order) Line(productID int64) *Line {
	for i := range o.Lines {
		if o.Lines[i].ProductID == productID {
			return &o.Lines[i]
		}
	}
	return nil
}

// RefreshStatus derives the header status from its lines.
func (o *Order) RefreshStatus() {
	if o.Status == OrderStatusCancelled {
		return
	}
	completed := 0
	for _, line := range o.Lines {
		if line.Status == LineStatusCompleted {
			completed++
		}
	}
	switch {
	case len(o.Lines) > 0 && completed == len(o.Lines):
		o.Status = OrderStatusCompleted
	case completed > 0:
		o.Status = OrderStatusInProgress
	default:
		o.Status = OrderStatusPlanned
	}
}

// ============================================================================
// REQUEST / RESPONSE DTOs
// ============================================================================

// CreateOrderInput plans a new production order
type CreateOrderInput struct {
	Code     string            `json:"code" validate:"required,max=64"`
	PlanDate time.Time         `json:"plan_date"`
	Notes    string            `json:"notes" validate:"max=500"`
	Lines    []CreateLineInput `json:"lines" validate:"required,min=1,dive"`
	ActorID  int64             `json:"-"`
}

// CreateLineInput is one planned product line
type CreateLineInput struct {
	ProductID       int64 `json:"product_id" validate:"required"`
	PlannedQuantity int64 `json:"planned_quantity" validate:"required,gt=0"`
}

// CompleteLineInput records the actual output of one line
type CompleteLineInput struct {
	OrderID        int64  `json:"-"`
	ProductID      int64  `json:"-"`
	ActualQuantity int64  `json:"actual_quantity" validate:"required,gt=0"`
	IdempotencyKey string `json:"-"`
	ActorID        int64  `json:"-"`
}

// CompletionResult is returned by a committed line completion
type CompletionResult struct {
	Order       Order                   `json:"order"`
	FinishedLot inventory.FinishedLot   `json:"finished_lot"`
	Consumption []inventory.Consumption `json:"consumption"`
}

// ============================================================================
// ERRORS
// ============================================================================

var (
	ErrOrderNotFound        = fmt.Errorf("%w: production order", shared.ErrNotFound)
	ErrProductNotFound      = fmt.Errorf("%w: product", shared.ErrNotFound)
	ErrLineNotFound         = fmt.Errorf("%w: production line", shared.ErrNotFound)
	ErrLineAlreadyCompleted = fmt.Errorf("%w: production line already completed", shared.ErrInvalidState)
	ErrOrderClosed          = fmt.Errorf("%w: production order is closed", shared.ErrInvalidState)
	ErrNoRecipeDefined      = fmt.Errorf("%w: product has no recipe", shared.ErrValidation)
	ErrInvalidQuantity      = fmt.Errorf("%w: quantity must be a positive integer", shared.ErrValidation)
	ErrInvalidShelfLife     = fmt.Errorf("%w: shelf life must be at least one day", shared.ErrValidation)
	ErrDuplicateProductLine = fmt.Errorf("%w: product appears twice in the order", shared.ErrValidation)
	ErrDuplicateOrderCode   = fmt.Errorf("%w: production order code", shared.ErrDuplicate)
)
