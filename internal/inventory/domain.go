package inventory

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// LotStatus enumerates finished lot lifecycle states.
type LotStatus string

const (
	// LotStatusActive lots can be allocated to orders.
	LotStatusActive LotStatus = "ACTIVE"
	// LotStatusSoldOut lots have no remaining quantity.
	LotStatusSoldOut LotStatus = "SOLD_OUT"
	// LotStatusExpired lots passed their expiry date.
	LotStatusExpired LotStatus = "EXPIRED"
	// LotStatusRecalled lots were withdrawn manually.
	LotStatusRecalled LotStatus = "RECALLED"
)

// Ingredient is a raw material with a cached total across its active lots.
type Ingredient struct {
	ID               int64           `json:"id"`
	Name             string          `json:"name"`
	Unit             string          `json:"unit"`
	Cost             decimal.Decimal `json:"cost"`
	WarningThreshold decimal.Decimal `json:"warning_threshold"`
	TotalQuantity    decimal.Decimal `json:"total_quantity"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BelowThreshold reports whether the cached total sits under the warning level.
func (i Ingredient) BelowThreshold() bool {
	return i.WarningThreshold.IsPositive() && i.TotalQuantity.LessThan(i.WarningThreshold)
}

// IngredientLot is a received batch of an ingredient.
type IngredientLot struct {
	ID              int64           `json:"id"`
	IngredientID    int64           `json:"ingredient_id"`
	SupplierID      *int64          `json:"supplier_id,omitempty"`
	Code            string          `json:"code"`
	ExpiryDate      time.Time       `json:"expiry_date"`
	ReceivedDate    time.Time       `json:"received_date"`
	InitialQuantity decimal.Decimal `json:"initial_quantity"`
	CurrentQuantity decimal.Decimal `json:"current_quantity"`
	Active          bool            `json:"active"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Expired reports whether the lot is past its expiry at the given instant.
func (l IngredientLot) Expired(at time.Time) bool {
	return !l.ExpiryDate.After(at)
}

// FinishedLot is a batch of finished product produced by one completed line.
type FinishedLot struct {
	ID                int64           `json:"id"`
	Code              string          `json:"code"`
	ProductionOrderID int64           `json:"production_order_id"`
	ProductID         int64           `json:"product_id"`
	ManufactureDate   time.Time       `json:"manufacture_date"`
	ExpiryDate        time.Time       `json:"expiry_date"`
	InitialQuantity   decimal.Decimal `json:"initial_quantity"`
	CurrentQuantity   decimal.Decimal `json:"current_quantity"`
	Status            LotStatus       `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	Consumption       []Consumption   `json:"consumption,omitempty"`
}

// Consumption records how much of an ingredient lot went into a finished lot.
type Consumption struct {
	FinishedLotID   int64           `json:"finished_lot_id,omitempty"`
	IngredientLotID int64           `json:"ingredient_lot_id"`
	IngredientID    int64           `json:"ingredient_id"`
	LotCode         string          `json:"lot_code"`
	QuantityUsed    decimal.Decimal `json:"quantity_used"`
}

// Candidate is a lot eligible for FEFO allocation.
type Candidate struct {
	LotID      int64
	Code       string
	ExpiryDate time.Time
	CreatedAt  time.Time
	Current    decimal.Decimal
}

// Allocation is the quantity taken from one lot.
type Allocation struct {
	LotID    int64           `json:"lot_id"`
	Code     string          `json:"code"`
	Quantity decimal.Decimal `json:"quantity"`
}

// LotBalance is the state of a lot after a decrement.
type LotBalance struct {
	LotID   int64
	Current decimal.Decimal
	// Active is false once the lot is exhausted (ingredient lots deactivate,
	// finished lots become SOLD_OUT).
	Active bool
}

// ReceiveLotInput registers a new ingredient lot.
type ReceiveLotInput struct {
	IngredientID int64           `json:"ingredient_id" validate:"required"`
	SupplierID   *int64          `json:"supplier_id"`
	Code         string          `json:"code" validate:"required,max=64"`
	ExpiryDate   time.Time       `json:"expiry_date" validate:"required"`
	ReceivedDate time.Time       `json:"received_date"`
	Quantity     decimal.Decimal `json:"quantity"`
	ActorID      int64           `json:"-"`
}

// TraceEntry is one ingredient lot behind a finished lot.
type TraceEntry struct {
	Consumption
	IngredientName string    `json:"ingredient_name"`
	SupplierID     *int64    `json:"supplier_id,omitempty"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

// Trace describes the full provenance of a finished lot.
type Trace struct {
	Lot     FinishedLot  `json:"lot"`
	Sources []TraceEntry `json:"sources"`
}

// AggregateDrift reports an ingredient whose cached total differs from its lots.
type AggregateDrift struct {
	IngredientID int64           `json:"ingredient_id"`
	Name         string          `json:"name"`
	Cached       decimal.Decimal `json:"cached"`
	Ledger       decimal.Decimal `json:"ledger"`
}

var (
	// ErrInvalidQuantity indicates a non-positive quantity.
	ErrInvalidQuantity = fmt.Errorf("%w: inventory: quantity must be positive", shared.ErrValidation)
	// ErrIngredientNotFound indicates the ingredient is missing.
	ErrIngredientNotFound = fmt.Errorf("%w: inventory: ingredient", shared.ErrNotFound)
	// ErrLotNotFound indicates the lot is missing.
	ErrLotNotFound = fmt.Errorf("%w: inventory: lot", shared.ErrNotFound)
	// ErrLotExpired rejects receiving a lot that is already expired.
	ErrLotExpired = fmt.Errorf("%w: inventory: lot already expired", shared.ErrValidation)
	// ErrInsufficientLotQuantity guards a decrement larger than the lot holds.
	ErrInsufficientLotQuantity = fmt.Errorf("inventory: lot quantity insufficient: %w", shared.ErrConcurrentStockExhaustion)
	// ErrLotCodeExhausted signals that no free lot code suffix was found.
	ErrLotCodeExhausted = errors.New("inventory: lot code suffixes exhausted")
)
