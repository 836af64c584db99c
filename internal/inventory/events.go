package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// LowStockEvent is raised when an ingredient's cached total is under its warning threshold.
type LowStockEvent struct {
	IngredientID  int64           `json:"ingredient_id"`
	Name          string          `json:"name"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	Threshold     decimal.Decimal `json:"threshold"`
	At            time.Time       `json:"at"`
}

// LowStockEventFor builds the event for ing.
func LowStockEventFor(ing Ingredient, at time.Time) LowStockEvent {
	return LowStockEvent{
		IngredientID:  ing.ID,
		Name:          ing.Name,
		TotalQuantity: ing.TotalQuantity,
		Threshold:     ing.WarningThreshold,
		At:            at,
	}
}
