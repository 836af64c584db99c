package inventory

import "context"

// LowStockHandler receives low stock events after the ledger change committed.
type LowStockHandler interface {
	HandleLowStock(ctx context.Context, evt LowStockEvent) error
}
