package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/foodops/internal/platform/db"
)

// Repository persists the batch ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("inventory repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, NewTxRepository(tx))
	})
}

// GetIngredient loads an ingredient without locking it.
func (r *Repository) GetIngredient(ctx context.Context, id int64) (Ingredient, error) {
	var ing Ingredient
	err := r.pool.QueryRow(ctx, `SELECT id, name, unit, cost, warning_threshold, total_quantity, updated_at
FROM ingredients WHERE id=$1`, id).
		Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Cost, &ing.WarningThreshold, &ing.TotalQuantity, &ing.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Ingredient{}, fmt.Errorf("%w %d", ErrIngredientNotFound, id)
	}
	return ing, err
}

// ListIngredientLots returns lots of an ingredient in FEFO order.
func (r *Repository) ListIngredientLots(ctx context.Context, ingredientID int64, includeInactive bool) ([]IngredientLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, ingredient_id, supplier_id, code, expiry_date, received_date, initial_quantity, current_quantity, active, created_at
FROM ingredient_lots
WHERE ingredient_id=$1 AND ($2::boolean OR active)
ORDER BY expiry_date ASC, created_at ASC, id ASC`, ingredientID, includeInactive)
	if err != nil {
		return nil, err
	}
	return collectIngredientLots(rows)
}

// ListFinishedLots returns finished lots of a product in FEFO order.
func (r *Repository) ListFinishedLots(ctx context.Context, productID int64, includeClosed bool) ([]FinishedLot, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, code, production_order_id, product_id, manufacture_date, expiry_date, initial_quantity, current_quantity, status, created_at
FROM finished_lots
WHERE product_id=$1 AND ($2::boolean OR status=$3)
ORDER BY expiry_date ASC, created_at ASC, id ASC`, productID, includeClosed, string(LotStatusActive))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FinishedLot
	for rows.Next() {
		var lot FinishedLot
		var status string
		if err := rows.Scan(&lot.ID, &lot.Code, &lot.ProductionOrderID, &lot.ProductID, &lot.ManufactureDate, &lot.ExpiryDate,
			&lot.InitialQuantity, &lot.CurrentQuantity, &status, &lot.CreatedAt); err != nil {
			return nil, err
		}
		lot.Status = LotStatus(status)
		out = append(out, lot)
	}
	return out, rows.Err()
}

// ListLowStock returns ingredients whose cached total is under their warning threshold.
func (r *Repository) ListLowStock(ctx context.Context) ([]Ingredient, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, unit, cost, warning_threshold, total_quantity, updated_at
FROM ingredients
WHERE warning_threshold > 0 AND total_quantity < warning_threshold
ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Ingredient
	for rows.Next() {
		var ing Ingredient
		if err := rows.Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Cost, &ing.WarningThreshold, &ing.TotalQuantity, &ing.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, ing)
	}
	return out, rows.Err()
}

// ListAggregateDrift compares each cached total with the sum of its active lots.
func (r *Repository) ListAggregateDrift(ctx context.Context) ([]AggregateDrift, error) {
	rows, err := r.pool.Query(ctx, `SELECT i.id, i.name, i.total_quantity, COALESCE(SUM(l.current_quantity), 0)
FROM ingredients i
LEFT JOIN ingredient_lots l ON l.ingredient_id = i.id AND l.active
GROUP BY i.id, i.name, i.total_quantity
HAVING i.total_quantity <> COALESCE(SUM(l.current_quantity), 0)
ORDER BY i.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AggregateDrift
	for rows.Next() {
		var d AggregateDrift
		if err := rows.Scan(&d.IngredientID, &d.Name, &d.Cached, &d.Ledger); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// GetTrace loads a finished lot with the ingredient lots it consumed.
func (r *Repository) GetTrace(ctx context.Context, finishedLotID int64) (Trace, error) {
	var lot FinishedLot
	var status string
	err := r.pool.QueryRow(ctx, `SELECT id, code, production_order_id, product_id, manufacture_date, expiry_date, initial_quantity, current_quantity, status, created_at
FROM finished_lots WHERE id=$1`, finishedLotID).
		Scan(&lot.ID, &lot.Code, &lot.ProductionOrderID, &lot.ProductID, &lot.ManufactureDate, &lot.ExpiryDate,
			&lot.InitialQuantity, &lot.CurrentQuantity, &status, &lot.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Trace{}, fmt.Errorf("%w %d", ErrLotNotFound, finishedLotID)
	}
	if err != nil {
		return Trace{}, err
	}
	lot.Status = LotStatus(status)

	rows, err := r.pool.Query(ctx, `SELECT c.finished_lot_id, c.ingredient_lot_id, c.ingredient_id, l.code, c.quantity_used, i.name, l.supplier_id, l.expiry_date
FROM finished_lot_consumption c
JOIN ingredient_lots l ON l.id = c.ingredient_lot_id
JOIN ingredients i ON i.id = c.ingredient_id
WHERE c.finished_lot_id=$1
ORDER BY c.id`, finishedLotID)
	if err != nil {
		return Trace{}, err
	}
	defer rows.Close()
	trace := Trace{Lot: lot}
	for rows.Next() {
		var e TraceEntry
		if err := rows.Scan(&e.FinishedLotID, &e.IngredientLotID, &e.IngredientID, &e.LotCode, &e.QuantityUsed,
			&e.IngredientName, &e.SupplierID, &e.ExpiryDate); err != nil {
			return Trace{}, err
		}
		trace.Lot.Consumption = append(trace.Lot.Consumption, e.Consumption)
		trace.Sources = append(trace.Sources, e)
	}
	return trace, rows.Err()
}
