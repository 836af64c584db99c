package production

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/platform/db"
)

// TxRepository exposes production tables and the batch ledger in one transaction.
type TxRepository interface {
	inventory.TxRepository

	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	OrderCodeExists(ctx context.Context, code string) (bool, error)
	InsertOrder(ctx context.Context, order Order) (Order, error)
	UpdateLine(ctx context.Context, line Line) error
	UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error
}

// Repository persists production orders in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepository struct {
	inventory.TxRepository
	tx pgx.Tx
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("production repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
}

// GetOrder loads an order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.tx, id, true)
}

func getOrder(ctx context.Context, q querier, id int64, forUpdate bool) (Order, error) {
	query := `SELECT id, code, plan_date, status, COALESCE(notes, ''), created_by, created_at, updated_at
FROM production_orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var order Order
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&order.ID, &order.Code, &order.PlanDate, &status, &order.Notes,
		&order.CreatedBy, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("get production order: %w", err)
	}
	order.Status = OrderStatus(status)

	lineQuery := `SELECT id, order_id, product_id, planned_quantity, actual_quantity, status, finished_lot_id, completed_by, completed_at
FROM production_order_lines WHERE order_id=$1 ORDER BY id`
	if forUpdate {
		lineQuery += ` FOR UPDATE`
	}
	rows, err := q.Query(ctx, lineQuery, id)
	if err != nil {
		return Order{}, fmt.Errorf("get production lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line Line
		var lineStatus string
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.PlannedQuantity, &line.ActualQuantity,
			&lineStatus, &line.FinishedLotID, &line.CompletedBy, &line.CompletedAt); err != nil {
			return Order{}, err
		}
		line.Status = LineStatus(lineStatus)
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}

func (r *txRepository) GetProduct(ctx context.Context, id int64) (Product, error) {
	var p Product
	err := r.tx.QueryRow(ctx, `SELECT id, sku, name, shelf_life_days, unit_price FROM products WHERE id=$1`, id).
		Scan(&p.ID, &p.SKU, &p.Name, &p.ShelfLifeDays, &p.UnitPrice)
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, fmt.Errorf("%w %d", ErrProductNotFound, id)
	}
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}
	rows, err := r.tx.Query(ctx, `SELECT ingredient_id, quantity_per_unit FROM recipe_items WHERE product_id=$1 ORDER BY ingredient_id`, id)
	if err != nil {
		return Product{}, fmt.Errorf("get recipe: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item RecipeItem
		if err := rows.Scan(&item.IngredientID, &item.QuantityPerUnit); err != nil {
			return Product{}, err
		}
		p.Recipe = append(p.Recipe, item)
	}
	return p, rows.Err()
}

func (r *txRepository) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM production_orders WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertOrder(ctx context.Context, order Order) (Order, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO production_orders (code, plan_date, status, notes, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6) RETURNING id`,
		order.Code, order.PlanDate, string(order.Status), order.Notes, order.CreatedBy, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return Order{}, fmt.Errorf("insert production order: %w", err)
	}
	for i := range order.Lines {
		line := &order.Lines[i]
		line.OrderID = order.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO production_order_lines (order_id, product_id, planned_quantity, actual_quantity, status)
VALUES ($1,$2,$3,$4,$5) RETURNING id`, line.OrderID, line.ProductID, line.PlannedQuantity, line.ActualQuantity, string(line.Status)).Scan(&line.ID); err != nil {
			return Order{}, fmt.Errorf("insert production line: %w", err)
		}
	}
	return order, nil
}

func (r *txRepository) UpdateLine(ctx context.Context, line Line) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_order_lines
SET actual_quantity=$2, status=$3, finished_lot_id=$4, completed_by=$5, completed_at=$6
WHERE id=$1`, line.ID, line.ActualQuantity, string(line.Status), line.FinishedLotID, line.CompletedBy, line.CompletedAt)
	return err
}

func (r *txRepository) UpdateOrderStatus(ctx context.Context, id int64, status OrderStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE production_orders SET status=$2, updated_at=NOW() WHERE id=$1`, id, string(status))
	return err
}
