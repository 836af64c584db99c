package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/platform/db"
)

// TxRepository exposes order, shipment and invoice tables together with the
// batch ledger in one transaction.
type TxRepository interface {
	inventory.TxRepository

	GetOrderForUpdate(ctx context.Context, id int64) (Order, error)
	OrderCodeExists(ctx context.Context, code string) (bool, error)
	InsertOrder(ctx context.Context, order Order) (Order, error)
	UpdateOrder(ctx context.Context, order Order) error
	ReplaceOrderLines(ctx context.Context, orderID int64, lines []OrderLine) ([]OrderLine, error)
	GetProductPrice(ctx context.Context, productID int64) (decimal.Decimal, error)
	GetStore(ctx context.Context, id int64) (Store, error)

	ShipmentCodeExists(ctx context.Context, code string) (bool, error)
	InsertShipment(ctx context.Context, shipment Shipment) (Shipment, error)
	GetShipmentForUpdate(ctx context.Context, id int64) (Shipment, error)
	CompleteShipment(ctx context.Context, id int64, arrivedAt time.Time) error
	// UpsertStoreInventory adds the record's quantity to the store's holding
	// of that lot and returns the resulting quantity.
	UpsertStoreInventory(ctx context.Context, record StoreInventoryRecord) (decimal.Decimal, error)

	InsertInvoice(ctx context.Context, invoice Invoice) (int64, error)
	GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error)
	UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error
}

// Repository persists store orders, shipments and invoices in PostgreSQL.
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

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx executes the callback inside repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	if r == nil {
		return errors.New("fulfillment repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{TxRepository: inventory.NewTxRepository(tx), tx: tx})
	})
}

// GetOrder loads an order with its lines.
func (r *Repository) GetOrder(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.pool, id, false)
}

// GetShipment loads a shipment with its export lines.
func (r *Repository) GetShipment(ctx context.Context, id int64) (Shipment, error) {
	return getShipment(ctx, r.pool, id, false)
}

// GetInvoice loads an invoice.
func (r *Repository) GetInvoice(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.pool, id, false)
}

// ListStoreInventory returns what a store holds, per lot.
func (r *Repository) ListStoreInventory(ctx context.Context, storeID int64) ([]StoreInventoryRecord, error) {
	rows, err := r.pool.Query(ctx, `SELECT store_id, product_id, finished_lot_id, quantity, updated_at
FROM store_inventory WHERE store_id=$1 ORDER BY product_id, finished_lot_id`, storeID)
	if err != nil {
		return nil, fmt.Errorf("list store inventory: %w", err)
	}
	defer rows.Close()
	var out []StoreInventoryRecord
	for rows.Next() {
		var rec StoreInventoryRecord
		if err := rows.Scan(&rec.StoreID, &rec.ProductID, &rec.FinishedLotID, &rec.Quantity, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *txRepository) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return getOrder(ctx, r.tx, id, true)
}

func getOrder(ctx context.Context, q querier, id int64, forUpdate bool) (Order, error) {
	query := `SELECT id, code, store_id, requested_delivery_date, status, total_amount, approved_by, approved_at,
received_at, created_at, updated_at FROM orders WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var order Order
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&order.ID, &order.Code, &order.StoreID, &order.RequestedAt, &status,
		&order.TotalAmount, &order.ApprovedBy, &order.ApprovedAt, &order.ReceivedAt, &order.CreatedAt, &order.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	if err != nil {
		return Order{}, fmt.Errorf("get order: %w", err)
	}
	order.Status = OrderStatus(status)

	rows, err := q.Query(ctx, `SELECT id, order_id, product_id, finished_lot_id, quantity, unit_price, subtotal
FROM order_lines WHERE order_id=$1 ORDER BY id`, id)
	if err != nil {
		return Order{}, fmt.Errorf("get order lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line OrderLine
		if err := rows.Scan(&line.ID, &line.OrderID, &line.ProductID, &line.FinishedLotID, &line.Quantity,
			&line.UnitPrice, &line.Subtotal); err != nil {
			return Order{}, err
		}
		order.Lines = append(order.Lines, line)
	}
	return order, rows.Err()
}

func (r *txRepository) OrderCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertOrder(ctx context.Context, order Order) (Order, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO orders (code, store_id, requested_delivery_date, status, total_amount, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$6) RETURNING id`,
		order.Code, order.StoreID, order.RequestedAt, string(order.Status), order.TotalAmount, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return Order{}, fmt.Errorf("insert order: %w", err)
	}
	lines, err := r.insertLines(ctx, order.ID, order.Lines)
	if err != nil {
		return Order{}, err
	}
	order.Lines = lines
	return order, nil
}

func (r *txRepository) UpdateOrder(ctx context.Context, order Order) error {
	_, err := r.tx.Exec(ctx, `UPDATE orders
SET status=$2, total_amount=$3, approved_by=$4, approved_at=$5, received_at=$6, updated_at=NOW()
WHERE id=$1`, order.ID, string(order.Status), order.TotalAmount, order.ApprovedBy, order.ApprovedAt, order.ReceivedAt)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}
	return nil
}

func (r *txRepository) ReplaceOrderLines(ctx context.Context, orderID int64, lines []OrderLine) ([]OrderLine, error) {
	if _, err := r.tx.Exec(ctx, `DELETE FROM order_lines WHERE order_id=$1`, orderID); err != nil {
		return nil, fmt.Errorf("clear order lines: %w", err)
	}
	return r.insertLines(ctx, orderID, lines)
}

func (r *txRepository) insertLines(ctx context.Context, orderID int64, lines []OrderLine) ([]OrderLine, error) {
	out := make([]OrderLine, len(lines))
	for i, line := range lines {
		line.OrderID = orderID
		if err := r.tx.QueryRow(ctx, `INSERT INTO order_lines (order_id, product_id, finished_lot_id, quantity, unit_price, subtotal)
VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
			line.OrderID, line.ProductID, line.FinishedLotID, line.Quantity, line.UnitPrice, line.Subtotal).Scan(&line.ID); err != nil {
			return nil, fmt.Errorf("insert order line: %w", err)
		}
		out[i] = line
	}
	return out, nil
}

func (r *txRepository) GetProductPrice(ctx context.Context, productID int64) (decimal.Decimal, error) {
	var price decimal.Decimal
	err := r.tx.QueryRow(ctx, `SELECT unit_price FROM products WHERE id=$1`, productID).Scan(&price)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("%w %d", ErrProductNotFound, productID)
	}
	return price, err
}

func (r *txRepository) GetStore(ctx context.Context, id int64) (Store, error) {
	var store Store
	err := r.tx.QueryRow(ctx, `SELECT id, name, delivery_days FROM stores WHERE id=$1`, id).
		Scan(&store.ID, &store.Name, &store.DeliveryDays)
	if errors.Is(err, pgx.ErrNoRows) {
		return Store{}, fmt.Errorf("%w %d", ErrStoreNotFound, id)
	}
	if err != nil {
		return Store{}, fmt.Errorf("get store: %w", err)
	}
	return store, nil
}

func (r *txRepository) ShipmentCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM shipments WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertShipment(ctx context.Context, shipment Shipment) (Shipment, error) {
	err := r.tx.QueryRow(ctx, `INSERT INTO shipments (code, order_id, store_id, status, carrier, vehicle, notes,
shipped_at, estimated_arrival, created_by)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10) RETURNING id`,
		shipment.Code, shipment.OrderID, shipment.StoreID, string(shipment.Status), shipment.Carrier, shipment.Vehicle,
		shipment.Notes, shipment.ShippedAt, shipment.EstimatedArrival, shipment.CreatedBy).Scan(&shipment.ID)
	if err != nil {
		return Shipment{}, fmt.Errorf("insert shipment: %w", err)
	}
	for i := range shipment.Lines {
		line := &shipment.Lines[i]
		line.ShipmentID = shipment.ID
		if err := r.tx.QueryRow(ctx, `INSERT INTO shipment_lines (shipment_id, product_id, finished_lot_id, quantity)
VALUES ($1,$2,$3,$4) RETURNING id`, line.ShipmentID, line.ProductID, line.FinishedLotID, line.Quantity).Scan(&line.ID); err != nil {
			return Shipment{}, fmt.Errorf("insert shipment line: %w", err)
		}
	}
	return shipment, nil
}

func (r *txRepository) GetShipmentForUpdate(ctx context.Context, id int64) (Shipment, error) {
	return getShipment(ctx, r.tx, id, true)
}

func getShipment(ctx context.Context, q querier, id int64, forUpdate bool) (Shipment, error) {
	query := `SELECT id, code, order_id, store_id, status, COALESCE(carrier, ''), COALESCE(vehicle, ''), COALESCE(notes, ''),
shipped_at, estimated_arrival, arrived_at, created_by FROM shipments WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var s Shipment
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&s.ID, &s.Code, &s.OrderID, &s.StoreID, &status, &s.Carrier, &s.Vehicle,
		&s.Notes, &s.ShippedAt, &s.EstimatedArrival, &s.ArrivedAt, &s.CreatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, fmt.Errorf("%w %d", ErrShipmentNotFound, id)
	}
	if err != nil {
		return Shipment{}, fmt.Errorf("get shipment: %w", err)
	}
	s.Status = ShipmentStatus(status)

	rows, err := q.Query(ctx, `SELECT sl.id, sl.shipment_id, sl.product_id, sl.finished_lot_id, fl.code, sl.quantity
FROM shipment_lines sl JOIN finished_lots fl ON fl.id = sl.finished_lot_id
WHERE sl.shipment_id=$1 ORDER BY sl.id`, id)
	if err != nil {
		return Shipment{}, fmt.Errorf("get shipment lines: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var line ExportLine
		if err := rows.Scan(&line.ID, &line.ShipmentID, &line.ProductID, &line.FinishedLotID, &line.LotCode, &line.Quantity); err != nil {
			return Shipment{}, err
		}
		s.Lines = append(s.Lines, line)
	}
	return s, rows.Err()
}

func (r *txRepository) CompleteShipment(ctx context.Context, id int64, arrivedAt time.Time) error {
	_, err := r.tx.Exec(ctx, `UPDATE shipments SET status=$2, arrived_at=$3 WHERE id=$1`,
		id, string(ShipmentStatusCompleted), arrivedAt)
	if err != nil {
		return fmt.Errorf("complete shipment: %w", err)
	}
	return nil
}

func (r *txRepository) UpsertStoreInventory(ctx context.Context, rec StoreInventoryRecord) (decimal.Decimal, error) {
	var qty decimal.Decimal
	err := r.tx.QueryRow(ctx, `INSERT INTO store_inventory (store_id, product_id, finished_lot_id, quantity, updated_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (store_id, product_id, finished_lot_id)
DO UPDATE SET quantity = store_inventory.quantity + EXCLUDED.quantity, updated_at = EXCLUDED.updated_at
RETURNING quantity`, rec.StoreID, rec.ProductID, rec.FinishedLotID, rec.Quantity, rec.UpdatedAt).Scan(&qty)
	if err != nil {
		return decimal.Zero, fmt.Errorf("upsert store inventory: %w", err)
	}
	return qty, nil
}

func (r *txRepository) InsertInvoice(ctx context.Context, inv Invoice) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO invoices (code, order_id, shipment_id, order_total, shipping_surcharge, subtotal,
tax_rate, tax_amount, total, payment_status, issued_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11) RETURNING id`,
		inv.Code, inv.OrderID, inv.ShipmentID, inv.OrderTotal, inv.ShippingSurcharge, inv.Subtotal, inv.TaxRate,
		inv.TaxAmount, inv.Total, string(inv.PaymentStatus), inv.IssuedAt).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert invoice: %w", err)
	}
	return id, nil
}

func (r *txRepository) GetInvoiceForUpdate(ctx context.Context, id int64) (Invoice, error) {
	return getInvoice(ctx, r.tx, id, true)
}

func getInvoice(ctx context.Context, q querier, id int64, forUpdate bool) (Invoice, error) {
	query := `SELECT id, code, order_id, shipment_id, order_total, shipping_surcharge, subtotal, tax_rate, tax_amount,
total, payment_status, issued_at FROM invoices WHERE id=$1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var inv Invoice
	var status string
	err := q.QueryRow(ctx, query, id).Scan(&inv.ID, &inv.Code, &inv.OrderID, &inv.ShipmentID, &inv.OrderTotal,
		&inv.ShippingSurcharge, &inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &status, &inv.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invoice{}, fmt.Errorf("%w %d", ErrInvoiceNotFound, id)
	}
	if err != nil {
		return Invoice{}, fmt.Errorf("get invoice: %w", err)
	}
	inv.PaymentStatus = PaymentStatus(status)
	return inv, nil
}

func (r *txRepository) UpdatePaymentStatus(ctx context.Context, id int64, status PaymentStatus) error {
	_, err := r.tx.Exec(ctx, `UPDATE invoices SET payment_status=$2 WHERE id=$1`, id, string(status))
	return err
}
