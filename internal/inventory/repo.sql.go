package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

type txRepository struct {
	tx pgx.Tx
}

// NewTxRepository wraps an open transaction. Other modules embed it so their
// writes share the batch ledger's transaction.
func NewTxRepository(tx pgx.Tx) TxRepository {
	return &txRepository{tx: tx}
}

func (r *txRepository) GetIngredientForUpdate(ctx context.Context, id int64) (Ingredient, error) {
	var ing Ingredient
	err := r.tx.QueryRow(ctx, `SELECT id, name, unit, cost, warning_threshold, total_quantity, updated_at
FROM ingredients WHERE id=$1 FOR UPDATE`, id).
		Scan(&ing.ID, &ing.Name, &ing.Unit, &ing.Cost, &ing.WarningThreshold, &ing.TotalQuantity, &ing.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Ingredient{}, fmt.Errorf("%w %d", ErrIngredientNotFound, id)
		}
		return Ingredient{}, err
	}
	return ing, nil
}

func (r *txRepository) AddToAggregate(ctx context.Context, ingredientID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.tx.QueryRow(ctx, `UPDATE ingredients SET total_quantity = total_quantity + $2, updated_at = NOW()
WHERE id=$1 RETURNING total_quantity`, ingredientID, delta).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, fmt.Errorf("%w %d", ErrIngredientNotFound, ingredientID)
		}
		return decimal.Zero, err
	}
	return total, nil
}

func (r *txRepository) ListIngredientCandidates(ctx context.Context, ingredientID int64, excludeExpired bool, asOf time.Time) ([]Candidate, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, code, expiry_date, created_at, current_quantity
FROM ingredient_lots
WHERE ingredient_id=$1 AND active AND current_quantity > 0 AND (NOT $2::boolean OR expiry_date > $3)
ORDER BY expiry_date ASC, created_at ASC, id ASC
FOR UPDATE`, ingredientID, excludeExpired, asOf)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

func (r *txRepository) DecrementIngredientLot(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error) {
	if !amount.IsPositive() {
		return LotBalance{}, ErrInvalidQuantity
	}
	bal := LotBalance{LotID: lotID}
	err := r.tx.QueryRow(ctx, `UPDATE ingredient_lots
SET current_quantity = current_quantity - $2, active = (current_quantity - $2) > 0
WHERE id=$1 AND current_quantity >= $2
RETURNING current_quantity, active`, lotID, amount).Scan(&bal.Current, &bal.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return LotBalance{}, r.missingOrShort(ctx, "ingredient_lots", lotID)
	}
	if err != nil {
		return LotBalance{}, err
	}
	return bal, nil
}

func (r *txRepository) InsertIngredientLot(ctx context.Context, lot IngredientLot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO ingredient_lots (ingredient_id, supplier_id, code, expiry_date, received_date, initial_quantity, current_quantity, active, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$6,TRUE,NOW()) RETURNING id`,
		lot.IngredientID, lot.SupplierID, lot.Code, lot.ExpiryDate, lot.ReceivedDate, lot.InitialQuantity).Scan(&id)
	return id, err
}

func (r *txRepository) ListExpiredIngredientLots(ctx context.Context, asOf time.Time) ([]IngredientLot, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, ingredient_id, supplier_id, code, expiry_date, received_date, initial_quantity, current_quantity, active, created_at
FROM ingredient_lots
WHERE active AND expiry_date <= $1
ORDER BY ingredient_id, id
FOR UPDATE`, asOf)
	if err != nil {
		return nil, err
	}
	return collectIngredientLots(rows)
}

func (r *txRepository) DeactivateIngredientLot(ctx context.Context, lotID int64) error {
	tag, err := r.tx.Exec(ctx, `UPDATE ingredient_lots SET active = FALSE WHERE id=$1`, lotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w %d", ErrLotNotFound, lotID)
	}
	return nil
}

func (r *txRepository) ListFinishedCandidates(ctx context.Context, productID int64, excludeExpired bool, asOf time.Time) ([]Candidate, error) {
	rows, err := r.tx.Query(ctx, `SELECT id, code, expiry_date, created_at, current_quantity
FROM finished_lots
WHERE product_id=$1 AND status=$2 AND current_quantity > 0 AND (NOT $3::boolean OR expiry_date > $4)
ORDER BY expiry_date ASC, created_at ASC, id ASC
FOR UPDATE`, productID, string(LotStatusActive), excludeExpired, asOf)
	if err != nil {
		return nil, err
	}
	return collectCandidates(rows)
}

func (r *txRepository) DecrementFinishedLot(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error) {
	if !amount.IsPositive() {
		return LotBalance{}, ErrInvalidQuantity
	}
	var (
		bal    = LotBalance{LotID: lotID}
		status string
	)
	err := r.tx.QueryRow(ctx, `UPDATE finished_lots
SET current_quantity = current_quantity - $2,
    status = CASE WHEN current_quantity - $2 = 0 THEN $3 ELSE status END
WHERE id=$1 AND current_quantity >= $2
RETURNING current_quantity, status`, lotID, amount, string(LotStatusSoldOut)).Scan(&bal.Current, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return LotBalance{}, r.missingOrShort(ctx, "finished_lots", lotID)
	}
	if err != nil {
		return LotBalance{}, err
	}
	bal.Active = LotStatus(status) == LotStatusActive
	return bal, nil
}

func (r *txRepository) FinishedLotCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM finished_lots WHERE code=$1)`, code).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertFinishedLot(ctx context.Context, lot FinishedLot) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO finished_lots (code, production_order_id, product_id, manufacture_date, expiry_date, initial_quantity, current_quantity, status, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$6,$7,NOW()) RETURNING id`,
		lot.Code, lot.ProductionOrderID, lot.ProductID, lot.ManufactureDate, lot.ExpiryDate, lot.InitialQuantity, string(LotStatusActive)).Scan(&id)
	if err != nil {
		return 0, err
	}
	for _, c := range lot.Consumption {
		if _, err := r.tx.Exec(ctx, `INSERT INTO finished_lot_consumption (finished_lot_id, ingredient_lot_id, ingredient_id, quantity_used)
VALUES ($1,$2,$3,$4)`, id, c.IngredientLotID, c.IngredientID, c.QuantityUsed); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (r *txRepository) ExpireFinishedLots(ctx context.Context, asOf time.Time) (int64, error) {
	tag, err := r.tx.Exec(ctx, `UPDATE finished_lots SET status=$2 WHERE status=$1 AND expiry_date <= $3`,
		string(LotStatusActive), string(LotStatusExpired), asOf)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// missingOrShort explains why a guarded decrement matched no row.
func (r *txRepository) missingOrShort(ctx context.Context, table string, lotID int64) error {
	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS (SELECT 1 FROM %s WHERE id=$1)`, table)
	if err := r.tx.QueryRow(ctx, query, lotID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w %d", ErrLotNotFound, lotID)
	}
	return fmt.Errorf("%w: lot %d", ErrInsufficientLotQuantity, lotID)
}

func collectCandidates(rows pgx.Rows) ([]Candidate, error) {
	defer rows.Close()
	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.LotID, &c.Code, &c.ExpiryDate, &c.CreatedAt, &c.Current); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func collectIngredientLots(rows pgx.Rows) ([]IngredientLot, error) {
	defer rows.Close()
	var out []IngredientLot
	for rows.Next() {
		var lot IngredientLot
		if err := rows.Scan(&lot.ID, &lot.IngredientID, &lot.SupplierID, &lot.Code, &lot.ExpiryDate, &lot.ReceivedDate,
			&lot.InitialQuantity, &lot.CurrentQuantity, &lot.Active, &lot.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}
