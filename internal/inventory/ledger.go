package inventory

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// TxRepository exposes the batch ledger inside a transaction. Candidate and
// ForUpdate reads hold row locks until the transaction ends.
type TxRepository interface {
	GetIngredientForUpdate(ctx context.Context, id int64) (Ingredient, error)
	// AddToAggregate applies delta to the cached total and returns the new value.
	// Callers go through AdjustAggregate.
	AddToAggregate(ctx context.Context, ingredientID int64, delta decimal.Decimal) (decimal.Decimal, error)
	ListIngredientCandidates(ctx context.Context, ingredientID int64, excludeExpired bool, asOf time.Time) ([]Candidate, error)
	DecrementIngredientLot(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error)
	InsertIngredientLot(ctx context.Context, lot IngredientLot) (int64, error)
	ListExpiredIngredientLots(ctx context.Context, asOf time.Time) ([]IngredientLot, error)
	DeactivateIngredientLot(ctx context.Context, lotID int64) error

	ListFinishedCandidates(ctx context.Context, productID int64, excludeExpired bool, asOf time.Time) ([]Candidate, error)
	DecrementFinishedLot(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error)
	FinishedLotCodeExists(ctx context.Context, code string) (bool, error)
	// InsertFinishedLot stores the lot and its consumption rows.
	InsertFinishedLot(ctx context.Context, lot FinishedLot) (int64, error)
	ExpireFinishedLots(ctx context.Context, asOf time.Time) (int64, error)
}

// AdjustAggregate is the only writer of an ingredient's cached total. A
// negative result is a ledger fault and aborts the transaction.
func AdjustAggregate(ctx context.Context, tx TxRepository, ingredientID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	total, err := tx.AddToAggregate(ctx, ingredientID, delta)
	if err != nil {
		return decimal.Zero, err
	}
	if total.IsNegative() {
		return decimal.Zero, shared.NewConsistencyFault("ingredient", ingredientID,
			"aggregate quantity would become %s after applying %s", total.String(), delta.String())
	}
	return total, nil
}

type ingredientLedger struct{ tx TxRepository }

// IngredientLedger adapts tx to FEFO deduction over ingredient lots.
func IngredientLedger(tx TxRepository) LotLedger { return ingredientLedger{tx: tx} }

func (l ingredientLedger) Candidates(ctx context.Context, ingredientID int64, asOf time.Time) ([]Candidate, error) {
	return l.tx.ListIngredientCandidates(ctx, ingredientID, true, asOf)
}

func (l ingredientLedger) Decrement(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error) {
	return l.tx.DecrementIngredientLot(ctx, lotID, amount)
}

type finishedLedger struct{ tx TxRepository }

// FinishedLedger adapts tx to FEFO deduction over finished lots.
func FinishedLedger(tx TxRepository) LotLedger { return finishedLedger{tx: tx} }

func (l finishedLedger) Candidates(ctx context.Context, productID int64, asOf time.Time) ([]Candidate, error) {
	return l.tx.ListFinishedCandidates(ctx, productID, true, asOf)
}

func (l finishedLedger) Decrement(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error) {
	return l.tx.DecrementFinishedLot(ctx, lotID, amount)
}
