package inventory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// Requirement is one line of a pre-flight check.
type Requirement struct {
	Key       int64
	Label     string
	Required  decimal.Decimal
	Available decimal.Decimal
}

// InsufficientStockError names the first requirement that cannot be met.
type InsufficientStockError struct {
	Item      string
	Required  decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("inventory: insufficient stock for %s: required %s, available %s",
		e.Item, e.Required.String(), e.Available.String())
}

// Unwrap exposes the shared sentinel to errors.Is.
func (e *InsufficientStockError) Unwrap() error { return shared.ErrInsufficientStock }

// Preflight verifies every requirement before anything is written. It fails
// on the first shortfall in the given order and has no side effects.
func Preflight(reqs []Requirement) error {
	for _, req := range reqs {
		if req.Available.LessThan(req.Required) {
			return &InsufficientStockError{Item: req.Label, Required: req.Required, Available: req.Available}
		}
	}
	return nil
}

// SortCandidates orders lots earliest expiry first, then oldest, then lowest id.
func SortCandidates(candidates []Candidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if !a.ExpiryDate.Equal(b.ExpiryDate) {
			return a.ExpiryDate.Before(b.ExpiryDate)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.LotID < b.LotID
	})
}

// Allocate walks candidates in the order given and takes min(remaining, lot)
// from each until the requirement is met. It returns the allocations and the
// quantity left uncovered.
func Allocate(required decimal.Decimal, candidates []Candidate) ([]Allocation, decimal.Decimal) {
	remaining := required
	var out []Allocation
	for _, lot := range candidates {
		if !remaining.IsPositive() {
			break
		}
		if !lot.Current.IsPositive() {
			continue
		}
		take := decimal.Min(remaining, lot.Current)
		out = append(out, Allocation{LotID: lot.LotID, Code: lot.Code, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return out, remaining
}

// SumCandidates totals the quantity held by the candidates.
func SumCandidates(candidates []Candidate) decimal.Decimal {
	total := decimal.Zero
	for _, c := range candidates {
		total = total.Add(c.Current)
	}
	return total
}

// LotLedger is the transactional view of one lot table.
type LotLedger interface {
	// Candidates returns locked, non-expired lots with stock for owner, FEFO ordered.
	Candidates(ctx context.Context, ownerID int64, asOf time.Time) ([]Candidate, error)
	Decrement(ctx context.Context, lotID int64, amount decimal.Decimal) (LotBalance, error)
}

// Deduct re-reads the FEFO candidates for owner and decrements them until
// required is consumed. A shortfall after a successful pre-flight means stock
// moved underneath us and yields ErrConcurrentStockExhaustion.
func Deduct(ctx context.Context, ledger LotLedger, ownerID int64, required decimal.Decimal, asOf time.Time) ([]Allocation, error) {
	candidates, err := ledger.Candidates(ctx, ownerID, asOf)
	if err != nil {
		return nil, err
	}
	allocations, remaining := Allocate(required, candidates)
	if remaining.IsPositive() {
		return nil, fmt.Errorf("%w: item %d short by %s", shared.ErrConcurrentStockExhaustion, ownerID, remaining.String())
	}
	for _, alloc := range allocations {
		if _, err := ledger.Decrement(ctx, alloc.LotID, alloc.Quantity); err != nil {
			return nil, fmt.Errorf("decrement lot %s: %w", alloc.Code, err)
		}
	}
	return allocations, nil
}
