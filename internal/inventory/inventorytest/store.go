// Package inventorytest provides an in-memory batch ledger for service tests.
package inventorytest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// State is a copy of every ledger table.
type State struct {
	Ingredients    map[int64]inventory.Ingredient
	IngredientLots map[int64]inventory.IngredientLot
	FinishedLots   map[int64]inventory.FinishedLot
	NextID         int64
}

// Store implements inventory.TxRepository and the read side of
// inventory.RepositoryPort. Transactions are serialised and rolled back by
// restoring a snapshot.
type Store struct {
	mu sync.Mutex
	State
	// Fail, when set, is consulted before every ledger call and may return an
	// error to abort it. It runs while the transaction is open, so tests can
	// also use it to mutate the state mid-workflow.
	Fail func(op string) error
}

// NewStore returns an empty ledger.
func NewStore() *Store {
	return &Store{State: State{
		Ingredients:    map[int64]inventory.Ingredient{},
		IngredientLots: map[int64]inventory.IngredientLot{},
		FinishedLots:   map[int64]inventory.FinishedLot{},
		NextID:         1,
	}}
}

// Snapshot deep copies the ledger.
func (s *Store) Snapshot() State {
	out := State{
		Ingredients:    make(map[int64]inventory.Ingredient, len(s.Ingredients)),
		IngredientLots: make(map[int64]inventory.IngredientLot, len(s.IngredientLots)),
		FinishedLots:   make(map[int64]inventory.FinishedLot, len(s.FinishedLots)),
		NextID:         s.NextID,
	}
	for k, v := range s.Ingredients {
		out.Ingredients[k] = v
	}
	for k, v := range s.IngredientLots {
		out.IngredientLots[k] = v
	}
	for k, v := range s.FinishedLots {
		v.Consumption = append([]inventory.Consumption(nil), v.Consumption...)
		out.FinishedLots[k] = v
	}
	return out
}

// Restore replaces the ledger with state.
func (s *Store) Restore(state State) {
	s.State = state
}

// Lock serialises a transaction spanning the store.
func (s *Store) Lock() { s.mu.Lock() }

// Unlock releases Lock.
func (s *Store) Unlock() { s.mu.Unlock() }

func (s *Store) id() int64 {
	id := s.NextID
	s.NextID++
	return id
}

func (s *Store) check(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

// AddIngredient seeds an ingredient with an empty aggregate.
func (s *Store) AddIngredient(name, unit string, threshold decimal.Decimal) int64 {
	id := s.id()
	s.Ingredients[id] = inventory.Ingredient{ID: id, Name: name, Unit: unit, WarningThreshold: threshold, TotalQuantity: decimal.Zero}
	return id
}

// AddIngredientLot seeds an active lot and raises the aggregate to match.
func (s *Store) AddIngredientLot(ingredientID int64, code string, qty decimal.Decimal, expiry, created time.Time) int64 {
	id := s.id()
	s.IngredientLots[id] = inventory.IngredientLot{
		ID: id, IngredientID: ingredientID, Code: code, ExpiryDate: expiry, ReceivedDate: created,
		InitialQuantity: qty, CurrentQuantity: qty, Active: true, CreatedAt: created,
	}
	ing := s.Ingredients[ingredientID]
	ing.TotalQuantity = ing.TotalQuantity.Add(qty)
	s.Ingredients[ingredientID] = ing
	return id
}

// AddFinishedLot seeds an active finished lot.
func (s *Store) AddFinishedLot(productID int64, code string, qty decimal.Decimal, expiry, created time.Time) int64 {
	id := s.id()
	s.FinishedLots[id] = inventory.FinishedLot{
		ID: id, Code: code, ProductID: productID, ManufactureDate: created, ExpiryDate: expiry,
		InitialQuantity: qty, CurrentQuantity: qty, Status: inventory.LotStatusActive, CreatedAt: created,
	}
	return id
}

// WithTx runs fn against the store, restoring the previous state when fn fails.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, inventory.TxRepository) error) error {
	s.Lock()
	defer s.Unlock()
	snap := s.Snapshot()
	if err := fn(ctx, s); err != nil {
		s.Restore(snap)
		return err
	}
	return nil
}

// ---- inventory.TxRepository ----

func (s *Store) GetIngredientForUpdate(_ context.Context, id int64) (inventory.Ingredient, error) {
	if err := s.check("GetIngredientForUpdate"); err != nil {
		return inventory.Ingredient{}, err
	}
	ing, ok := s.Ingredients[id]
	if !ok {
		return inventory.Ingredient{}, fmt.Errorf("%w %d", inventory.ErrIngredientNotFound, id)
	}
	return ing, nil
}

func (s *Store) AddToAggregate(_ context.Context, ingredientID int64, delta decimal.Decimal) (decimal.Decimal, error) {
	if err := s.check("AddToAggregate"); err != nil {
		return decimal.Zero, err
	}
	ing, ok := s.Ingredients[ingredientID]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w %d", inventory.ErrIngredientNotFound, ingredientID)
	}
	ing.TotalQuantity = ing.TotalQuantity.Add(delta)
	s.Ingredients[ingredientID] = ing
	return ing.TotalQuantity, nil
}

func (s *Store) ListIngredientCandidates(_ context.Context, ingredientID int64, excludeExpired bool, asOf time.Time) ([]inventory.Candidate, error) {
	if err := s.check("ListIngredientCandidates"); err != nil {
		return nil, err
	}
	var out []inventory.Candidate
	for _, lot := range s.IngredientLots {
		if lot.IngredientID != ingredientID || !lot.Active || !lot.CurrentQuantity.IsPositive() {
			continue
		}
		if excludeExpired && lot.Expired(asOf) {
			continue
		}
		out = append(out, inventory.Candidate{LotID: lot.ID, Code: lot.Code, ExpiryDate: lot.ExpiryDate, CreatedAt: lot.CreatedAt, Current: lot.CurrentQuantity})
	}
	inventory.SortCandidates(out)
	return out, nil
}

func (s *Store) DecrementIngredientLot(_ context.Context, lotID int64, amount decimal.Decimal) (inventory.LotBalance, error) {
	if err := s.check("DecrementIngredientLot"); err != nil {
		return inventory.LotBalance{}, err
	}
	if !amount.IsPositive() {
		return inventory.LotBalance{}, inventory.ErrInvalidQuantity
	}
	lot, ok := s.IngredientLots[lotID]
	if !ok {
		return inventory.LotBalance{}, fmt.Errorf("%w %d", inventory.ErrLotNotFound, lotID)
	}
	if amount.GreaterThan(lot.CurrentQuantity) {
		return inventory.LotBalance{}, fmt.Errorf("%w: lot %d", inventory.ErrInsufficientLotQuantity, lotID)
	}
	lot.CurrentQuantity = lot.CurrentQuantity.Sub(amount)
	lot.Active = lot.CurrentQuantity.IsPositive()
	s.IngredientLots[lotID] = lot
	return inventory.LotBalance{LotID: lotID, Current: lot.CurrentQuantity, Active: lot.Active}, nil
}

func (s *Store) InsertIngredientLot(_ context.Context, lot inventory.IngredientLot) (int64, error) {
	if err := s.check("InsertIngredientLot"); err != nil {
		return 0, err
	}
	for _, existing := range s.IngredientLots {
		if existing.Code == lot.Code {
			return 0, fmt.Errorf("%w: ingredient lot code %s", shared.ErrDuplicate, lot.Code)
		}
	}
	lot.ID = s.id()
	lot.CurrentQuantity = lot.InitialQuantity
	lot.Active = true
	s.IngredientLots[lot.ID] = lot
	return lot.ID, nil
}

func (s *Store) ListExpiredIngredientLots(_ context.Context, asOf time.Time) ([]inventory.IngredientLot, error) {
	if err := s.check("ListExpiredIngredientLots"); err != nil {
		return nil, err
	}
	var out []inventory.IngredientLot
	for _, lot := range s.IngredientLots {
		if lot.Active && lot.Expired(asOf) {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) DeactivateIngredientLot(_ context.Context, lotID int64) error {
	if err := s.check("DeactivateIngredientLot"); err != nil {
		return err
	}
	lot, ok := s.IngredientLots[lotID]
	if !ok {
		return fmt.Errorf("%w %d", inventory.ErrLotNotFound, lotID)
	}
	lot.Active = false
	s.IngredientLots[lotID] = lot
	return nil
}

func (s *Store) ListFinishedCandidates(_ context.Context, productID int64, excludeExpired bool, asOf time.Time) ([]inventory.Candidate, error) {
	if err := s.check("ListFinishedCandidates"); err != nil {
		return nil, err
	}
	var out []inventory.Candidate
	for _, lot := range s.FinishedLots {
		if lot.ProductID != productID || lot.Status != inventory.LotStatusActive || !lot.CurrentQuantity.IsPositive() {
			continue
		}
		if excludeExpired && !lot.ExpiryDate.After(asOf) {
			continue
		}
		out = append(out, inventory.Candidate{LotID: lot.ID, Code: lot.Code, ExpiryDate: lot.ExpiryDate, CreatedAt: lot.CreatedAt, Current: lot.CurrentQuantity})
	}
	inventory.SortCandidates(out)
	return out, nil
}

func (s *Store) DecrementFinishedLot(_ context.Context, lotID int64, amount decimal.Decimal) (inventory.LotBalance, error) {
	if err := s.check("DecrementFinishedLot"); err != nil {
		return inventory.LotBalance{}, err
	}
	if !amount.IsPositive() {
		return inventory.LotBalance{}, inventory.ErrInvalidQuantity
	}
	lot, ok := s.FinishedLots[lotID]
	if !ok {
		return inventory.LotBalance{}, fmt.Errorf("%w %d", inventory.ErrLotNotFound, lotID)
	}
	if amount.GreaterThan(lot.CurrentQuantity) {
		return inventory.LotBalance{}, fmt.Errorf("%w: lot %d", inventory.ErrInsufficientLotQuantity, lotID)
	}
	lot.CurrentQuantity = lot.CurrentQuantity.Sub(amount)
	if lot.CurrentQuantity.IsZero() {
		lot.Status = inventory.LotStatusSoldOut
	}
	s.FinishedLots[lotID] = lot
	return inventory.LotBalance{LotID: lotID, Current: lot.CurrentQuantity, Active: lot.Status == inventory.LotStatusActive}, nil
}

func (s *Store) FinishedLotCodeExists(_ context.Context, code string) (bool, error) {
	if err := s.check("FinishedLotCodeExists"); err != nil {
		return false, err
	}
	for _, lot := range s.FinishedLots {
		if lot.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) InsertFinishedLot(_ context.Context, lot inventory.FinishedLot) (int64, error) {
	if err := s.check("InsertFinishedLot"); err != nil {
		return 0, err
	}
	for _, existing := range s.FinishedLots {
		if existing.Code == lot.Code {
			return 0, fmt.Errorf("%w: finished lot code %s", shared.ErrDuplicate, lot.Code)
		}
	}
	lot.ID = s.id()
	lot.CurrentQuantity = lot.InitialQuantity
	lot.Status = inventory.LotStatusActive
	consumption := make([]inventory.Consumption, len(lot.Consumption))
	for i, c := range lot.Consumption {
		c.FinishedLotID = lot.ID
		consumption[i] = c
	}
	lot.Consumption = consumption
	s.FinishedLots[lot.ID] = lot
	return lot.ID, nil
}

func (s *Store) ExpireFinishedLots(_ context.Context, asOf time.Time) (int64, error) {
	if err := s.check("ExpireFinishedLots"); err != nil {
		return 0, err
	}
	var n int64
	for id, lot := range s.FinishedLots {
		if lot.Status == inventory.LotStatusActive && !lot.ExpiryDate.After(asOf) {
			lot.Status = inventory.LotStatusExpired
			s.FinishedLots[id] = lot
			n++
		}
	}
	return n, nil
}

// ---- read side ----

func (s *Store) GetIngredient(_ context.Context, id int64) (inventory.Ingredient, error) {
	s.Lock()
	defer s.Unlock()
	ing, ok := s.Ingredients[id]
	if !ok {
		return inventory.Ingredient{}, fmt.Errorf("%w %d", inventory.ErrIngredientNotFound, id)
	}
	return ing, nil
}

func (s *Store) ListIngredientLots(_ context.Context, ingredientID int64, includeInactive bool) ([]inventory.IngredientLot, error) {
	s.Lock()
	defer s.Unlock()
	var out []inventory.IngredientLot
	for _, lot := range s.IngredientLots {
		if lot.IngredientID == ingredientID && (includeInactive || lot.Active) {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListFinishedLots(_ context.Context, productID int64, includeClosed bool) ([]inventory.FinishedLot, error) {
	s.Lock()
	defer s.Unlock()
	var out []inventory.FinishedLot
	for _, lot := range s.FinishedLots {
		if lot.ProductID == productID && (includeClosed || lot.Status == inventory.LotStatusActive) {
			out = append(out, lot)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiryDate.Equal(out[j].ExpiryDate) {
			return out[i].ExpiryDate.Before(out[j].ExpiryDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) ListLowStock(_ context.Context) ([]inventory.Ingredient, error) {
	s.Lock()
	defer s.Unlock()
	var out []inventory.Ingredient
	for _, ing := range s.Ingredients {
		if ing.BelowThreshold() {
			out = append(out, ing)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) ListAggregateDrift(_ context.Context) ([]inventory.AggregateDrift, error) {
	s.Lock()
	defer s.Unlock()
	return s.aggregateDrift(), nil
}

// LedgerTotal sums the active lots of an ingredient.
func (s *Store) LedgerTotal(ingredientID int64) decimal.Decimal {
	total := decimal.Zero
	for _, lot := range s.IngredientLots {
		if lot.IngredientID == ingredientID && lot.Active {
			total = total.Add(lot.CurrentQuantity)
		}
	}
	return total
}

func (s *Store) aggregateDrift() []inventory.AggregateDrift {
	var out []inventory.AggregateDrift
	for _, ing := range s.Ingredients {
		ledger := s.LedgerTotal(ing.ID)
		if !ledger.Equal(ing.TotalQuantity) {
			out = append(out, inventory.AggregateDrift{IngredientID: ing.ID, Name: ing.Name, Cached: ing.TotalQuantity, Ledger: ledger})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IngredientID < out[j].IngredientID })
	return out
}

func (s *Store) GetTrace(_ context.Context, finishedLotID int64) (inventory.Trace, error) {
	s.Lock()
	defer s.Unlock()
	lot, ok := s.FinishedLots[finishedLotID]
	if !ok {
		return inventory.Trace{}, fmt.Errorf("%w %d", inventory.ErrLotNotFound, finishedLotID)
	}
	trace := inventory.Trace{Lot: lot}
	for _, c := range lot.Consumption {
		src := s.IngredientLots[c.IngredientLotID]
		trace.Sources = append(trace.Sources, inventory.TraceEntry{
			Consumption:    c,
			IngredientName: s.Ingredients[c.IngredientID].Name,
			SupplierID:     src.SupplierID,
			ExpiryDate:     src.ExpiryDate,
		})
	}
	return trace, nil
}
