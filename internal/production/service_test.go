package production

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/inventory/inventorytest"
	"github.com/odyssey-erp/foodops/internal/shared"
)

var fixedNow = time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type memoryRepo struct {
	*inventorytest.Store
	orders   map[int64]Order
	products map[int64]Product
	nextID   int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		Store:    inventorytest.NewStore(),
		orders:   map[int64]Order{},
		products: map[int64]Product{},
		nextID:   1000,
	}
}

func cloneOrders(in map[int64]Order) map[int64]Order {
	out := make(map[int64]Order, len(in))
	for id, order := range in {
		order.Lines = append([]Line(nil), order.Lines...)
		out[id] = order
	}
	return out
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.Lock()
	defer r.Unlock()
	ledger := r.Snapshot()
	orders := cloneOrders(r.orders)
	next := r.nextID
	if err := fn(ctx, r); err != nil {
		r.Restore(ledger)
		r.orders = orders
		r.nextID = next
		return err
	}
	return nil
}

func (r *memoryRepo) GetOrder(_ context.Context, id int64) (Order, error) {
	r.Lock()
	defer r.Unlock()
	order, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	order.Lines = append([]Line(nil), order.Lines...)
	return order, nil
}

func (r *memoryRepo) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	order, ok := r.orders[id]
	if !ok {
		return Order{}, fmt.Errorf("%w %d", ErrOrderNotFound, id)
	}
	order.Lines = append([]Line(nil), order.Lines...)
	return order, nil
}

func (r *memoryRepo) GetProduct(_ context.Context, id int64) (Product, error) {
	p, ok := r.products[id]
	if !ok {
		return Product{}, fmt.Errorf("%w %d", ErrProductNotFound, id)
	}
	return p, nil
}

func (r *memoryRepo) OrderCodeExists(_ context.Context, code string) (bool, error) {
	for _, o := range r.orders {
		if o.Code == code {
			return true, nil
		}
	}
	return false, nil
}

func (r *memoryRepo) InsertOrder(_ context.Context, order Order) (Order, error) {
	r.nextID++
	order.ID = r.nextID
	for i := range order.Lines {
		r.nextID++
		order.Lines[i].ID = r.nextID
		order.Lines[i].OrderID = order.ID
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memoryRepo) UpdateLine(_ context.Context, line Line) error {
	order := r.orders[line.OrderID]
	for i := range order.Lines {
		if order.Lines[i].ID == line.ID {
			order.Lines[i] = line
		}
	}
	r.orders[line.OrderID] = order
	return nil
}

func (r *memoryRepo) UpdateOrderStatus(_ context.Context, id int64, status OrderStatus) error {
	order := r.orders[id]
	order.Status = status
	r.orders[id] = order
	return nil
}

type recordingLowStock struct {
	mu     sync.Mutex
	events []inventory.LowStockEvent
}

func (h *recordingLowStock) HandleLowStock(_ context.Context, evt inventory.LowStockEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, evt)
	return nil
}

type fixture struct {
	repo      *memoryRepo
	svc       *Service
	flour     int64
	butter    int64
	earlyLot  int64
	lateLot   int64
	butterLot int64
	bread     int64
	brioche   int64
}

// newFixture seeds flour at 150 kg (50 kg expiring first, 100 kg later) and
// butter at 20 kg. Bread uses 0.5 kg flour per unit, brioche 0.5 kg flour and
// 0.25 kg butter per unit.
func newFixture(t *testing.T, cfg ServiceConfig) *fixture {
	t.Helper()
	repo := newMemoryRepo()
	f := &fixture{repo: repo}
	f.flour = repo.AddIngredient("Flour", "kg", d("100"))
	f.butter = repo.AddIngredient("Butter", "kg", decimal.Zero)
	f.earlyLot = repo.AddIngredientLot(f.flour, "FL-EARLY", d("50"), fixedNow.AddDate(0, 0, 5), fixedNow.AddDate(0, 0, -2))
	f.lateLot = repo.AddIngredientLot(f.flour, "FL-LATE", d("100"), fixedNow.AddDate(0, 0, 20), fixedNow.AddDate(0, 0, -10))
	f.butterLot = repo.AddIngredientLot(f.butter, "BT-1", d("20"), fixedNow.AddDate(0, 0, 8), fixedNow.AddDate(0, 0, -1))

	f.bread = 501
	f.brioche = 502
	repo.products[f.bread] = Product{ID: f.bread, SKU: "bread", Name: "Bread", ShelfLifeDays: 3,
		Recipe: []RecipeItem{{IngredientID: f.flour, QuantityPerUnit: d("0.5")}}}
	repo.products[f.brioche] = Product{ID: f.brioche, SKU: "brioche", Name: "Brioche", ShelfLifeDays: 2,
		Recipe: []RecipeItem{{IngredientID: f.flour, QuantityPerUnit: d("0.5")}, {IngredientID: f.butter, QuantityPerUnit: d("0.25")}}}

	f.svc = NewService(repo, nil, cfg)
	f.svc.now = func() time.Time { return fixedNow }
	return f
}

func (f *fixture) order(t *testing.T, code string, products ...int64) Order {
	t.Helper()
	input := CreateOrderInput{Code: code, ActorID: 1}
	for _, p := range products {
		input.Lines = append(input.Lines, CreateLineInput{ProductID: p, PlannedQuantity: 60})
	}
	order, err := f.svc.CreateOrder(context.Background(), input)
	require.NoError(t, err)
	return order
}

func (f *fixture) requireAggregateConsistent(t *testing.T) {
	t.Helper()
	drift, err := f.repo.ListAggregateDrift(context.Background())
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestCompleteLineConsumesEarliestLotFirst(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-A", f.bread)

	result, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 60, ActorID: 7})
	require.NoError(t, err)

	require.True(t, f.repo.IngredientLots[f.earlyLot].CurrentQuantity.Equal(d("20")))
	require.True(t, f.repo.IngredientLots[f.lateLot].CurrentQuantity.Equal(d("100")))
	require.True(t, f.repo.Ingredients[f.flour].TotalQuantity.Equal(d("120")))
	require.Len(t, result.Consumption, 1)
	require.Equal(t, f.earlyLot, result.Consumption[0].IngredientLotID)
	require.Equal(t, OrderStatusCompleted, result.Order.Status)
	require.Equal(t, "FG-20260510-BREAD", result.FinishedLot.Code)
	require.True(t, result.FinishedLot.ExpiryDate.Equal(fixedNow.AddDate(0, 0, 3)))
	require.True(t, result.FinishedLot.InitialQuantity.Equal(d("60")))
	f.requireAggregateConsistent(t)
}

func TestCompleteLineSpansLotsAndDeactivatesExhausted(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	first := f.order(t, "PO-A", f.bread)
	second := f.order(t, "PO-B", f.bread)
	ctx := context.Background()

	_, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: first.ID, ProductID: f.bread, ActualQuantity: 60})
	require.NoError(t, err)
	result, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: second.ID, ProductID: f.bread, ActualQuantity: 60})
	require.NoError(t, err)

	early := f.repo.IngredientLots[f.earlyLot]
	require.True(t, early.CurrentQuantity.IsZero())
	require.False(t, early.Active)
	require.True(t, f.repo.IngredientLots[f.lateLot].CurrentQuantity.Equal(d("90")))
	require.True(t, f.repo.Ingredients[f.flour].TotalQuantity.Equal(d("90")))

	require.Len(t, result.Consumption, 2)
	require.Equal(t, f.earlyLot, result.Consumption[0].IngredientLotID)
	require.True(t, result.Consumption[0].QuantityUsed.Equal(d("20")))
	require.Equal(t, f.lateLot, result.Consumption[1].IngredientLotID)
	require.True(t, result.Consumption[1].QuantityUsed.Equal(d("10")))
	require.Equal(t, "FG-20260510-BREAD-2", result.FinishedLot.Code)
	f.requireAggregateConsistent(t)
}

func TestCompleteLineRejectsShortfallWithoutMutation(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-C", f.bread)
	before := f.repo.Snapshot()

	_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 301})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	var stockErr *inventory.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	require.Equal(t, "Flour", stockErr.Item)
	require.True(t, stockErr.Required.Equal(d("150.5")))
	require.True(t, stockErr.Available.Equal(d("150")))

	require.Equal(t, before.IngredientLots, f.repo.IngredientLots)
	require.Equal(t, before.Ingredients, f.repo.Ingredients)
	require.Empty(t, f.repo.FinishedLots)
	stored, err := f.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderStatusPlanned, stored.Status)
	require.Equal(t, LineStatusPending, stored.Lines[0].Status)
}

func TestCompleteLineRollsBackFirstIngredientWhenSecondFails(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-ATOM", f.brioche)
	before := f.repo.Snapshot()

	boom := errors.New("lot storage unavailable")
	calls := 0
	f.repo.Fail = func(op string) error {
		if op != "ListIngredientCandidates" {
			return nil
		}
		calls++
		// Two pre-flight reads, then flour is deducted and butter fails.
		if calls == 4 {
			return boom
		}
		return nil
	}

	_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 10})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 4, calls)

	require.Equal(t, before.IngredientLots, f.repo.IngredientLots)
	require.True(t, f.repo.Ingredients[f.flour].TotalQuantity.Equal(d("150")))
	require.True(t, f.repo.Ingredients[f.butter].TotalQuantity.Equal(d("20")))
	require.Empty(t, f.repo.FinishedLots)
}

func TestCompleteLineRejectsSecondCompletion(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-TWICE", f.bread, f.brioche)
	ctx := context.Background()

	result, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 10})
	require.NoError(t, err)
	require.Equal(t, OrderStatusInProgress, result.Order.Status)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 10})
	require.ErrorIs(t, err, ErrLineAlreadyCompleted)
	require.ErrorIs(t, err, shared.ErrInvalidState)
	require.True(t, f.repo.Ingredients[f.flour].TotalQuantity.Equal(d("145")))
	require.Len(t, f.repo.FinishedLots, 1)

	result, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 4})
	require.NoError(t, err)
	require.Equal(t, OrderStatusCompleted, result.Order.Status)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 4})
	require.ErrorIs(t, err, ErrOrderClosed)
}

func TestCompleteLineConsumptionMatchesRecipe(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-TRACE", f.brioche)

	result, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 60})
	require.NoError(t, err)

	used := map[int64]decimal.Decimal{}
	for _, c := range result.Consumption {
		used[c.IngredientID] = used[c.IngredientID].Add(c.QuantityUsed)
		require.Equal(t, result.FinishedLot.ID, c.FinishedLotID)
	}
	require.True(t, used[f.flour].Equal(d("30")))
	require.True(t, used[f.butter].Equal(d("15")))

	trace, err := f.repo.GetTrace(context.Background(), result.FinishedLot.ID)
	require.NoError(t, err)
	require.Len(t, trace.Sources, 2)

	stored, err := f.svc.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.Lines[0].FinishedLotID)
	require.Equal(t, result.FinishedLot.ID, *stored.Lines[0].FinishedLotID)
	require.True(t, stored.Lines[0].ActualQuantity.Equal(d("60")))
}

func TestCompleteLineValidation(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.products[900] = Product{ID: 900, SKU: "water", Name: "Water"}
	order := f.order(t, "PO-V", f.bread, 900)
	ctx := context.Background()

	_, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 0})
	require.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: 900, ActualQuantity: 5})
	require.ErrorIs(t, err, ErrNoRecipeDefined)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 5})
	require.ErrorIs(t, err, ErrLineNotFound)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: 77777, ProductID: f.bread, ActualQuantity: 5})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestCompleteLineExpiredLotsAreNotConsumed(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	yeast := f.repo.AddIngredient("Yeast", "kg", decimal.Zero)
	stale := f.repo.AddIngredientLot(yeast, "Y-OLD", d("5"), fixedNow.Add(-time.Hour), fixedNow.AddDate(0, 0, -20))
	f.repo.products[503] = Product{ID: 503, SKU: "bun", Name: "Bun", ShelfLifeDays: 1,
		Recipe: []RecipeItem{{IngredientID: yeast, QuantityPerUnit: d("1")}}}
	order := f.order(t, "PO-EXP", 503)

	for attempt := 0; attempt < 2; attempt++ {
		_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: 503, ActualQuantity: 2})
		require.ErrorIs(t, err, shared.ErrInsufficientStock)
		require.NotErrorIs(t, err, shared.ErrConcurrentStockExhaustion)
		var short *inventory.InsufficientStockError
		require.True(t, errors.As(err, &short))
		require.Equal(t, "Yeast", short.Item)
		require.True(t, short.Required.Equal(d("2")))
		require.True(t, short.Available.IsZero())
	}
	require.True(t, f.repo.IngredientLots[stale].CurrentQuantity.Equal(d("5")))
	require.True(t, f.repo.Ingredients[yeast].TotalQuantity.Equal(d("5")))
	require.Empty(t, f.repo.FinishedLots)
	stored, err := f.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, LineStatusPending, stored.Lines[0].Status)
}

func TestCompleteLineReportsOnlyUsableStockAsAvailable(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	yeast := f.repo.AddIngredient("Yeast", "kg", decimal.Zero)
	f.repo.AddIngredientLot(yeast, "Y-OLD", d("5"), fixedNow.Add(-time.Hour), fixedNow.AddDate(0, 0, -20))
	fresh := f.repo.AddIngredientLot(yeast, "Y-NEW", d("1.5"), fixedNow.AddDate(0, 0, 4), fixedNow.AddDate(0, 0, -1))
	f.repo.products[504] = Product{ID: 504, SKU: "roll", Name: "Roll", ShelfLifeDays: 1,
		Recipe: []RecipeItem{{IngredientID: yeast, QuantityPerUnit: d("1")}}}
	order := f.order(t, "PO-MIX", 504)

	_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: 504, ActualQuantity: 2})
	var short *inventory.InsufficientStockError
	require.True(t, errors.As(err, &short))
	require.True(t, short.Available.Equal(d("1.5")))
	require.True(t, f.repo.IngredientLots[fresh].CurrentQuantity.Equal(d("1.5")))
	require.True(t, f.repo.Ingredients[yeast].TotalQuantity.Equal(d("6.5")))

	result, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: 504, ActualQuantity: 1})
	require.NoError(t, err)
	require.Len(t, result.Consumption, 1)
	require.Equal(t, "Y-NEW", result.Consumption[0].LotCode)
	require.True(t, f.repo.Ingredients[yeast].TotalQuantity.Equal(d("5.5")))
}

func TestCompleteLineRejectsProductWithoutShelfLife(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	f.repo.products[505] = Product{ID: 505, SKU: "dough", Name: "Dough", ShelfLifeDays: 0,
		Recipe: []RecipeItem{{IngredientID: f.flour, QuantityPerUnit: d("0.5")}}}
	order := f.order(t, "PO-SHELF", 505)
	before := f.repo.Snapshot()

	_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: 505, ActualQuantity: 2})
	require.ErrorIs(t, err, ErrInvalidShelfLife)
	require.ErrorIs(t, err, shared.ErrValidation)

	require.Equal(t, before.IngredientLots, f.repo.IngredientLots)
	require.Equal(t, before.Ingredients, f.repo.Ingredients)
	require.Empty(t, f.repo.FinishedLots)
	stored, err := f.repo.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	require.Equal(t, OrderStatusPlanned, stored.Status)
	require.Equal(t, LineStatusPending, stored.Lines[0].Status)
}

func TestCompleteLineSerialisesCompetingOrders(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	first := f.order(t, "PO-R1", f.bread)
	second := f.order(t, "PO-R2", f.bread)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []int64{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			_, errs[i] = f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: id, ProductID: f.bread, ActualQuantity: 200})
		}(i, id)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, shared.ErrInsufficientStock)
	}
	require.Equal(t, 1, succeeded)
	require.True(t, f.repo.Ingredients[f.flour].TotalQuantity.Equal(d("50")))
	f.requireAggregateConsistent(t)
}

func TestCompleteLineRejectsBusyOrder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := shared.NewWorkflowLocker(client, time.Minute)

	f := newFixture(t, ServiceConfig{Locker: locker})
	order := f.order(t, "PO-LOCK", f.bread)

	release, err := locker.Acquire(context.Background(), shared.ProductionOrderLockKey(order.ID))
	require.NoError(t, err)

	_, err = f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 1})
	require.ErrorIs(t, err, shared.ErrWorkflowBusy)
	require.Empty(t, f.repo.FinishedLots)

	release()
	_, err = f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 1})
	require.NoError(t, err)
}

func TestCompleteLineRaisesLowStockAfterCommit(t *testing.T) {
	handler := &recordingLowStock{}
	f := newFixture(t, ServiceConfig{LowStock: handler})
	order := f.order(t, "PO-LOW", f.bread)

	_, err := f.svc.CompleteLine(context.Background(), CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 120})
	require.NoError(t, err)
	require.Len(t, handler.events, 1)
	require.Equal(t, f.flour, handler.events[0].IngredientID)
	require.True(t, handler.events[0].TotalQuantity.Equal(d("90")))
}

type memoryGuard struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (g *memoryGuard) CheckAndInsert(_ context.Context, key, _ string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	g.keys[key] = true
	return nil
}

func (g *memoryGuard) Delete(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.keys, key)
	return nil
}

func TestCompleteLineIdempotencyKeyReplay(t *testing.T) {
	f := newFixture(t, ServiceConfig{Idempotency: &memoryGuard{keys: map[string]bool{}}})
	first := f.order(t, "PO-I1", f.bread)
	second := f.order(t, "PO-I2", f.bread)
	ctx := context.Background()

	_, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: first.ID, ProductID: f.bread, ActualQuantity: 2, IdempotencyKey: "req-1"})
	require.NoError(t, err)
	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: second.ID, ProductID: f.bread, ActualQuantity: 2, IdempotencyKey: "req-1"})
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	require.Len(t, f.repo.FinishedLots, 1)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	ctx := context.Background()

	_, err := f.svc.CreateOrder(ctx, CreateOrderInput{Code: "PO-1", Lines: []CreateLineInput{{ProductID: f.bread, PlannedQuantity: 1}, {ProductID: f.bread, PlannedQuantity: 2}}})
	require.ErrorIs(t, err, ErrDuplicateProductLine)

	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{Code: "PO-1", Lines: []CreateLineInput{{ProductID: 4040, PlannedQuantity: 1}}})
	require.ErrorIs(t, err, ErrProductNotFound)

	f.order(t, "PO-1", f.bread)
	_, err = f.svc.CreateOrder(ctx, CreateOrderInput{Code: "PO-1", Lines: []CreateLineInput{{ProductID: f.bread, PlannedQuantity: 1}}})
	require.ErrorIs(t, err, shared.ErrDuplicate)
}

func TestCancelOrderKeepsCompletedLots(t *testing.T) {
	f := newFixture(t, ServiceConfig{})
	order := f.order(t, "PO-X", f.bread, f.brioche)
	ctx := context.Background()

	_, err := f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.bread, ActualQuantity: 10})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelOrder(ctx, order.ID, 2)
	require.NoError(t, err)
	require.Equal(t, OrderStatusCancelled, cancelled.Status)
	require.Len(t, f.repo.FinishedLots, 1)

	_, err = f.svc.CompleteLine(ctx, CompleteLineInput{OrderID: order.ID, ProductID: f.brioche, ActualQuantity: 1})
	require.ErrorIs(t, err, ErrOrderClosed)

	_, err = f.svc.CancelOrder(ctx, order.ID, 2)
	require.ErrorIs(t, err, shared.ErrInvalidState)
}
