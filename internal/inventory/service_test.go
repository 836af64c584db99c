package inventory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/inventory/inventorytest"
	"github.com/odyssey-erp/foodops/internal/shared"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

type recordingAudit struct {
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.logs = append(a.logs, log)
	return nil
}

type recordingLowStock struct {
	events []inventory.LowStockEvent
}

func (h *recordingLowStock) HandleLowStock(_ context.Context, evt inventory.LowStockEvent) error {
	h.events = append(h.events, evt)
	return nil
}

func TestReceiveIngredientLotRaisesAggregate(t *testing.T) {
	store := inventorytest.NewStore()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	audit := &recordingAudit{}
	svc := inventory.NewService(store, audit, inventory.ServiceConfig{})
	ctx := context.Background()

	lot, err := svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{
		IngredientID: flour,
		Code:         " FL-001 ",
		ExpiryDate:   time.Now().AddDate(0, 1, 0),
		Quantity:     d("25.5"),
		ActorID:      3,
	})
	require.NoError(t, err)
	require.Equal(t, "FL-001", lot.Code)
	require.True(t, lot.CurrentQuantity.Equal(d("25.5")))

	ing, err := svc.GetIngredient(ctx, flour)
	require.NoError(t, err)
	require.True(t, ing.TotalQuantity.Equal(d("25.5")))
	require.Len(t, audit.logs, 1)
	require.Equal(t, "inventory:receive_lot", audit.logs[0].Action)

	drift, err := svc.VerifyAggregate(ctx)
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestReceiveIngredientLotValidation(t *testing.T) {
	store := inventorytest.NewStore()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: flour, Code: "X", ExpiryDate: time.Now().AddDate(0, 0, 1), Quantity: decimal.Zero})
	require.ErrorIs(t, err, inventory.ErrInvalidQuantity)
	require.ErrorIs(t, err, shared.ErrValidation)

	_, err = svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: flour, Code: "X", ExpiryDate: time.Now().AddDate(0, 0, -1), Quantity: d("1")})
	require.ErrorIs(t, err, inventory.ErrLotExpired)

	_, err = svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: 999, Code: "X", ExpiryDate: time.Now().AddDate(0, 0, 1), Quantity: d("1")})
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Empty(t, store.IngredientLots)
}

func TestReceiveIngredientLotRollsBackOnFailure(t *testing.T) {
	store := inventorytest.NewStore()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	boom := errors.New("write failed")
	store.Fail = func(op string) error {
		if op == "AddToAggregate" {
			return boom
		}
		return nil
	}
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})

	_, err := svc.ReceiveIngredientLot(context.Background(), inventory.ReceiveLotInput{
		IngredientID: flour, Code: "FL-9", ExpiryDate: time.Now().AddDate(0, 0, 5), Quantity: d("4"),
	})
	require.ErrorIs(t, err, boom)
	require.Empty(t, store.IngredientLots)
	require.True(t, store.Ingredients[flour].TotalQuantity.IsZero())
}

func TestReceiveIngredientLotCodeIsUniqueAcrossIngredients(t *testing.T) {
	store := inventorytest.NewStore()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	sugar := store.AddIngredient("Sugar", "kg", decimal.Zero)
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	ctx := context.Background()

	_, err := svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: flour, Code: "LOT-7", ExpiryDate: time.Now().AddDate(0, 0, 5), Quantity: d("3")})
	require.NoError(t, err)
	_, err = svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: sugar, Code: "LOT-7", ExpiryDate: time.Now().AddDate(0, 0, 5), Quantity: d("2")})
	require.ErrorIs(t, err, shared.ErrDuplicate)

	require.Len(t, store.IngredientLots, 1)
	require.True(t, store.Ingredients[sugar].TotalQuantity.IsZero())
}

func TestReceiveIngredientLotExpiringLaterTodayIsUsable(t *testing.T) {
	store := inventorytest.NewStore()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	ctx := context.Background()

	expiry := time.Now().UTC().Add(3 * time.Hour)
	lot, err := svc.ReceiveIngredientLot(ctx, inventory.ReceiveLotInput{IngredientID: flour, Code: "FL-EOD", ExpiryDate: expiry, Quantity: d("4")})
	require.NoError(t, err)
	require.True(t, lot.ExpiryDate.Equal(expiry))

	candidates, err := store.ListIngredientCandidates(ctx, flour, true, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	require.True(t, candidates[0].ExpiryDate.Equal(expiry))
}

func TestAdjustAggregateRejectsNegativeTotal(t *testing.T) {
	store := inventorytest.NewStore()
	salt := store.AddIngredient("Salt", "kg", decimal.Zero)
	store.AddIngredientLot(salt, "S-1", d("2"), time.Now().AddDate(0, 0, 30), time.Now())

	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.TxRepository) error {
		_, err := inventory.AdjustAggregate(ctx, tx, salt, d("-3"))
		return err
	})
	require.True(t, shared.IsConsistencyFault(err))
	require.True(t, store.Ingredients[salt].TotalQuantity.Equal(d("2")))
}

func TestDeductConsumesInFefoOrder(t *testing.T) {
	store := inventorytest.NewStore()
	now := time.Now().UTC()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	late := store.AddIngredientLot(flour, "L-LATE", d("50"), now.AddDate(0, 0, 10), now.AddDate(0, 0, -9))
	early := store.AddIngredientLot(flour, "L-EARLY", d("10"), now.AddDate(0, 0, 3), now.AddDate(0, 0, -1))
	expired := store.AddIngredientLot(flour, "L-OLD", d("40"), now.AddDate(0, 0, -1), now.AddDate(0, 0, -30))

	var allocs []inventory.Allocation
	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.TxRepository) error {
		var err error
		allocs, err = inventory.Deduct(ctx, inventory.IngredientLedger(tx), flour, d("30"), now)
		return err
	})
	require.NoError(t, err)
	require.Len(t, allocs, 2)
	require.Equal(t, early, allocs[0].LotID)
	require.Equal(t, late, allocs[1].LotID)

	require.True(t, store.IngredientLots[early].CurrentQuantity.IsZero())
	require.False(t, store.IngredientLots[early].Active)
	require.True(t, store.IngredientLots[late].CurrentQuantity.Equal(d("30")))
	require.True(t, store.IngredientLots[expired].CurrentQuantity.Equal(d("40")))
}

func TestDeductReportsConcurrentExhaustion(t *testing.T) {
	store := inventorytest.NewStore()
	now := time.Now().UTC()
	sugar := store.AddIngredient("Sugar", "kg", decimal.Zero)
	lot := store.AddIngredientLot(sugar, "SG-1", d("5"), now.AddDate(0, 0, 4), now)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.TxRepository) error {
		_, err := inventory.Deduct(ctx, inventory.IngredientLedger(tx), sugar, d("6"), now)
		return err
	})
	require.ErrorIs(t, err, shared.ErrConcurrentStockExhaustion)
	require.True(t, store.IngredientLots[lot].CurrentQuantity.Equal(d("5")))
}

func TestFinishedLedgerMarksSoldOut(t *testing.T) {
	store := inventorytest.NewStore()
	now := time.Now().UTC()
	lot := store.AddFinishedLot(11, "FG-1", d("4"), now.AddDate(0, 0, 2), now)

	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.TxRepository) error {
		_, err := inventory.Deduct(ctx, inventory.FinishedLedger(tx), 11, d("4"), now)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, inventory.LotStatusSoldOut, store.FinishedLots[lot].Status)
}

func TestSweepExpiredKeepsAggregateInLine(t *testing.T) {
	store := inventorytest.NewStore()
	now := time.Now().UTC()
	milk := store.AddIngredient("Milk", "l", decimal.Zero)
	stale := store.AddIngredientLot(milk, "M-OLD", d("7"), now.Add(-time.Hour), now.AddDate(0, 0, -7))
	fresh := store.AddIngredientLot(milk, "M-NEW", d("3"), now.AddDate(0, 0, 5), now)
	oldCake := store.AddFinishedLot(5, "FG-OLD", d("2"), now.Add(-time.Minute), now.AddDate(0, 0, -3))
	newCake := store.AddFinishedLot(5, "FG-NEW", d("2"), now.AddDate(0, 0, 3), now)

	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	result, err := svc.SweepExpired(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, result.IngredientLots)
	require.True(t, result.QuantityVoided.Equal(d("7")))
	require.Equal(t, int64(1), result.FinishedLots)

	require.False(t, store.IngredientLots[stale].Active)
	require.True(t, store.IngredientLots[fresh].Active)
	require.True(t, store.Ingredients[milk].TotalQuantity.Equal(d("3")))
	require.Equal(t, inventory.LotStatusExpired, store.FinishedLots[oldCake].Status)
	require.Equal(t, inventory.LotStatusActive, store.FinishedLots[newCake].Status)

	drift, err := svc.VerifyAggregate(context.Background())
	require.NoError(t, err)
	require.Empty(t, drift)
}

func TestVerifyAggregateReportsDrift(t *testing.T) {
	store := inventorytest.NewStore()
	eggs := store.AddIngredient("Eggs", "pcs", decimal.Zero)
	store.AddIngredientLot(eggs, "E-1", d("12"), time.Now().AddDate(0, 0, 9), time.Now())
	ing := store.Ingredients[eggs]
	ing.TotalQuantity = d("20")
	store.Ingredients[eggs] = ing

	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	drift, err := svc.VerifyAggregate(context.Background())
	require.NoError(t, err)
	require.Len(t, drift, 1)
	require.True(t, drift[0].Cached.Equal(d("20")))
	require.True(t, drift[0].Ledger.Equal(d("12")))
}

func TestScanLowStockNotifiesHandler(t *testing.T) {
	store := inventorytest.NewStore()
	butter := store.AddIngredient("Butter", "kg", d("10"))
	store.AddIngredientLot(butter, "B-1", d("4"), time.Now().AddDate(0, 0, 9), time.Now())
	yeast := store.AddIngredient("Yeast", "kg", d("1"))
	store.AddIngredientLot(yeast, "Y-1", d("4"), time.Now().AddDate(0, 0, 9), time.Now())

	handler := &recordingLowStock{}
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{LowStock: handler})
	items, err := svc.ScanLowStock(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Len(t, handler.events, 1)
	require.Equal(t, butter, handler.events[0].IngredientID)
}

func TestTraceabilityListsSources(t *testing.T) {
	store := inventorytest.NewStore()
	now := time.Now().UTC()
	flour := store.AddIngredient("Flour", "kg", decimal.Zero)
	lotID := store.AddIngredientLot(flour, "FL-1", d("10"), now.AddDate(0, 0, 3), now)
	err := store.WithTx(context.Background(), func(ctx context.Context, tx inventory.TxRepository) error {
		_, err := tx.InsertFinishedLot(ctx, inventory.FinishedLot{
			Code: "FG-20260101-BREAD", ProductID: 1, InitialQuantity: d("5"), ExpiryDate: now.AddDate(0, 0, 2),
			Consumption: []inventory.Consumption{{IngredientLotID: lotID, IngredientID: flour, LotCode: "FL-1", QuantityUsed: d("2")}},
		})
		return err
	})
	require.NoError(t, err)

	var finishedID int64
	for id := range store.FinishedLots {
		finishedID = id
	}
	svc := inventory.NewService(store, nil, inventory.ServiceConfig{})
	trace, err := svc.Traceability(context.Background(), finishedID)
	require.NoError(t, err)
	require.Len(t, trace.Sources, 1)
	require.Equal(t, "Flour", trace.Sources[0].IngredientName)
	require.True(t, trace.Sources[0].QuantityUsed.Equal(d("2")))

	_, err = svc.Traceability(context.Background(), 4242)
	require.ErrorIs(t, err, shared.ErrNotFound)
}
