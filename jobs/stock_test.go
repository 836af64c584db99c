package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/shared"
)

type fakeStock struct {
	mu       sync.Mutex
	sweeps   []time.Time
	sweepErr error
	scans    int
	drift    []inventory.AggregateDrift
	events   []inventory.LowStockEvent
}

func (f *fakeStock) SweepExpired(_ context.Context, asOf time.Time) (inventory.SweepResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweeps = append(f.sweeps, asOf)
	return inventory.SweepResult{IngredientLots: 1, QuantityVoided: decimal.NewFromInt(4)}, f.sweepErr
}

func (f *fakeStock) ScanLowStock(context.Context) ([]inventory.Ingredient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scans++
	return []inventory.Ingredient{{ID: 1, Name: "Flour"}}, nil
}

func (f *fakeStock) VerifyAggregate(context.Context) ([]inventory.AggregateDrift, error) {
	return f.drift, nil
}

func (f *fakeStock) HandleLowStock(_ context.Context, evt inventory.LowStockEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, evt)
	return nil
}

func TestExpirySweepPassesReferenceTime(t *testing.T) {
	stock := &fakeStock{}
	jobs := NewStockJobs(stock, nil, nil, nil)
	asOf := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	task, err := NewExpirySweepTask(asOf)
	require.NoError(t, err)

	require.NoError(t, jobs.HandleExpirySweep(context.Background(), task))
	require.Len(t, stock.sweeps, 1)
	require.True(t, stock.sweeps[0].Equal(asOf))
}

func TestExpirySweepSkipsWhenAnotherRunHoldsTheLock(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	locker := shared.NewWorkflowLocker(rdb, time.Minute)

	release, err := locker.Acquire(context.Background(), shared.ExpirySweepLockKey)
	require.NoError(t, err)

	stock := &fakeStock{}
	jobs := NewStockJobs(stock, locker, nil, nil)
	task, err := NewExpirySweepTask(time.Time{})
	require.NoError(t, err)

	require.NoError(t, jobs.HandleExpirySweep(context.Background(), task))
	require.Empty(t, stock.sweeps)

	release()
	require.NoError(t, jobs.HandleExpirySweep(context.Background(), task))
	require.Len(t, stock.sweeps, 1)
}

func TestExpirySweepDoesNotRetryConsistencyFaults(t *testing.T) {
	stock := &fakeStock{sweepErr: shared.NewConsistencyFault("ingredient", 3, "aggregate would become -1")}
	jobs := NewStockJobs(stock, nil, nil, nil)

	err := jobs.HandleExpirySweep(context.Background(), asynq.NewTask(TaskExpirySweep, nil))
	require.ErrorIs(t, err, asynq.SkipRetry)
	require.True(t, shared.IsConsistencyFault(err))
}

func TestExpirySweepRejectsMalformedPayload(t *testing.T) {
	jobs := NewStockJobs(&fakeStock{}, nil, nil, nil)
	err := jobs.HandleExpirySweep(context.Background(), asynq.NewTask(TaskExpirySweep, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestAggregateVerifyToleratesDrift(t *testing.T) {
	stock := &fakeStock{drift: []inventory.AggregateDrift{{IngredientID: 2, Name: "Butter"}}}
	jobs := NewStockJobs(stock, nil, nil, nil)
	require.NoError(t, jobs.HandleAggregateVerify(context.Background(), NewAggregateVerifyTask()))
}

func TestLowStockScanRunsService(t *testing.T) {
	stock := &fakeStock{}
	jobs := NewStockJobs(stock, nil, nil, nil)
	require.NoError(t, jobs.HandleLowStockScan(context.Background(), NewLowStockScanTask()))
	require.Equal(t, 1, stock.scans)
}

type recordingQueue struct {
	tasks []*asynq.Task
	err   error
}

func (q *recordingQueue) EnqueueContext(_ context.Context, task *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{Type: task.Type()}, nil
}

func TestLowStockEventsTravelThroughTheQueue(t *testing.T) {
	queue := &recordingQueue{}
	publisher := NewLowStockPublisher(queue, nil)
	evt := inventory.LowStockEvent{
		IngredientID:  5,
		Name:          "Sugar",
		TotalQuantity: decimal.RequireFromString("2.5"),
		Threshold:     decimal.RequireFromString("10"),
		At:            time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, publisher.HandleLowStock(context.Background(), evt))
	require.Len(t, queue.tasks, 1)
	require.Equal(t, TaskLowStockAlert, queue.tasks[0].Type())

	stock := &fakeStock{}
	jobs := NewStockJobs(stock, nil, nil, nil)
	require.NoError(t, jobs.HandleLowStockAlert(context.Background(), queue.tasks[0]))
	require.Len(t, stock.events, 1)
	require.Equal(t, int64(5), stock.events[0].IngredientID)
	require.True(t, stock.events[0].TotalQuantity.Equal(evt.TotalQuantity))
}

func TestLowStockPublisherSurfacesQueueErrors(t *testing.T) {
	boom := errors.New("redis unavailable")
	publisher := NewLowStockPublisher(&recordingQueue{err: boom}, nil)
	require.ErrorIs(t, publisher.HandleLowStock(context.Background(), inventory.LowStockEvent{IngredientID: 1}), boom)
}

func TestTaskByNameCoversScheduledJobs(t *testing.T) {
	for _, name := range []string{TaskExpirySweep, TaskLowStockScan, TaskAggregateVerify, TaskIdempotencyCleanup} {
		task, ok := TaskByName(name)
		require.True(t, ok, name)
		require.Equal(t, name, task.Type())
	}
	_, ok := TaskByName(TaskLowStockAlert)
	require.False(t, ok)

	task, _ := TaskByName(TaskExpirySweep)
	var payload ExpirySweepPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &payload))
	require.True(t, payload.AsOf.IsZero())
}

func TestStockJobsRegisterEveryHandler(t *testing.T) {
	jobs := NewStockJobs(&fakeStock{}, nil, nil, nil)
	types := map[string]bool{}
	for _, h := range jobs.Handlers() {
		require.NotNil(t, h.Handler)
		types[h.Type] = true
	}
	require.Len(t, types, 4)
}

type fakePruner struct {
	retention time.Duration
	err       error
}

func (p *fakePruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	p.retention = olderThan
	return p.err
}

func TestIdempotencyCleanupUsesRetention(t *testing.T) {
	pruner := &fakePruner{}
	job := NewIdempotencyCleanupJob(pruner, 48*time.Hour, nil, nil)
	require.NoError(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
	require.Equal(t, 48*time.Hour, pruner.retention)

	pruner.err = errors.New("timeout")
	require.Error(t, job.Handle(context.Background(), NewIdempotencyCleanupTask()))
}
