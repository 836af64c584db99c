package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/foodops/internal/inventory"
	jobmetrics "github.com/odyssey-erp/foodops/internal/jobs"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// StockService is the slice of the inventory service the stock jobs drive.
type StockService interface {
	SweepExpired(ctx context.Context, asOf time.Time) (inventory.SweepResult, error)
	ScanLowStock(ctx context.Context) ([]inventory.Ingredient, error)
	VerifyAggregate(ctx context.Context) ([]inventory.AggregateDrift, error)
	HandleLowStock(ctx context.Context, evt inventory.LowStockEvent) error
}

// StockJobs hosts the scheduled inventory maintenance handlers.
type StockJobs struct {
	Service StockService
	Locker  shared.Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewStockJobs initialises the stock job handlers.
func NewStockJobs(service StockService, locker shared.Locker, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockJobs {
	if locker == nil {
		locker = shared.NoopLocker{}
	}
	return &StockJobs{Service: service, Locker: locker, Logger: logger, Metrics: metrics}
}

// HandleExpirySweep runs one expiry sweep. Overlapping runs are skipped.
func (j *StockJobs) HandleExpirySweep(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("expiry sweep: handler not configured")
	}
	var payload ExpirySweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	tracker := j.Metrics.Track(TaskExpirySweep)
	defer func() { err = tracker.End(err) }()

	release, err := j.Locker.Acquire(ctx, shared.ExpirySweepLockKey)
	if errors.Is(err, shared.ErrWorkflowBusy) {
		j.logger().Info("expiry sweep already running, skipping")
		return nil
	}
	if err != nil {
		return err
	}
	defer release()

	result, err := j.Service.SweepExpired(ctx, payload.AsOf)
	if err != nil {
		j.logger().Error("expiry sweep failed", slog.Any("error", err))
		if shared.IsConsistencyFault(err) {
			return errors.Join(err, asynq.SkipRetry)
		}
		return err
	}
	j.logger().Info("expiry sweep completed",
		slog.Int("ingredient_lots", result.IngredientLots),
		slog.String("quantity_voided", result.QuantityVoided.String()),
		slog.Int64("finished_lots", result.FinishedLots))
	return nil
}

// HandleLowStockScan refreshes the low stock gauge and raises events.
func (j *StockJobs) HandleLowStockScan(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("low stock scan: handler not configured")
	}
	tracker := j.Metrics.Track(TaskLowStockScan)
	defer func() { err = tracker.End(err) }()

	items, err := j.Service.ScanLowStock(ctx)
	if err != nil {
		return err
	}
	j.logger().Info("low stock scan completed", slog.Int("ingredients", len(items)))
	return nil
}

// HandleAggregateVerify reports drift between cached totals and the ledger.
// Drift is logged by the service and never retried.
func (j *StockJobs) HandleAggregateVerify(ctx context.Context, _ *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("aggregate verify: handler not configured")
	}
	tracker := j.Metrics.Track(TaskAggregateVerify)
	defer func() { err = tracker.End(err) }()

	drift, err := j.Service.VerifyAggregate(ctx)
	if err != nil {
		return err
	}
	j.Metrics.AddDrift(len(drift))
	if len(drift) > 0 {
		j.logger().Error("aggregate verification found drift", slog.Int("ingredients", len(drift)))
		return nil
	}
	j.logger().Info("aggregate verification clean")
	return nil
}

// HandleLowStockAlert delivers a low stock event raised by a workflow.
func (j *StockJobs) HandleLowStockAlert(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("low stock alert: handler not configured")
	}
	var evt inventory.LowStockEvent
	if err := json.Unmarshal(t.Payload(), &evt); err != nil {
		return asynq.SkipRetry
	}
	return j.Service.HandleLowStock(ctx, evt)
}

// Handlers lists the task handlers for WorkerConfig.
func (j *StockJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskExpirySweep, Handler: j.HandleExpirySweep},
		{Type: TaskLowStockScan, Handler: j.HandleLowStockScan},
		{Type: TaskAggregateVerify, Handler: j.HandleAggregateVerify},
		{Type: TaskLowStockAlert, Handler: j.HandleLowStockAlert},
	}
}

func (j *StockJobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Enqueuer submits tasks to the queue.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// LowStockPublisher forwards workflow low stock events to the worker so the
// request path never blocks on delivery.
type LowStockPublisher struct {
	queue  Enqueuer
	logger *slog.Logger
}

// NewLowStockPublisher constructs a publisher over queue.
func NewLowStockPublisher(queue Enqueuer, logger *slog.Logger) *LowStockPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LowStockPublisher{queue: queue, logger: logger}
}

// HandleLowStock enqueues evt as a TaskLowStockAlert.
func (p *LowStockPublisher) HandleLowStock(ctx context.Context, evt inventory.LowStockEvent) error {
	task, err := NewLowStockAlertTask(evt)
	if err != nil {
		return err
	}
	if _, err := p.queue.EnqueueContext(ctx, task); err != nil {
		p.logger.WarnContext(ctx, "enqueue low stock alert", slog.Int64("ingredient_id", evt.IngredientID), slog.Any("error", err))
		return err
	}
	return nil
}
