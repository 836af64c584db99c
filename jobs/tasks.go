package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/foodops/internal/inventory"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskExpirySweep expires finished lots and voids expired ingredient lots.
	TaskExpirySweep = "stock:expiry_sweep"
	// TaskLowStockScan reports ingredients under their warning threshold.
	TaskLowStockScan = "stock:low_stock_scan"
	// TaskAggregateVerify compares cached ingredient totals with the lot ledger.
	TaskAggregateVerify = "stock:aggregate_verify"
	// TaskLowStockAlert carries a single low stock event raised by a workflow.
	TaskLowStockAlert = "stock:low_stock_alert"
)

// ExpirySweepPayload pins the sweep to a reference time. Zero means now.
type ExpirySweepPayload struct {
	AsOf time.Time `json:"as_of"`
}

// NewExpirySweepTask constructs an Asynq task for the expiry sweep.
func NewExpirySweepTask(asOf time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(ExpirySweepPayload{AsOf: asOf})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskExpirySweep, body, asynq.Queue(QueueDefault)), nil
}

// NewLowStockScanTask constructs an Asynq task for the low stock scan.
func NewLowStockScanTask() *asynq.Task {
	return asynq.NewTask(TaskLowStockScan, nil, asynq.Queue(QueueDefault))
}

// NewAggregateVerifyTask constructs an Asynq task for aggregate verification.
func NewAggregateVerifyTask() *asynq.Task {
	return asynq.NewTask(TaskAggregateVerify, nil, asynq.Queue(QueueDefault))
}

// NewLowStockAlertTask wraps evt for delivery by the worker.
func NewLowStockAlertTask(evt inventory.LowStockEvent) (*asynq.Task, error) {
	body, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockAlert, body, asynq.Queue(QueueDefault), asynq.MaxRetry(3)), nil
}

// TaskByName builds the default task for a schedulable job.
func TaskByName(name string) (*asynq.Task, bool) {
	switch name {
	case TaskExpirySweep:
		task, err := NewExpirySweepTask(time.Time{})
		return task, err == nil
	case TaskLowStockScan:
		return NewLowStockScanTask(), true
	case TaskAggregateVerify:
		return NewAggregateVerifyTask(), true
	case TaskIdempotencyCleanup:
		return NewIdempotencyCleanupTask(), true
	default:
		return nil, false
	}
}
