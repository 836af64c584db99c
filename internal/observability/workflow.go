package observability

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/foodops/internal/shared"
)

// Workflow names used as metric labels.
const (
	WorkflowCompleteLine    = "production_complete_line"
	WorkflowApproveAndShip  = "fulfillment_approve_ship"
	WorkflowReceiveShipment = "fulfillment_receive"
	WorkflowReceiveLot      = "inventory_receive_lot"
	WorkflowExpirySweep     = "inventory_expiry_sweep"
)

// WorkflowMetrics counts stock workflow outcomes and ledger faults.
type WorkflowMetrics struct {
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
	faults   *prometheus.CounterVec
	lowStock prometheus.Gauge
}

// NewWorkflowMetrics registers workflow collectors against registerer.
func NewWorkflowMetrics(registerer prometheus.Registerer) *WorkflowMetrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foodops_workflow_runs_total",
		Help: "Stock workflow executions by workflow and outcome.",
	}, []string{"workflow", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "foodops_workflow_duration_seconds",
		Help:    "Duration of stock workflows.",
		Buckets: prometheus.DefBuckets,
	}, []string{"workflow"})
	faults := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "foodops_consistency_faults_total",
		Help: "Ledger consistency faults detected, by source.",
	}, []string{"source"})
	lowStock := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "foodops_low_stock_ingredients",
		Help: "Ingredients whose cached total is under the warning threshold.",
	})
	registerer.MustRegister(runs, duration, faults, lowStock)
	return &WorkflowMetrics{runs: runs, duration: duration, faults: faults, lowStock: lowStock}
}

// WorkflowTracker instruments one workflow run.
type WorkflowTracker struct {
	metrics  *WorkflowMetrics
	workflow string
	start    time.Time
}

// Track starts a tracker. A nil receiver yields a no-op tracker.
func (m *WorkflowMetrics) Track(workflow string) *WorkflowTracker {
	return &WorkflowTracker{metrics: m, workflow: workflow, start: time.Now()}
}

// End records the outcome of the run and returns err untouched.
func (t *WorkflowTracker) End(err error) error {
	if t == nil || t.metrics == nil {
		return err
	}
	outcome := Outcome(err)
	if outcome == "consistency_fault" {
		t.metrics.faults.WithLabelValues(t.workflow).Inc()
	}
	t.metrics.runs.WithLabelValues(t.workflow, outcome).Inc()
	t.metrics.duration.WithLabelValues(t.workflow).Observe(time.Since(t.start).Seconds())
	return err
}

// RecordFault counts a fault detected outside a tracked workflow.
func (m *WorkflowMetrics) RecordFault(source string) {
	if m == nil {
		return
	}
	m.faults.WithLabelValues(source).Inc()
}

// SetLowStock publishes the number of ingredients under threshold.
func (m *WorkflowMetrics) SetLowStock(count int) {
	if m == nil {
		return
	}
	m.lowStock.Set(float64(count))
}

// Outcome classifies err into a low-cardinality label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "success"
	case shared.IsConsistencyFault(err):
		return "consistency_fault"
	case errors.Is(err, shared.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, shared.ErrConcurrentStockExhaustion),
		errors.Is(err, shared.ErrConcurrentUpdate),
		errors.Is(err, shared.ErrWorkflowBusy):
		return "conflict"
	case errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidState),
		errors.Is(err, shared.ErrNotFound),
		errors.Is(err, shared.ErrDuplicate):
		return "rejected"
	default:
		return "error"
	}
}
