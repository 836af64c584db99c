package inventory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetIngredient(ctx context.Context, id int64) (Ingredient, error)
	ListIngredientLots(ctx context.Context, ingredientID int64, includeInactive bool) ([]IngredientLot, error)
	ListFinishedLots(ctx context.Context, productID int64, includeClosed bool) ([]FinishedLot, error)
	ListLowStock(ctx context.Context) ([]Ingredient, error)
	ListAggregateDrift(ctx context.Context) ([]AggregateDrift, error)
	GetTrace(ctx context.Context, finishedLotID int64) (Trace, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service coordinates batch ledger operations that are not part of a
// production or shipment workflow.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	metrics  *observability.WorkflowMetrics
	lowStock LowStockHandler
	logger   *slog.Logger
	now      func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Metrics  *observability.WorkflowMetrics
	LowStock LowStockHandler
	Logger   *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:     repo,
		audit:    audit,
		metrics:  cfg.Metrics,
		lowStock: cfg.LowStock,
		logger:   logger.With(slog.String("module", "inventory")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ReceiveIngredientLot registers a received lot and raises the ingredient aggregate.
func (s *Service) ReceiveIngredientLot(ctx context.Context, input ReceiveLotInput) (lot IngredientLot, err error) {
	tracker := s.metrics.Track(observability.WorkflowReceiveLot)
	defer func() { err = tracker.End(err) }()

	input.Code = strings.TrimSpace(input.Code)
	if input.IngredientID == 0 || input.Code == "" {
		return IngredientLot{}, fmt.Errorf("%w: inventory: ingredient and lot code required", shared.ErrValidation)
	}
	if !input.Quantity.IsPositive() {
		return IngredientLot{}, ErrInvalidQuantity
	}
	now := s.now()
	if !input.ExpiryDate.After(now) {
		return IngredientLot{}, ErrLotExpired
	}
	received := input.ReceivedDate
	if received.IsZero() {
		received = now
	}

	var total decimal.Decimal
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		if _, err := tx.GetIngredientForUpdate(ctx, input.IngredientID); err != nil {
			return err
		}
		lot = IngredientLot{
			IngredientID:    input.IngredientID,
			SupplierID:      input.SupplierID,
			Code:            input.Code,
			ExpiryDate:      input.ExpiryDate,
			ReceivedDate:    received,
			InitialQuantity: input.Quantity,
			CurrentQuantity: input.Quantity,
			Active:          true,
			CreatedAt:       now,
		}
		id, err := tx.InsertIngredientLot(ctx, lot)
		if err != nil {
			return fmt.Errorf("insert ingredient lot: %w", err)
		}
		lot.ID = id
		total, err = AdjustAggregate(ctx, tx, input.IngredientID, input.Quantity)
		return err
	})
	if err != nil {
		s.reportFault(err, "receive_lot")
		return IngredientLot{}, err
	}
	s.logger.InfoContext(ctx, "ingredient lot received",
		slog.Int64("ingredient_id", lot.IngredientID),
		slog.String("lot", lot.Code),
		slog.String("quantity", lot.InitialQuantity.String()),
		slog.String("total", total.String()))
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "inventory:receive_lot",
		Entity:   "ingredient_lot",
		EntityID: fmt.Sprintf("%d", lot.ID),
		Meta: map[string]any{
			"ingredient_id": lot.IngredientID,
			"code":          lot.Code,
			"quantity":      lot.InitialQuantity.String(),
		},
	})
	return lot, nil
}

// GetIngredient returns an ingredient with its cached total.
func (s *Service) GetIngredient(ctx context.Context, id int64) (Ingredient, error) {
	if id == 0 {
		return Ingredient{}, fmt.Errorf("%w: inventory: ingredient id required", shared.ErrValidation)
	}
	return s.repo.GetIngredient(ctx, id)
}

// ListIngredientLots lists lots of an ingredient in FEFO order.
func (s *Service) ListIngredientLots(ctx context.Context, ingredientID int64, includeInactive bool) ([]IngredientLot, error) {
	if ingredientID == 0 {
		return nil, fmt.Errorf("%w: inventory: ingredient id required", shared.ErrValidation)
	}
	return s.repo.ListIngredientLots(ctx, ingredientID, includeInactive)
}

// ListFinishedLots lists finished lots of a product in FEFO order.
func (s *Service) ListFinishedLots(ctx context.Context, productID int64, includeClosed bool) ([]FinishedLot, error) {
	if productID == 0 {
		return nil, fmt.Errorf("%w: inventory: product id required", shared.ErrValidation)
	}
	return s.repo.ListFinishedLots(ctx, productID, includeClosed)
}

// Traceability returns the ingredient lots consumed by a finished lot.
func (s *Service) Traceability(ctx context.Context, finishedLotID int64) (Trace, error) {
	if finishedLotID == 0 {
		return Trace{}, fmt.Errorf("%w: inventory: lot id required", shared.ErrValidation)
	}
	return s.repo.GetTrace(ctx, finishedLotID)
}

// VerifyAggregate compares every cached total with its lots. Drift is a
// consistency fault and is logged and counted, never repaired silently.
func (s *Service) VerifyAggregate(ctx context.Context) ([]AggregateDrift, error) {
	drift, err := s.repo.ListAggregateDrift(ctx)
	if err != nil {
		return nil, fmt.Errorf("list aggregate drift: %w", err)
	}
	for _, d := range drift {
		s.metrics.RecordFault("aggregate_verify")
		s.logger.ErrorContext(ctx, "ingredient aggregate drift",
			slog.Int64("ingredient_id", d.IngredientID),
			slog.String("name", d.Name),
			slog.String("cached", d.Cached.String()),
			slog.String("ledger", d.Ledger.String()))
	}
	return drift, nil
}

// SweepResult summarises an expiry sweep.
type SweepResult struct {
	IngredientLots int             `json:"ingredient_lots"`
	QuantityVoided decimal.Decimal `json:"quantity_voided"`
	FinishedLots   int64           `json:"finished_lots"`
}

// SweepExpired deactivates expired ingredient lots, removing their remaining
// quantity from the aggregate, and marks expired finished lots EXPIRED.
func (s *Service) SweepExpired(ctx context.Context, asOf time.Time) (result SweepResult, err error) {
	tracker := s.metrics.Track(observability.WorkflowExpirySweep)
	defer func() { err = tracker.End(err) }()

	if asOf.IsZero() {
		asOf = s.now()
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		result = SweepResult{QuantityVoided: decimal.Zero}
		lots, err := tx.ListExpiredIngredientLots(ctx, asOf)
		if err != nil {
			return fmt.Errorf("list expired lots: %w", err)
		}
		for _, lot := range lots {
			if err := tx.DeactivateIngredientLot(ctx, lot.ID); err != nil {
				return err
			}
			if lot.CurrentQuantity.IsPositive() {
				if _, err := AdjustAggregate(ctx, tx, lot.IngredientID, lot.CurrentQuantity.Neg()); err != nil {
					return err
				}
				result.QuantityVoided = result.QuantityVoided.Add(lot.CurrentQuantity)
			}
			result.IngredientLots++
		}
		result.FinishedLots, err = tx.ExpireFinishedLots(ctx, asOf)
		return err
	})
	if err != nil {
		s.reportFault(err, "expiry_sweep")
		return SweepResult{}, err
	}
	if result.IngredientLots > 0 || result.FinishedLots > 0 {
		s.logger.InfoContext(ctx, "expiry sweep applied",
			slog.Int("ingredient_lots", result.IngredientLots),
			slog.String("quantity_voided", result.QuantityVoided.String()),
			slog.Int64("finished_lots", result.FinishedLots))
	}
	return result, nil
}

// ScanLowStock publishes low stock events for every ingredient under threshold.
func (s *Service) ScanLowStock(ctx context.Context) ([]Ingredient, error) {
	items, err := s.repo.ListLowStock(ctx)
	if err != nil {
		return nil, fmt.Errorf("list low stock: %w", err)
	}
	s.metrics.SetLowStock(len(items))
	now := s.now()
	for _, ing := range items {
		_ = s.HandleLowStock(ctx, LowStockEventFor(ing, now))
	}
	return items, nil
}

// HandleLowStock logs evt and forwards it to the configured handler. Handler
// failures are logged, never returned, so a committed workflow is not reported
// as failed.
func (s *Service) HandleLowStock(ctx context.Context, evt LowStockEvent) error {
	s.logger.WarnContext(ctx, "ingredient below warning threshold",
		slog.Int64("ingredient_id", evt.IngredientID),
		slog.String("name", evt.Name),
		slog.String("total", evt.TotalQuantity.String()),
		slog.String("threshold", evt.Threshold.String()))
	if s.lowStock == nil {
		return nil
	}
	if err := s.lowStock.HandleLowStock(ctx, evt); err != nil {
		s.logger.ErrorContext(ctx, "low stock handler failed", slog.Any("error", err))
	}
	return nil
}

func (s *Service) reportFault(err error, source string) {
	var fault *shared.ConsistencyFault
	if errors.As(err, &fault) {
		s.logger.Error("consistency fault", slog.String("source", source), slog.String("entity", fault.Entity),
			slog.Int64("id", fault.ID), slog.String("detail", fault.Detail))
	}
}

func (s *Service) record(ctx context.Context, log shared.AuditLog) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, log); err != nil {
		s.logger.WarnContext(ctx, "audit record failed", slog.String("action", log.Action), slog.Any("error", err))
	}
}
