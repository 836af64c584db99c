package production

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/foodops/internal/inventory"
	"github.com/odyssey-erp/foodops/internal/observability"
	"github.com/odyssey-erp/foodops/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetOrder(ctx context.Context, id int64) (Order, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service runs production order workflows.
type Service struct {
	repo        RepositoryPort
	audit       AuditPort
	locker      shared.Locker
	idempotency shared.IdempotencyGuard
	metrics     *observability.WorkflowMetrics
	lowStock    inventory.LowStockHandler
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig groups optional collaborators.
type ServiceConfig struct {
	Locker      shared.Locker
	Idempotency shared.IdempotencyGuard
	Metrics     *observability.WorkflowMetrics
	LowStock    inventory.LowStockHandler
	Logger      *slog.Logger
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = shared.NoopLocker{}
	}
	return &Service{
		repo:        repo,
		audit:       audit,
		locker:      locker,
		idempotency: cfg.Idempotency,
		metrics:     cfg.Metrics,
		lowStock:    cfg.LowStock,
		logger:      logger.With(slog.String("module", "production")),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// ingredientNeed is the total quantity of one ingredient a completion consumes.
type ingredientNeed struct {
	ingredient inventory.Ingredient
	required   decimal.Decimal
}

// CompleteLine records the actual output of one order line: it checks every
// recipe ingredient against its cached total, consumes ingredient lots in FEFO
// order, creates the finished lot with its consumption ledger and advances the
// order status. All of it commits or none of it does.
func (s *Service) CompleteLine(ctx context.Context, input CompleteLineInput) (result CompletionResult, err error) {
	tracker := s.metrics.Track(observability.WorkflowCompleteLine)
	defer func() { err = tracker.End(err) }()

	if input.OrderID == 0 || input.ProductID == 0 {
		return CompletionResult{}, fmt.Errorf("%w: order and product required", shared.ErrValidation)
	}
	if input.ActualQuantity <= 0 {
		return CompletionResult{}, ErrInvalidQuantity
	}

	release, err := s.locker.Acquire(ctx, shared.ProductionOrderLockKey(input.OrderID))
	if err != nil {
		return CompletionResult{}, err
	}
	defer release()

	runID := uuid.NewString()
	var lowStock []inventory.Ingredient
	err = shared.RunOnce(ctx, s.idempotency, input.IdempotencyKey, "production", func() error {
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			var err error
			result, lowStock, err = s.completeLine(ctx, tx, input)
			return err
		})
	})
	if err != nil {
		s.logFailure(ctx, runID, input, err)
		return CompletionResult{}, err
	}

	s.logger.InfoContext(ctx, "production line completed",
		slog.String("run_id", runID),
		slog.Int64("order_id", input.OrderID),
		slog.Int64("product_id", input.ProductID),
		slog.String("lot", result.FinishedLot.Code),
		slog.Int("lots_consumed", len(result.Consumption)),
		slog.String("order_status", string(result.Order.Status)))
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "production:complete_line",
		Entity:   "production_order",
		EntityID: fmt.Sprintf("%d", input.OrderID),
		Meta: map[string]any{
			"run_id":          runID,
			"product_id":      input.ProductID,
			"actual_quantity": input.ActualQuantity,
			"finished_lot":    result.FinishedLot.Code,
			"consumption":     len(result.Consumption),
		},
	})
	now := s.now()
	for _, ing := range lowStock {
		if s.lowStock != nil {
			_ = s.lowStock.HandleLowStock(ctx, inventory.LowStockEventFor(ing, now))
		}
	}
	return result, nil
}

func (s *Service) completeLine(ctx context.Context, tx TxRepository, input CompleteLineInput) (CompletionResult, []inventory.Ingredient, error) {
	order, err := tx.GetOrderForUpdate(ctx, input.OrderID)
	if err != nil {
		return CompletionResult{}, nil, err
	}
	if !order.Status.CanComplete() {
		return CompletionResult{}, nil, fmt.Errorf("%w: order %s is %s", ErrOrderClosed, order.Code, order.Status)
	}
	line := order.Line(input.ProductID)
	if line == nil {
		return CompletionResult{}, nil, fmt.Errorf("%w: product %d on order %s", ErrLineNotFound, input.ProductID, order.Code)
	}
	if line.Status == LineStatusCompleted {
		return CompletionResult{}, nil, fmt.Errorf("%w: product %d on order %s", ErrLineAlreadyCompleted, input.ProductID, order.Code)
	}
	product, err := tx.GetProduct(ctx, input.ProductID)
	if err != nil {
		return CompletionResult{}, nil, err
	}
	if len(product.Recipe) == 0 {
		return CompletionResult{}, nil, fmt.Errorf("%w: %s", ErrNoRecipeDefined, product.SKU)
	}
	if product.ShelfLifeDays < 1 {
		return CompletionResult{}, nil, fmt.Errorf("%w: product %s has shelf life of %d days", ErrInvalidShelfLife, product.SKU, product.ShelfLifeDays)
	}

	now := s.now()
	qty := decimal.NewFromInt(input.ActualQuantity)

	// Pass one: lock every ingredient and its usable lots and check the
	// requirement against them. No writes.
	needs, err := s.preflight(ctx, tx, product.Recipe, qty, now)
	if err != nil {
		return CompletionResult{}, nil, err
	}

	// Pass two: FEFO deduction per ingredient, then the aggregate.
	var consumption []inventory.Consumption
	var lowStock []inventory.Ingredient
	for _, need := range needs {
		allocations, err := inventory.Deduct(ctx, inventory.IngredientLedger(tx), need.ingredient.ID, need.required, now)
		if err != nil {
			return CompletionResult{}, nil, fmt.Errorf("consume %s: %w", need.ingredient.Name, err)
		}
		for _, alloc := range allocations {
			consumption = append(consumption, inventory.Consumption{
				IngredientLotID: alloc.LotID,
				IngredientID:    need.ingredient.ID,
				LotCode:         alloc.Code,
				QuantityUsed:    alloc.Quantity,
			})
		}
		total, err := inventory.AdjustAggregate(ctx, tx, need.ingredient.ID, need.required.Neg())
		if err != nil {
			return CompletionResult{}, nil, err
		}
		ing := need.ingredient
		ing.TotalQuantity = total
		if ing.BelowThreshold() {
			lowStock = append(lowStock, ing)
		}
	}

	code, err := NextLotCode(ctx, tx.FinishedLotCodeExists, now, product.SKU)
	if err != nil {
		return CompletionResult{}, nil, err
	}
	lot := inventory.FinishedLot{
		Code:              code,
		ProductionOrderID: order.ID,
		ProductID:         product.ID,
		ManufactureDate:   now,
		ExpiryDate:        now.AddDate(0, 0, product.ShelfLifeDays),
		InitialQuantity:   qty,
		CurrentQuantity:   qty,
		Status:            inventory.LotStatusActive,
		CreatedAt:         now,
		Consumption:       consumption,
	}
	lot.ID, err = tx.InsertFinishedLot(ctx, lot)
	if err != nil {
		return CompletionResult{}, nil, fmt.Errorf("insert finished lot: %w", err)
	}
	for i := range lot.Consumption {
		lot.Consumption[i].FinishedLotID = lot.ID
	}

	actor := input.ActorID
	line.ActualQuantity = qty
	line.Status = LineStatusCompleted
	line.FinishedLotID = &lot.ID
	line.CompletedBy = &actor
	line.CompletedAt = &now
	if err := tx.UpdateLine(ctx, *line); err != nil {
		return CompletionResult{}, nil, fmt.Errorf("update production line: %w", err)
	}
	order.RefreshStatus()
	order.UpdatedAt = now
	if err := tx.UpdateOrderStatus(ctx, order.ID, order.Status); err != nil {
		return CompletionResult{}, nil, fmt.Errorf("update production order: %w", err)
	}

	return CompletionResult{Order: order, FinishedLot: lot, Consumption: lot.Consumption}, lowStock, nil
}

// preflight merges the recipe per ingredient, locks the ingredients in id
// order and verifies the requirement is covered. Available is the smaller of
// the cached total and the non-expired lot stock, since expired lots still
// count towards the total until the sweep deactivates them.
func (s *Service) preflight(ctx context.Context, tx TxRepository, recipe []RecipeItem, qty decimal.Decimal, asOf time.Time) ([]ingredientNeed, error) {
	perIngredient := make(map[int64]decimal.Decimal, len(recipe))
	ids := make([]int64, 0, len(recipe))
	for _, item := range recipe {
		if !item.QuantityPerUnit.IsPositive() {
			return nil, fmt.Errorf("%w: recipe quantity for ingredient %d", shared.ErrValidation, item.IngredientID)
		}
		if _, ok := perIngredient[item.IngredientID]; !ok {
			ids = append(ids, item.IngredientID)
			perIngredient[item.IngredientID] = decimal.Zero
		}
		perIngredient[item.IngredientID] = perIngredient[item.IngredientID].Add(item.QuantityPerUnit.Mul(qty))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	needs := make([]ingredientNeed, 0, len(ids))
	reqs := make([]inventory.Requirement, 0, len(ids))
	for _, id := range ids {
		ing, err := tx.GetIngredientForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		candidates, err := tx.ListIngredientCandidates(ctx, id, true, asOf)
		if err != nil {
			return nil, err
		}
		available := decimal.Min(ing.TotalQuantity, inventory.SumCandidates(candidates))
		needs = append(needs, ingredientNeed{ingredient: ing, required: perIngredient[id]})
		reqs = append(reqs, inventory.Requirement{Key: id, Label: ing.Name, Required: perIngredient[id], Available: available})
	}
	if err := inventory.Preflight(reqs); err != nil {
		return nil, err
	}
	return needs, nil
}

// CreateOrder plans a production order with PENDING lines.
func (s *Service) CreateOrder(ctx context.Context, input CreateOrderInput) (Order, error) {
	input.Code = strings.TrimSpace(input.Code)
	if input.Code == "" {
		return Order{}, fmt.Errorf("%w: order code required", shared.ErrValidation)
	}
	if len(input.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: at least one line required", shared.ErrValidation)
	}
	seen := make(map[int64]bool, len(input.Lines))
	for _, line := range input.Lines {
		if line.ProductID == 0 || line.PlannedQuantity <= 0 {
			return Order{}, ErrInvalidQuantity
		}
		if seen[line.ProductID] {
			return Order{}, fmt.Errorf("%w: product %d", ErrDuplicateProductLine, line.ProductID)
		}
		seen[line.ProductID] = true
	}
	now := s.now()
	planDate := input.PlanDate
	if planDate.IsZero() {
		planDate = now
	}

	var order Order
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		exists, err := tx.OrderCodeExists(ctx, input.Code)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w %s", ErrDuplicateOrderCode, input.Code)
		}
		order = Order{
			Code:      input.Code,
			PlanDate:  planDate,
			Status:    OrderStatusPlanned,
			Notes:     input.Notes,
			CreatedBy: input.ActorID,
			CreatedAt: now,
			UpdatedAt: now,
		}
		for _, line := range input.Lines {
			if _, err := tx.GetProduct(ctx, line.ProductID); err != nil {
				return err
			}
			order.Lines = append(order.Lines, Line{
				ProductID:       line.ProductID,
				PlannedQuantity: decimal.NewFromInt(line.PlannedQuantity),
				ActualQuantity:  decimal.Zero,
				Status:          LineStatusPending,
			})
		}
		order, err = tx.InsertOrder(ctx, order)
		return err
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  input.ActorID,
		Action:   "production:create_order",
		Entity:   "production_order",
		EntityID: fmt.Sprintf("%d", order.ID),
		Meta:     map[string]any{"code": order.Code, "lines": len(order.Lines)},
	})
	return order, nil
}

// CancelOrder withdraws an order. Completed lines keep their finished lots.
func (s *Service) CancelOrder(ctx context.Context, orderID, actorID int64) (Order, error) {
	if orderID == 0 {
		return Order{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	release, err := s.locker.Acquire(ctx, shared.ProductionOrderLockKey(orderID))
	if err != nil {
		return Order{}, err
	}
	defer release()

	var order Order
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		order, err = tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !order.Status.CanCancel() {
			return fmt.Errorf("%w: order %s is %s", ErrOrderClosed, order.Code, order.Status)
		}
		order.Status = OrderStatusCancelled
		order.UpdatedAt = s.now()
		return tx.UpdateOrderStatus(ctx, order.ID, order.Status)
	})
	if err != nil {
		return Order{}, err
	}
	s.record(ctx, shared.AuditLog{
		ActorID:  actorID,
		Action:   "production:cancel_order",
		Entity:   "production_order",
		EntityID: fmt.Sprintf("%d", order.ID),
	})
	return order, nil
}

// GetOrder returns an order with its lines.
func (s *Service) GetOrder(ctx context.Context, id int64) (Order, error) {
	if id == 0 {
		return Order{}, fmt.Errorf("%w: order id required", shared.ErrValidation)
	}
	return s.repo.GetOrder(ctx, id)
}

func (s *Service) logFailure(ctx context.Context, runID string, input CompleteLineInput, err error) {
	attrs := []any{
		slog.String("run_id", runID),
		slog.Int64("order_id", input.OrderID),
		slog.Int64("product_id", input.ProductID),
		slog.Any("error", err),
	}
	var fault *shared.ConsistencyFault
	switch {
	case errors.As(err, &fault):
		s.logger.ErrorContext(ctx, "consistency fault during line completion", append(attrs, slog.String("fault", "consistency"))...)
	case errors.Is(err, shared.ErrInsufficientStock), errors.Is(err, shared.ErrValidation),
		errors.Is(err, shared.ErrInvalidState), errors.Is(err, shared.ErrNotFound):
		s.logger.InfoContext(ctx, "line completion rejected", attrs...)
	default:
		s.logger.WarnContext(ctx, "line completion aborted", attrs...)
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
