package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ProductionOrderLockKey builds redis keys guarding production order workflows.
func ProductionOrderLockKey(orderID int64) string {
	return fmt.Sprintf("foodops:production-order:%d:lock", orderID)
}

// SalesOrderLockKey builds redis keys guarding order shipment workflows.
func SalesOrderLockKey(orderID int64) string {
	return fmt.Sprintf("foodops:order:%d:lock", orderID)
}

// ShipmentLockKey builds redis keys guarding shipment reconciliation.
func ShipmentLockKey(shipmentID int64) string {
	return fmt.Sprintf("foodops:shipment:%d:lock", shipmentID)
}

// ExpirySweepLockKey guards the periodic expiry sweep.
const ExpirySweepLockKey = "foodops:jobs:expiry-sweep:lock"

// Locker serialises workflows on a single document. Row locks inside the
// database transaction remain the source of truth; this only rejects
// duplicate submissions early.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// WorkflowLocker implements Locker with redis.
type WorkflowLocker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewWorkflowLocker constructs a redis backed locker.
func NewWorkflowLocker(rdb *redis.Client, ttl time.Duration) *WorkflowLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &WorkflowLocker{client: redislock.New(rdb), ttl: ttl}
}

// Acquire obtains the key or fails with ErrWorkflowBusy.
func (l *WorkflowLocker) Acquire(ctx context.Context, key string) (func(), error) {
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowBusy, key)
	}
	if err != nil {
		return nil, fmt.Errorf("obtain lock %s: %w", key, err)
	}
	return func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}, nil
}

// NoopLocker never blocks. Used when redis is not configured.
type NoopLocker struct{}

// Acquire always succeeds.
func (NoopLocker) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}
