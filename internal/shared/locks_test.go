package shared

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestWorkflowLockerRejectsSecondHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewWorkflowLocker(client, time.Minute)
	ctx := context.Background()
	key := ProductionOrderLockKey(7)

	release, err := locker.Acquire(ctx, key)
	require.NoError(t, err)

	_, err = locker.Acquire(ctx, key)
	require.ErrorIs(t, err, ErrWorkflowBusy)

	release()

	again, err := locker.Acquire(ctx, key)
	require.NoError(t, err)
	again()
}

func TestWorkflowLockerExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewWorkflowLocker(client, 2*time.Second)
	ctx := context.Background()

	_, err := locker.Acquire(ctx, SalesOrderLockKey(1))
	require.NoError(t, err)

	mr.FastForward(3 * time.Second)

	release, err := locker.Acquire(ctx, SalesOrderLockKey(1))
	require.NoError(t, err)
	release()
}

func TestConsistencyFaultDetection(t *testing.T) {
	fault := NewConsistencyFault("ingredient", 4, "aggregate would become %s", "-1")
	wrapped := fmt.Errorf("complete line: %w", fault)
	require.True(t, IsConsistencyFault(wrapped))
	require.False(t, IsConsistencyFault(ErrInsufficientStock))
	require.Contains(t, fault.Error(), "ingredient 4")
}
