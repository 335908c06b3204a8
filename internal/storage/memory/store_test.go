package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

func liveLockSlots(l *rowLocks) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func TestRowLocksDropSlotsAfterUse(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	uow := NewUnitOfWork(store, NewOutboxRepository())

	err := uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		products, err := tx.Products().FindByIDsForUpdate(ctx, []int64{101, 102, 103})
		require.Empty(t, products)
		require.Equal(t, 3, liveLockSlots(store.locks))
		return err
	})
	require.NoError(t, err)
	require.Zero(t, liveLockSlots(store.locks), "unknown ids must not leave lock slots behind")
}

func TestRowLocksKeepSlotWhileWaited(t *testing.T) {
	locks := newRowLocks()
	require.NoError(t, locks.acquire(context.Background(), 7))

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, locks.acquire(timeoutCtx, 7), context.DeadlineExceeded)
	require.Equal(t, 1, liveLockSlots(locks), "timed-out waiter drops only its own reference")

	acquired := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := locks.acquire(context.Background(), 7); err == nil {
			close(acquired)
		}
	}()

	locks.release(7)
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter did not get the lock after release")
	}
	wg.Wait()
	require.Equal(t, 1, liveLockSlots(locks))

	locks.release(7)
	require.Zero(t, liveLockSlots(locks))
}
