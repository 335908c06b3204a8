package memory_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/memory"
)

func TestUnitOfWork_CommitAppliesStagedChanges(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	outbox := memory.NewOutboxRepository()
	uow := memory.NewUnitOfWork(store, outbox)
	f := fixture{
		store:    store,
		clients:  memory.NewClientRepository(store),
		products: memory.NewProductRepository(store),
		orders:   memory.NewOrderRepository(store),
		uow:      uow,
	}
	ana := f.client(t, "ana@example.com", "111")
	bread := f.product(t, "b-1", "bakery", 2)

	err := uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		products, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID, bread.ID})
		require.NoError(t, err)
		require.Len(t, products, 1)

		require.NoError(t, tx.Products().DecrementStock(ctx, bread.ID, 1))

		// Внутри транзакции видно staged-значение, снаружи нет.
		again, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID})
		require.NoError(t, err)
		require.Equal(t, 1, again[0].Stock)

		outside, err := f.products.Get(ctx, bread.ID)
		require.NoError(t, err)
		require.Equal(t, 2, outside.Stock)

		_, err = tx.Orders().Insert(ctx, ana.ID, domain.OrderStatusPending, []int64{bread.ID})
		require.NoError(t, err)
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{AggregateType: "order", EventType: "order.created"})
		return err
	})
	require.NoError(t, err)

	p, err := f.products.Get(ctx, bread.ID)
	require.NoError(t, err)
	require.Equal(t, 1, p.Stock)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.PendingCount)
}

func TestUnitOfWork_ErrorDiscardsEverything(t *testing.T) {
	ctx := context.Background()
	outbox := memory.NewOutboxRepository()
	f := newFixture(t)
	f.uow = memory.NewUnitOfWork(f.store, outbox)
	ana := f.client(t, "ana@example.com", "111")
	bread := f.product(t, "b-1", "bakery", 2)
	boom := errors.New("boom")

	err := f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		_, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID})
		require.NoError(t, err)
		require.NoError(t, tx.Products().DecrementStock(ctx, bread.ID, 2))
		_, err = tx.Orders().Insert(ctx, ana.ID, domain.OrderStatusPending, []int64{bread.ID})
		require.NoError(t, err)
		_, err = tx.Outbox().Enqueue(ctx, domain.OutboxMessage{EventType: "order.created"})
		require.NoError(t, err)
		return boom
	})
	require.ErrorIs(t, err, boom)

	p, err := f.products.Get(ctx, bread.ID)
	require.NoError(t, err)
	require.Equal(t, 2, p.Stock)

	orders, err := f.orders.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Empty(t, orders)

	stats, err := outbox.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestUnitOfWork_DecrementRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	bread := f.product(t, "b-1", "bakery", 1)

	err := f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		return tx.Products().DecrementStock(ctx, bread.ID, 1)
	})
	require.Error(t, err, "decrement without row lock must fail")

	err = f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		if _, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID}); err != nil {
			return err
		}
		return tx.Products().DecrementStock(ctx, bread.ID, 2)
	})
	require.ErrorIs(t, err, domain.ErrStockWouldBeNegative)
}

func TestUnitOfWork_LockTimeoutIsConflict(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.WithLockTimeout(30*time.Millisecond))
	bread := f.product(t, "b-1", "bakery", 1)

	locked := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
			if _, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	err := f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		_, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID})
		return err
	})
	require.ErrorIs(t, err, domain.ErrTransactionConflict)

	close(release)
	wg.Wait()

	// После освобождения блокировка снова доступна.
	err = f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		_, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID})
		return err
	})
	require.NoError(t, err)
}

func TestProductUpdateWaitsForRowLock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, memory.WithLockTimeout(20*time.Millisecond))
	bread := f.product(t, "b-1", "bakery", 1)

	locked := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
			if _, err := tx.Products().FindByIDsForUpdate(ctx, []int64{bread.ID}); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()

	<-locked
	stock := 10
	_, err := f.products.Update(ctx, bread.ID, domain.ProductPatch{Stock: &stock})
	require.ErrorIs(t, err, domain.ErrTransactionConflict)

	close(release)
	<-done

	updated, err := f.products.Update(ctx, bread.ID, domain.ProductPatch{Stock: &stock})
	require.NoError(t, err)
	require.Equal(t, 10, updated.Stock)
}
