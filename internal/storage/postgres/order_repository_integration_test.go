package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/orders"
)

func quietEntry() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.ErrorLevel)
	return logger.WithField("component", "postgres-test")
}

func newOrderManager(store *Store) *orders.Manager {
	return orders.NewManager(NewUnitOfWork(store), orders.WithLogger(quietEntry()), orders.WithOrderEvents(true))
}

func productStock(t *testing.T, store *Store, id int64) int {
	t.Helper()
	p, err := NewProductRepository(store).Get(context.Background(), id)
	require.NoError(t, err)
	return p.Stock
}

func TestUnitOfWork_PostgresCreateOrderDecrementsAndEnqueues(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	manager := newOrderManager(store)
	ctx := context.Background()

	client := seedClient(t, store, "buyer")
	rice := seedProduct(t, store, "rice", "grocery", 3)
	soap := seedProduct(t, store, "soap", "hygiene", 1)

	order, err := manager.CreateOrder(ctx, orders.CreateOrderInput{
		ClientID:   client.ID,
		ProductIDs: []int64{rice.ID, soap.ID, rice.ID},
	})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusPending, order.Status)
	require.Equal(t, client.Email, order.Client.Email)
	require.ElementsMatch(t, []int64{rice.ID, soap.ID}, order.ProductIDs())

	require.Equal(t, 1, productStock(t, store, rice.ID))
	require.Equal(t, 0, productStock(t, store, soap.ID))

	pending, err := NewOutboxRepository(store).Due(ctx, time.Now().Add(time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	var event domain.OrderCreatedEvent
	require.NoError(t, json.Unmarshal(pending[0].Payload, &event))
	require.Equal(t, order.ID, event.OrderID)
	require.Equal(t, 2, event.Quantities[rice.ID])
}

func TestUnitOfWork_PostgresFailuresRollBack(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	manager := newOrderManager(store)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	client := seedClient(t, store, "buyer")
	rice := seedProduct(t, store, "rice", "grocery", 1)
	empty := seedProduct(t, store, "empty", "grocery", 0)

	_, err := manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: 404, ProductIDs: []int64{rice.ID}})
	require.ErrorIs(t, err, domain.ErrClientNotFound)

	_, err = manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: client.ID, ProductIDs: []int64{rice.ID, 999, 998}})
	var notFound *domain.ProductNotFoundError
	require.ErrorAs(t, err, &notFound)
	require.Equal(t, []int64{998, 999}, notFound.IDs)

	_, err = manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: client.ID, ProductIDs: []int64{rice.ID, empty.ID}})
	var short *domain.InsufficientStockError
	require.ErrorAs(t, err, &short)
	require.Equal(t, []int64{empty.ID}, short.IDs)

	require.Equal(t, 1, productStock(t, store, rice.ID))
	listed, err := repo.List(ctx, domain.OrderFilter{})
	require.NoError(t, err)
	require.Empty(t, listed)

	stats, err := NewOutboxRepository(store).Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.PendingCount)
}

func TestUnitOfWork_PostgresLastUnitIsSoldOnce(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	manager := newOrderManager(store)
	ctx := context.Background()

	client := seedClient(t, store, "buyer")
	last := seedProduct(t, store, "last", "grocery", 1)

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		short     int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: client.ID, ProductIDs: []int64{last.ID}})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case isInsufficient(err):
				short++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, workers-1, short)
	require.Equal(t, 0, productStock(t, store, last.ID))
}

func isInsufficient(err error) bool {
	var short *domain.InsufficientStockError
	return errors.As(err, &short)
}

func TestUnitOfWork_PostgresLockTimeoutIsConflict(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t, WithLockTimeout(100*time.Millisecond))
	manager := newOrderManager(store)
	ctx := context.Background()

	client := seedClient(t, store, "buyer")
	rice := seedProduct(t, store, "rice", "grocery", 5)

	tx, err := store.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = tx.ExecContext(ctx, `SELECT id FROM products WHERE id = $1 FOR UPDATE`, rice.ID)
	require.NoError(t, err)

	_, err = manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: client.ID, ProductIDs: []int64{rice.ID}})
	require.ErrorIs(t, err, domain.ErrTransactionConflict)

	require.NoError(t, tx.Rollback())
	require.Equal(t, 5, productStock(t, store, rice.ID))
}

func TestOrderRepository_PostgresAdministration(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	manager := newOrderManager(store)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	ana := seedClient(t, store, "ana")
	bruno := seedClient(t, store, "bruno")
	rice := seedProduct(t, store, "rice", "grocery", 10)
	soap := seedProduct(t, store, "soap", "hygiene", 10)

	first, err := manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: ana.ID, ProductIDs: []int64{rice.ID}})
	require.NoError(t, err)
	second, err := manager.CreateOrder(ctx, orders.CreateOrderInput{ClientID: bruno.ID, ProductIDs: []int64{soap.ID}, Status: "processing"})
	require.NoError(t, err)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, ana.ID, got.Client.ID)
	require.Len(t, got.Products, 1)

	bySection, err := repo.List(ctx, domain.OrderFilter{Section: "hygiene"})
	require.NoError(t, err)
	require.Len(t, bySection, 1)
	require.Equal(t, second.ID, bySection[0].ID)

	status := domain.OrderStatusProcessing
	byStatus, err := repo.List(ctx, domain.OrderFilter{Status: &status})
	require.NoError(t, err)
	require.Len(t, byStatus, 1)

	byClient, err := repo.List(ctx, domain.OrderFilter{ClientID: &ana.ID})
	require.NoError(t, err)
	require.Len(t, byClient, 1)

	future := time.Now().UTC().Add(time.Hour)
	none, err := repo.List(ctx, domain.OrderFilter{StartDate: &future})
	require.NoError(t, err)
	require.Empty(t, none)

	paged, err := repo.List(ctx, domain.OrderFilter{Page: domain.Page{Skip: 1, Limit: 1}})
	require.NoError(t, err)
	require.Len(t, paged, 1)
	require.Equal(t, second.ID, paged[0].ID)

	cancelled := domain.OrderStatusCancelled
	updated, err := repo.Update(ctx, first.ID, domain.OrderUpdate{Status: &cancelled, ProductIDs: []int64{soap.ID, rice.ID, soap.ID}})
	require.NoError(t, err)
	require.Equal(t, domain.OrderStatusCancelled, updated.Status)
	require.Equal(t, []int64{rice.ID, soap.ID}, updated.ProductIDs())
	require.Equal(t, 9, productStock(t, store, rice.ID), "cancel must not restock")

	_, err = repo.Update(ctx, first.ID, domain.OrderUpdate{ProductIDs: []int64{404}})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
	_, err = repo.Update(ctx, 404, domain.OrderUpdate{Status: &cancelled})
	require.ErrorIs(t, err, domain.ErrOrderNotFound)

	require.ErrorIs(t, NewProductRepository(store).Delete(ctx, soap.ID), domain.ErrReferenced)
	require.ErrorIs(t, NewClientRepository(store).Delete(ctx, bruno.ID), domain.ErrReferenced)

	require.NoError(t, repo.Delete(ctx, first.ID))
	require.ErrorIs(t, repo.Delete(ctx, first.ID), domain.ErrOrderNotFound)
	require.Equal(t, 9, productStock(t, store, rice.ID), "delete must not restock")
}
