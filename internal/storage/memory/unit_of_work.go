package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// unitOfWork реализует domain.UnitOfWork поверх Store.
// Изменения копятся в транзакции и применяются разом при коммите,
// поэтому при ошибке наружу ничего не попадает.
type unitOfWork struct {
	store  *Store
	outbox *OutboxRepository
}

// NewUnitOfWork создаёт in-memory единицу работы. outbox может быть nil.
func NewUnitOfWork(store *Store, outbox *OutboxRepository) domain.UnitOfWork {
	return &unitOfWork{store: store, outbox: outbox}
}

func (u *unitOfWork) Do(ctx context.Context, fn func(ctx context.Context, stores domain.TxStores) error) error {
	tx := &memoryTx{
		store:  u.store,
		outbox: u.outbox,
		held:   make(map[int64]struct{}),
		stock:  make(map[int64]int),
	}
	defer tx.releaseLocks()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return tx.commit()
}

// memoryTx — состояние одной единицы работы.
type memoryTx struct {
	store  *Store
	outbox *OutboxRepository

	held      map[int64]struct{}
	heldOrder []int64

	stock  map[int64]int
	orders []orderRecord
	events []domain.OutboxMessage
}

func (tx *memoryTx) Clients() domain.ClientStore   { return txClients{tx} }
func (tx *memoryTx) Products() domain.ProductStore { return txProducts{tx} }
func (tx *memoryTx) Orders() domain.OrderStore     { return txOrders{tx} }
func (tx *memoryTx) Outbox() domain.OutboxWriter   { return txOutbox{tx} }

func (tx *memoryTx) releaseLocks() {
	for i := len(tx.heldOrder) - 1; i >= 0; i-- {
		tx.store.unlockProduct(tx.heldOrder[i])
	}
	tx.heldOrder = nil
	tx.held = nil
}

// productLocked возвращает товар с учётом ещё не применённых списаний.
func (tx *memoryTx) productLocked(p domain.Product) domain.Product {
	if staged, ok := tx.stock[p.ID]; ok {
		p.Stock = staged
	}
	return cloneProduct(p)
}

func (tx *memoryTx) commit() error {
	s := tx.store
	now := time.Now().UTC()

	s.mu.Lock()
	for _, rec := range tx.orders {
		if _, ok := s.clients[rec.clientID]; !ok {
			s.mu.Unlock()
			return domain.ErrClientNotFound
		}
		if missing := s.missingProductsLocked(rec.productIDs); len(missing) > 0 {
			s.mu.Unlock()
			return domain.NewProductNotFoundError(missing)
		}
	}
	for id, value := range tx.stock {
		if value < 0 {
			s.mu.Unlock()
			return fmt.Errorf("commit product %d: %w", id, domain.ErrStockWouldBeNegative)
		}
	}
	for id, value := range tx.stock {
		p := s.products[id]
		p.Stock = value
		p.UpdatedAt = now
		s.products[id] = p
	}
	for _, rec := range tx.orders {
		s.orders[rec.id] = rec
	}
	s.mu.Unlock()

	if tx.outbox != nil {
		for _, event := range tx.events {
			if _, err := tx.outbox.Enqueue(context.Background(), event); err != nil {
				return fmt.Errorf("commit outbox event: %w", err)
			}
		}
	}
	return nil
}

type txClients struct{ tx *memoryTx }

func (c txClients) FindByID(_ context.Context, id int64) (domain.Client, error) {
	s := c.tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clients[id]
	if !ok {
		return domain.Client{}, domain.ErrClientNotFound
	}
	return client, nil
}

type txProducts struct{ tx *memoryTx }

func (p txProducts) FindByIDsForUpdate(ctx context.Context, ids []int64) ([]domain.Product, error) {
	tx := p.tx
	ordered := distinctSorted(ids)

	// Порядок захвата по возрастанию id исключает взаимные блокировки между транзакциями.
	for _, id := range ordered {
		if _, ok := tx.held[id]; ok {
			continue
		}
		if err := tx.store.lockProduct(ctx, id); err != nil {
			return nil, err
		}
		tx.held[id] = struct{}{}
		tx.heldOrder = append(tx.heldOrder, id)
	}

	s := tx.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Product, 0, len(ordered))
	for _, id := range ordered {
		product, ok := s.products[id]
		if !ok {
			continue
		}
		result = append(result, tx.productLocked(product))
	}
	return result, nil
}

func (p txProducts) DecrementStock(_ context.Context, id int64, amount int) error {
	tx := p.tx
	if amount <= 0 {
		return fmt.Errorf("%w: decrement amount must be positive", domain.ErrInvalidArgument)
	}
	if _, ok := tx.held[id]; !ok {
		return fmt.Errorf("decrement stock: product %d is not locked by this unit of work", id)
	}

	s := tx.store
	s.mu.RLock()
	product, ok := s.products[id]
	s.mu.RUnlock()
	if !ok {
		return domain.NewProductNotFoundError([]int64{id})
	}

	current := tx.productLocked(product).Stock
	if current-amount < 0 {
		return domain.ErrStockWouldBeNegative
	}
	tx.stock[id] = current - amount
	return nil
}

type txOrders struct{ tx *memoryTx }

func (o txOrders) Insert(_ context.Context, clientID int64, status domain.OrderStatus, productIDs []int64) (domain.Order, error) {
	tx := o.tx
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidArgument, status)
	}
	ids := distinctSorted(productIDs)
	if len(ids) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must reference at least one product", domain.ErrInvalidArgument)
	}

	s := tx.store
	now := time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	client, ok := s.clients[clientID]
	if !ok {
		return domain.Order{}, domain.ErrClientNotFound
	}
	if missing := s.missingProductsLocked(ids); len(missing) > 0 {
		return domain.Order{}, domain.NewProductNotFoundError(missing)
	}

	s.nextOrderID++
	rec := orderRecord{
		id:         s.nextOrderID,
		clientID:   clientID,
		status:     status,
		productIDs: ids,
		createdAt:  now,
		updatedAt:  now,
	}
	tx.orders = append(tx.orders, rec)

	order := domain.Order{
		ID:        rec.id,
		ClientID:  clientID,
		Client:    client,
		Status:    status,
		Products:  make([]domain.Product, 0, len(ids)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range ids {
		order.Products = append(order.Products, tx.productLocked(s.products[id]))
	}
	return order, nil
}

type txOutbox struct{ tx *memoryTx }

func (o txOutbox) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	msg = withOutboxID(msg)
	o.tx.events = append(o.tx.events, msg)
	return msg, nil
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)
