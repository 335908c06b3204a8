package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

type unitOfWork struct {
	store *Store
}

// NewUnitOfWork создаёт единицу работы поверх транзакции PostgreSQL.
// Блокировки строк держит сама база до COMMIT/ROLLBACK.
func NewUnitOfWork(store *Store) domain.UnitOfWork {
	return &unitOfWork{store: store}
}

func (u *unitOfWork) Do(ctx context.Context, fn func(ctx context.Context, stores domain.TxStores) error) error {
	return u.store.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, txStores{tx: tx})
	})
}

// inTx открывает транзакцию с lock_timeout, выполняет fn и фиксирует результат.
// Любая ошибка fn приводит к ROLLBACK.
func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapError("begin tx", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `SELECT set_config('lock_timeout', $1, true)`, lockTimeoutSetting(s.lockTimeout)); err != nil {
		return mapError("set lock timeout", err)
	}

	if err = fn(ctx, tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		if isConflict(err) {
			return fmt.Errorf("%w: commit: %v", domain.ErrTransactionConflict, err)
		}
		return mapError("commit tx", err)
	}
	return nil
}

func lockTimeoutSetting(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}

type txStores struct {
	tx *sql.Tx
}

func (s txStores) Clients() domain.ClientStore   { return txClients{s.tx} }
func (s txStores) Products() domain.ProductStore { return txProducts{s.tx} }
func (s txStores) Orders() domain.OrderStore     { return txOrders{s.tx} }
func (s txStores) Outbox() domain.OutboxWriter   { return txOutbox{s.tx} }

type txClients struct{ tx *sql.Tx }

// FindByID блокирует клиента от удаления, пока транзакция не завершится.
func (c txClients) FindByID(ctx context.Context, id int64) (domain.Client, error) {
	return getClient(ctx, c.tx, id, true)
}

type txProducts struct{ tx *sql.Tx }

func (p txProducts) FindByIDsForUpdate(ctx context.Context, ids []int64) ([]domain.Product, error) {
	if len(ids) == 0 {
		return []domain.Product{}, nil
	}
	return loadProducts(ctx, p.tx, ids, true)
}

func (p txProducts) DecrementStock(ctx context.Context, id int64, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: decrement amount must be positive", domain.ErrInvalidArgument)
	}

	res, err := p.tx.ExecContext(ctx, `
		UPDATE products
		SET stock = stock - $2, updated_at = $3
		WHERE id = $1 AND stock >= $2
	`, id, amount, time.Now().UTC())
	if err != nil {
		return mapError("decrement stock", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("decrement rows affected", err)
	}
	if affected == 0 {
		return domain.ErrStockWouldBeNegative
	}
	return nil
}

type txOrders struct{ tx *sql.Tx }

func (o txOrders) Insert(ctx context.Context, clientID int64, status domain.OrderStatus, productIDs []int64) (domain.Order, error) {
	if !status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidArgument, status)
	}
	ids := distinctSorted(productIDs)
	if len(ids) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order must reference at least one product", domain.ErrInvalidArgument)
	}

	now := time.Now().UTC()
	var orderID int64
	if err := o.tx.QueryRowContext(ctx, `
		INSERT INTO orders (client_id, status, created_at, updated_at)
		VALUES ($1,$2,$3,$3)
		RETURNING id
	`, clientID, string(status), now).Scan(&orderID); err != nil {
		if errors.Is(mapError("insert order", err), domain.ErrReferenced) {
			return domain.Order{}, domain.ErrClientNotFound
		}
		return domain.Order{}, mapError("insert order", err)
	}

	if err := linkProducts(ctx, o.tx, orderID, ids); err != nil {
		return domain.Order{}, err
	}

	orders, err := hydrateOrders(ctx, o.tx, []int64{orderID})
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) != 1 {
		return domain.Order{}, fmt.Errorf("inserted order %d is not visible", orderID)
	}
	return orders[0], nil
}

type txOutbox struct{ tx *sql.Tx }

func (o txOutbox) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	return enqueueOutbox(ctx, o.tx, msg, time.Now().UTC())
}

var _ domain.UnitOfWork = (*unitOfWork)(nil)
