package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

type orderRepository struct {
	store *Store
	db    *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
// Заказы создаются только через UnitOfWork.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store, db: store.DB()}
}

func (r *orderRepository) Get(ctx context.Context, id int64) (domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	orders, err := hydrateOrders(ctx, r.db, []int64{id})
	if err != nil {
		return domain.Order{}, err
	}
	if len(orders) == 0 {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return orders[0], nil
}

func (r *orderRepository) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var orderID, clientID, status, startDate, endDate any
	if filter.OrderID != nil {
		orderID = *filter.OrderID
	}
	if filter.ClientID != nil {
		clientID = *filter.ClientID
	}
	if filter.Status != nil {
		status = string(*filter.Status)
	}
	if filter.StartDate != nil {
		startDate = filter.StartDate.UTC()
	}
	if filter.EndDate != nil {
		endDate = filter.EndDate.UTC()
	}

	page := filter.Page.Normalized()
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.id
		FROM orders o
		WHERE ($1::bigint IS NULL OR o.id = $1::bigint)
		  AND ($2::bigint IS NULL OR o.client_id = $2::bigint)
		  AND ($3::text IS NULL OR o.status = $3::text)
		  AND ($4::timestamptz IS NULL OR o.created_at >= $4::timestamptz)
		  AND ($5::timestamptz IS NULL OR o.created_at <= $5::timestamptz)
		  AND ($6 = '' OR EXISTS (
		        SELECT 1
		        FROM order_products op
		        JOIN products p ON p.id = op.product_id
		        WHERE op.order_id = o.id AND p.section = $6
		  ))
		ORDER BY o.id
		OFFSET $7 LIMIT $8
	`, orderID, clientID, status, startDate, endDate, filter.Section, page.Skip, page.Limit)
	if err != nil {
		return nil, mapError("list orders", err)
	}

	ids := make([]int64, 0, page.Limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, mapError("scan order id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate orders", err)
	}

	if len(ids) == 0 {
		return []domain.Order{}, nil
	}
	return hydrateOrders(ctx, r.db, ids)
}

// Update меняет статус и/или заменяет набор товаров. Остатки не пересчитываются.
func (r *orderRepository) Update(ctx context.Context, id int64, update domain.OrderUpdate) (domain.Order, error) {
	var updated domain.Order
	err := r.store.inTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var current int64
		if err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrOrderNotFound
			}
			return mapError("lock order", err)
		}

		if update.Status != nil {
			if !update.Status.Valid() {
				return fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidArgument, *update.Status)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE orders SET status = $2 WHERE id = $1`, id, string(*update.Status)); err != nil {
				return mapError("update order status", err)
			}
		}

		if update.ProductIDs != nil {
			ids := distinctSorted(update.ProductIDs)
			if len(ids) == 0 {
				return fmt.Errorf("%w: order must reference at least one product", domain.ErrInvalidArgument)
			}
			found, err := loadProducts(ctx, tx, ids, false)
			if err != nil {
				return err
			}
			if missing := missingIDs(ids, found); len(missing) > 0 {
				return domain.NewProductNotFoundError(missing)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM order_products WHERE order_id = $1`, id); err != nil {
				return mapError("unlink order products", err)
			}
			if err := linkProducts(ctx, tx, id, ids); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE orders SET updated_at = $2 WHERE id = $1`, id, time.Now().UTC()); err != nil {
			return mapError("touch order", err)
		}

		orders, err := hydrateOrders(ctx, tx, []int64{id})
		if err != nil {
			return err
		}
		if len(orders) == 0 {
			return domain.ErrOrderNotFound
		}
		updated = orders[0]
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}
	return updated, nil
}

// Delete удаляет заказ и его связи с товарами. Остатки не возвращаются.
func (r *orderRepository) Delete(ctx context.Context, id int64) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return mapError("delete order", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return mapError("order rows affected", err)
	}
	if affected == 0 {
		return domain.ErrOrderNotFound
	}
	return nil
}

func linkProducts(ctx context.Context, q queryer, orderID int64, productIDs []int64) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO order_products (order_id, product_id)
		SELECT $1, unnest($2::bigint[])
	`, orderID, productIDs); err != nil {
		if errors.Is(mapError("link order products", err), domain.ErrReferenced) {
			return domain.NewProductNotFoundError(productIDs)
		}
		return mapError("link order products", err)
	}
	return nil
}

// hydrateOrders загружает заказы вместе с клиентом и товарами, сохраняя порядок ids.
// Отсутствующие заказы пропускаются.
func hydrateOrders(ctx context.Context, q queryer, ids []int64) ([]domain.Order, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT o.id, o.client_id, o.status, o.created_at, o.updated_at,
		       c.id, c.name, c.email, c.tax_id, c.created_at, c.updated_at
		FROM orders o
		JOIN clients c ON c.id = o.client_id
		WHERE o.id = ANY($1)
	`, ids)
	if err != nil {
		return nil, mapError("load orders", err)
	}

	byID := make(map[int64]*domain.Order, len(ids))
	for rows.Next() {
		var (
			order  domain.Order
			status string
		)
		if err := rows.Scan(
			&order.ID, &order.ClientID, &status, &order.CreatedAt, &order.UpdatedAt,
			&order.Client.ID, &order.Client.Name, &order.Client.Email, &order.Client.TaxID,
			&order.Client.CreatedAt, &order.Client.UpdatedAt,
		); err != nil {
			rows.Close()
			return nil, mapError("scan order", err)
		}
		order.Status = domain.OrderStatus(status)
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()
		order.Products = []domain.Product{}
		byID[order.ID] = &order
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate orders", err)
	}
	if len(byID) == 0 {
		return []domain.Order{}, nil
	}

	productRows, err := q.QueryContext(ctx, `
		SELECT op.order_id, p.id, p.description, p.price, p.barcode, p.section, p.stock,
		       p.expiry_date, p.images, p.created_at, p.updated_at
		FROM order_products op
		JOIN products p ON p.id = op.product_id
		WHERE op.order_id = ANY($1)
		ORDER BY op.order_id, p.id
	`, ids)
	if err != nil {
		return nil, mapError("load order products", err)
	}
	defer productRows.Close()

	for productRows.Next() {
		var orderID int64
		product, err := scanProduct(prefixedScanner{row: productRows, prefix: &orderID})
		if err != nil {
			return nil, mapError("scan order product", err)
		}
		if order, ok := byID[orderID]; ok {
			order.Products = append(order.Products, product)
		}
	}
	if err := productRows.Err(); err != nil {
		return nil, mapError("iterate order products", err)
	}

	result := make([]domain.Order, 0, len(byID))
	for _, id := range ids {
		if order, ok := byID[id]; ok {
			result = append(result, *order)
		}
	}
	return result, nil
}

// prefixedScanner добавляет в начало Scan дополнительную колонку.
type prefixedScanner struct {
	row    rowScanner
	prefix any
}

func (s prefixedScanner) Scan(dest ...any) error {
	return s.row.Scan(append([]any{s.prefix}, dest...)...)
}

func distinctSorted(ids []int64) []int64 {
	out := slices.Clone(ids)
	slices.Sort(out)
	return slices.Compact(out)
}

func missingIDs(ids []int64, found []domain.Product) []int64 {
	present := make(map[int64]struct{}, len(found))
	for _, p := range found {
		present[p.ID] = struct{}{}
	}
	var missing []int64
	for _, id := range ids {
		if _, ok := present[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

var _ domain.OrderRepository = (*orderRepository)(nil)
