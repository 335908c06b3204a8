package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// orderRepositoryInMemory — чтение и администрирование заказов поверх Store.
type orderRepositoryInMemory struct {
	store *Store
}

// NewOrderRepository возвращает in-memory репозиторий заказов для локальной разработки и тестов.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepositoryInMemory{store: store}
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r *orderRepositoryInMemory) Get(_ context.Context, id int64) (domain.Order, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return s.hydrateLocked(rec), nil
}

// List возвращает заказы по фильтру, отсортированные по id.
func (r *orderRepositoryInMemory) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	s := r.store
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := make([]orderRecord, 0, len(s.orders))
	for _, rec := range s.orders {
		if s.orderMatchesLocked(rec, filter) {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool { return records[i].id < records[j].id })

	page := domain.Slice(records, filter.Page)
	result := make([]domain.Order, 0, len(page))
	for _, rec := range page {
		result = append(result, s.hydrateLocked(rec))
	}
	return result, nil
}

// Update меняет статус и/или набор товаров. Остатки не пересчитываются.
func (r *orderRepositoryInMemory) Update(_ context.Context, id int64, update domain.OrderUpdate) (domain.Order, error) {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrOrderNotFound
	}

	if update.Status != nil {
		if !update.Status.Valid() {
			return domain.Order{}, fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidArgument, *update.Status)
		}
		rec.status = *update.Status
	}
	if update.ProductIDs != nil {
		ids := distinctSorted(update.ProductIDs)
		if len(ids) == 0 {
			return domain.Order{}, fmt.Errorf("%w: order must reference at least one product", domain.ErrInvalidArgument)
		}
		if missing := s.missingProductsLocked(ids); len(missing) > 0 {
			return domain.Order{}, domain.NewProductNotFoundError(missing)
		}
		rec.productIDs = ids
	}

	rec.updatedAt = time.Now().UTC()
	s.orders[id] = rec
	return s.hydrateLocked(rec), nil
}

// Delete удаляет заказ. Списанные остатки не возвращаются.
func (r *orderRepositoryInMemory) Delete(_ context.Context, id int64) error {
	s := r.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[id]; !ok {
		return domain.ErrOrderNotFound
	}
	delete(s.orders, id)
	return nil
}

func (s *Store) orderMatchesLocked(rec orderRecord, filter domain.OrderFilter) bool {
	if filter.OrderID != nil && rec.id != *filter.OrderID {
		return false
	}
	if filter.ClientID != nil && rec.clientID != *filter.ClientID {
		return false
	}
	if filter.Status != nil && rec.status != *filter.Status {
		return false
	}
	if filter.StartDate != nil && rec.createdAt.Before(*filter.StartDate) {
		return false
	}
	if filter.EndDate != nil && rec.createdAt.After(*filter.EndDate) {
		return false
	}
	if filter.Section != "" {
		found := false
		for _, pid := range rec.productIDs {
			if p, ok := s.products[pid]; ok && p.Section == filter.Section {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
