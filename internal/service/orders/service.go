package orders

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// Service объединяет создание заказа и административные операции над заказами.
type Service struct {
	creator Creator
	repo    domain.OrderRepository
	logger  *log.Entry
}

// NewService создаёт сервис заказов.
func NewService(creator Creator, repo domain.OrderRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.WithField("component", "order-service")
	}
	return &Service{creator: creator, repo: repo, logger: logger}
}

// Create делегирует создание транзакционному Creator.
func (s *Service) Create(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	return s.creator.CreateOrder(ctx, in)
}

// Get возвращает заказ по id.
func (s *Service) Get(ctx context.Context, id int64) (domain.Order, error) {
	return s.repo.Get(ctx, id)
}

// List возвращает заказы по фильтру.
func (s *Service) List(ctx context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	filter.Page = filter.Page.Normalized()
	if filter.StartDate != nil && filter.EndDate != nil && filter.EndDate.Before(*filter.StartDate) {
		return nil, fmt.Errorf("%w: end_date is before start_date", domain.ErrInvalidArgument)
	}
	return s.repo.List(ctx, filter)
}

// Update меняет статус и/или набор товаров заказа. Остатки не пересчитываются.
func (s *Service) Update(ctx context.Context, id int64, update domain.OrderUpdate) (domain.Order, error) {
	if update.Status != nil && !update.Status.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown order status %q", domain.ErrInvalidArgument, *update.Status)
	}
	if update.ProductIDs != nil && len(update.ProductIDs) == 0 {
		return domain.Order{}, fmt.Errorf("%w: product_ids must not be empty", domain.ErrInvalidArgument)
	}

	order, err := s.repo.Update(ctx, id, update)
	if err != nil {
		return domain.Order{}, err
	}

	s.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"status":   order.Status,
	}).Info("order updated")
	return order, nil
}

// Delete удаляет заказ без возврата остатков.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.WithField("order_id", id).Info("order deleted")
	return nil
}
