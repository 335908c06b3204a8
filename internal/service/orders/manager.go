package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

// CreateOrderInput — параметры создания заказа.
// ProductIDs может содержать повторы: каждое вхождение списывает одну единицу.
type CreateOrderInput struct {
	ClientID   int64
	ProductIDs []int64
	Status     string
}

// Creator — контракт создания заказа, общий для Manager и RetryingCreator.
type Creator interface {
	CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error)
}

// ManagerOption настраивает Manager.
type ManagerOption func(*Manager)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics задаёт метрики заказов.
func WithMetrics(orderMetrics *metrics.OrderMetrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = orderMetrics
	}
}

// WithOrderEvents включает запись события order.created в outbox в той же транзакции.
func WithOrderEvents(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.emitEvents = enabled
	}
}

// Manager выполняет транзакцию создания заказа: проверка клиента,
// блокировка товаров, проверка и списание остатков, вставка заказа.
type Manager struct {
	uow        domain.UnitOfWork
	logger     *log.Entry
	metrics    *metrics.OrderMetrics
	emitEvents bool
}

// NewManager создаёт Manager поверх единицы работы.
func NewManager(uow domain.UnitOfWork, options ...ManagerOption) *Manager {
	m := &Manager{uow: uow}
	for _, option := range options {
		option(m)
	}
	if m.logger == nil {
		m.logger = log.WithField("component", "order-manager")
	}
	return m
}

// CreateOrder атомарно создаёт заказ. При любой ошибке изменения не видны,
// блокировки освобождены.
func (m *Manager) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	status, err := domain.ParseOrderStatus(in.Status)
	if err != nil {
		m.recordFailure(err)
		return domain.Order{}, err
	}
	if len(in.ProductIDs) == 0 {
		err := fmt.Errorf("%w: product_ids must not be empty", domain.ErrInvalidArgument)
		m.recordFailure(err)
		return domain.Order{}, err
	}

	quantities, distinct := countOccurrences(in.ProductIDs)

	started := time.Now()
	if m.metrics != nil {
		m.metrics.RecordCreateStarted()
		defer func() { m.metrics.RecordCreateFinished(time.Since(started)) }()
	}

	var created domain.Order
	err = m.uow.Do(ctx, func(ctx context.Context, tx domain.TxStores) error {
		client, err := tx.Clients().FindByID(ctx, in.ClientID)
		if err != nil {
			return err
		}

		products, err := tx.Products().FindByIDsForUpdate(ctx, distinct)
		if err != nil {
			return err
		}
		byID := make(map[int64]domain.Product, len(products))
		for _, p := range products {
			byID[p.ID] = p
		}

		var missing []int64
		for _, id := range distinct {
			if _, ok := byID[id]; !ok {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return domain.NewProductNotFoundError(missing)
		}

		var short []int64
		for _, id := range distinct {
			if byID[id].Stock < quantities[id] {
				short = append(short, id)
			}
		}
		if len(short) > 0 {
			return domain.NewInsufficientStockError(short)
		}

		for _, id := range distinct {
			if err := tx.Products().DecrementStock(ctx, id, quantities[id]); err != nil {
				if errors.Is(err, domain.ErrStockWouldBeNegative) {
					return domain.NewInsufficientStockError([]int64{id})
				}
				return err
			}
		}

		order, err := tx.Orders().Insert(ctx, client.ID, status, distinct)
		if err != nil {
			return err
		}
		order.Client = client

		if m.emitEvents {
			if err := enqueueOrderCreated(ctx, tx.Outbox(), order, quantities); err != nil {
				return err
			}
		}

		created = order
		return nil
	})
	if err != nil {
		return domain.Order{}, m.classify(in, err)
	}

	if m.metrics != nil {
		m.metrics.RecordOrderCreated(len(in.ProductIDs))
	}
	m.logger.WithFields(log.Fields{
		"order_id":  created.ID,
		"client_id": created.ClientID,
		"status":    created.Status,
		"products":  len(distinct),
		"units":     len(in.ProductIDs),
	}).Info("order created")

	return created, nil
}

// classify пропускает доменные ошибки как есть, остальное превращает в ErrStorage.
func (m *Manager) classify(in CreateOrderInput, err error) error {
	m.recordFailure(err)

	switch {
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrClientNotFound),
		errors.Is(err, domain.ErrProductNotFound),
		errors.Is(err, domain.ErrInsufficientStock):
		return err
	case errors.Is(err, domain.ErrTransactionConflict):
		m.logger.WithError(err).WithField("client_id", in.ClientID).Warn("order transaction conflict")
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, domain.ErrStorage):
		m.logger.WithError(err).WithField("client_id", in.ClientID).Error("order storage failure")
		return err
	default:
		m.logger.WithError(err).WithField("client_id", in.ClientID).Error("order storage failure")
		return fmt.Errorf("%w: %w", domain.ErrStorage, err)
	}
}

func (m *Manager) recordFailure(err error) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordOrderFailed(failureReason(err))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return metrics.ReasonInvalidArgument
	case errors.Is(err, domain.ErrClientNotFound):
		return metrics.ReasonClientNotFound
	case errors.Is(err, domain.ErrProductNotFound):
		return metrics.ReasonProductNotFound
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.ReasonInsufficientStock
	case errors.Is(err, domain.ErrTransactionConflict):
		return metrics.ReasonConflict
	default:
		return metrics.ReasonStorage
	}
}

func enqueueOrderCreated(ctx context.Context, outbox domain.OutboxWriter, order domain.Order, quantities map[int64]int) error {
	payload, err := json.Marshal(domain.NewOrderCreatedEvent(order, quantities))
	if err != nil {
		return fmt.Errorf("marshal order created event: %w", err)
	}
	if _, err := outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   strconv.FormatInt(order.ID, 10),
		EventType:     domain.EventTypeOrderCreated,
		Payload:       payload,
	}); err != nil {
		return fmt.Errorf("enqueue order created event: %w", err)
	}
	return nil
}

// countOccurrences возвращает число вхождений каждого id и отсортированный набор различных id.
func countOccurrences(ids []int64) (map[int64]int, []int64) {
	quantities := make(map[int64]int, len(ids))
	distinct := make([]int64, 0, len(ids))
	for _, id := range ids {
		if quantities[id] == 0 {
			distinct = append(distinct, id)
		}
		quantities[id]++
	}
	sort.Slice(distinct, func(i, j int) bool { return distinct[i] < distinct[j] })
	return quantities, distinct
}
