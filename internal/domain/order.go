package domain

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа. Набор значений закрыт.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ожидает обработки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing — заказ собирается.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusCompleted — заказ выполнен.
	OrderStatusCompleted OrderStatus = "completed"
	// OrderStatusCancelled — заказ отменён. Остатки при отмене не возвращаются.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// OrderStatuses возвращает все допустимые статусы.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{
		OrderStatusPending,
		OrderStatusProcessing,
		OrderStatusCompleted,
		OrderStatusCancelled,
	}
}

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusCompleted, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseOrderStatus разбирает статус на границе системы. Пустая строка означает pending.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return OrderStatusPending, nil
	}
	status := OrderStatus(strings.ToLower(raw))
	if !status.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidArgument, raw)
	}
	return status, nil
}

// Order — заказ клиента. Products содержит различные товары заказа без количества.
type Order struct {
	ID        int64
	ClientID  int64
	Client    Client
	Status    OrderStatus
	Products  []Product
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductIDs возвращает идентификаторы товаров заказа.
func (o Order) ProductIDs() []int64 {
	ids := make([]int64, 0, len(o.Products))
	for _, p := range o.Products {
		ids = append(ids, p.ID)
	}
	return ids
}

// OrderFilter задаёт фильтры списка заказов.
type OrderFilter struct {
	OrderID   *int64
	ClientID  *int64
	Status    *OrderStatus
	Section   string
	StartDate *time.Time
	EndDate   *time.Time
	Page      Page
}

// OrderUpdate описывает изменения заказа. Nil-поля не меняются.
type OrderUpdate struct {
	Status     *OrderStatus
	ProductIDs []int64
}
