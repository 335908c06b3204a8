package domain

import "time"

const (
	// AggregateTypeOrder — тип агрегата для outbox-сообщений заказа.
	AggregateTypeOrder = "order"
	// EventTypeOrderCreated публикуется после успешного коммита заказа.
	EventTypeOrderCreated = "order.created"
)

// OrderCreatedEvent — полезная нагрузка события order.created.
type OrderCreatedEvent struct {
	OrderID     int64          `json:"order_id"`
	ClientID    int64          `json:"client_id"`
	ClientName  string         `json:"client_name"`
	ClientEmail string         `json:"client_email"`
	Status      OrderStatus    `json:"status"`
	Quantities  map[int64]int  `json:"quantities"`
	Products    []EventProduct `json:"products"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EventProduct — краткое описание товара в событии.
type EventProduct struct {
	ID          int64  `json:"id"`
	Description string `json:"description"`
	Price       string `json:"price"`
}

// NewOrderCreatedEvent собирает событие по созданному заказу.
func NewOrderCreatedEvent(order Order, quantities map[int64]int) OrderCreatedEvent {
	products := make([]EventProduct, 0, len(order.Products))
	for _, p := range order.Products {
		products = append(products, EventProduct{
			ID:          p.ID,
			Description: p.Description,
			Price:       p.Price.StringFixed(2),
		})
	}
	return OrderCreatedEvent{
		OrderID:     order.ID,
		ClientID:    order.ClientID,
		ClientName:  order.Client.Name,
		ClientEmail: order.Client.Email,
		Status:      order.Status,
		Quantities:  quantities,
		Products:    products,
		CreatedAt:   order.CreatedAt,
	}
}
