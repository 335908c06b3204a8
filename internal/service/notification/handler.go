package notification

import (
	"context"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/messaging/kafka"
)

// OrderEventsHandler уведомляет клиента о созданном заказе.
type OrderEventsHandler struct {
	sender Sender
	logger *log.Entry
}

// NewOrderEventsHandler создаёт обработчик событий заказов.
func NewOrderEventsHandler(sender Sender, logger *log.Entry) *OrderEventsHandler {
	if logger == nil {
		logger = log.WithField("component", "order-notifications")
	}
	return &OrderEventsHandler{sender: sender, logger: logger}
}

// Handle подходит как kafka.MessageHandler. События других типов пропускаются,
// нечитаемые сообщения помечаются kafka.Permanent.
func (h *OrderEventsHandler) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	envelope, err := kafka.ParseEnvelope(message)
	if err != nil {
		return kafka.Permanent(err)
	}
	if envelope.EventType != domain.EventTypeOrderCreated {
		h.logger.WithField("event_type", envelope.EventType).Debug("event skipped")
		return nil
	}

	event, err := kafka.DecodeOrderCreated(envelope)
	if err != nil {
		return kafka.Permanent(err)
	}
	return h.NotifyOrderCreated(ctx, event)
}

// NotifyOrderCreated отправляет сообщение о новом заказе.
func (h *OrderEventsHandler) NotifyOrderCreated(ctx context.Context, event domain.OrderCreatedEvent) error {
	if err := h.sender.Send(ctx, event.ClientEmail, NewOrderMessage(event.ClientName, event.OrderID)); err != nil {
		return fmt.Errorf("notify order %d: %w", event.OrderID, err)
	}
	h.logger.WithFields(log.Fields{
		"order_id":  event.OrderID,
		"client_id": event.ClientID,
	}).Info("order notification sent")
	return nil
}
