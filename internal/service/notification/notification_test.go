package notification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/messaging/kafka"
)

func envelopeMessage(t *testing.T, eventType string, payload any) *sarama.ConsumerMessage {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	value, err := json.Marshal(kafka.Envelope{ID: "m-1", AggregateID: "7", EventType: eventType, Payload: raw})
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: kafka.TopicOrderEvents, Value: value}
}

func TestHandlerSendsNewOrderMessage(t *testing.T) {
	notifier := NewWhatsAppNotifier(log.WithField("test", "whatsapp"))
	handler := NewOrderEventsHandler(notifier, nil)

	msg := envelopeMessage(t, domain.EventTypeOrderCreated, domain.OrderCreatedEvent{
		OrderID: 7, ClientID: 3, ClientName: "Ana", ClientEmail: "ana@example.com",
	})
	require.NoError(t, handler.Handle(context.Background(), msg))

	sent := notifier.Sent()
	require.Len(t, sent, 1)
	require.Equal(t, "ana@example.com", sent[0].Recipient)
	require.Equal(t, "Hello Ana, your order #7 has been received! Thank you for shopping with us.", sent[0].Message)
}

func TestHandlerSkipsOtherEvents(t *testing.T) {
	notifier := NewWhatsAppNotifier(nil)
	handler := NewOrderEventsHandler(notifier, nil)

	require.NoError(t, handler.Handle(context.Background(), envelopeMessage(t, "order.deleted", map[string]int{"order_id": 1})))
	require.Empty(t, notifier.Sent())
}

func TestHandlerRejectsBrokenMessages(t *testing.T) {
	handler := NewOrderEventsHandler(NewWhatsAppNotifier(nil), nil)

	err := handler.Handle(context.Background(), &sarama.ConsumerMessage{Value: []byte("{")})
	require.Error(t, err)
	require.True(t, kafka.IsPermanent(err))

	err = handler.Handle(context.Background(), envelopeMessage(t, domain.EventTypeOrderCreated, "not an object"))
	require.True(t, kafka.IsPermanent(err))
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string) error { return errors.New("gateway down") }

func TestHandlerPropagatesSendErrors(t *testing.T) {
	handler := NewOrderEventsHandler(failingSender{}, nil)
	err := handler.NotifyOrderCreated(context.Background(), domain.OrderCreatedEvent{OrderID: 1, ClientEmail: "a@b.c"})
	require.ErrorContains(t, err, "gateway down")
}

func TestNotifierRequiresRecipient(t *testing.T) {
	require.Error(t, NewWhatsAppNotifier(nil).Send(context.Background(), " ", "hi"))
}

func TestMessageBuilders(t *testing.T) {
	require.Equal(t, "Hello Ana, here is your quotation: 3 boxes", QuotationMessage("Ana", "3 boxes"))
	require.Equal(t, "Hi Ana, check out our latest promotion: -10%", PromotionMessage("Ana", "-10%"))
}
