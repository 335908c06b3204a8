package kafka

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// OutboxTopicPublisher отправляет outbox-сообщения в один topic в виде Envelope.
// Ключом служит id агрегата, поэтому события одного заказа упорядочены в партиции.
type OutboxTopicPublisher struct {
	producer *Producer
	topic    string
	now      func() time.Time
}

// NewOutboxPublisher использует TopicOrderEvents, если topic пуст.
func NewOutboxPublisher(producer *Producer, topic string) *OutboxTopicPublisher {
	if topic == "" {
		topic = TopicOrderEvents
	}
	return &OutboxTopicPublisher{producer: producer, topic: topic, now: time.Now}
}

func (p *OutboxTopicPublisher) Topic() string { return p.topic }

func (p *OutboxTopicPublisher) Publish(msg domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("%w: no kafka producer for outbox", domain.ErrOutboxPublish)
	}
	if !json.Valid(msg.Payload) {
		return fmt.Errorf("%w: outbox message %s has a non-JSON payload", domain.ErrOutboxPublish, msg.ID)
	}

	value, err := json.Marshal(NewEnvelope(msg, p.now()))
	if err != nil {
		return fmt.Errorf("encode envelope %s: %w", msg.ID, err)
	}

	key := msg.AggregateID
	if key == "" {
		key = msg.ID
	}
	return p.producer.Publish(p.topic, key, value, map[string]string{
		HeaderEventType:     msg.EventType,
		HeaderMessageID:     msg.ID,
		HeaderAggregateType: msg.AggregateType,
		HeaderAttempt:       strconv.Itoa(msg.Attempts + 1),
	})
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
