package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/config"
	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/notification"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/outbox"
)

// initKafkaProducer создаёт producer, если брокеры заданы.
// Ошибка подключения не фатальна: сервис работает без публикации событий.
func initKafkaProducer(cfg config.KafkaConfig, logger *log.Entry) *kafka.Producer {
	if len(cfg.Brokers) == 0 {
		return nil
	}

	producer, err := kafka.NewProducer(kafka.ProducerConfig{Brokers: cfg.Brokers, ClientID: cfg.ClientID, Compression: cfg.Compression})
	if err != nil {
		logger.WithError(err).Warn("failed to create kafka producer, continuing without kafka")
		return nil
	}

	logger.WithField("brokers", cfg.Brokers).Info("kafka producer initialized")
	return producer
}

// closeKafka закрывает producer, если он есть.
func closeKafka(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

func newOutboxWorker(cfg config.Config, repo domain.OutboxRepository, producer *kafka.Producer, registerer prometheus.Registerer, logger *log.Entry) *outbox.Worker {
	return outbox.NewWorker(repo, kafka.NewOutboxPublisher(producer, cfg.Kafka.OrderTopic),
		outbox.WithLogger(logger.WithField("component", "outbox-worker")),
		outbox.WithMetrics(metrics.NewOutboxMetrics(registerer)),
		outbox.WithDeadLetters(kafka.NewOutboxPublisher(producer, cfg.Kafka.DLQTopic)),
		outbox.WithPollInterval(cfg.Outbox.PollInterval),
		outbox.WithBatchSize(cfg.Outbox.BatchSize),
		outbox.WithRetryPolicy(cfg.Outbox.MaxAttempts, cfg.Outbox.RetryDelay, cfg.Outbox.MaxRetryDelay),
	)
}

// startNotificationConsumer подписывает уведомления клиентов на события заказов.
func startNotificationConsumer(ctx context.Context, cfg config.KafkaConfig, producer *kafka.Producer, registerer prometheus.Registerer, logger *log.Entry) (*kafka.Consumer, error) {
	handler := notification.NewOrderEventsHandler(
		notification.NewWhatsAppNotifier(logger.WithField("component", "whatsapp-notifier")),
		logger.WithField("component", "order-notifications"),
	)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.ConsumerGroup,
		Topics:      []string{cfg.OrderTopic},
		MaxAttempts: cfg.ConsumerMaxAttempts,
		RetryDelay:  cfg.ConsumerRetryDelay,
		DLQ:         producer,
		DLQTopic:    cfg.DLQTopic,
		Metrics:     metrics.NewConsumerMetrics(registerer),
		Logger:      logger.WithField("component", "kafka-consumer"),
	}, handler.Handle)
	if err != nil {
		return nil, err
	}
	if err := consumer.Start(ctx); err != nil {
		_ = consumer.Stop()
		return nil, err
	}
	return consumer, nil
}
