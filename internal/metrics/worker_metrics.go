package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Результаты публикации outbox для метки result.
const (
	OutboxResultSent      = "sent"
	OutboxResultRetry     = "retry_scheduled"
	OutboxResultDead      = "dead"
	OutboxResultDLQFailed = "dlq_failed"
)

// OutboxMetrics собирает метрики outbox worker.
type OutboxMetrics struct {
	publishAttempts  *prometheus.CounterVec
	pendingRecords   prometheus.Gauge
	oldestPendingAge prometheus.Gauge
}

// NewOutboxMetrics создаёт метрики outbox в указанном реестре.
func NewOutboxMetrics(registerer prometheus.Registerer) *OutboxMetrics {
	registerer = orDefault(registerer)
	return &OutboxMetrics{
		publishAttempts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_outbox_publish_attempts_total",
			Help: "Total number of outbox publish attempts grouped by result.",
		}, []string{"result"}),
		pendingRecords: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "commerce_outbox_pending_records",
			Help: "Current number of pending records in transactional outbox.",
		}),
		oldestPendingAge: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "commerce_outbox_oldest_pending_age_seconds",
			Help: "Age in seconds of the oldest pending outbox record.",
		}),
	}
}

// RecordPublish увеличивает счётчик попыток с результатом result.
func (m *OutboxMetrics) RecordPublish(result string) {
	m.publishAttempts.WithLabelValues(result).Inc()
}

// SetBacklog обновляет размер и возраст backlog.
func (m *OutboxMetrics) SetBacklog(pending int, oldestAge time.Duration) {
	m.pendingRecords.Set(float64(pending))
	if oldestAge < 0 {
		oldestAge = 0
	}
	m.oldestPendingAge.Set(oldestAge.Seconds())
}

// CleanupMetrics собирает метрики очистки idempotency ключей.
type CleanupMetrics struct {
	runs        *prometheus.CounterVec
	deleted     prometheus.Counter
	lastDeleted prometheus.Gauge
}

// NewCleanupMetrics создаёт метрики очистки в указанном реестре.
func NewCleanupMetrics(registerer prometheus.Registerer) *CleanupMetrics {
	registerer = orDefault(registerer)
	return &CleanupMetrics{
		runs: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_idempotency_cleanup_runs_total",
			Help: "Total number of idempotency cleanup runs grouped by result.",
		}, []string{"result"}),
		deleted: registerCounter(registerer, prometheus.CounterOpts{
			Name: "commerce_idempotency_cleanup_deleted_total",
			Help: "Total number of deleted expired idempotency records.",
		}),
		lastDeleted: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "commerce_idempotency_cleanup_last_deleted",
			Help: "Number of deleted records during the last cleanup run.",
		}),
	}
}

// RecordRun фиксирует результат цикла очистки.
func (m *CleanupMetrics) RecordRun(ok bool, deleted int) {
	if !ok {
		m.runs.WithLabelValues("error").Inc()
		return
	}
	m.runs.WithLabelValues("ok").Inc()
	m.lastDeleted.Set(float64(deleted))
}

// AddDeleted увеличивает общий счётчик удалённых записей.
func (m *CleanupMetrics) AddDeleted(n int) {
	m.deleted.Add(float64(n))
}

// Результаты обработки сообщений consumer для метки result.
const (
	ConsumerResultHandled    = "handled"
	ConsumerResultRetry      = "retry"
	ConsumerResultDeadLetter = "dead_letter"
	ConsumerResultFailed     = "failed"
)

// ConsumerMetrics собирает метрики kafka consumer.
type ConsumerMetrics struct {
	messages *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewConsumerMetrics создаёт метрики consumer в указанном реестре.
func NewConsumerMetrics(registerer prometheus.Registerer) *ConsumerMetrics {
	registerer = orDefault(registerer)
	return &ConsumerMetrics{
		messages: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "commerce_kafka_consumer_messages_total",
			Help: "Total number of consumed kafka messages grouped by topic and result.",
		}, []string{"topic", "result"}),
		duration: registerHistogramVec(registerer, prometheus.HistogramOpts{
			Name:    "commerce_kafka_consumer_handle_seconds",
			Help:    "Duration of a single handler invocation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"topic"}),
	}
}

// Record фиксирует исход обработки сообщения.
func (m *ConsumerMetrics) Record(topic, result string) {
	m.messages.WithLabelValues(topic, result).Inc()
}

// ObserveHandle фиксирует длительность вызова handler.
func (m *ConsumerMetrics) ObserveHandle(topic string, d time.Duration) {
	m.duration.WithLabelValues(topic).Observe(d.Seconds())
}
