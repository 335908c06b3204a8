package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Причины отказа в создании заказа для метки reason.
const (
	ReasonClientNotFound    = "client_not_found"
	ReasonProductNotFound   = "product_not_found"
	ReasonInsufficientStock = "insufficient_stock"
	ReasonConflict          = "conflict"
	ReasonInvalidArgument   = "invalid_argument"
	ReasonStorage           = "storage"
)

var createDurationBuckets = prometheus.ExponentialBuckets(0.001, 2.5, 10)

// OrderMetrics описывает транзакцию CreateOrder.
type OrderMetrics struct {
	created   prometheus.Counter
	rejected  *prometheus.CounterVec
	duration  prometheus.Histogram
	retries   prometheus.Counter
	running   prometheus.Gauge
	unitsSold prometheus.Counter
}

// NewOrderMetrics создаёт метрики заказов. nil означает глобальный реестр.
func NewOrderMetrics(registerer prometheus.Registerer) *OrderMetrics {
	r := orDefault(registerer)
	return &OrderMetrics{
		created: registerCounter(r, prometheus.CounterOpts{
			Name: "commerce_orders_created_total",
			Help: "Orders committed by CreateOrder.",
		}),
		rejected: registerCounterVec(r, prometheus.CounterOpts{
			Name: "commerce_orders_failed_total",
			Help: "CreateOrder calls rolled back, by reason.",
		}, []string{"reason"}),
		duration: registerHistogram(r, prometheus.HistogramOpts{
			Name:    "commerce_order_create_duration_seconds",
			Help:    "Wall time of a CreateOrder transaction.",
			Buckets: createDurationBuckets,
		}),
		retries: registerCounter(r, prometheus.CounterOpts{
			Name: "commerce_order_conflict_retries_total",
			Help: "CreateOrder attempts repeated after a serialization conflict.",
		}),
		running: registerGauge(r, prometheus.GaugeOpts{
			Name: "commerce_order_create_in_flight",
			Help: "CreateOrder transactions in progress.",
		}),
		unitsSold: registerCounter(r, prometheus.CounterOpts{
			Name: "commerce_stock_units_decremented_total",
			Help: "Stock units taken by committed orders.",
		}),
	}
}

// RecordCreateStarted отмечает начало транзакции.
func (m *OrderMetrics) RecordCreateStarted() { m.running.Inc() }

// RecordCreateFinished закрывает транзакцию, начатую RecordCreateStarted.
func (m *OrderMetrics) RecordCreateFinished(d time.Duration) {
	m.running.Dec()
	m.duration.Observe(d.Seconds())
}

// RecordOrderCreated учитывает заказ и списанные единицы.
func (m *OrderMetrics) RecordOrderCreated(units int) {
	m.created.Inc()
	m.unitsSold.Add(float64(units))
}

func (m *OrderMetrics) RecordOrderFailed(reason string) {
	m.rejected.WithLabelValues(reason).Inc()
}

func (m *OrderMetrics) RecordConflictRetry() { m.retries.Inc() }
