package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func gather(t *testing.T, reg *prometheus.Registry, name string) []*dto.Metric {
	t.Helper()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()
		}
	}
	return nil
}

func TestOrderMetricsRecording(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOrderMetrics(reg)

	m.RecordCreateStarted()
	m.RecordOrderCreated(3)
	m.RecordCreateFinished(15 * time.Millisecond)
	m.RecordOrderFailed(ReasonInsufficientStock)
	m.RecordOrderFailed(ReasonInsufficientStock)
	m.RecordOrderFailed(ReasonClientNotFound)

	expected := `
# HELP commerce_orders_created_total Orders committed by CreateOrder.
# TYPE commerce_orders_created_total counter
commerce_orders_created_total 1
# HELP commerce_orders_failed_total CreateOrder calls rolled back, by reason.
# TYPE commerce_orders_failed_total counter
commerce_orders_failed_total{reason="client_not_found"} 1
commerce_orders_failed_total{reason="insufficient_stock"} 2
# HELP commerce_stock_units_decremented_total Stock units taken by committed orders.
# TYPE commerce_stock_units_decremented_total counter
commerce_stock_units_decremented_total 3
# HELP commerce_order_create_in_flight CreateOrder transactions in progress.
# TYPE commerce_order_create_in_flight gauge
commerce_order_create_in_flight 0
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"commerce_orders_created_total",
		"commerce_orders_failed_total",
		"commerce_stock_units_decremented_total",
		"commerce_order_create_in_flight",
	); err != nil {
		t.Fatal(err)
	}

	duration := gather(t, reg, "commerce_order_create_duration_seconds")
	if len(duration) != 1 || duration[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("unexpected duration histogram: %+v", duration)
	}
}

func TestMustRegisterSharesCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()

	NewOrderMetrics(reg).RecordConflictRetry()
	NewOrderMetrics(reg).RecordConflictRetry()

	if got := testutil.ToFloat64(NewOrderMetrics(reg).retries); got != 2 {
		t.Fatalf("expected shared collector with 2 retries, got %v", got)
	}
}

func TestMustRegisterPanicsOnTypeClash(t *testing.T) {
	reg := prometheus.NewRegistry()
	registerGauge(reg, prometheus.GaugeOpts{Name: "commerce_clash", Help: "h"})

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for a name reused with another type")
		}
	}()
	registerCounter(reg, prometheus.CounterOpts{Name: "commerce_clash", Help: "h"})
}

func TestHTTPMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewHTTPMetrics(reg)

	m.Observe("POST", "/orders", 201, 5*time.Millisecond)

	requests := gather(t, reg, "commerce_http_requests_total")
	if len(requests) != 1 || requests[0].GetCounter().GetValue() != 1 {
		t.Fatalf("unexpected requests counter: %+v", requests)
	}
}

func TestOutboxMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewOutboxMetrics(reg)

	m.RecordPublish(OutboxResultSent)
	m.RecordPublish(OutboxResultSent)
	m.SetBacklog(4, -time.Second)

	if got := testutil.ToFloat64(m.publishAttempts.WithLabelValues(OutboxResultSent)); got != 2 {
		t.Fatalf("unexpected publish attempts: %v", got)
	}
	if got := testutil.ToFloat64(m.pendingRecords); got != 4 {
		t.Fatalf("unexpected pending gauge: %v", got)
	}
	if got := testutil.ToFloat64(m.oldestPendingAge); got != 0 {
		t.Fatalf("negative age must be clamped, got %v", got)
	}
}

func TestCleanupMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewCleanupMetrics(reg)

	m.AddDeleted(5)
	m.RecordRun(true, 5)
	m.RecordRun(false, 0)

	if got := testutil.ToFloat64(m.deleted); got != 5 {
		t.Fatalf("unexpected deleted counter: %v", got)
	}
	if n := testutil.CollectAndCount(m.runs); n != 2 {
		t.Fatalf("expected ok and error runs, got %d", n)
	}
}

func TestConsumerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewConsumerMetrics(reg)

	m.Record("orders", ConsumerResultHandled)
	m.Record("orders", ConsumerResultRetry)
	m.Record("orders", ConsumerResultRetry)
	m.ObserveHandle("orders", time.Millisecond)

	if got := testutil.ToFloat64(m.messages.WithLabelValues("orders", ConsumerResultRetry)); got != 2 {
		t.Fatalf("unexpected retry counter: %v", got)
	}
	if n := testutil.CollectAndCount(m.duration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}
