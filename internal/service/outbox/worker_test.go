package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/memory"
)

func enqueue(t *testing.T, repo *memory.OutboxRepository, orderID string) domain.OutboxMessage {
	t.Helper()
	msg, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.AggregateTypeOrder,
		AggregateID:   orderID,
		EventType:     domain.EventTypeOrderCreated,
		Payload:       []byte(`{"order_id":` + orderID + `}`),
	})
	require.NoError(t, err)
	return msg
}

func pendingCount(t *testing.T, repo *memory.OutboxRepository) int {
	t.Helper()
	stats, err := repo.Stats(context.Background())
	require.NoError(t, err)
	return stats.PendingCount
}

// clockedWorker подменяет часы воркера; время двигает advance.
func clockedWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) (*Worker, func(time.Duration)) {
	now := time.Now().UTC()
	w := NewWorker(repo, publisher, opts...)
	w.now = func() time.Time { return now }
	return w, func(d time.Duration) { now = now.Add(d) }
}

func TestWorkerPublishesAndMarksSent(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	first := enqueue(t, repo, "1")
	second := enqueue(t, repo, "2")
	publisher := &stubPublisher{}
	registry := prometheus.NewRegistry()

	worker, _ := clockedWorker(repo, publisher, WithMetrics(metrics.NewOutboxMetrics(registry)))

	require.Equal(t, BatchResult{Sent: 2}, worker.ProcessOnce(context.Background()))
	require.Equal(t, []string{first.ID, second.ID}, publisher.publishedIDs())
	require.Zero(t, pendingCount(t, repo))

	require.Equal(t, BatchResult{}, worker.ProcessOnce(context.Background()))

	count, err := testutil.GatherAndCount(registry, "commerce_outbox_publish_attempts_total")
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestWorkerReschedulesFailedPublish(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg := enqueue(t, repo, "3")
	publisher := &stubPublisher{sequenceErrors: []error{errors.New("broker down")}}

	worker, advance := clockedWorker(repo, publisher, WithRetryPolicy(3, time.Second, time.Minute))

	require.Equal(t, BatchResult{Rescheduled: 1}, worker.ProcessOnce(context.Background()))
	require.Equal(t, 1, publisher.calls())
	require.Equal(t, 1, pendingCount(t, repo))

	lastErr, ok := repo.LastError(msg.ID)
	require.True(t, ok)
	require.Equal(t, "broker down", lastErr)

	// До истечения задержки сообщение не выбирается.
	advance(500 * time.Millisecond)
	require.Equal(t, BatchResult{}, worker.ProcessOnce(context.Background()))
	require.Equal(t, 1, publisher.calls())

	advance(time.Second)
	require.Equal(t, BatchResult{Sent: 1}, worker.ProcessOnce(context.Background()))
	require.Zero(t, pendingCount(t, repo))
}

func TestWorkerBuriesAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	msg := enqueue(t, repo, "2")
	publisher := &stubPublisher{err: errors.New("broker down")}
	dlq := &stubPublisher{}

	worker, advance := clockedWorker(repo, publisher,
		WithDeadLetters(dlq),
		WithRetryPolicy(2, time.Second, time.Second),
	)

	require.Equal(t, BatchResult{Rescheduled: 1}, worker.ProcessOnce(context.Background()))
	advance(time.Second)
	require.Equal(t, BatchResult{Dead: 1}, worker.ProcessOnce(context.Background()))
	require.Equal(t, 2, publisher.calls())
	require.Zero(t, pendingCount(t, repo))

	require.Len(t, dlq.published, 1)
	var letter deadLetter
	require.NoError(t, json.Unmarshal(dlq.published[0].Payload, &letter))
	require.Equal(t, msg.ID, letter.OutboxID)
	require.Equal(t, 2, letter.Attempts)
	require.Contains(t, letter.PublishError, "broker down")
	require.JSONEq(t, `{"order_id":2}`, string(letter.Payload))

	advance(time.Hour)
	require.Equal(t, BatchResult{}, worker.ProcessOnce(context.Background()))
}

func TestWorkerBuriesEvenWhenDeadLetterFails(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	enqueue(t, repo, "4")
	registry := prometheus.NewRegistry()

	worker, _ := clockedWorker(repo, &stubPublisher{err: errors.New("broker down")},
		WithDeadLetters(&stubPublisher{err: errors.New("dlq down")}),
		WithRetryPolicy(1, 0, 0),
		WithMetrics(metrics.NewOutboxMetrics(registry)),
	)

	require.Equal(t, BatchResult{Dead: 1}, worker.ProcessOnce(context.Background()))
	require.Zero(t, pendingCount(t, repo))

	expected := `
# HELP commerce_outbox_publish_attempts_total Total number of outbox publish attempts grouped by result.
# TYPE commerce_outbox_publish_attempts_total counter
commerce_outbox_publish_attempts_total{result="dead"} 1
commerce_outbox_publish_attempts_total{result="dlq_failed"} 1
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "commerce_outbox_publish_attempts_total"))
}

func TestWorkerRespectsBatchSize(t *testing.T) {
	t.Parallel()

	repo := memory.NewOutboxRepository()
	for _, id := range []string{"1", "2", "3"} {
		enqueue(t, repo, id)
	}
	worker, _ := clockedWorker(repo, &stubPublisher{}, WithBatchSize(2))

	require.Equal(t, 2, worker.ProcessOnce(context.Background()).Sent)
	require.Equal(t, 1, pendingCount(t, repo))
}

func TestWorkerBackoff(t *testing.T) {
	t.Parallel()

	worker := NewWorker(nil, nil, WithRetryPolicy(5, 10*time.Millisecond, 50*time.Millisecond))
	require.Equal(t, 10*time.Millisecond, worker.backoff(1))
	require.Equal(t, 20*time.Millisecond, worker.backoff(2))
	require.Equal(t, 40*time.Millisecond, worker.backoff(3))
	require.Equal(t, 50*time.Millisecond, worker.backoff(4))
	require.Equal(t, 50*time.Millisecond, worker.backoff(40))
}

func TestWorkerRunStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	worker := NewWorker(memory.NewOutboxRepository(), &stubPublisher{}, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	time.Sleep(15 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorkerRunDisabledWithoutPublisher(t *testing.T) {
	t.Parallel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background())
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled worker must return immediately")
	}
}

type stubPublisher struct {
	mu             sync.Mutex
	err            error
	sequenceErrors []error
	callCount      int
	published      []domain.OutboxMessage
}

func (s *stubPublisher) Publish(msg domain.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.callCount++
	err := s.err
	if len(s.sequenceErrors) > 0 {
		err = s.sequenceErrors[0]
		s.sequenceErrors = s.sequenceErrors[1:]
	}
	if err == nil {
		s.published = append(s.published, msg)
	}
	return err
}

func (s *stubPublisher) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callCount
}

func (s *stubPublisher) publishedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.published))
	for _, msg := range s.published {
		ids = append(ids, msg.ID)
	}
	return ids
}

var _ domain.OutboxPublisher = (*stubPublisher)(nil)
