package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

// fakeGroup реализует sarama.ConsumerGroup поверх функции consume.
type fakeGroup struct {
	sarama.ConsumerGroup
	consume  func(ctx context.Context) error
	errs     chan error
	closeErr error
	once     sync.Once
}

func newFakeGroup(consume func(ctx context.Context) error) *fakeGroup {
	return &fakeGroup{consume: consume, errs: make(chan error, 1)}
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	if g.consume == nil {
		<-ctx.Done()
		return nil
	}
	return g.consume(ctx)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.errs) })
	return g.closeErr
}

// fakeSession собирает подтверждённые offset.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx     context.Context
	mu      sync.Mutex
	offsets []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offsets = append(s.offsets, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	ch chan *sarama.ConsumerMessage
}

func (c fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func closedClaim(offsets ...int64) fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(offsets))
	for _, off := range offsets {
		ch <- &sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: off, Key: []byte("k"), Value: []byte(`{}`)}
	}
	close(ch)
	return fakeClaim{ch: ch}
}

type consumerFixture struct {
	consumer *Consumer
	slept    []time.Duration
	registry *prometheus.Registry
}

func newConsumerFixture(t *testing.T, cfg ConsumerConfig, handler MessageHandler) *consumerFixture {
	t.Helper()
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	cfg.Logger = logger.WithField("component", "consumer-test")

	f := &consumerFixture{registry: prometheus.NewRegistry()}
	cfg.Metrics = metrics.NewConsumerMetrics(f.registry)
	f.consumer = newConsumer(newFakeGroup(nil), cfg, handler)
	f.consumer.sleep = func(ctx context.Context, d time.Duration) error {
		f.slept = append(f.slept, d)
		return ctx.Err()
	}
	return f
}

func (f *consumerFixture) count(t *testing.T, result string) float64 {
	t.Helper()
	families, err := f.registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "commerce_kafka_consumer_messages_total" {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() == "result" && label.GetValue() == result {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func failing(n int, err error) (MessageHandler, *int) {
	calls := 0
	return func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		if calls <= n {
			return err
		}
		return nil
	}, &calls
}

func TestNewConsumerValidatesBrokers(t *testing.T) {
	_, err := NewConsumer(ConsumerConfig{GroupID: "notifications"}, nil)
	require.ErrorContains(t, err, "brokers")

	_, err = NewConsumer(ConsumerConfig{Brokers: []string{"127.0.0.1:1"}, GroupID: "notifications"}, nil)
	require.Error(t, err)
}

func TestConsumerDefaults(t *testing.T) {
	c := newConsumer(newFakeGroup(nil), ConsumerConfig{}, nil)
	assert.Equal(t, defaultConsumerMaxAttempts, c.cfg.MaxAttempts)
	assert.Equal(t, defaultConsumerRetryDelay, c.cfg.RetryDelay)
	assert.Equal(t, TopicDeadLetterQueue, c.cfg.DLQTopic)
	assert.NotNil(t, c.logger)
}

func TestConsumerStartRestartsSessionsUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	sessions := 0
	group := newFakeGroup(func(context.Context) error {
		sessions++
		if sessions == 3 {
			cancel()
		}
		return errors.New("rebalance")
	})
	group.errs <- errors.New("heartbeat failed")

	c := newConsumer(group, ConsumerConfig{Topics: []string{TopicOrderEvents}}, nil)
	require.NoError(t, c.Start(ctx))
	require.NoError(t, c.Stop())
	assert.Equal(t, 3, sessions)
}

func TestConsumerStartStopsOnClosedGroup(t *testing.T) {
	group := newFakeGroup(func(context.Context) error { return sarama.ErrClosedConsumerGroup })
	c := newConsumer(group, ConsumerConfig{}, nil)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop())
}

func TestConsumerStopReportsCloseError(t *testing.T) {
	group := newFakeGroup(nil)
	group.closeErr = errors.New("broker gone")
	c := newConsumer(group, ConsumerConfig{}, nil)

	require.ErrorContains(t, c.Stop(), "broker gone")
}

func TestConsumeClaimAcknowledgesHandledMessages(t *testing.T) {
	f := newConsumerFixture(t, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, f.consumer.ConsumeClaim(session, closedClaim(10, 11, 12)))
	assert.Equal(t, []int64{10, 11, 12}, session.offsets)
	assert.Equal(t, 3.0, f.count(t, metrics.ConsumerResultHandled))
}

func TestConsumeClaimWithoutDLQLeavesMessageUnacknowledged(t *testing.T) {
	handler, calls := failing(10, errors.New("smtp down"))
	f := newConsumerFixture(t, ConsumerConfig{MaxAttempts: 2}, handler)
	session := &fakeSession{ctx: context.Background()}

	require.NoError(t, f.consumer.ConsumeClaim(session, closedClaim(7)))
	assert.Empty(t, session.offsets)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, 1.0, f.count(t, metrics.ConsumerResultFailed))
}

func TestProcessRetriesWithGrowingDelay(t *testing.T) {
	handler, calls := failing(3, errors.New("temporary"))
	f := newConsumerFixture(t, ConsumerConfig{
		MaxAttempts:   4,
		RetryDelay:    100 * time.Millisecond,
		MaxRetryDelay: 300 * time.Millisecond,
	}, handler)

	require.NoError(t, f.consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: TopicOrderEvents}))
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond}, f.slept)
	assert.Equal(t, 3.0, f.count(t, metrics.ConsumerResultRetry))
}

func TestProcessContinuesFromRetryHeader(t *testing.T) {
	handler, calls := failing(10, errors.New("temporary"))
	f := newConsumerFixture(t, ConsumerConfig{MaxAttempts: 3}, handler)

	msg := &sarama.ConsumerMessage{
		Topic:   TopicOrderEvents,
		Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte("2")}},
	}
	require.Error(t, f.consumer.process(context.Background(), msg))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, f.slept)
}

func TestProcessStopsWhenSessionEnds(t *testing.T) {
	handler, calls := failing(10, errors.New("temporary"))
	f := newConsumerFixture(t, ConsumerConfig{MaxAttempts: 5}, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.consumer.process(ctx, &sarama.ConsumerMessage{Topic: TopicOrderEvents})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, *calls)
}

func TestProcessDeadLettersAfterLastAttempt(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, nil)
	dlq.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "orders.dlq" {
			return fmt.Errorf("topic %q", msg.Topic)
		}
		raw, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var letter DeadLetter
		if err := json.Unmarshal(raw, &letter); err != nil {
			return err
		}
		if letter.OriginalTopic != TopicOrderEvents || letter.OriginalOffset != 42 || letter.Attempts != 2 || letter.ErrorMessage != "smtp down" {
			return fmt.Errorf("unexpected dead letter %+v", letter)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == HeaderOriginalTopic && string(h.Value) == TopicOrderEvents {
				return nil
			}
		}
		return errors.New("original topic header missing")
	})

	handler, _ := failing(10, errors.New("smtp down"))
	f := newConsumerFixture(t, ConsumerConfig{
		MaxAttempts: 2,
		DLQ:         NewProducerFromSync(dlq, log.WithField("component", "dlq-test")),
		DLQTopic:    "orders.dlq",
	}, handler)
	session := &fakeSession{ctx: context.Background()}

	claim := fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- &sarama.ConsumerMessage{Topic: TopicOrderEvents, Partition: 3, Offset: 42, Key: []byte("order-1"), Value: []byte(`{"id":1}`)}
	close(claim.ch)

	require.NoError(t, f.consumer.ConsumeClaim(session, claim))
	assert.Equal(t, []int64{42}, session.offsets)
	assert.Equal(t, 1.0, f.count(t, metrics.ConsumerResultDeadLetter))
	require.NoError(t, dlq.Close())
}

func TestProcessSkipsRetriesForPermanentErrors(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, nil)
	dlq.ExpectSendMessageAndSucceed()

	handler, calls := failing(10, Permanent(errors.New("malformed envelope")))
	f := newConsumerFixture(t, ConsumerConfig{
		MaxAttempts: 5,
		DLQ:         NewProducerFromSync(dlq, log.WithField("component", "dlq-test")),
	}, handler)

	require.NoError(t, f.consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: TopicOrderEvents}))
	assert.Equal(t, 1, *calls)
	assert.Empty(t, f.slept)
	require.NoError(t, dlq.Close())
}

func TestProcessReportsDLQFailure(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, nil)
	dlq.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	handler, _ := failing(10, errors.New("smtp down"))
	f := newConsumerFixture(t, ConsumerConfig{
		MaxAttempts: 1,
		DLQ:         NewProducerFromSync(dlq, log.WithField("component", "dlq-test")),
	}, handler)

	err := f.consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: TopicOrderEvents, Offset: 5})
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, dlq.Close())
}

func TestConsumeClaimReturnsWhenSessionDone(t *testing.T) {
	f := newConsumerFixture(t, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() {
		done <- f.consumer.ConsumeClaim(&fakeSession{ctx: ctx}, fakeClaim{ch: make(chan *sarama.ConsumerMessage)})
	}()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim kept running after session end")
	}
}

func TestPermanent(t *testing.T) {
	base := errors.New("bad payload")
	wrapped := fmt.Errorf("handle: %w", Permanent(base))

	assert.True(t, IsPermanent(wrapped))
	assert.ErrorIs(t, wrapped, base)
	assert.False(t, IsPermanent(base))
	assert.NoError(t, Permanent(nil))
}

func TestRetryCountHeader(t *testing.T) {
	header := func(v string) *sarama.ConsumerMessage {
		return &sarama.ConsumerMessage{Headers: []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(v)}}}
	}
	assert.Equal(t, 4, retryCount(header("4")))
	assert.Zero(t, retryCount(header("-2")))
	assert.Zero(t, retryCount(header("x")))
	assert.Zero(t, retryCount(&sarama.ConsumerMessage{}))
}

func TestConsumerMetricsExposeHandleDuration(t *testing.T) {
	f := newConsumerFixture(t, ConsumerConfig{}, func(context.Context, *sarama.ConsumerMessage) error { return nil })
	require.NoError(t, f.consumer.process(context.Background(), &sarama.ConsumerMessage{Topic: TopicOrderEvents}))

	n, err := testutil.GatherAndCount(f.registry, "commerce_kafka_consumer_handle_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
