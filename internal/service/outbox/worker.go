// Package outbox публикует события transactional outbox во внешний брокер.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

const (
	defaultPollInterval  = time.Second
	defaultBatchSize     = 100
	defaultMaxAttempts   = 5
	defaultRetryDelay    = time.Second
	defaultMaxRetryDelay = time.Minute
)

// Option настраивает Worker.
type Option func(*Worker)

func WithLogger(logger *log.Entry) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithDeadLetters задаёт publisher для сообщений, исчерпавших попытки.
func WithDeadLetters(publisher domain.OutboxPublisher) Option {
	return func(w *Worker) { w.deadLetters = publisher }
}

func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.batchSize = n
		}
	}
}

// WithRetryPolicy задаёт число попыток и границы экспоненциальной задержки.
func WithRetryPolicy(maxAttempts int, delay, maxDelay time.Duration) Option {
	return func(w *Worker) {
		if maxAttempts > 0 {
			w.maxAttempts = maxAttempts
		}
		if delay > 0 {
			w.retryDelay = delay
		}
		if maxDelay > 0 {
			w.maxRetryDelay = maxDelay
		}
	}
}

// BatchResult — итог одного прохода.
type BatchResult struct {
	Sent        int
	Rescheduled int
	Dead        int
}

// Worker публикует pending-сообщения. Каждое сообщение за проход публикуется
// один раз, неудача откладывает его в хранилище, а не в памяти воркера.
type Worker struct {
	repo          domain.OutboxRepository
	publisher     domain.OutboxPublisher
	deadLetters   domain.OutboxPublisher
	logger        *log.Entry
	metrics       *metrics.OutboxMetrics
	pollInterval  time.Duration
	batchSize     int
	maxAttempts   int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	now           func() time.Time
}

func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, opts ...Option) *Worker {
	w := &Worker{
		repo:          repo,
		publisher:     publisher,
		logger:        log.WithField("component", "outbox-worker"),
		pollInterval:  defaultPollInterval,
		batchSize:     defaultBatchSize,
		maxAttempts:   defaultMaxAttempts,
		retryDelay:    defaultRetryDelay,
		maxRetryDelay: defaultMaxRetryDelay,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run публикует батчи раз в pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.logger.Info("outbox worker disabled: no publisher configured")
		return
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует сообщения, срок которых наступил.
func (w *Worker) ProcessOnce(ctx context.Context) BatchResult {
	var result BatchResult
	if ctx.Err() != nil {
		return result
	}

	now := w.now().UTC()
	due, err := w.repo.Due(ctx, now, w.batchSize)
	if err != nil {
		w.logger.WithError(err).Warn("failed to load due outbox messages")
		return result
	}

	for _, msg := range due {
		if ctx.Err() != nil {
			break
		}
		entry := w.logger.WithFields(log.Fields{
			"outbox_id":  msg.ID,
			"event_type": msg.EventType,
			"attempt":    msg.Attempts + 1,
		})

		pubErr := w.publisher.Publish(msg)
		if pubErr == nil {
			result.Sent++
			w.record(metrics.OutboxResultSent)
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				entry.WithError(err).Warn("failed to mark outbox message as sent")
			}
			continue
		}

		if msg.Attempts+1 >= w.maxAttempts {
			result.Dead++
			w.bury(ctx, entry, msg, pubErr)
			continue
		}

		result.Rescheduled++
		w.record(metrics.OutboxResultRetry)
		next := now.Add(w.backoff(msg.Attempts + 1))
		entry.WithError(pubErr).WithField("next_attempt_at", next).Warn("outbox publish failed, retry scheduled")
		if err := w.repo.Retry(ctx, msg.ID, next, pubErr.Error()); err != nil {
			entry.WithError(err).Warn("failed to reschedule outbox message")
		}
	}

	w.refreshBacklog(ctx, now)
	return result
}

func (w *Worker) bury(ctx context.Context, entry *log.Entry, msg domain.OutboxMessage, pubErr error) {
	w.record(metrics.OutboxResultDead)
	entry.WithError(pubErr).Error("outbox message exhausted its attempts")

	if w.deadLetters != nil {
		if err := w.publishDeadLetter(msg, pubErr); err != nil {
			w.record(metrics.OutboxResultDLQFailed)
			entry.WithError(err).Warn("failed to publish dead letter")
		}
	}
	if err := w.repo.Bury(ctx, msg.ID, pubErr.Error()); err != nil {
		entry.WithError(err).Warn("failed to mark outbox message as dead")
	}
}

// backoff удваивает задержку после каждой неудачной попытки.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.maxRetryDelay || delay <= 0 {
			return w.maxRetryDelay
		}
	}
	return min(delay, w.maxRetryDelay)
}

func (w *Worker) record(result string) {
	if w.metrics != nil {
		w.metrics.RecordPublish(result)
	}
}

func (w *Worker) refreshBacklog(ctx context.Context, now time.Time) {
	if w.metrics == nil {
		return
	}
	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.logger.WithError(err).Debug("outbox stats unavailable")
		return
	}
	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = now.Sub(stats.OldestPendingAt)
	}
	w.metrics.SetBacklog(stats.PendingCount, age)
}

// deadLetter — payload сообщения в DLQ. Исходное событие лежит в Payload.
type deadLetter struct {
	OutboxID      string          `json:"outbox_id"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	Attempts      int             `json:"attempts"`
	PublishError  string          `json:"publish_error"`
	BuriedAt      time.Time       `json:"buried_at"`
}

func (w *Worker) publishDeadLetter(msg domain.OutboxMessage, pubErr error) error {
	original := json.RawMessage(msg.Payload)
	if !json.Valid(original) {
		original = json.RawMessage("null")
	}
	payload, err := json.Marshal(deadLetter{
		OutboxID:      msg.ID,
		AggregateType: msg.AggregateType,
		AggregateID:   msg.AggregateID,
		EventType:     msg.EventType,
		Payload:       original,
		Attempts:      msg.Attempts + 1,
		PublishError:  pubErr.Error(),
		BuriedAt:      w.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	dead := msg
	dead.Payload = payload
	return w.deadLetters.Publish(dead)
}
