package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

const (
	defaultConsumerMaxAttempts   = 3
	defaultConsumerRetryDelay    = 200 * time.Millisecond
	defaultConsumerMaxRetryDelay = 5 * time.Second
)

// MessageHandler обрабатывает одно сообщение. Ошибка, обёрнутая в Permanent,
// отправляет сообщение в DLQ без повторов.
type MessageHandler func(ctx context.Context, message *sarama.ConsumerMessage) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent помечает ошибку как неисправимую повтором.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent сообщает, помечена ли ошибка через Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// ConsumerConfig задаёт параметры consumer group и политику повторов.
type ConsumerConfig struct {
	Brokers       []string
	GroupID       string
	Topics        []string
	MaxAttempts   int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// DLQ не задан: сообщение остаётся неподтверждённым и перечитывается после rebalance.
	DLQ      *Producer
	DLQTopic string
	Metrics  *metrics.ConsumerMetrics
	Logger   *log.Entry
}

func (c ConsumerConfig) withDefaults() ConsumerConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultConsumerMaxAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaultConsumerRetryDelay
	}
	c.RetryDelay = max(c.RetryDelay, 0)
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = defaultConsumerMaxRetryDelay
	}
	if c.DLQTopic == "" {
		c.DLQTopic = TopicDeadLetterQueue
	}
	if c.Logger == nil {
		c.Logger = log.WithField("component", "kafka-consumer")
	}
	return c
}

// Consumer читает topics группы и передаёт сообщения handler.
type Consumer struct {
	group   sarama.ConsumerGroup
	cfg     ConsumerConfig
	handler MessageHandler
	logger  *log.Entry
	sleep   func(ctx context.Context, d time.Duration) error
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewConsumer подключается к брокерам и создаёт consumer group.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("kafka brokers are not configured")
	}

	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	config.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, fmt.Errorf("create consumer group %s: %w", cfg.GroupID, err)
	}
	return newConsumer(group, cfg, handler), nil
}

func newConsumer(group sarama.ConsumerGroup, cfg ConsumerConfig, handler MessageHandler) *Consumer {
	cfg = cfg.withDefaults()
	return &Consumer{
		group:   group,
		cfg:     cfg,
		handler: handler,
		logger:  cfg.Logger,
		sleep:   sleepContext,
		now:     time.Now,
	}
}

// Start запускает цикл Consume и чтение ошибок группы. Возврат немедленный.
func (c *Consumer) Start(ctx context.Context) error {
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		// Consume завершается на каждом rebalance, поэтому вызывается в цикле.
		for ctx.Err() == nil {
			if err := c.group.Consume(ctx, c.cfg.Topics, c); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.WithError(err).Error("consume session failed")
			}
		}
	}()
	go func() {
		defer c.wg.Done()
		for err := range c.group.Errors() {
			c.logger.WithError(err).Warn("consumer group error")
		}
	}()

	c.logger.WithFields(log.Fields{"topics": c.cfg.Topics, "group": c.cfg.GroupID}).Info("kafka consumer started")
	return nil
}

// Stop закрывает группу и дожидается фоновых горутин.
func (c *Consumer) Stop() error {
	if err := c.group.Close(); err != nil {
		return fmt.Errorf("close consumer group: %w", err)
	}
	c.wg.Wait()
	c.logger.Info("kafka consumer stopped")
	return nil
}

func (c *Consumer) Setup(session sarama.ConsumerGroupSession) error {
	c.logger.WithField("claims", session.Claims()).Debug("consumer session started")
	return nil
}

func (c *Consumer) Cleanup(sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim подтверждает offset только обработанных или переданных в DLQ сообщений.
func (c *Consumer) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-claim.Messages():
			if !ok || message == nil {
				return nil
			}
			if err := c.process(ctx, message); err != nil {
				c.record(message.Topic, metrics.ConsumerResultFailed)
				c.messageLogger(message).WithError(err).Error("message left unacknowledged")
				continue
			}
			session.MarkMessage(message, "")
		}
	}
}

// process вызывает handler с экспоненциальной задержкой между попытками.
// Счёт попыток продолжается с заголовка x-retry-count.
func (c *Consumer) process(ctx context.Context, message *sarama.ConsumerMessage) error {
	first := retryCount(message)
	attempt := first
	var lastErr error
	for attempt < c.cfg.MaxAttempts {
		if attempt > first {
			c.record(message.Topic, metrics.ConsumerResultRetry)
			if err := c.sleep(ctx, c.backoff(attempt-first)); err != nil {
				return err
			}
		}
		attempt++

		lastErr = c.invoke(ctx, message)
		if lastErr == nil {
			c.record(message.Topic, metrics.ConsumerResultHandled)
			return nil
		}
		c.messageLogger(message).WithError(lastErr).WithFields(log.Fields{
			"attempt":      attempt,
			"max_attempts": c.cfg.MaxAttempts,
		}).Warn("handler failed")
		if IsPermanent(lastErr) {
			break
		}
	}
	if lastErr == nil {
		lastErr = errors.New("retry budget exhausted before processing")
	}
	return c.deadLetter(message, lastErr, attempt)
}

func (c *Consumer) invoke(ctx context.Context, message *sarama.ConsumerMessage) error {
	started := c.now()
	defer func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ObserveHandle(message.Topic, c.now().Sub(started))
		}
	}()
	return c.handler(ctx, message)
}

func (c *Consumer) deadLetter(message *sarama.ConsumerMessage, cause error, attempts int) error {
	if c.cfg.DLQ == nil {
		return cause
	}
	value, err := json.Marshal(DeadLetter{
		OriginalTopic:     message.Topic,
		OriginalPartition: message.Partition,
		OriginalOffset:    message.Offset,
		OriginalKey:       string(message.Key),
		OriginalValue:     string(message.Value),
		ErrorMessage:      cause.Error(),
		Attempts:          attempts,
		FailedAt:          c.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	headers := map[string]string{
		HeaderOriginalTopic: message.Topic,
		HeaderErrorMessage:  cause.Error(),
	}
	if err := c.cfg.DLQ.Publish(c.cfg.DLQTopic, string(message.Key), value, headers); err != nil {
		return fmt.Errorf("dead letter %s/%d/%d: %w", message.Topic, message.Partition, message.Offset, err)
	}
	c.record(message.Topic, metrics.ConsumerResultDeadLetter)
	c.messageLogger(message).WithField("attempts", attempts).Info("message moved to DLQ")
	return nil
}

func (c *Consumer) backoff(retry int) time.Duration {
	delay := c.cfg.RetryDelay
	for range retry - 1 {
		delay *= 2
		if delay >= c.cfg.MaxRetryDelay {
			return c.cfg.MaxRetryDelay
		}
	}
	return min(delay, c.cfg.MaxRetryDelay)
}

func (c *Consumer) record(topic, result string) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.Record(topic, result)
	}
}

func (c *Consumer) messageLogger(message *sarama.ConsumerMessage) *log.Entry {
	return c.logger.WithFields(log.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
	})
}

// retryCount читает число попыток, сделанных до переотправки сообщения.
func retryCount(message *sarama.ConsumerMessage) int {
	value, ok := headerValue(message, HeaderRetryCount)
	if !ok {
		return 0
	}
	count, err := strconv.Atoi(value)
	if err != nil {
		return 0
	}
	return max(count, 0)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
