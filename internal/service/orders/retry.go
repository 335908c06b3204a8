package orders

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

// RetryConfig задаёт повтор CreateOrder после конфликта сериализации.
// Задержка n-го повтора: InitialDelay*BackoffFactor^(n-1), не больше MaxDelay,
// затем случайно уменьшается на долю до Jitter.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        float64
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2.0,
		Jitter:        0.2,
	}
}

// delay возвращает паузу перед повтором номер retry (с единицы) без учёта jitter.
func (c RetryConfig) delay(retry int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(retry-1))
	if c.MaxDelay > 0 {
		d = math.Min(d, float64(c.MaxDelay))
	}
	return time.Duration(d)
}

// RetryingCreator повторяет создание заказа только при ErrTransactionConflict.
// Бизнес-ошибки и сбои хранилища возвращаются сразу.
type RetryingCreator struct {
	next    Creator
	config  RetryConfig
	logger  *log.Entry
	metrics *metrics.OrderMetrics
	sleep   func(ctx context.Context, d time.Duration) error
	random  func() float64
}

func NewRetryingCreator(next Creator, config RetryConfig, logger *log.Entry, orderMetrics *metrics.OrderMetrics) *RetryingCreator {
	if logger == nil {
		logger = log.WithField("component", "order-retry")
	}
	config.MaxAttempts = max(config.MaxAttempts, 1)
	config.BackoffFactor = max(config.BackoffFactor, 1)
	config.Jitter = min(max(config.Jitter, 0), 1)

	return &RetryingCreator{
		next:    next,
		config:  config,
		logger:  logger,
		metrics: orderMetrics,
		sleep:   sleepContext,
		random:  rand.Float64,
	}
}

func (r *RetryingCreator) CreateOrder(ctx context.Context, in CreateOrderInput) (domain.Order, error) {
	for attempt := 1; ; attempt++ {
		order, err := r.next.CreateOrder(ctx, in)
		switch {
		case err == nil:
			if attempt > 1 {
				r.logger.WithFields(log.Fields{"order_id": order.ID, "attempt": attempt}).Info("order created after retry")
			}
			return order, nil
		case !domain.IsTransactionConflict(err):
			return domain.Order{}, err
		case attempt >= r.config.MaxAttempts:
			r.logger.WithError(err).WithField("attempts", attempt).Warn("order conflict retries exhausted")
			return domain.Order{}, err
		}

		wait := r.jittered(r.config.delay(attempt))
		r.logger.WithError(err).WithFields(log.Fields{
			"client_id": in.ClientID,
			"attempt":   attempt,
			"delay":     wait,
		}).Debug("order transaction conflict, retrying")
		if r.metrics != nil {
			r.metrics.RecordConflictRetry()
		}
		if err := r.sleep(ctx, wait); err != nil {
			return domain.Order{}, err
		}
	}
}

func (r *RetryingCreator) jittered(d time.Duration) time.Duration {
	if r.config.Jitter == 0 || d <= 0 {
		return d
	}
	return d - time.Duration(float64(d)*r.config.Jitter*r.random())
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
