package idempotency

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
)

const (
	defaultSweepInterval = 10 * time.Minute
	defaultSweepBatch    = 500
)

// Sweeper периодически удаляет истёкшие ключи порциями.
type Sweeper struct {
	repo     domain.IdempotencyRepository
	interval time.Duration
	batch    int
	logger   *log.Entry
	metrics  *metrics.CleanupMetrics
	now      func() time.Time
}

// SweeperOption настраивает Sweeper.
type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithSweepLogger(logger *log.Entry) SweeperOption {
	return func(s *Sweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSweepMetrics(m *metrics.CleanupMetrics) SweeperOption {
	return func(s *Sweeper) { s.metrics = m }
}

func NewSweeper(repo domain.IdempotencyRepository, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		repo:     repo,
		interval: defaultSweepInterval,
		batch:    defaultSweepBatch,
		logger:   log.WithField("component", "idempotency-sweeper"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run чистит ключи сразу и затем раз в interval, пока ctx не отменён.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (s *Sweeper) runOnce(ctx context.Context) {
	removed, err := s.Sweep(ctx)
	if errors.Is(err, context.Canceled) {
		return
	}
	if s.metrics != nil {
		s.metrics.RecordRun(err == nil, removed)
	}
	if err != nil {
		s.logger.WithError(err).Warn("idempotency sweep failed")
		return
	}
	if removed > 0 {
		s.logger.WithField("removed", removed).Info("expired idempotency keys removed")
	}
}

// Sweep удаляет все ключи, истёкшие к текущему моменту.
// Неполная порция означает, что чистить больше нечего.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	before := s.now().UTC()
	total := 0
	for ctx.Err() == nil {
		n, err := s.repo.Purge(ctx, before, s.batch)
		total += n
		if err != nil {
			return total, err
		}
		if n > 0 && s.metrics != nil {
			s.metrics.AddDeleted(n)
		}
		if n < s.batch {
			return total, nil
		}
	}
	return total, ctx.Err()
}
