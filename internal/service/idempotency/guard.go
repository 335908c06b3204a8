// Package idempotency повторяет ответы на запросы с Idempotency-Key
// и вычищает истёкшие ключи.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// DefaultTTL — срок жизни ключа по умолчанию.
const DefaultTTL = 24 * time.Hour

// Replay — ответ, сохранённый для ключа.
type Replay struct {
	StatusCode int
	Body       []byte
}

// Guard занимает ключ до обработки запроса и сохраняет ответ после.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{repo: repo, ttl: ttl, logger: logger, now: time.Now}
}

// Fingerprint связывает ключ с операцией и телом запроса.
func Fingerprint(operation string, body []byte) string {
	sum := sha256.New()
	sum.Write([]byte(operation))
	sum.Write([]byte{0})
	sum.Write(body)
	return hex.EncodeToString(sum.Sum(nil))
}

// Begin занимает ключ. (nil, nil) означает, что запрос нужно выполнить
// и затем вызвать Complete. Завершённый запрос с тем же отпечатком
// возвращается как Replay.
func (g *Guard) Begin(ctx context.Context, key domain.IdempotencyKey, fingerprint string) (*Replay, error) {
	existing, err := g.repo.Reserve(ctx, domain.IdempotentRequest{
		Key:         key,
		Fingerprint: fingerprint,
		ExpiresAt:   g.now().UTC().Add(g.ttl),
	})
	switch {
	case err == nil:
		return nil, nil
	case errors.Is(err, domain.ErrIdempotencyKeyInUse) && existing.State.Finished():
		g.logger.WithFields(log.Fields{
			"idempotency_key": key.String(),
			"state":           existing.State,
		}).Debug("replaying stored response")
		return &Replay{StatusCode: existing.StatusCode, Body: existing.Body}, nil
	default:
		return nil, err
	}
}

// Release освобождает ключ без сохранения ответа: повтор с тем же ключом
// выполнит запрос заново. Нужен для ошибок, которые клиенту предлагается повторить.
func (g *Guard) Release(ctx context.Context, key domain.IdempotencyKey) {
	if err := g.repo.Release(ctx, key); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key.String()).Warn("failed to release idempotency key")
	}
}

// Retryable сообщает, что ответ на ошибку не должен закрепляться за ключом.
func Retryable(err error) bool {
	return domain.IsTransactionConflict(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// Complete сохраняет ответ. Ответы 5xx помечаются failed, но тоже повторяются.
func (g *Guard) Complete(ctx context.Context, key domain.IdempotencyKey, statusCode int, body []byte) {
	state := domain.IdempotencyCompleted
	if statusCode >= 500 {
		state = domain.IdempotencyFailed
	}
	if err := g.repo.Finish(ctx, key, state, statusCode, body); err != nil {
		g.logger.WithError(err).WithField("idempotency_key", key.String()).Warn("failed to store idempotent response")
	}
}
