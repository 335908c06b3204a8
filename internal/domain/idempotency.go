package domain

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxIdempotencyKeyLength ограничивает ключ, присланный клиентом.
const MaxIdempotencyKeyLength = 128

// IdempotencyState — стадия запроса с Idempotency-Key.
type IdempotencyState string

const (
	// IdempotencyPending — ключ занят, ответа ещё нет.
	IdempotencyPending IdempotencyState = "pending"
	// IdempotencyCompleted — ответ сохранён и отдаётся повторным запросам.
	IdempotencyCompleted IdempotencyState = "completed"
	// IdempotencyFailed — обработка закончилась ошибкой сервера, ответ тоже сохранён.
	IdempotencyFailed IdempotencyState = "failed"
)

// ParseIdempotencyState разбирает значение, прочитанное из хранилища.
func ParseIdempotencyState(raw string) (IdempotencyState, error) {
	switch state := IdempotencyState(raw); state {
	case IdempotencyPending, IdempotencyCompleted, IdempotencyFailed:
		return state, nil
	default:
		return "", fmt.Errorf("unknown idempotency state %q", raw)
	}
}

// Finished сообщает, что ответ уже сохранён.
func (s IdempotencyState) Finished() bool {
	return s == IdempotencyCompleted || s == IdempotencyFailed
}

// IdempotencyKey — ключ клиента в пространстве пользователя.
// Одинаковые значения у разных пользователей не пересекаются.
type IdempotencyKey struct {
	UserID int64
	Value  string
}

// NewIdempotencyKey проверяет и нормализует ключ из заголовка.
func NewIdempotencyKey(userID int64, raw string) (IdempotencyKey, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return IdempotencyKey{}, ErrIdempotencyKeyRequired
	}
	if len(value) > MaxIdempotencyKeyLength {
		return IdempotencyKey{}, fmt.Errorf("%w: idempotency key is longer than %d characters", ErrInvalidArgument, MaxIdempotencyKeyLength)
	}
	return IdempotencyKey{UserID: userID, Value: value}, nil
}

func (k IdempotencyKey) String() string {
	return strconv.FormatInt(k.UserID, 10) + "/" + k.Value
}

// IdempotentRequest — зарезервированный запрос и, после завершения, его ответ.
type IdempotentRequest struct {
	Key         IdempotencyKey
	Fingerprint string
	State       IdempotencyState
	StatusCode  int
	Body        []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Expired сообщает, что ключ можно занять заново.
func (r IdempotentRequest) Expired(now time.Time) bool {
	return !r.ExpiresAt.After(now)
}
