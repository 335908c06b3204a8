package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

type outboxState uint8

const (
	outboxPending outboxState = iota
	outboxSent
	outboxDead
)

type outboxEntry struct {
	msg       domain.OutboxMessage
	state     outboxState
	seq       int64
	nextAt    time.Time
	lastError string
}

// OutboxRepository — in-memory outbox с расписанием повторов.
type OutboxRepository struct {
	mu      sync.Mutex
	seq     int64
	entries map[string]*outboxEntry
	now     func() time.Time
}

func NewOutboxRepository() *OutboxRepository {
	return &OutboxRepository{entries: make(map[string]*outboxEntry), now: time.Now}
}

// Enqueue сохраняет событие, доступное для публикации сразу.
func (r *OutboxRepository) Enqueue(_ context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	msg = withOutboxID(msg)

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[msg.ID]; exists {
		return domain.OutboxMessage{}, fmt.Errorf("%w: outbox message %s", domain.ErrAlreadyExists, msg.ID)
	}

	now := r.now().UTC()
	msg.Attempts = 0
	msg.CreatedAt = now
	r.seq++
	r.entries[msg.ID] = &outboxEntry{msg: msg, seq: r.seq, nextAt: now}
	return msg, nil
}

// Due возвращает pending-сообщения с наступившим сроком в порядке добавления.
func (r *OutboxRepository) Due(_ context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	due := make([]*outboxEntry, 0)
	for _, e := range r.entries {
		if e.state == outboxPending && !e.nextAt.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].seq < due[j].seq })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	out := make([]domain.OutboxMessage, len(due))
	for i, e := range due {
		out[i] = e.msg
	}
	return out, nil
}

func (r *OutboxRepository) Stats(_ context.Context) (domain.OutboxStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stats domain.OutboxStats
	for _, e := range r.entries {
		if e.state != outboxPending {
			continue
		}
		stats.PendingCount++
		if stats.OldestPendingAt.IsZero() || e.msg.CreatedAt.Before(stats.OldestPendingAt) {
			stats.OldestPendingAt = e.msg.CreatedAt
		}
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(_ context.Context, id string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = outboxSent
		e.msg.Attempts++
		e.lastError = ""
	})
}

func (r *OutboxRepository) Retry(_ context.Context, id string, next time.Time, lastErr string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.msg.Attempts++
		e.nextAt = next
		e.lastError = lastErr
	})
}

func (r *OutboxRepository) Bury(_ context.Context, id string, lastErr string) error {
	return r.settle(id, func(e *outboxEntry) {
		e.state = outboxDead
		e.msg.Attempts++
		e.lastError = lastErr
	})
}

// LastError возвращает последнюю ошибку публикации сообщения.
func (r *OutboxRepository) LastError(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return e.lastError, true
}

// settle меняет только pending-сообщения.
func (r *OutboxRepository) settle(id string, apply func(*outboxEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || e.state != outboxPending {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}
	apply(e)
	return nil
}

func withOutboxID(msg domain.OutboxMessage) domain.OutboxMessage {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	return msg
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
