package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxDead    = "dead"
)

// OutboxRepository хранит события в outbox_messages вместе с расписанием повторов.
type OutboxRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewOutboxRepository(store *Store) *OutboxRepository {
	return &OutboxRepository{db: store.DB(), now: time.Now}
}

func (r *OutboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	return enqueueOutbox(ctx, r.db, msg, r.now().UTC())
}

// enqueueOutbox принимает queryer, чтобы событие попадало в транзакцию заказа.
func enqueueOutbox(ctx context.Context, q queryer, msg domain.OutboxMessage, now time.Time) (domain.OutboxMessage, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Attempts = 0
	msg.CreatedAt = now

	if _, err := q.ExecContext(ctx, `
		INSERT INTO outbox_messages (
			id, aggregate_type, aggregate_id, event_type, payload,
			status, attempts, next_attempt_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxPending, now); err != nil {
		return domain.OutboxMessage{}, mapError("enqueue outbox message", err)
	}
	return msg, nil
}

// Due выбирает сообщения с наступившим сроком, самые старые первыми.
// limit <= 0 снимает ограничение.
func (r *OutboxRepository) Due(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, attempts, created_at
		FROM outbox_messages
		WHERE status = $1 AND next_attempt_at <= $2
		ORDER BY next_attempt_at, created_at, id
		LIMIT $3
	`, outboxPending, now, limitArg)
	if err != nil {
		return nil, fmt.Errorf("select due outbox messages: %w", err)
	}
	defer rows.Close()

	var due []domain.OutboxMessage
	for rows.Next() {
		var msg domain.OutboxMessage
		if err := rows.Scan(
			&msg.ID, &msg.AggregateType, &msg.AggregateID, &msg.EventType,
			&msg.Payload, &msg.Attempts, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		msg.CreatedAt = msg.CreatedAt.UTC()
		due = append(due, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outbox messages: %w", err)
	}
	return due, nil
}

func (r *OutboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`,
		outboxPending,
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.settle(ctx, id, outboxSent, time.Time{}, "")
}

func (r *OutboxRepository) Retry(ctx context.Context, id string, next time.Time, lastErr string) error {
	return r.settle(ctx, id, outboxPending, next, lastErr)
}

func (r *OutboxRepository) Bury(ctx context.Context, id string, lastErr string) error {
	return r.settle(ctx, id, outboxDead, time.Time{}, lastErr)
}

// settle засчитывает попытку pending-сообщению. Нулевой next оставляет
// next_attempt_at без изменений, пустой lastErr очищает last_error.
func (r *OutboxRepository) settle(ctx context.Context, id, status string, next time.Time, lastErr string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var nextArg any
	if !next.IsZero() {
		nextArg = next
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2,
		    attempts = attempts + 1,
		    next_attempt_at = COALESCE($3::timestamptz, next_attempt_at),
		    last_error = NULLIF($4::text, ''),
		    updated_at = $5
		WHERE id = $1 AND status = 'pending'
	`, id, status, nextArg, lastErr, r.now().UTC())
	if err != nil {
		return fmt.Errorf("set outbox message %s to %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set outbox message %s to %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", domain.ErrOutboxMessageNotFound, id)
	}
	return nil
}

var _ domain.OutboxRepository = (*OutboxRepository)(nil)
