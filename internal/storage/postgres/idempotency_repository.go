package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

const defaultIdempotencyTTL = 24 * time.Hour

const idempotencyColumns = `user_id, key, fingerprint, state, status_code, body, expires_at, created_at, updated_at`

// IdempotencyRepository хранит запросы с Idempotency-Key в таблице idempotency_requests.
type IdempotencyRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewIdempotencyRepository создаёт репозиторий поверх открытого Store.
func NewIdempotencyRepository(store *Store) *IdempotencyRepository {
	return &IdempotencyRepository{db: store.DB(), now: time.Now}
}

// Reserve вставляет pending-запись. Истёкшая запись с тем же ключом
// перезаписывается тем же запросом, живая возвращается вызывающему.
func (r *IdempotencyRepository) Reserve(ctx context.Context, req domain.IdempotentRequest) (domain.IdempotentRequest, error) {
	if strings.TrimSpace(req.Key.Value) == "" {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyKeyRequired
	}
	if req.Fingerprint == "" {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyFingerprintRequired
	}

	now := r.now().UTC()
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(defaultIdempotencyTTL)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO idempotency_requests AS ir (`+idempotencyColumns+`)
		VALUES ($1, $2, $3, $4, NULL, NULL, $5, $6, $6)
		ON CONFLICT (user_id, key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			state       = EXCLUDED.state,
			status_code = NULL,
			body        = NULL,
			expires_at  = EXCLUDED.expires_at,
			created_at  = EXCLUDED.created_at,
			updated_at  = EXCLUDED.updated_at
		WHERE ir.expires_at <= EXCLUDED.created_at
		RETURNING `+idempotencyColumns,
		req.Key.UserID, req.Key.Value, req.Fingerprint, string(domain.IdempotencyPending), req.ExpiresAt, now,
	)
	reserved, err := scanIdempotentRequest(row)
	if err == nil {
		return reserved, nil
	}
	if !errors.Is(err, sql.ErrNoRows) && !isUniqueViolation(err) {
		return domain.IdempotentRequest{}, fmt.Errorf("reserve idempotency key %s: %w", req.Key, err)
	}

	// Ключ занят живой записью.
	existing, err := r.Get(ctx, req.Key)
	if err != nil {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyKeyInUse
	}
	if existing.Fingerprint != req.Fingerprint {
		return existing, domain.ErrIdempotencyKeyReused
	}
	return existing, domain.ErrIdempotencyKeyInUse
}

func (r *IdempotencyRepository) Get(ctx context.Context, key domain.IdempotencyKey) (domain.IdempotentRequest, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	row := r.db.QueryRowContext(ctx,
		`SELECT `+idempotencyColumns+` FROM idempotency_requests WHERE user_id = $1 AND key = $2`,
		key.UserID, key.Value,
	)
	req, err := scanIdempotentRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotentRequest{}, fmt.Errorf("get idempotency key %s: %w", key, err)
	}
	return req, nil
}

func (r *IdempotencyRepository) Finish(ctx context.Context, key domain.IdempotencyKey, state domain.IdempotencyState, statusCode int, body []byte) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx, `
		UPDATE idempotency_requests
		SET state = $3, status_code = $4, body = $5, updated_at = $6
		WHERE user_id = $1 AND key = $2
	`, key.UserID, key.Value, string(state), statusCode, body, r.now().UTC())
	if err != nil {
		return fmt.Errorf("finish idempotency key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finish idempotency key %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

func (r *IdempotencyRepository) Release(ctx context.Context, key domain.IdempotencyKey) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.db.ExecContext(ctx,
		`DELETE FROM idempotency_requests WHERE user_id = $1 AND key = $2 AND state = $3`,
		key.UserID, key.Value, string(domain.IdempotencyPending),
	)
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release idempotency key %s: %w", key, err)
	}
	if n == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// Purge удаляет истёкшие записи порцией, самые старые первыми.
// limit <= 0 снимает ограничение.
func (r *IdempotencyRepository) Purge(ctx context.Context, before time.Time, limit int) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM idempotency_requests
		WHERE (user_id, key) IN (
			SELECT user_id, key FROM idempotency_requests
			WHERE expires_at <= $1
			ORDER BY expires_at
			LIMIT $2
		)
	`, before, limitArg)
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge idempotency keys: %w", err)
	}
	return int(n), nil
}

func scanIdempotentRequest(row interface{ Scan(...any) error }) (domain.IdempotentRequest, error) {
	var (
		req        domain.IdempotentRequest
		state      string
		statusCode sql.NullInt32
	)
	if err := row.Scan(
		&req.Key.UserID, &req.Key.Value, &req.Fingerprint, &state, &statusCode,
		&req.Body, &req.ExpiresAt, &req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		return domain.IdempotentRequest{}, err
	}

	parsed, err := domain.ParseIdempotencyState(state)
	if err != nil {
		return domain.IdempotentRequest{}, err
	}
	req.State = parsed
	req.StatusCode = int(statusCode.Int32)
	return req, nil
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
