package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

func newClockedIdempotencyRepository(now *time.Time) *IdempotencyRepository {
	repo := NewIdempotencyRepository()
	repo.now = func() time.Time { return *now }
	return repo
}

func TestIdempotencyRepositoryReserveAndFinish(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newClockedIdempotencyRepository(&now)
	key := domain.IdempotencyKey{UserID: 1, Value: "k-1"}

	reserved, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyPending, reserved.State)
	require.Equal(t, now, reserved.CreatedAt)

	body := []byte(`{"id":3}`)
	require.NoError(t, repo.Finish(ctx, key, domain.IdempotencyCompleted, 201, body))
	body[0] = 'x'

	got, err := repo.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyCompleted, got.State)
	require.Equal(t, 201, got.StatusCode)
	require.JSONEq(t, `{"id":3}`, string(got.Body), "stored body must not alias the caller's slice")

	require.ErrorIs(t, repo.Finish(ctx, domain.IdempotencyKey{UserID: 1, Value: "missing"}, domain.IdempotencyCompleted, 200, nil), domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepositoryConflicts(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newClockedIdempotencyRepository(&now)
	key := domain.IdempotencyKey{UserID: 1, Value: "k"}

	_, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "a", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	existing, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "a"})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyInUse)
	require.Equal(t, "a", existing.Fingerprint)

	_, err = repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "b"})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyReused)

	other := domain.IdempotencyKey{UserID: 2, Value: "k"}
	_, err = repo.Reserve(ctx, domain.IdempotentRequest{Key: other, Fingerprint: "b"})
	require.NoError(t, err, "keys of different users are independent")

	_, err = repo.Reserve(ctx, domain.IdempotentRequest{Key: domain.IdempotencyKey{UserID: 1}, Fingerprint: "a"})
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyRequired)
	_, err = repo.Reserve(ctx, domain.IdempotentRequest{Key: key})
	require.ErrorIs(t, err, domain.ErrIdempotencyFingerprintRequired)
}

func TestIdempotencyRepositoryReclaimsExpiredKey(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newClockedIdempotencyRepository(&now)
	key := domain.IdempotencyKey{UserID: 1, Value: "k"}

	_, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "old", ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, key, domain.IdempotencyFailed, 500, []byte("{}")))

	now = now.Add(2 * time.Minute)
	reserved, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "new"})
	require.NoError(t, err)
	require.Equal(t, "new", reserved.Fingerprint)
	require.Equal(t, now.Add(24*time.Hour), reserved.ExpiresAt)
	require.Empty(t, reserved.Body)
	require.Zero(t, reserved.StatusCode)
}

func TestIdempotencyRepositoryPurgeOldestFirst(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newClockedIdempotencyRepository(&now)

	for i, ttl := range []time.Duration{3 * time.Minute, time.Minute, 2 * time.Minute, time.Hour} {
		key := domain.IdempotencyKey{UserID: 1, Value: string(rune('a' + i))}
		_, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "fp", ExpiresAt: now.Add(ttl)})
		require.NoError(t, err)
	}

	later := now.Add(10 * time.Minute)
	removed, err := repo.Purge(ctx, later, 2)
	require.NoError(t, err)
	require.Equal(t, 2, removed)

	_, err = repo.Get(ctx, domain.IdempotencyKey{UserID: 1, Value: "a"})
	require.NoError(t, err, "latest expired key survives the first batch")

	removed, err = repo.Purge(ctx, later, 0)
	require.NoError(t, err)
	require.Equal(t, 1, removed)

	_, err = repo.Get(ctx, domain.IdempotencyKey{UserID: 1, Value: "d"})
	require.NoError(t, err)
}

func TestIdempotencyRepositoryReleaseDropsOnlyPending(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	repo := newClockedIdempotencyRepository(&now)
	pending := domain.IdempotencyKey{UserID: 1, Value: "pending"}
	done := domain.IdempotencyKey{UserID: 1, Value: "done"}

	for _, key := range []domain.IdempotencyKey{pending, done} {
		_, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: key, Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)})
		require.NoError(t, err)
	}
	require.NoError(t, repo.Finish(ctx, done, domain.IdempotencyCompleted, 201, []byte(`{}`)))

	require.NoError(t, repo.Release(ctx, pending))
	_, err := repo.Get(ctx, pending)
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)

	_, err = repo.Reserve(ctx, domain.IdempotentRequest{Key: pending, Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err, "released key can be reserved again")

	require.ErrorIs(t, repo.Release(ctx, done), domain.ErrIdempotencyKeyNotFound)
	got, err := repo.Get(ctx, done)
	require.NoError(t, err)
	require.Equal(t, domain.IdempotencyCompleted, got.State)

	require.ErrorIs(t, repo.Release(ctx, domain.IdempotencyKey{UserID: 1, Value: "missing"}), domain.ErrIdempotencyKeyNotFound)
}
