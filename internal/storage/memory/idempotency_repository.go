package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
)

// IdempotencyRepository держит запросы в памяти процесса.
type IdempotencyRepository struct {
	mu       sync.Mutex
	requests map[domain.IdempotencyKey]domain.IdempotentRequest
	now      func() time.Time
}

// NewIdempotencyRepository создаёт пустое хранилище.
func NewIdempotencyRepository() *IdempotencyRepository {
	return &IdempotencyRepository{
		requests: make(map[domain.IdempotencyKey]domain.IdempotentRequest),
		now:      time.Now,
	}
}

func (r *IdempotencyRepository) Reserve(_ context.Context, req domain.IdempotentRequest) (domain.IdempotentRequest, error) {
	if strings.TrimSpace(req.Key.Value) == "" {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyKeyRequired
	}
	if req.Fingerprint == "" {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyFingerprintRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	if existing, ok := r.requests[req.Key]; ok && !existing.Expired(now) {
		if existing.Fingerprint != req.Fingerprint {
			return copyRequest(existing), domain.ErrIdempotencyKeyReused
		}
		return copyRequest(existing), domain.ErrIdempotencyKeyInUse
	}

	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(24 * time.Hour)
	}
	reserved := domain.IdempotentRequest{
		Key:         req.Key,
		Fingerprint: req.Fingerprint,
		State:       domain.IdempotencyPending,
		ExpiresAt:   req.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.requests[req.Key] = reserved
	return reserved, nil
}

func (r *IdempotencyRepository) Get(_ context.Context, key domain.IdempotencyKey) (domain.IdempotentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[key]
	if !ok {
		return domain.IdempotentRequest{}, domain.ErrIdempotencyKeyNotFound
	}
	return copyRequest(req), nil
}

func (r *IdempotencyRepository) Finish(_ context.Context, key domain.IdempotencyKey, state domain.IdempotencyState, statusCode int, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[key]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	req.State = state
	req.StatusCode = statusCode
	req.Body = slices.Clone(body)
	req.UpdatedAt = r.now().UTC()
	r.requests[key] = req
	return nil
}

func (r *IdempotencyRepository) Release(_ context.Context, key domain.IdempotencyKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[key]
	if !ok || req.State != domain.IdempotencyPending {
		return domain.ErrIdempotencyKeyNotFound
	}
	delete(r.requests, key)
	return nil
}

func (r *IdempotencyRepository) Purge(_ context.Context, before time.Time, limit int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []domain.IdempotentRequest
	for _, req := range r.requests {
		if req.Expired(before) {
			expired = append(expired, req)
		}
	}
	slices.SortFunc(expired, func(a, b domain.IdempotentRequest) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, req := range expired {
		delete(r.requests, req.Key)
	}
	return len(expired), nil
}

func copyRequest(req domain.IdempotentRequest) domain.IdempotentRequest {
	req.Body = slices.Clone(req.Body)
	return req
}

var _ domain.IdempotencyRepository = (*IdempotencyRepository)(nil)
