package idempotency

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/memory"
)

// purgeScript отдаёт заранее заданные результаты Purge.
type purgeScript struct {
	domain.IdempotencyRepository

	mu      sync.Mutex
	results []int
	errs    []error
	calls   int
}

func (p *purgeScript) Purge(context.Context, time.Time, int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return 0, p.errs[i]
	}
	if i < len(p.results) {
		return p.results[i], nil
	}
	return 0, nil
}

func (p *purgeScript) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestSweepDrainsFullBatches(t *testing.T) {
	reg := prometheus.NewRegistry()
	repo := &purgeScript{results: []int{2, 2, 1}}
	sweeper := NewSweeper(repo, WithSweepBatch(2), WithSweepMetrics(metrics.NewCleanupMetrics(reg)))

	removed, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 5, removed)
	require.Equal(t, 3, repo.callCount())

	expected := `
# HELP commerce_idempotency_cleanup_deleted_total Total number of deleted expired idempotency records.
# TYPE commerce_idempotency_cleanup_deleted_total counter
commerce_idempotency_cleanup_deleted_total 5
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "commerce_idempotency_cleanup_deleted_total"))
}

func TestSweepStopsOnError(t *testing.T) {
	boom := errors.New("boom")
	repo := &purgeScript{results: []int{2}, errs: []error{nil, boom}}

	removed, err := NewSweeper(repo, WithSweepBatch(2)).Sweep(context.Background())
	require.ErrorIs(t, err, boom)
	require.Equal(t, 2, removed)
}

func TestSweepRemovesOnlyExpiredKeys(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	for _, value := range []string{"a", "b", "c"} {
		_, err := repo.Reserve(ctx, domain.IdempotentRequest{
			Key: domain.IdempotencyKey{UserID: 1, Value: value}, Fingerprint: "fp", ExpiresAt: now.Add(-time.Minute),
		})
		require.NoError(t, err)
	}
	alive := domain.IdempotencyKey{UserID: 1, Value: "alive"}
	_, err := repo.Reserve(ctx, domain.IdempotentRequest{Key: alive, Fingerprint: "fp", ExpiresAt: now.Add(time.Hour)})
	require.NoError(t, err)

	removed, err := NewSweeper(repo, WithSweepBatch(2)).Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, removed)

	_, err = repo.Get(ctx, alive)
	require.NoError(t, err)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	repo := &purgeScript{}
	sweeper := NewSweeper(repo, WithSweepInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool { return repo.callCount() >= 2 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
