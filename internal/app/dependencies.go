package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/config"
	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/memory"
	"github.com/vladislavdragonenkov/commerce-api/internal/storage/postgres"
)

// runtimeDependencies — репозитории выбранного хранилища.
type runtimeDependencies struct {
	users           domain.UserRepository
	clients         domain.ClientRepository
	products        domain.ProductRepository
	orders          domain.OrderRepository
	outboxRepo      domain.OutboxRepository
	idempotencyRepo domain.IdempotencyRepository
	uow             domain.UnitOfWork

	ping  func(ctx context.Context) error
	close func() error
}

func initRuntimeDependencies(ctx context.Context, cfg config.StorageConfig, logger *log.Entry) (*runtimeDependencies, error) {
	switch cfg.Driver {
	case "", config.StorageDriverMemory:
		return newMemoryDependencies(cfg), nil
	case config.StorageDriverPostgres:
		return newPostgresDependencies(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
}

func newMemoryDependencies(cfg config.StorageConfig) *runtimeDependencies {
	store := memory.NewStore(memory.WithLockTimeout(cfg.LockTimeout))
	outbox := memory.NewOutboxRepository()

	return &runtimeDependencies{
		users:           memory.NewUserRepository(store),
		clients:         memory.NewClientRepository(store),
		products:        memory.NewProductRepository(store),
		orders:          memory.NewOrderRepository(store),
		outboxRepo:      outbox,
		idempotencyRepo: memory.NewIdempotencyRepository(),
		uow:             memory.NewUnitOfWork(store, outbox),
		ping:            func(context.Context) error { return nil },
		close:           func() error { return nil },
	}
}

func newPostgresDependencies(ctx context.Context, cfg config.StorageConfig, logger *log.Entry) (*runtimeDependencies, error) {
	if cfg.PostgresDSN == "" {
		return nil, fmt.Errorf("postgres dsn is required for %q storage driver", config.StorageDriverPostgres)
	}

	store, err := postgres.Open(ctx, cfg.PostgresDSN,
		postgres.WithLockTimeout(cfg.LockTimeout),
		postgres.WithMaxOpenConns(cfg.MaxOpenConns),
	)
	if err != nil {
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
		logger.Info("postgres schema is up to date")
	}

	return &runtimeDependencies{
		users:           postgres.NewUserRepository(store),
		clients:         postgres.NewClientRepository(store),
		products:        postgres.NewProductRepository(store),
		orders:          postgres.NewOrderRepository(store),
		outboxRepo:      postgres.NewOutboxRepository(store),
		idempotencyRepo: postgres.NewIdempotencyRepository(store),
		uow:             postgres.NewUnitOfWork(store),
		ping:            store.Ping,
		close:           store.Close,
	}, nil
}
