package app

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/config"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/ratelimit"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/auth"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/catalog"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/idempotency"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/orders"
	"github.com/vladislavdragonenkov/commerce-api/internal/transport/httpapi"
)

// newServices собирает сервисы поверх репозиториев.
func newServices(cfg config.Config, deps *runtimeDependencies, registerer prometheus.Registerer, logger *log.Entry) (httpapi.Services, error) {
	tokens, err := auth.NewTokenIssuer(auth.TokenConfig{
		Secret:     cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		AccessTTL:  cfg.Auth.AccessTTL,
		RefreshTTL: cfg.Auth.RefreshTTL,
	})
	if err != nil {
		return httpapi.Services{}, fmt.Errorf("init token issuer: %w", err)
	}

	authService := auth.NewService(deps.users, tokens,
		auth.WithBcryptCost(cfg.Auth.BcryptCost),
		auth.WithLogger(logger.WithField("component", "auth-service")),
	)

	return httpapi.Services{
		Auth:        authService,
		Users:       auth.NewUserService(deps.users, authService, logger.WithField("component", "user-service")),
		Clients:     catalog.NewClientService(deps.clients, logger.WithField("component", "client-service")),
		Products:    catalog.NewProductService(deps.products, logger.WithField("component", "product-service")),
		Orders:      orders.NewService(newOrderCreator(cfg, deps, registerer, logger), deps.orders, logger.WithField("component", "order-service")),
		Idempotency: idempotency.NewGuard(deps.idempotencyRepo, cfg.Idempotency.TTL, logger.WithField("component", "idempotency-guard")),
	}, nil
}

// newOrderCreator оборачивает транзакцию создания заказа повтором при конфликтах блокировок.
// Событие order.created пишется в outbox только когда есть кому его публиковать.
func newOrderCreator(cfg config.Config, deps *runtimeDependencies, registerer prometheus.Registerer, logger *log.Entry) orders.Creator {
	orderMetrics := metrics.NewOrderMetrics(registerer)

	manager := orders.NewManager(deps.uow,
		orders.WithLogger(logger.WithField("component", "order-manager")),
		orders.WithMetrics(orderMetrics),
		orders.WithOrderEvents(cfg.KafkaEnabled()),
	)

	retry := orders.DefaultRetryConfig()
	if cfg.Orders.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.Orders.RetryAttempts
	}
	if cfg.Orders.RetryInitialDelay > 0 {
		retry.InitialDelay = cfg.Orders.RetryInitialDelay
	}
	if cfg.Orders.RetryMaxDelay > 0 {
		retry.MaxDelay = cfg.Orders.RetryMaxDelay
	}

	return orders.NewRetryingCreator(manager, retry, logger.WithField("component", "order-retry"), orderMetrics)
}

// newLoginLimiter выбирает Redis token bucket с запасным лимитером в памяти.
// Возвращает redis клиента, чтобы его можно было проверить и закрыть.
func newLoginLimiter(cfg config.RateLimitConfig, logger *log.Entry) (ratelimit.Limiter, *redis.Client) {
	limits := ratelimit.Config{Capacity: cfg.LoginCapacity, Window: cfg.LoginWindow}
	local := ratelimit.NewFixedWindow(limits)
	if cfg.RedisAddr == "" {
		return local, nil
	}

	client := ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
	logger.WithField("addr", cfg.RedisAddr).Info("login rate limiter uses redis")
	return ratelimit.NewFallback(ratelimit.NewRedisTokenBucket(client, limits), local, logger.WithField("component", "rate-limit")), client
}

// ensureAdmin создаёт администратора из конфигурации, если его ещё нет.
func ensureAdmin(ctx context.Context, cfg config.AuthConfig, authService *auth.Service, logger *log.Entry) error {
	if cfg.AdminEmail == "" {
		return nil
	}
	created, err := authService.EnsureAdmin(ctx, auth.RegisterInput{
		Username: cfg.AdminUsername,
		Email:    cfg.AdminEmail,
		Password: cfg.AdminPassword,
	})
	if err != nil {
		return err
	}
	if created {
		logger.WithField("email", cfg.AdminEmail).Info("bootstrap admin created")
	}
	return nil
}
