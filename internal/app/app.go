// Package app собирает зависимости сервиса и управляет жизненным циклом серверов и воркеров.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/commerce-api/internal/config"
	"github.com/vladislavdragonenkov/commerce-api/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/commerce-api/internal/health"
	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/idempotency"
	"github.com/vladislavdragonenkov/commerce-api/internal/transport/httpapi"
	"github.com/vladislavdragonenkov/commerce-api/internal/version"
)

const (
	grpcStopTimeout            = 5 * time.Second
	grpcHealthInterval         = 10 * time.Second
	outboxBacklogDegradedAfter = 5 * time.Minute
)

// ConfigureLogging применяет уровень и формат логов.
func ConfigureLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	log.SetLevel(level)

	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// Run запускает REST API, сервер метрик, gRPC health и фоновые воркеры.
// Возвращает ctx.Err() после штатной остановки.
func Run(ctx context.Context, cfg config.Config) error {
	logger := log.WithField("component", "app")
	if cfg.UsesDevSecret() {
		logger.Warn("jwt secret is the development default, set COMMERCE_AUTH_JWT_SECRET")
	}

	deps, err := initRuntimeDependencies(ctx, cfg.Storage, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := deps.close(); err != nil {
			logger.WithError(err).Warn("failed to close storage")
		}
	}()

	registerer := prometheus.DefaultRegisterer
	services, err := newServices(cfg, deps, registerer, logger)
	if err != nil {
		return err
	}
	if err := ensureAdmin(ctx, cfg.Auth, services.Auth, logger); err != nil {
		return err
	}

	limiter, redisClient := newLoginLimiter(cfg.RateLimit, logger)
	services.LoginLimiter = limiter
	if redisClient != nil {
		defer func() { _ = redisClient.Close() }()
	}

	monitor := healthcheck.NewMonitor(version.Current().Version)
	monitor.Register("storage", healthcheck.Critical, deps.ping)
	monitor.Register("outbox", healthcheck.Optional, outboxBacklogProbe(deps.outboxRepo, outboxBacklogDegradedAfter))
	if redisClient != nil {
		monitor.Register("redis", healthcheck.Optional, func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		})
	}

	api := httpapi.NewServer(services,
		httpapi.WithLogger(logger.WithField("component", "http-api")),
		httpapi.WithMetrics(metrics.NewHTTPMetrics(registerer)),
		httpapi.WithLoginWindow(cfg.RateLimit.LoginWindow),
	)
	apiSrv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Routes(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	apiLis, err := net.Listen("tcp", cfg.HTTP.Addr)
	if err != nil {
		return fmt.Errorf("listen http api: %w", err)
	}

	metricsSrv := newMetricsServer(cfg.Metrics.Addr, monitor)
	metricsLis, err := net.Listen("tcp", cfg.Metrics.Addr)
	if err != nil {
		_ = apiLis.Close()
		return fmt.Errorf("listen metrics: %w", err)
	}

	var grpcLis net.Listener
	if cfg.GRPC.HealthAddr != "" {
		grpcLis, err = net.Listen("tcp", cfg.GRPC.HealthAddr)
		if err != nil {
			_ = apiLis.Close()
			_ = metricsLis.Close()
			return fmt.Errorf("listen grpc health: %w", err)
		}
	}

	producer := initKafkaProducer(cfg.Kafka, logger)
	defer closeKafka(producer, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Infof("REST API слушает %s", apiLis.Addr())
		return serveHTTP(gctx, apiSrv, apiLis, cfg.HTTP.ShutdownTimeout, logger)
	})
	g.Go(func() error {
		logger.Infof("метрики и health checks доступны по адресу %s", metricsLis.Addr())
		return serveHTTP(gctx, metricsSrv, metricsLis, cfg.HTTP.ShutdownTimeout, logger)
	})

	if grpcLis != nil {
		g.Go(func() error {
			return serveGRPCHealth(gctx, grpcLis, monitor, registerer, logger)
		})
	}

	sweeper := idempotency.NewSweeper(deps.idempotencyRepo,
		idempotency.WithSweepLogger(logger.WithField("component", "idempotency-sweeper")),
		idempotency.WithSweepMetrics(metrics.NewCleanupMetrics(registerer)),
		idempotency.WithSweepInterval(cfg.Idempotency.CleanupInterval),
		idempotency.WithSweepBatch(cfg.Idempotency.CleanupBatchSize),
	)
	g.Go(func() error {
		return sweeper.Run(gctx)
	})

	if producer != nil {
		worker := newOutboxWorker(cfg, deps.outboxRepo, producer, registerer, logger)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})

		if cfg.Kafka.Notifications {
			consumer, err := startNotificationConsumer(gctx, cfg.Kafka, producer, registerer, logger)
			if err != nil {
				logger.WithError(err).Warn("notification consumer is disabled")
			} else {
				g.Go(func() error {
					<-gctx.Done()
					return consumer.Stop()
				})
			}
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// outboxBacklogProbe считает сервис degraded, если старейшее неотправленное
// событие ждёт дольше maxAge.
func outboxBacklogProbe(repo domain.OutboxRepository, maxAge time.Duration) healthcheck.Probe {
	return func(ctx context.Context) error {
		stats, err := repo.Stats(ctx)
		if err != nil {
			return err
		}
		if stats.PendingCount == 0 {
			return nil
		}
		if age := time.Since(stats.OldestPendingAt); age > maxAge {
			return fmt.Errorf("%d pending events, oldest waits %s", stats.PendingCount, age.Truncate(time.Second))
		}
		return nil
	}
}

func newMetricsServer(addr string, monitor *healthcheck.Monitor) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", monitor)
	mux.HandleFunc("GET /livez", healthcheck.Live)
	mux.HandleFunc("GET /readyz", monitor.Ready)

	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// serveHTTP обслуживает lis до отмены ctx, затем аккуратно останавливает сервер.
func serveHTTP(ctx context.Context, srv *http.Server, lis net.Listener, shutdownTimeout time.Duration, logger *log.Entry) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		shutdownHTTP(srv, shutdownTimeout, logger)
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}

// serveGRPCHealth поднимает grpc.health.v1 для проб оркестратора.
// Статус SERVING следует за критичными проверками monitor.
func serveGRPCHealth(ctx context.Context, lis net.Listener, monitor *healthcheck.Monitor, registerer prometheus.Registerer, logger *log.Entry) error {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := registerer.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	go monitor.Watch(ctx, grpcHealthInterval, func(status healthcheck.Status) {
		serving := healthpb.HealthCheckResponse_SERVING
		if status == healthcheck.StatusUnhealthy {
			serving = healthpb.HealthCheckResponse_NOT_SERVING
		}
		logger.WithField("status", status).Info("grpc health status changed")
		healthServer.SetServingStatus("", serving)
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("gRPC health слушает %s", lis.Addr())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		healthServer.Shutdown()
		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(grpcStopTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return err
	}
}
