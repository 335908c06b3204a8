// Package httpapi — REST API сервиса: маршруты chi, middleware и обработчики.
package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/commerce-api/internal/metrics"
	"github.com/vladislavdragonenkov/commerce-api/internal/ratelimit"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/auth"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/catalog"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/idempotency"
	"github.com/vladislavdragonenkov/commerce-api/internal/service/orders"
)

const (
	defaultRetryAfter  = time.Second
	defaultLoginWindow = time.Minute
)

// Services — зависимости обработчиков.
type Services struct {
	Auth     *auth.Service
	Users    *auth.UserService
	Clients  *catalog.ClientService
	Products *catalog.ProductService
	Orders   *orders.Service

	// Idempotency может быть nil: тогда Idempotency-Key игнорируется.
	Idempotency *idempotency.Guard
	// LoginLimiter может быть nil: тогда вход не ограничивается.
	LoginLimiter ratelimit.Limiter
}

// Option настраивает Server.
type Option func(*Server)

// WithLogger задаёт logger.
func WithLogger(logger *log.Entry) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMetrics задаёт метрики HTTP.
func WithMetrics(httpMetrics *metrics.HTTPMetrics) Option {
	return func(s *Server) {
		s.metrics = httpMetrics
	}
}

// WithRetryAfter задаёт значение Retry-After для конфликтов транзакций.
func WithRetryAfter(d time.Duration) Option {
	return func(s *Server) {
		if d >= time.Second {
			s.retryAfter = d
		}
	}
}

// WithLoginWindow задаёт Retry-After для превышения лимита входа.
func WithLoginWindow(d time.Duration) Option {
	return func(s *Server) {
		if d >= time.Second {
			s.loginWindow = d
		}
	}
}

// Server собирает REST API.
type Server struct {
	services    Services
	logger      *log.Entry
	metrics     *metrics.HTTPMetrics
	retryAfter  time.Duration
	loginWindow time.Duration
}

// NewServer создаёт Server.
func NewServer(services Services, options ...Option) *Server {
	s := &Server{services: services, retryAfter: defaultRetryAfter, loginWindow: defaultLoginWindow}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "http-api")
	}
	return s
}

// Routes возвращает корневой handler API.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(s.requestID)
	r.Use(s.accessLog)
	r.Use(s.recoverer)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/register", s.register)
		r.With(s.limitLogin).Post("/login", s.login)
		r.Post("/refresh-token", s.refreshToken)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Route("/users", func(r chi.Router) {
			r.With(s.requireAdmin).Get("/", s.listUsers)
			r.Get("/{id}", s.getUser)
			r.Put("/{id}", s.updateUser)
			r.With(s.requireAdmin).Delete("/{id}", s.deleteUser)
		})

		r.Route("/clients", func(r chi.Router) {
			r.Get("/", s.listClients)
			r.With(s.requireAdmin).Post("/", s.createClient)
			r.Get("/{id}", s.getClient)
			r.With(s.requireAdmin).Put("/{id}", s.updateClient)
			r.With(s.requireAdmin).Delete("/{id}", s.deleteClient)
		})

		r.Route("/products", func(r chi.Router) {
			r.Get("/", s.listProducts)
			r.With(s.requireAdmin).Post("/", s.createProduct)
			r.Get("/{id}", s.getProduct)
			r.With(s.requireAdmin).Put("/{id}", s.updateProduct)
			r.With(s.requireAdmin).Delete("/{id}", s.deleteProduct)
		})

		r.Route("/orders", func(r chi.Router) {
			r.Get("/", s.listOrders)
			r.With(s.requireAdmin).Post("/", s.createOrder)
			r.Get("/{id}", s.getOrder)
			r.With(s.requireAdmin).Put("/{id}", s.updateOrder)
			r.With(s.requireAdmin).Delete("/{id}", s.deleteOrder)
		})
	})

	return r
}
