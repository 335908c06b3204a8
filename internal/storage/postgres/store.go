// Package postgres реализует репозитории и единицу работы поверх PostgreSQL (pgx).
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultConnTimeout = 5 * time.Second
	defaultLockTimeout = 5 * time.Second
	opTimeout          = 5 * time.Second
)

type poolSettings struct {
	maxOpen     int
	maxIdle     int
	maxLifetime time.Duration
	maxIdleTime time.Duration
	lockTimeout time.Duration
}

func defaultPoolSettings() poolSettings {
	return poolSettings{
		maxOpen:     25,
		maxIdle:     25,
		maxLifetime: 30 * time.Minute,
		maxIdleTime: 5 * time.Minute,
		lockTimeout: defaultLockTimeout,
	}
}

// Option меняет настройки Store до открытия пула.
type Option func(*poolSettings)

// WithLockTimeout задаёт lock_timeout транзакций, блокирующих товары.
func WithLockTimeout(timeout time.Duration) Option {
	return func(p *poolSettings) {
		if timeout > 0 {
			p.lockTimeout = timeout
		}
	}
}

// WithMaxOpenConns ограничивает пул; простаивающих соединений столько же.
func WithMaxOpenConns(n int) Option {
	return func(p *poolSettings) {
		if n > 0 {
			p.maxOpen, p.maxIdle = n, n
		}
	}
}

// Store владеет пулом соединений с PostgreSQL.
type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// Open открывает пул через драйвер pgx и проверяет соединение.
func Open(ctx context.Context, dsn string, options ...Option) (*Store, error) {
	settings := defaultPoolSettings()
	for _, option := range options {
		option(&settings)
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(settings.maxOpen)
	db.SetMaxIdleConns(settings.maxIdle)
	db.SetConnMaxLifetime(settings.maxLifetime)
	db.SetConnMaxIdleTime(settings.maxIdleTime)

	store := &Store{db: db, lockTimeout: settings.lockTimeout}
	if err := store.Ping(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return store, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("postgres store is not initialized")
	}
	ctx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// EnsureSchema применяет все ожидающие миграции.
func (s *Store) EnsureSchema(ctx context.Context) error {
	migrator, err := s.Migrator()
	if err != nil {
		return err
	}
	_, err = migrator.Up(ctx, 0)
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// queryer покрывает *sql.DB, *sql.Tx и *sql.Conn.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, opTimeout)
}
