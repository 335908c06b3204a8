// Package ratelimit ограничивает частоту запросов по ключу (например, IP клиента).
package ratelimit

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Limiter решает, можно ли пропустить очередной запрос с ключом key.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Config задаёт ёмкость и окно ограничения.
type Config struct {
	// Capacity запросов разрешено за Window.
	Capacity int
	Window   time.Duration
}

// DefaultConfig разрешает 10 попыток входа в минуту.
func DefaultConfig() Config {
	return Config{Capacity: 10, Window: time.Minute}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.Capacity <= 0 {
		c.Capacity = def.Capacity
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	return c
}

type window struct {
	start time.Time
	count int
}

// FixedWindow ограничивает запросы фиксированным окном в памяти процесса.
type FixedWindow struct {
	cfg Config
	now func() time.Time

	mu      sync.Mutex
	windows map[string]window
}

// NewFixedWindow создаёт ограничитель в памяти процесса.
func NewFixedWindow(cfg Config) *FixedWindow {
	return &FixedWindow{
		cfg:     cfg.normalized(),
		now:     time.Now,
		windows: make(map[string]window),
	}
}

// Allow никогда не возвращает ошибку.
func (f *FixedWindow) Allow(_ context.Context, key string) (bool, error) {
	now := f.now()

	f.mu.Lock()
	defer f.mu.Unlock()

	w, ok := f.windows[key]
	if !ok || now.Sub(w.start) >= f.cfg.Window {
		f.sweepLocked(now)
		f.windows[key] = window{start: now, count: 1}
		return true, nil
	}
	if w.count >= f.cfg.Capacity {
		return false, nil
	}
	w.count++
	f.windows[key] = w
	return true, nil
}

// sweepLocked удаляет истёкшие окна, чтобы карта не росла бесконечно.
func (f *FixedWindow) sweepLocked(now time.Time) {
	for key, w := range f.windows {
		if now.Sub(w.start) >= f.cfg.Window {
			delete(f.windows, key)
		}
	}
}

// Fallback использует primary и переключается на secondary, если primary вернул ошибку.
type Fallback struct {
	primary   Limiter
	secondary Limiter
	logger    *log.Entry
}

// NewFallback объединяет два ограничителя.
func NewFallback(primary, secondary Limiter, logger *log.Entry) *Fallback {
	if logger == nil {
		logger = log.WithField("component", "rate-limit")
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Allow(ctx context.Context, key string) (bool, error) {
	allowed, err := f.primary.Allow(ctx, key)
	if err == nil {
		return allowed, nil
	}
	f.logger.WithError(err).Warn("primary rate limiter failed, using in-process limiter")
	return f.secondary.Allow(ctx, key)
}

var (
	_ Limiter = (*FixedWindow)(nil)
	_ Limiter = (*Fallback)(nil)
)
