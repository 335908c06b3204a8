// Package health агрегирует проверки зависимостей для HTTP и gRPC проб.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	defaultProbeTimeout = 2 * time.Second
	maxParallelProbes   = 8
)

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// worse возвращает более тяжёлый из двух статусов.
func worse(a, b Status) Status {
	rank := map[Status]int{StatusHealthy: 0, StatusDegraded: 1, StatusUnhealthy: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// Probe проверяет одну зависимость; ошибка означает отказ.
type Probe func(ctx context.Context) error

// Severity определяет, как отказ пробы влияет на общий статус.
type Severity int

const (
	// Critical: отказ делает сервис unhealthy и снимает его с трафика.
	Critical Severity = iota
	// Optional: отказ только понижает статус до degraded.
	Optional
)

// Result — итог одной пробы.
type Result struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Report — тело ответа /healthz.
type Report struct {
	Status        Status            `json:"status"`
	Version       string            `json:"version,omitempty"`
	CheckedAt     time.Time         `json:"checked_at"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]Result `json:"checks,omitempty"`
}

type registered struct {
	probe    Probe
	severity Severity
}

// Monitor хранит пробы и выполняет их параллельно.
type Monitor struct {
	mu      sync.RWMutex
	probes  map[string]registered
	version string
	started time.Time
	timeout time.Duration
}

func NewMonitor(version string) *Monitor {
	return &Monitor{
		probes:  make(map[string]registered),
		version: version,
		started: time.Now(),
		timeout: defaultProbeTimeout,
	}
}

// Register добавляет или заменяет пробу name.
func (m *Monitor) Register(name string, severity Severity, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = registered{probe: probe, severity: severity}
}

// Check выполняет все пробы с общим таймаутом.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.probes))
	for name := range m.probes {
		names = append(names, name)
	}
	probes := make([]registered, len(names))
	slices.Sort(names)
	for i, name := range names {
		probes[i] = m.probes[name]
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	results := make([]Result, len(names))
	var g errgroup.Group
	g.SetLimit(maxParallelProbes)
	for i := range names {
		g.Go(func() error {
			results[i] = runProbe(ctx, names[i], probes[i])
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Status:        StatusHealthy,
		Version:       m.version,
		CheckedAt:     time.Now().UTC(),
		UptimeSeconds: int64(time.Since(m.started).Seconds()),
		Checks:        make(map[string]Result, len(results)),
	}
	for _, res := range results {
		report.Checks[res.Name] = res
		report.Status = worse(report.Status, res.Status)
	}
	return report
}

func runProbe(ctx context.Context, name string, p registered) Result {
	start := time.Now()
	err := p.probe(ctx)
	res := Result{Name: name, Status: StatusHealthy, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusUnhealthy
		if p.severity == Optional {
			res.Status = StatusDegraded
		}
	}
	return res
}

// Watch вызывает onChange при каждом изменении общего статуса, первый раз сразу.
// Возвращается после отмены ctx.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, onChange func(Status)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last Status
	for {
		if status := m.Check(ctx).Status; status != last {
			last = status
			onChange(status)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ServeHTTP отдаёт полный отчёт; 503 только при unhealthy.
func (m *Monitor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := m.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if report.Status == StatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(report)
}

// Ready отвечает 200, пока нет unhealthy зависимостей.
func (m *Monitor) Ready(w http.ResponseWriter, r *http.Request) {
	if m.Check(r.Context()).Status == StatusUnhealthy {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	_, _ = w.Write([]byte("ready"))
}

// Live отвечает 200, пока процесс обслуживает запросы.
func Live(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}
