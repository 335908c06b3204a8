package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"
)

type outcomeKind string

const (
	outcomeSuccess    outcomeKind = "success"
	outcomeRejected   outcomeKind = "rejected"
	outcomeUnexpected outcomeKind = "unexpected"
)

// outcome классифицирует ответ: 404 и 409 ожидаемы при гонке за остатки.
func outcome(status int, err error) outcomeKind {
	switch {
	case err != nil:
		return outcomeUnexpected
	case status >= 200 && status < 300:
		return outcomeSuccess
	case status == http.StatusNotFound, status == http.StatusConflict:
		return outcomeRejected
	default:
		return outcomeUnexpected
	}
}

// latencySummary в миллисекундах. Перцентили по nearest-rank.
type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type endpointReport struct {
	Calls      int64            `json:"calls"`
	Success    int64            `json:"success"`
	Rejected   int64            `json:"rejected"`
	Unexpected int64            `json:"unexpected"`
	Codes      map[string]int64 `json:"codes"`
	LatencyMs  latencySummary   `json:"latency_ms"`
}

func (e *endpointReport) count(kind outcomeKind) {
	e.Calls++
	switch kind {
	case outcomeSuccess:
		e.Success++
	case outcomeRejected:
		e.Rejected++
	default:
		e.Unexpected++
	}
}

type report struct {
	StartedAt       time.Time                 `json:"started_at"`
	DurationSeconds float64                   `json:"duration_seconds"`
	Requests        int64                     `json:"requests"`
	Success         int64                     `json:"success"`
	Rejected        int64                     `json:"rejected"`
	Unexpected      int64                     `json:"unexpected"`
	RPS             float64                   `json:"rps"`
	Endpoints       map[string]endpointReport `json:"endpoints"`
}

type endpointSamples struct {
	totals  endpointReport
	samples []time.Duration
}

// collector потокобезопасно копит результаты всех воркеров.
type collector struct {
	mu        sync.Mutex
	endpoints map[string]*endpointSamples
}

func newCollector() *collector {
	return &collector{endpoints: map[string]*endpointSamples{}}
}

func (c *collector) record(endpoint string, latency time.Duration, status int, err error) {
	code := "error"
	if err == nil {
		code = strconv.Itoa(status)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.endpoints[endpoint]
	if s == nil {
		s = &endpointSamples{totals: endpointReport{Codes: map[string]int64{}}}
		c.endpoints[endpoint] = s
	}
	s.totals.count(outcome(status, err))
	s.totals.Codes[code]++
	s.samples = append(s.samples, latency)
}

func (c *collector) buildReport(startedAt time.Time, elapsed time.Duration) report {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := report{
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Endpoints:       make(map[string]endpointReport, len(c.endpoints)),
	}
	for name, s := range c.endpoints {
		e := s.totals
		e.Codes = maps.Clone(s.totals.Codes)
		e.LatencyMs = summarize(s.samples)
		out.Endpoints[name] = e

		out.Requests += e.Calls
		out.Success += e.Success
		out.Rejected += e.Rejected
		out.Unexpected += e.Unexpected
	}
	if elapsed > 0 {
		out.RPS = float64(out.Requests) / elapsed.Seconds()
	}
	return out
}

func summarize(samples []time.Duration) latencySummary {
	if len(samples) == 0 {
		return latencySummary{}
	}
	sorted := slices.Sorted(slices.Values(samples))

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return latencySummary{
		Min: ms(sorted[0]),
		Max: ms(sorted[len(sorted)-1]),
		Avg: ms(total / time.Duration(len(sorted))),
		P50: ms(nearestRank(sorted, 50)),
		P95: ms(nearestRank(sorted, 95)),
		P99: ms(nearestRank(sorted, 99)),
	}
}

func nearestRank(sorted []time.Duration, p int) time.Duration {
	// ceil(p*n/100) в целых числах.
	rank := (p*len(sorted) + 99) / 100
	return sorted[max(rank, 1)-1]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// writeJSONReport пишет отчёт только внутри рабочего каталога.
func writeJSONReport(path string, result report) error {
	root, err := os.OpenRoot(".")
	if err != nil {
		return err
	}
	defer root.Close()

	file, err := root.Create(path)
	if err != nil {
		return fmt.Errorf("create report %s: %w", path, err)
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		_ = file.Close()
		return fmt.Errorf("encode report: %w", err)
	}
	return file.Close()
}

func printReport(w io.Writer, result report, opts options) {
	_, _ = fmt.Fprintf(w, "mode=%s requests=%d success=%d rejected=%d unexpected=%d\n",
		opts.mode, result.Requests, result.Success, result.Rejected, result.Unexpected)
	_, _ = fmt.Fprintf(w, "duration=%.2fs rps=%.2f\n", result.DurationSeconds, result.RPS)

	for _, name := range slices.Sorted(maps.Keys(result.Endpoints)) {
		e := result.Endpoints[name]
		_, _ = fmt.Fprintf(w, "%s: calls=%d success=%d rejected=%d unexpected=%d p50=%.2fms p95=%.2fms p99=%.2fms\n",
			name, e.Calls, e.Success, e.Rejected, e.Unexpected, e.LatencyMs.P50, e.LatencyMs.P95, e.LatencyMs.P99)
	}
}
