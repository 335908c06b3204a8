// Команда loadtest создаёт заказы через HTTP API параллельными воркерами
// и печатает сводку по кодам ответа и задержкам.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

type loadMode string

const (
	modeCreate     loadMode = "create"
	modeCreateRead loadMode = "create-read"
)

type options struct {
	baseURL     string
	token       string
	email       string
	password    string
	clientID    int64
	productIDs  []int64
	total       int
	duration    time.Duration
	concurrency int
	timeout     time.Duration
	mode        loadMode
	idempotent  bool
	outputPath  string
}

func main() {
	opts, err := parseOptions(os.Args[1:], os.Getenv)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		_, _ = fmt.Fprintf(os.Stderr, "invalid options: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, err := run(ctx, opts, &http.Client{Timeout: opts.timeout})
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "load test failed: %v\n", err)
		os.Exit(1)
	}

	printReport(os.Stdout, result, opts)
	if opts.outputPath != "" {
		if err := writeJSONReport(opts.outputPath, result); err != nil {
			_, _ = fmt.Fprintf(os.Stderr, "failed to write report: %v\n", err)
			os.Exit(1)
		}
	}
	if result.Unexpected > 0 {
		os.Exit(1)
	}
}

func parseOptions(args []string, getenv func(string) string) (options, error) {
	var (
		opts       options
		products   string
		modeValue  string
		fs         = flag.NewFlagSet("loadtest", flag.ContinueOnError)
		defaultURL = getenv("COMMERCE_API_URL")
	)
	if defaultURL == "" {
		defaultURL = "http://localhost:8080"
	}

	fs.StringVar(&opts.baseURL, "url", defaultURL, "адрес HTTP API")
	fs.StringVar(&opts.token, "token", getenv("COMMERCE_API_TOKEN"), "готовый access token")
	fs.StringVar(&opts.email, "email", "", "email для входа, если token не задан")
	fs.StringVar(&opts.password, "password", "", "пароль для входа")
	fs.Int64Var(&opts.clientID, "client-id", 0, "клиент заказов")
	fs.StringVar(&products, "product-ids", "", "товары заказа через запятую, повторы допустимы")
	fs.IntVar(&opts.total, "total", 200, "число заказов")
	fs.DurationVar(&opts.duration, "duration", 0, "ограничение по времени вместо total")
	fs.IntVar(&opts.concurrency, "concurrency", 20, "число воркеров")
	fs.DurationVar(&opts.timeout, "timeout", 5*time.Second, "таймаут запроса")
	fs.StringVar(&modeValue, "mode", string(modeCreate), "create | create-read")
	fs.BoolVar(&opts.idempotent, "idempotent", false, "отправлять Idempotency-Key")
	fs.StringVar(&opts.outputPath, "output", "", "файл для JSON-отчёта")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	opts.mode = loadMode(modeValue)

	ids, err := parseIDs(products)
	if err != nil {
		return options{}, err
	}
	opts.productIDs = ids

	switch {
	case opts.baseURL == "":
		return options{}, errors.New("url is required")
	case opts.mode != modeCreate && opts.mode != modeCreateRead:
		return options{}, fmt.Errorf("unsupported mode: %s", modeValue)
	case opts.clientID <= 0:
		return options{}, errors.New("client-id must be > 0")
	case len(opts.productIDs) == 0:
		return options{}, errors.New("product-ids are required")
	case opts.token == "" && (opts.email == "" || opts.password == ""):
		return options{}, errors.New("token or email/password are required")
	case opts.concurrency <= 0:
		return options{}, errors.New("concurrency must be > 0")
	case opts.duration <= 0 && opts.total <= 0:
		return options{}, errors.New("total must be > 0 without duration")
	case opts.timeout <= 0:
		return options{}, errors.New("timeout must be > 0")
	}
	return opts, nil
}

func parseIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, chunk := range strings.Split(raw, ",") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		id, err := strconv.ParseInt(chunk, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid product id %q", chunk)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func run(ctx context.Context, opts options, httpClient *http.Client) (report, error) {
	api := &apiClient{baseURL: opts.baseURL, http: httpClient, token: opts.token}
	if api.token == "" {
		if err := api.login(ctx, opts.email, opts.password); err != nil {
			return report{}, err
		}
	}

	startedAt := time.Now()
	runID := strconv.FormatInt(startedAt.UnixNano(), 36)
	col := newCollector()
	jobs := make(chan int, opts.concurrency*2)

	g, gctx := errgroup.WithContext(ctx)
	for range opts.concurrency {
		g.Go(func() error {
			for index := range jobs {
				runScenario(gctx, api, opts, runID, index, col)
			}
			return nil
		})
	}
	dispatchJobs(gctx, jobs, opts)
	if err := g.Wait(); err != nil {
		return report{}, err
	}

	return col.buildReport(startedAt, time.Since(startedAt)), nil
}

func dispatchJobs(ctx context.Context, jobs chan<- int, opts options) {
	defer close(jobs)

	var deadline <-chan time.Time
	if opts.duration > 0 {
		timer := time.NewTimer(opts.duration)
		defer timer.Stop()
		deadline = timer.C
	}

	for i := 0; opts.total <= 0 || i < opts.total; i++ {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case jobs <- i:
		}
	}
}

func runScenario(ctx context.Context, api *apiClient, opts options, runID string, index int, col *collector) {
	var key string
	if opts.idempotent {
		key = fmt.Sprintf("lt-%s-%d", runID, index)
	}

	start := time.Now()
	id, status, err := api.createOrder(ctx, opts.clientID, opts.productIDs, key)
	col.record("POST /orders", time.Since(start), status, err)
	if err != nil || status != http.StatusCreated || opts.mode != modeCreateRead {
		return
	}

	start = time.Now()
	status, err = api.getOrder(ctx, id)
	col.record("GET /orders/{id}", time.Since(start), status, err)
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, body)
	_ = body.Close()
}
