// Package fetch runs batches of download tasks with bounded concurrency and
// per-task retries.
package fetch

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"hls-fetch/internal/model"
	"hls-fetch/internal/progress"
)

// Config holds the batch policy.
type Config struct {
	MaxConcurrent     int
	MaxRetry          int
	RequestTimeout    time.Duration
	VerifyTLS         bool
	StatusBackoff     time.Duration
	ChunkSize         int
	RequestsPerSecond float64
	ProxyURL          string
	Headers           map[string]string
}

// DefaultConfig returns the stock policy: 20 in flight, 3 retries.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:  20,
		MaxRetry:       3,
		RequestTimeout: 180 * time.Second,
		StatusBackoff:  500 * time.Millisecond,
		ChunkSize:      DefaultChunkSize,
	}
}

// Engine executes batches of tasks. One Engine can run many batches; each
// batch gets its own connection pool.
type Engine struct {
	cfg       Config
	proxy     *url.URL
	transport http.RoundTripper
	persister Persister
	progress  progress.Sink
	logger    *zap.Logger
}

// Option customises an Engine.
type Option func(*Engine)

// WithTransport makes every batch share rt instead of a fresh pool.
func WithTransport(rt http.RoundTripper) Option {
	return func(e *Engine) { e.transport = rt }
}

// WithPersister replaces the streaming file writer.
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

// WithProgress sets the sink advanced once per successful task.
func WithProgress(s progress.Sink) Option {
	return func(e *Engine) { e.progress = s }
}

// New creates an Engine
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Engine, error) {
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be positive, got %d", cfg.MaxConcurrent)
	}
	if cfg.MaxRetry < 0 {
		return nil, fmt.Errorf("max retry must not be negative, got %d", cfg.MaxRetry)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		cfg:       cfg,
		persister: FileWriter{ChunkSize: cfg.ChunkSize},
		progress:  progress.Nop{},
		logger:    logger,
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		e.proxy = proxy
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Report aggregates the settled results of one batch.
type Report struct {
	Results []model.Result
	Total   int
	Failed  int
	Bytes   int64
	Elapsed time.Duration
}

// Err returns a *BatchIncompleteError when any task failed.
func (r Report) Err() error {
	if r.Failed > 0 {
		return &BatchIncompleteError{Total: r.Total, Failed: r.Failed}
	}
	return nil
}

// FailedTasks lists the tasks that did not succeed.
func (r Report) FailedTasks() []model.Task {
	var failed []model.Task
	for _, res := range r.Results {
		if !res.Success {
			failed = append(failed, res.Task)
		}
	}
	return failed
}

// session is the per-batch network state shared by all tasks.
type session struct {
	client  *http.Client
	sem     *semaphore.Weighted
	limiter *rate.Limiter
}

func (e *Engine) openSession() *session {
	rt := e.transport
	if rt == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: !e.cfg.VerifyTLS}
		t.MaxIdleConnsPerHost = e.cfg.MaxConcurrent
		if e.proxy != nil {
			t.Proxy = http.ProxyURL(e.proxy)
		}
		rt = t
	}

	s := &session{
		client: &http.Client{
			Transport: rt,
			Timeout:   e.cfg.RequestTimeout,
		},
		sem: semaphore.NewWeighted(int64(e.cfg.MaxConcurrent)),
	}
	if e.cfg.RequestsPerSecond > 0 {
		burst := int(e.cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(e.cfg.RequestsPerSecond), burst)
	}
	return s
}

func (s *session) close() {
	s.client.CloseIdleConnections()
}

// Run executes every task and waits until all of them settle. Results are
// index-aligned with tasks. Per-task errors never escape; use Report.Err.
func (e *Engine) Run(ctx context.Context, desc string, tasks []model.Task) Report {
	start := time.Now()
	report := Report{
		Results: make([]model.Result, len(tasks)),
		Total:   len(tasks),
	}
	e.progress.Start(desc, len(tasks))
	if len(tasks) == 0 {
		return report
	}

	s := e.openSession()
	defer s.close()

	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task model.Task) {
			defer wg.Done()
			report.Results[i] = e.fetch(ctx, s, task)
		}(i, task)
	}
	wg.Wait()

	for _, res := range report.Results {
		if !res.Success {
			report.Failed++
		}
		report.Bytes += res.Bytes
	}
	report.Elapsed = time.Since(start)
	return report
}

// fetch drives one task through its attempts: at most MaxRetry retries
// after the first attempt, and only for transient errors.
func (e *Engine) fetch(ctx context.Context, s *session, task model.Task) model.Result {
	res := model.Result{Task: task}
	for retry := 0; ; retry++ {
		res.Attempts = retry + 1

		n, err := e.attempt(ctx, s, task)
		if err == nil {
			res.Success = true
			res.Err = nil
			res.Bytes = n
			e.progress.Advance(1)
			e.logger.Debug("fetched",
				zap.String("url", task.URL),
				zap.String("save_path", task.Destination),
				zap.Int64("bytes", n))
			return res
		}
		res.Err = err

		if ctx.Err() != nil || !IsTransient(err) {
			e.logger.Error("fetch failed",
				zap.String("url", task.URL),
				zap.Int("attempts", res.Attempts),
				zap.Error(err))
			return res
		}
		if retry >= e.cfg.MaxRetry {
			e.logger.Error("fetch failed, retries exhausted",
				zap.String("url", task.URL),
				zap.Int("retry_done", retry),
				zap.Error(err))
			return res
		}
		e.logger.Warn("fetch failed, retrying",
			zap.String("url", task.URL),
			zap.Int("retry", retry+1),
			zap.Error(err))
	}
}

func (e *Engine) attempt(ctx context.Context, s *session, task model.Task) (int64, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer s.sem.Release(1)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, task.URL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range e.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, classify(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		sleep(ctx, e.cfg.StatusBackoff)
		return 0, &TransientError{
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status code: %d", resp.StatusCode),
		}
	}

	n, err := e.persister.Persist(resp.Body, task.Destination)
	if err != nil {
		return n, classify(err)
	}
	return n, nil
}

func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
