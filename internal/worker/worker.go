package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/internal/metrics"
	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

const (
	// DefaultPollInterval is how often an idle worker tries to claim a job
	DefaultPollInterval = 5 * time.Second

	// DefaultMaxRetries bounds attempts per job: a job is requeued while
	// retryCount+1 < DefaultMaxRetries and marked failed otherwise
	DefaultMaxRetries = 3

	// DefaultBackoffBase is the backoff after the first failure
	DefaultBackoffBase = 5 * time.Second

	// DefaultBackoffMultiplier grows the backoff per retry
	DefaultBackoffMultiplier = 3.0

	// DefaultJobTimeout bounds a single job execution. It stays below the
	// queue's stale threshold so a claim cannot be taken over mid-run.
	DefaultJobTimeout = 150 * time.Second
)

// Job outcomes
const (
	OutcomeNone   = ""
	OutcomeDone   = "done"
	OutcomeRetry  = "retry"
	OutcomeFailed = "failed"
)

// JobQueue is the subset of the refresh queue the worker drives
type JobQueue interface {
	Claim(ctx context.Context) (*models.RefreshRequest, error)
	MarkDone(ctx context.Context, requestID string, claimedAt time.Time) error
	MarkFailed(ctx context.Context, requestID string, claimedAt time.Time, message string) error
	RequeueForRetry(ctx context.Context, requestID string, claimedAt time.Time, retryCount int, message string) error
	CountByStatus(ctx context.Context) (map[models.RefreshStatus]int, error)
}

// Runner executes the body of a claimed refresh job
type Runner interface {
	Run(ctx context.Context, req *models.RefreshRequest) error
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, req *models.RefreshRequest) error

// Run calls f
func (f RunnerFunc) Run(ctx context.Context, req *models.RefreshRequest) error {
	return f(ctx, req)
}

// SleepFunc waits for d or until ctx is done
type SleepFunc func(ctx context.Context, d time.Duration) error

// Result describes one poll iteration
type Result struct {
	Claimed   bool
	RequestID string
	Outcome   string
	Attempt   int
	Backoff   time.Duration
	Err       error
}

// Worker polls the queue and executes one claimed job at a time
type Worker struct {
	queue  JobQueue
	runner Runner
	logger *slog.Logger

	// Configuration
	pollInterval      time.Duration
	maxRetries        int
	backoffBase       time.Duration
	backoffMultiplier float64
	jobTimeout        time.Duration

	// For time mocking in tests
	now   func() time.Time
	sleep SleepFunc

	// Shutdown coordination
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	metrics *Metrics
}

// Metrics tracks worker statistics
type Metrics struct {
	mu          sync.RWMutex
	Polls       int64
	JobsClaimed int64
	JobsDone    int64
	JobsRetried int64
	JobsFailed  int64
	QueueErrors int64
	ClaimsLost  int64
}

// Option configures the worker
type Option func(*Worker)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) {
		w.logger = logger
	}
}

// WithPollInterval sets how often to poll for work
func WithPollInterval(d time.Duration) Option {
	return func(w *Worker) {
		w.pollInterval = d
	}
}

// WithMaxRetries sets the attempt budget per job
func WithMaxRetries(n int) Option {
	return func(w *Worker) {
		w.maxRetries = n
	}
}

// WithBackoff sets the retry backoff base and multiplier
func WithBackoff(base time.Duration, multiplier float64) Option {
	return func(w *Worker) {
		w.backoffBase = base
		w.backoffMultiplier = multiplier
	}
}

// WithJobTimeout bounds a single job execution
func WithJobTimeout(d time.Duration) Option {
	return func(w *Worker) {
		w.jobTimeout = d
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(w *Worker) {
		w.now = fn
	}
}

// WithSleepFunc replaces the wait between polls (for testing)
func WithSleepFunc(fn SleepFunc) Option {
	return func(w *Worker) {
		w.sleep = fn
	}
}

// New creates a new worker
func New(queue JobQueue, runner Runner, opts ...Option) *Worker {
	w := &Worker{
		queue:             queue,
		runner:            runner,
		logger:            slog.Default(),
		pollInterval:      DefaultPollInterval,
		maxRetries:        DefaultMaxRetries,
		backoffBase:       DefaultBackoffBase,
		backoffMultiplier: DefaultBackoffMultiplier,
		jobTimeout:        DefaultJobTimeout,
		now:               time.Now,
		sleep:             sleepContext,
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
		metrics:           &Metrics{},
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Start begins the poll loop
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	w.logger.Info("refresh worker starting",
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("max_retries", w.maxRetries),
		slog.Duration("backoff_base", w.backoffBase))

	go w.run(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it. A job already executing
// runs to completion first.
func (w *Worker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.logger.Info("refresh worker stopping")
	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("refresh worker stopped")
}

// Done is closed when the poll loop exits
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.doneCh
}

// run is the main poll loop
func (w *Worker) run(ctx context.Context) {
	defer close(w.doneCh)

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-w.stopCh:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	for loopCtx.Err() == nil {
		res := w.ProcessOnce(loopCtx)
		if res.Err != nil {
			w.logger.Error("refresh worker poll failed",
				slog.String("error", res.Err.Error()))
		}
		w.refreshDepth(loopCtx)

		wait := w.pollInterval
		if res.Backoff > 0 {
			wait = res.Backoff
		}
		if err := w.sleep(loopCtx, wait); err != nil {
			return
		}
	}
}

// ProcessOnce claims at most one job and executes it. Queue write failures
// are logged and counted; they never abort the caller.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	w.metrics.mu.Lock()
	w.metrics.Polls++
	w.metrics.mu.Unlock()

	// Queue writes must land even when the loop is stopping
	storeCtx := context.WithoutCancel(ctx)

	req, err := w.queue.Claim(storeCtx)
	if err != nil {
		w.countQueueError()
		return Result{Err: fmt.Errorf("claim: %w", err)}
	}
	if req == nil {
		return Result{}
	}

	w.metrics.mu.Lock()
	w.metrics.JobsClaimed++
	w.metrics.mu.Unlock()

	jobCtx := logging.WithRefreshRequestID(storeCtx, req.RequestID)
	res := Result{Claimed: true, RequestID: req.RequestID, Attempt: req.RetryCount + 1}

	logger := w.logger.With(slog.String("refresh_request_id", req.RequestID))
	logger.Info("refresh job claimed",
		slog.String("source", string(req.Source)),
		slog.Int("retry_count", req.RetryCount))

	start := w.now()
	runErr := w.execute(jobCtx, req)
	duration := w.now().Sub(start)

	if runErr == nil {
		res.Outcome = OutcomeDone
		metrics.RecordJobFinished(OutcomeDone, duration)
		w.metrics.mu.Lock()
		w.metrics.JobsDone++
		w.metrics.mu.Unlock()

		if err := w.queue.MarkDone(jobCtx, req.RequestID, req.ClaimedAt); err != nil {
			w.outcomeError(logger, "failed to mark refresh job done", err)
		}
		logger.Info("refresh job done", slog.Duration("duration", duration))
		return res
	}

	message := runErr.Error()
	if req.RetryCount+1 < w.maxRetries {
		res.Outcome = OutcomeRetry
		res.Backoff = w.BackoffFor(req.RetryCount)
		metrics.RecordJobFinished(OutcomeRetry, duration)
		w.metrics.mu.Lock()
		w.metrics.JobsRetried++
		w.metrics.mu.Unlock()

		logger.Warn("refresh job failed, requeueing",
			slog.String("error", message),
			slog.Int("retry_count", req.RetryCount+1),
			slog.Duration("backoff", res.Backoff))
		if err := w.queue.RequeueForRetry(jobCtx, req.RequestID, req.ClaimedAt, req.RetryCount+1, message); err != nil {
			w.outcomeError(logger, "failed to requeue refresh job", err)
		}
		return res
	}

	res.Outcome = OutcomeFailed
	metrics.RecordJobFinished(OutcomeFailed, duration)
	w.metrics.mu.Lock()
	w.metrics.JobsFailed++
	w.metrics.mu.Unlock()

	logger.Error("refresh job failed, retries exhausted",
		slog.String("error", message),
		slog.Int("retry_count", req.RetryCount))
	if err := w.queue.MarkFailed(jobCtx, req.RequestID, req.ClaimedAt, message); err != nil {
		w.outcomeError(logger, "failed to mark refresh job failed", err)
	}
	return res
}

// execute runs the job body with the job timeout, converting panics to errors
func (w *Worker) execute(ctx context.Context, req *models.RefreshRequest) (err error) {
	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("refresh job panicked: %v", r)
		}
	}()

	return w.runner.Run(ctx, req)
}

// BackoffFor returns the wait after a failure of an attempt with the given
// retry count: base * multiplier^retryCount
func (w *Worker) BackoffFor(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	return time.Duration(float64(w.backoffBase) * math.Pow(w.backoffMultiplier, float64(retryCount)))
}

func (w *Worker) refreshDepth(ctx context.Context) {
	if _, err := w.queue.CountByStatus(ctx); err != nil && ctx.Err() == nil {
		w.logger.Debug("failed to refresh queue depth",
			slog.String("error", err.Error()))
	}
}

func (w *Worker) countQueueError() {
	w.metrics.mu.Lock()
	w.metrics.QueueErrors++
	w.metrics.mu.Unlock()
}

// outcomeError records a failed outcome write. A claim taken over by another
// worker is counted apart: the new owner decides the outcome.
func (w *Worker) outcomeError(logger *slog.Logger, msg string, err error) {
	if errors.Is(err, storage.ErrClaimLost) {
		w.metrics.mu.Lock()
		w.metrics.ClaimsLost++
		w.metrics.mu.Unlock()
		logger.Warn("refresh job reclaimed by another worker, outcome discarded",
			slog.String("error", err.Error()))
		return
	}
	w.countQueueError()
	logger.Error(msg, slog.String("error", err.Error()))
}

// GetMetrics returns a snapshot of worker statistics
func (w *Worker) GetMetrics() Metrics {
	w.metrics.mu.RLock()
	defer w.metrics.mu.RUnlock()

	return Metrics{
		Polls:       w.metrics.Polls,
		JobsClaimed: w.metrics.JobsClaimed,
		JobsDone:    w.metrics.JobsDone,
		JobsRetried: w.metrics.JobsRetried,
		JobsFailed:  w.metrics.JobsFailed,
		QueueErrors: w.metrics.QueueErrors,
		ClaimsLost:  w.metrics.ClaimsLost,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
