package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/internal/metrics"
	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

const (
	// DefaultDedupeWindow merges enqueues arriving while a pending request is this young
	DefaultDedupeWindow = 30 * time.Second

	// DefaultStaleThreshold is how long a running claim may go without finishing
	// before another worker may take it over
	DefaultStaleThreshold = 3 * time.Minute

	// MaxErrorRunes bounds error messages stored on a request
	MaxErrorRunes = 4000

	defaultRequestedBy = "unknown"
)

// ClaimMode selects how Claim picks the next request
type ClaimMode string

const (
	// ClaimAtomic selects and claims in a single datastore statement
	ClaimAtomic ClaimMode = "atomic"
	// ClaimFallback claims pending rows, then stale rows, in two statements.
	// Each statement claims at most one row so nothing is claimed twice, but
	// ordering across racing workers is not guaranteed.
	ClaimFallback ClaimMode = "fallback"
)

// Store defines the persistence operations the queue needs
type Store interface {
	Create(ctx context.Context, req *models.RefreshRequest) error
	Get(ctx context.Context, requestID string) (*models.RefreshRequest, error)
	FindPendingSince(ctx context.Context, since time.Time) (*models.RefreshRequest, error)
	ClaimNext(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error)
	ClaimPending(ctx context.Context, now time.Time) (*models.RefreshRequest, error)
	ClaimStale(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error)
	MarkDone(ctx context.Context, requestID string, claimedAt, now time.Time) error
	MarkFailed(ctx context.Context, requestID string, claimedAt, now time.Time, message string) error
	Requeue(ctx context.Context, requestID string, claimedAt time.Time, retryCount int, lastError string) error
	List(ctx context.Context, filter models.RefreshFilter) ([]*models.RefreshRequest, error)
	CountByStatus(ctx context.Context) (map[models.RefreshStatus]int, error)
}

// Queue is the refresh job queue. It is the only writer of refresh request rows.
type Queue struct {
	store  Store
	logger *slog.Logger

	dedupeWindow   time.Duration
	staleThreshold time.Duration
	claimMode      ClaimMode

	now   func() time.Time
	newID func() string
}

// Option configures the queue
type Option func(*Queue)

// WithLogger sets a custom logger
func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = logger
	}
}

// WithDedupeWindow sets the default dedup window for enqueues that do not set one
func WithDedupeWindow(d time.Duration) Option {
	return func(q *Queue) {
		q.dedupeWindow = d
	}
}

// WithStaleThreshold sets how old a running claim must be before it is reclaimable
func WithStaleThreshold(d time.Duration) Option {
	return func(q *Queue) {
		q.staleThreshold = d
	}
}

// WithClaimMode sets the claim strategy
func WithClaimMode(mode ClaimMode) Option {
	return func(q *Queue) {
		q.claimMode = mode
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) Option {
	return func(q *Queue) {
		q.now = fn
	}
}

// WithIDFunc sets a custom request ID generator (for testing)
func WithIDFunc(fn func() string) Option {
	return func(q *Queue) {
		q.newID = fn
	}
}

// New creates a new queue over store
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:          store,
		logger:         slog.Default(),
		dedupeWindow:   DefaultDedupeWindow,
		staleThreshold: DefaultStaleThreshold,
		claimMode:      ClaimAtomic,
		now:            time.Now,
		newID:          uuid.NewString,
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

// StaleThreshold returns the configured staleness threshold
func (q *Queue) StaleThreshold() time.Duration {
	return q.staleThreshold
}

// Enqueue adds a refresh request, or returns the pending request created
// within the dedup window instead of adding a duplicate. Two enqueues racing
// each other can both miss the dedup check; the extra job is wasted work only.
func (q *Queue) Enqueue(ctx context.Context, in models.EnqueueRequest) (*models.EnqueueResult, error) {
	source := in.Source
	if source == "" {
		source = models.SourceWeb
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidSource, source)
	}

	window := q.dedupeWindow
	if in.DedupeWindowSeconds > 0 {
		window = time.Duration(in.DedupeWindowSeconds) * time.Second
	}

	now := q.now()

	if window > 0 {
		existing, err := q.store.FindPendingSince(ctx, now.Add(-window))
		switch {
		case err == nil:
			metrics.RecordEnqueue(string(source), true)
			q.logger.Info("refresh request deduplicated",
				slog.String("request_id", existing.RequestID),
				slog.String("source", string(source)))
			return &models.EnqueueResult{
				OK:        true,
				RequestID: existing.RequestID,
				Status:    existing.Status,
				Deduped:   true,
			}, nil
		case !errors.Is(err, storage.ErrNotFound):
			metrics.RecordStoreError("find_pending")
			return nil, fmt.Errorf("failed to check for pending request: %w", err)
		}
	}

	req := &models.RefreshRequest{
		RequestID:      q.newID(),
		Source:         source,
		Status:         models.RefreshPending,
		CreatedAt:      now,
		IdempotencyKey: in.IdempotencyKey,
		RequestedBy:    in.RequestedBy,
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	if req.RequestedBy == "" {
		req.RequestedBy = defaultRequestedBy
	}

	if err := q.store.Create(ctx, req); err != nil {
		metrics.RecordStoreError("create")
		return nil, fmt.Errorf("failed to enqueue refresh request: %w", err)
	}

	metrics.RecordEnqueue(string(source), false)
	logging.Audit(ctx, "refresh_enqueued",
		"request_id", req.RequestID,
		"source", string(req.Source),
		"requested_by", req.RequestedBy,
		"idempotency_key", req.IdempotencyKey)

	return &models.EnqueueResult{
		OK:        true,
		RequestID: req.RequestID,
		Status:    req.Status,
	}, nil
}

// Claim takes exclusive ownership of the oldest eligible request: a pending
// one, or a running one whose claim is older than the staleness threshold.
// Returns nil, nil when nothing is eligible.
func (q *Queue) Claim(ctx context.Context) (*models.RefreshRequest, error) {
	now := q.now()
	staleBefore := now.Add(-q.staleThreshold)

	if q.claimMode != ClaimFallback {
		req, err := q.store.ClaimNext(ctx, now, staleBefore)
		switch {
		case err == nil:
			q.claimed(ctx, req, "atomic")
			return req, nil
		case errors.Is(err, storage.ErrNotFound):
			return nil, nil
		case errors.Is(err, storage.ErrClaimUnsupported):
			q.logger.Warn("atomic claim unavailable, using two-step claim",
				slog.String("error", err.Error()))
		default:
			metrics.RecordStoreError("claim")
			return nil, fmt.Errorf("failed to claim refresh request: %w", err)
		}
	}

	req, err := q.store.ClaimPending(ctx, now)
	if err == nil {
		q.claimed(ctx, req, "pending")
		return req, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		metrics.RecordStoreError("claim")
		return nil, fmt.Errorf("failed to claim pending refresh request: %w", err)
	}

	req, err = q.store.ClaimStale(ctx, now, staleBefore)
	if err == nil {
		q.claimed(ctx, req, "stale")
		return req, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		metrics.RecordStoreError("claim")
		return nil, fmt.Errorf("failed to claim stale refresh request: %w", err)
	}
	return nil, nil
}

func (q *Queue) claimed(ctx context.Context, req *models.RefreshRequest, path string) {
	metrics.RecordClaim(path)
	logging.Audit(ctx, "refresh_claimed",
		"request_id", req.RequestID,
		"claim_path", path,
		"retry_count", req.RetryCount)
}

// MarkDone completes a request. Repeating it on a done request is a no-op.
// claimedAt is the ClaimedAt of the caller's claim; once another worker has
// reclaimed the request the update is refused with storage.ErrClaimLost.
// A zero claimedAt skips the check.
func (q *Queue) MarkDone(ctx context.Context, requestID string, claimedAt time.Time) error {
	if err := q.store.MarkDone(ctx, requestID, claimedAt, q.now()); err != nil {
		metrics.RecordStoreError("mark_done")
		return q.wrap(requestID, "mark done", err)
	}

	logging.Audit(ctx, "refresh_done", "request_id", requestID)
	return nil
}

// MarkFailed terminates a request, keeping the (truncated) error for inspection
func (q *Queue) MarkFailed(ctx context.Context, requestID string, claimedAt time.Time, message string) error {
	message = TruncateError(message)
	if err := q.store.MarkFailed(ctx, requestID, claimedAt, q.now(), message); err != nil {
		metrics.RecordStoreError("mark_failed")
		return q.wrap(requestID, "mark failed", err)
	}

	logging.Audit(ctx, "refresh_failed",
		"request_id", requestID,
		"error", message)
	return nil
}

// RequeueForRetry returns a running request to pending with its retry count
// and last error updated. Identity and history are kept.
func (q *Queue) RequeueForRetry(ctx context.Context, requestID string, claimedAt time.Time, retryCount int, message string) error {
	message = TruncateError(message)
	if err := q.store.Requeue(ctx, requestID, claimedAt, retryCount, message); err != nil {
		metrics.RecordStoreError("requeue")
		return q.wrap(requestID, "requeue", err)
	}

	logging.Audit(ctx, "refresh_requeued",
		"request_id", requestID,
		"retry_count", retryCount,
		"last_error", message)
	return nil
}

// Get returns a request by ID
func (q *Queue) Get(ctx context.Context, requestID string) (*models.RefreshRequest, error) {
	req, err := q.store.Get(ctx, requestID)
	if err != nil {
		return nil, q.wrap(requestID, "get", err)
	}
	return req, nil
}

// List returns requests newest first
func (q *Queue) List(ctx context.Context, filter models.RefreshFilter) ([]*models.RefreshRequest, error) {
	reqs, err := q.store.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh requests: %w", err)
	}
	return reqs, nil
}

// CountByStatus returns per-status counts and publishes them as the queue depth gauge
func (q *Queue) CountByStatus(ctx context.Context) (map[models.RefreshStatus]int, error) {
	counts, err := q.store.CountByStatus(ctx)
	if err != nil {
		metrics.RecordStoreError("count")
		return nil, fmt.Errorf("failed to count refresh requests: %w", err)
	}

	for _, status := range []models.RefreshStatus{
		models.RefreshPending, models.RefreshRunning, models.RefreshDone,
		models.RefreshFailed, models.RefreshRateLimited,
	} {
		metrics.QueueDepth.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
	return counts, nil
}

// LastFinished returns the most recent finish time among done requests, or
// the zero time when none has finished
func (q *Queue) LastFinished(ctx context.Context) (time.Time, error) {
	reqs, err := q.store.List(ctx, models.RefreshFilter{
		Statuses: []models.RefreshStatus{models.RefreshDone},
		Limit:    50,
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to list done refresh requests: %w", err)
	}

	var latest time.Time
	for _, r := range reqs {
		if r.FinishedAt.After(latest) {
			latest = r.FinishedAt
		}
	}
	return latest, nil
}

func (q *Queue) wrap(requestID, op string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return &RequestNotFoundError{ID: requestID}
	}
	return fmt.Errorf("failed to %s refresh request %s: %w", op, requestID, err)
}

// TruncateError bounds msg to MaxErrorRunes runes
func TruncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorRunes {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorRunes])
}
