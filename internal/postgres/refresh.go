package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opscost/opscost/internal/storage"
	"github.com/opscost/opscost/pkg/models"
)

// undefinedFunction is the SQLSTATE raised when the claim function is missing
const undefinedFunction = "42883"

const refreshColumns = `
	request_id, source, status, idempotency_key, requested_by, error_msg,
	retry_count, last_error, created_at, started_at, finished_at, claimed_at`

// RefreshStore persists refresh requests in PostgreSQL. It returns the
// storage package's sentinel errors so callers need not know the backend.
type RefreshStore struct {
	pool *pgxpool.Pool
}

// NewRefreshStore creates a new refresh request store
func NewRefreshStore(pool *pgxpool.Pool) *RefreshStore {
	return &RefreshStore{pool: pool}
}

// Create inserts a new refresh request
func (s *RefreshStore) Create(ctx context.Context, req *models.RefreshRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refresh_requests (request_id, source, status, idempotency_key, requested_by, retry_count, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		req.RequestID, string(req.Source), string(req.Status), req.IdempotencyKey, req.RequestedBy,
		req.RetryCount, req.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("create refresh request: %w", err)
	}
	return nil
}

// Get retrieves a refresh request by ID
func (s *RefreshStore) Get(ctx context.Context, requestID string) (*models.RefreshRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM refresh_requests WHERE request_id = $1`, requestID)
	return scanOne(row, "get refresh request")
}

// FindPendingSince returns the oldest pending request created at or after since
func (s *RefreshStore) FindPendingSince(ctx context.Context, since time.Time) (*models.RefreshRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM refresh_requests
		 WHERE status = 'pending' AND created_at >= $1
		 ORDER BY created_at ASC, id ASC
		 LIMIT 1`, since.UTC())
	return scanOne(row, "find pending refresh request")
}

// ClaimNext claims the oldest eligible request with FOR UPDATE SKIP LOCKED
// inside a single statement, so concurrent workers never block on or
// double-claim the same row.
func (s *RefreshStore) ClaimNext(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM claim_refresh_request($1, $2)`,
		now.UTC(), staleBefore.UTC())

	req, err := scanOne(row, "claim refresh request")
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == undefinedFunction {
			return nil, storage.ErrClaimUnsupported
		}
		return nil, err
	}
	return req, nil
}

// ClaimPending claims the oldest pending request. A concurrent claimer that
// loses the race re-checks the status guard and updates nothing.
func (s *RefreshStore) ClaimPending(ctx context.Context, now time.Time) (*models.RefreshRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE refresh_requests
		 SET status = 'running', started_at = $1, claimed_at = $1
		 WHERE status = 'pending' AND id = (
			SELECT id FROM refresh_requests
			WHERE status = 'pending'
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		 )
		 RETURNING `+refreshColumns, now.UTC())
	return scanOne(row, "claim pending refresh request")
}

// ClaimStale reclaims the oldest running request abandoned before staleBefore
func (s *RefreshStore) ClaimStale(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE refresh_requests
		 SET status = 'running', started_at = $1, claimed_at = $1
		 WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at < $2) AND id = (
			SELECT id FROM refresh_requests
			WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at < $2)
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		 )
		 RETURNING `+refreshColumns, now.UTC(), staleBefore.UTC())
	return scanOne(row, "claim stale refresh request")
}

// MarkDone completes a running request; repeating it is a no-op. A non-zero
// claimedAt fences the update to the claim that produced it.
func (s *RefreshStore) MarkDone(ctx context.Context, requestID string, claimedAt, now time.Time) error {
	return s.transition(ctx, "mark done", requestID, claimedAt,
		`UPDATE refresh_requests
		 SET finished_at = CASE WHEN status = 'done' THEN finished_at ELSE $1 END,
			status = 'done', error_msg = NULL
		 WHERE request_id = $2 AND status IN ('running', 'done')
			AND ($3::timestamptz IS NULL OR claimed_at = $3)`,
		now.UTC(), requestID, fence(claimedAt))
}

// MarkFailed terminates a running request with an error message
func (s *RefreshStore) MarkFailed(ctx context.Context, requestID string, claimedAt, now time.Time, message string) error {
	return s.transition(ctx, "mark failed", requestID, claimedAt,
		`UPDATE refresh_requests
		 SET finished_at = CASE WHEN status = 'failed' THEN finished_at ELSE $1 END,
			status = 'failed', error_msg = $2, last_error = $2
		 WHERE request_id = $3 AND status IN ('running', 'failed')
			AND ($4::timestamptz IS NULL OR claimed_at = $4)`,
		now.UTC(), message, requestID, fence(claimedAt))
}

// Requeue returns a running request to pending for another attempt
func (s *RefreshStore) Requeue(ctx context.Context, requestID string, claimedAt time.Time, retryCount int, lastError string) error {
	return s.transition(ctx, "requeue", requestID, claimedAt,
		`UPDATE refresh_requests
		 SET status = 'pending', started_at = NULL, claimed_at = NULL,
			retry_count = $1, last_error = $2
		 WHERE request_id = $3 AND status = 'running'
			AND ($4::timestamptz IS NULL OR claimed_at = $4)`,
		retryCount, lastError, requestID, fence(claimedAt))
}

// fence returns the claim timestamp to match, or nil for an unfenced update
func fence(claimedAt time.Time) any {
	if claimedAt.IsZero() {
		return nil
	}
	return claimedAt.UTC()
}

func (s *RefreshStore) transition(ctx context.Context, op, requestID string, claimedAt time.Time, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s refresh request: %w", op, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	current, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !claimedAt.IsZero() && !current.ClaimedAt.Equal(claimedAt) {
		return fmt.Errorf("%w: cannot %s request %s", storage.ErrClaimLost, op, requestID)
	}
	return fmt.Errorf("%w: cannot %s request %s", storage.ErrInvalidTransition, op, requestID)
}

// List returns refresh requests, newest first
func (s *RefreshStore) List(ctx context.Context, filter models.RefreshFilter) ([]*models.RefreshRequest, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_requests`
	var args []any

	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, statuses)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refresh requests: %w", err)
	}
	defer rows.Close()

	var out []*models.RefreshRequest
	for rows.Next() {
		req, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("scan refresh request: %w", err)
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// CountByStatus returns the number of requests in each status
func (s *RefreshStore) CountByStatus(ctx context.Context) (map[models.RefreshStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM refresh_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count refresh requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RefreshStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.RefreshStatus(status)] = n
	}
	return counts, rows.Err()
}

// scannable abstracts pgx.Row and pgx.Rows for shared scan helpers
type scannable interface {
	Scan(dest ...any) error
}

func scanOne(row scannable, op string) (*models.RefreshRequest, error) {
	req, err := scanRefresh(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return req, nil
}

func scanRefresh(row scannable) (*models.RefreshRequest, error) {
	req := &models.RefreshRequest{}
	var source, status string
	var errorMsg, lastError *string
	var startedAt, finishedAt, claimedAt *time.Time

	err := row.Scan(
		&req.RequestID, &source, &status, &req.IdempotencyKey, &req.RequestedBy, &errorMsg,
		&req.RetryCount, &lastError, &req.CreatedAt, &startedAt, &finishedAt, &claimedAt,
	)
	if err != nil {
		return nil, err
	}

	req.Source = models.RefreshSource(source)
	req.Status = models.RefreshStatus(status)
	req.CreatedAt = req.CreatedAt.UTC()
	if errorMsg != nil {
		req.Error = *errorMsg
	}
	if lastError != nil {
		req.LastError = *lastError
	}
	if startedAt != nil {
		req.StartedAt = startedAt.UTC()
	}
	if finishedAt != nil {
		req.FinishedAt = finishedAt.UTC()
	}
	if claimedAt != nil {
		req.ClaimedAt = claimedAt.UTC()
	}
	return req, nil
}
