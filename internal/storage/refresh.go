package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opscost/opscost/pkg/models"
)

const refreshColumns = `
	request_id, source, status, idempotency_key, requested_by, error_msg,
	retry_count, last_error, created_at, started_at, finished_at, claimed_at`

// RefreshStore handles refresh request persistence
type RefreshStore struct {
	db *DB
}

// NewRefreshStore creates a new refresh request store
func NewRefreshStore(db *DB) *RefreshStore {
	return &RefreshStore{db: db}
}

// Create inserts a new refresh request
func (s *RefreshStore) Create(ctx context.Context, req *models.RefreshRequest) error {
	query := `
		INSERT INTO refresh_requests (
			request_id, source, status, idempotency_key, requested_by,
			retry_count, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		req.RequestID, req.Source, req.Status, req.IdempotencyKey, req.RequestedBy,
		req.RetryCount, toMillis(req.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to create refresh request: %w", err)
	}

	return nil
}

// Get retrieves a refresh request by ID
func (s *RefreshStore) Get(ctx context.Context, requestID string) (*models.RefreshRequest, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_requests WHERE request_id = ?`

	req, err := scanRefresh(s.db.QueryRowContext(ctx, query, requestID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh request: %w", err)
	}
	return req, nil
}

// FindPendingSince returns the oldest pending request created at or after since
func (s *RefreshStore) FindPendingSince(ctx context.Context, since time.Time) (*models.RefreshRequest, error) {
	query := `SELECT ` + refreshColumns + `
		FROM refresh_requests
		WHERE status = 'pending' AND created_at >= ?
		ORDER BY created_at ASC, rowid ASC
		LIMIT 1`

	req, err := scanRefresh(s.db.QueryRowContext(ctx, query, toMillis(since)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pending refresh request: %w", err)
	}
	return req, nil
}

// ClaimNext atomically claims the oldest eligible request: pending rows first,
// then running rows whose claim is older than staleBefore. The selection and
// the update run as one statement, so concurrent claimers cannot both win.
// Returns ErrNotFound when nothing is eligible.
func (s *RefreshStore) ClaimNext(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error) {
	query := `
		UPDATE refresh_requests
		SET status = 'running', started_at = ?, claimed_at = ?
		WHERE request_id = (
			SELECT request_id FROM refresh_requests
			WHERE status = 'pending'
				OR (status = 'running' AND (claimed_at IS NULL OR claimed_at < ?))
			ORDER BY CASE WHEN status = 'pending' THEN 0 ELSE 1 END, created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + refreshColumns

	nowMS := toMillis(now)
	return s.claim(ctx, query, nowMS, nowMS, toMillis(staleBefore))
}

// ClaimPending claims the oldest pending request. Together with ClaimStale it
// forms the two-step claim used when the single-statement claim is disabled.
func (s *RefreshStore) ClaimPending(ctx context.Context, now time.Time) (*models.RefreshRequest, error) {
	query := `
		UPDATE refresh_requests
		SET status = 'running', started_at = ?, claimed_at = ?
		WHERE status = 'pending' AND request_id = (
			SELECT request_id FROM refresh_requests
			WHERE status = 'pending'
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + refreshColumns

	nowMS := toMillis(now)
	return s.claim(ctx, query, nowMS, nowMS)
}

// ClaimStale reclaims the oldest running request abandoned before staleBefore
func (s *RefreshStore) ClaimStale(ctx context.Context, now, staleBefore time.Time) (*models.RefreshRequest, error) {
	query := `
		UPDATE refresh_requests
		SET status = 'running', started_at = ?, claimed_at = ?
		WHERE status = 'running' AND request_id = (
			SELECT request_id FROM refresh_requests
			WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at < ?)
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1
		)
		RETURNING ` + refreshColumns

	nowMS := toMillis(now)
	return s.claim(ctx, query, nowMS, nowMS, toMillis(staleBefore))
}

func (s *RefreshStore) claim(ctx context.Context, query string, args ...interface{}) (*models.RefreshRequest, error) {
	req, err := scanRefresh(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim refresh request: %w", err)
	}
	return req, nil
}

// MarkDone completes a running request. Calling it again on a done request
// leaves the row unchanged. A non-zero claimedAt fences the update to the
// claim that produced it; a claim taken over by another worker yields
// ErrClaimLost.
func (s *RefreshStore) MarkDone(ctx context.Context, requestID string, claimedAt, now time.Time) error {
	query := `
		UPDATE refresh_requests
		SET finished_at = CASE WHEN status = 'done' THEN finished_at ELSE ? END,
			status = 'done',
			error_msg = NULL
		WHERE request_id = ? AND status IN ('running', 'done')
			AND (? = 0 OR claimed_at = ?)
	`

	fence := fenceMillis(claimedAt)
	return s.transition(ctx, "mark done", requestID, claimedAt, query, toMillis(now), requestID, fence, fence)
}

// MarkFailed terminates a running request with an error message
func (s *RefreshStore) MarkFailed(ctx context.Context, requestID string, claimedAt, now time.Time, message string) error {
	query := `
		UPDATE refresh_requests
		SET finished_at = CASE WHEN status = 'failed' THEN finished_at ELSE ? END,
			status = 'failed',
			error_msg = ?,
			last_error = ?
		WHERE request_id = ? AND status IN ('running', 'failed')
			AND (? = 0 OR claimed_at = ?)
	`

	fence := fenceMillis(claimedAt)
	return s.transition(ctx, "mark failed", requestID, claimedAt, query, toMillis(now), message, message, requestID, fence, fence)
}

// Requeue returns a running request to pending for another attempt
func (s *RefreshStore) Requeue(ctx context.Context, requestID string, claimedAt time.Time, retryCount int, lastError string) error {
	query := `
		UPDATE refresh_requests
		SET status = 'pending',
			started_at = NULL,
			claimed_at = NULL,
			retry_count = ?,
			last_error = ?
		WHERE request_id = ? AND status = 'running'
			AND (? = 0 OR claimed_at = ?)
	`

	fence := fenceMillis(claimedAt)
	return s.transition(ctx, "requeue", requestID, claimedAt, query, retryCount, lastError, requestID, fence, fence)
}

// fenceMillis returns the stored claim timestamp, or 0 for an unfenced update
func fenceMillis(claimedAt time.Time) int64 {
	if claimedAt.IsZero() {
		return 0
	}
	return toMillis(claimedAt)
}

// transition runs a guarded status update. A row that exists but is in the
// wrong state yields ErrInvalidTransition, or ErrClaimLost when the fenced
// claim was taken over.
func (s *RefreshStore) transition(ctx context.Context, op, requestID string, claimedAt time.Time, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s refresh request: %w", op, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}

	current, err := s.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if !claimedAt.IsZero() && !current.ClaimedAt.Equal(claimedAt) {
		return fmt.Errorf("%w: cannot %s request %s", ErrClaimLost, op, requestID)
	}
	return fmt.Errorf("%w: cannot %s request %s", ErrInvalidTransition, op, requestID)
}

// List returns refresh requests, newest first
func (s *RefreshStore) List(ctx context.Context, filter models.RefreshFilter) ([]*models.RefreshRequest, error) {
	query := `SELECT ` + refreshColumns + ` FROM refresh_requests WHERE 1=1`

	var args []interface{}

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, status)
		}
		query += fmt.Sprintf(" AND status IN (%s)", strings.Join(placeholders, ","))
	}

	query += " ORDER BY created_at DESC, rowid DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list refresh requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.RefreshRequest
	for rows.Next() {
		req, err := scanRefresh(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan refresh request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating refresh requests: %w", err)
	}

	return requests, nil
}

// CountByStatus returns the number of requests in each status
func (s *RefreshStore) CountByStatus(ctx context.Context) (map[models.RefreshStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM refresh_requests GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count refresh requests: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.RefreshStatus]int)
	for rows.Next() {
		var status models.RefreshStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}

	return counts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRefresh(row rowScanner) (*models.RefreshRequest, error) {
	req := &models.RefreshRequest{}
	var errorMsg, lastError sql.NullString
	var createdAt int64
	var startedAt, finishedAt, claimedAt sql.NullInt64

	err := row.Scan(
		&req.RequestID, &req.Source, &req.Status, &req.IdempotencyKey, &req.RequestedBy, &errorMsg,
		&req.RetryCount, &lastError, &createdAt, &startedAt, &finishedAt, &claimedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}

	req.Error = errorMsg.String
	req.LastError = lastError.String
	req.CreatedAt = time.UnixMilli(createdAt).UTC()
	req.StartedAt = fromMillis(startedAt)
	req.FinishedAt = fromMillis(finishedAt)
	req.ClaimedAt = fromMillis(claimedAt)

	return req, nil
}
