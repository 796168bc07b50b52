package models

import "time"

// RefreshStatus represents the state of a refresh request in the job queue
type RefreshStatus string

const (
	RefreshPending     RefreshStatus = "pending"      // Waiting to be claimed by a worker
	RefreshRunning     RefreshStatus = "running"      // Claimed and executing
	RefreshDone        RefreshStatus = "done"         // Completed successfully
	RefreshFailed      RefreshStatus = "failed"       // Retries exhausted
	RefreshRateLimited RefreshStatus = "rate_limited" // Reserved by the schema, no transition produces it
)

// IsTerminal returns true if no further transitions are possible
func (s RefreshStatus) IsTerminal() bool {
	return s == RefreshDone || s == RefreshFailed
}

// RefreshSource tags where a refresh request originated
type RefreshSource string

const (
	SourceWeb    RefreshSource = "web"
	SourceCLI    RefreshSource = "cli"
	SourceWorker RefreshSource = "worker"
)

// Valid reports whether s is a known origin tag
func (s RefreshSource) Valid() bool {
	switch s {
	case SourceWeb, SourceCLI, SourceWorker:
		return true
	}
	return false
}

// RefreshRequest is one unit of work in the refresh job queue.
// Rows are append-only; they are never deleted.
type RefreshRequest struct {
	RequestID      string        `json:"requestId"`
	Source         RefreshSource `json:"source"`
	Status         RefreshStatus `json:"status"`
	CreatedAt      time.Time     `json:"createdAt"`
	StartedAt      time.Time     `json:"startedAt,omitempty"`
	FinishedAt     time.Time     `json:"finishedAt,omitempty"`
	ClaimedAt      time.Time     `json:"claimedAt,omitempty"`
	RetryCount     int           `json:"retryCount"`
	Error          string        `json:"error,omitempty"`
	LastError      string        `json:"lastError,omitempty"`
	IdempotencyKey string        `json:"idempotencyKey"`
	RequestedBy    string        `json:"requestedBy"`
}

// EnqueueRequest is the input of the enqueue operation
type EnqueueRequest struct {
	Source              RefreshSource `json:"source,omitempty" binding:"omitempty,oneof=web cli worker"`
	IdempotencyKey      string        `json:"idempotencyKey,omitempty" binding:"omitempty,max=200"`
	RequestedBy         string        `json:"requestedBy,omitempty" binding:"omitempty,max=200"`
	DedupeWindowSeconds int           `json:"dedupeWindowSeconds,omitempty" binding:"omitempty,min=0,max=3600"`
}

// EnqueueResult is the output of the enqueue operation
type EnqueueResult struct {
	OK        bool          `json:"ok"`
	RequestID string        `json:"requestId"`
	Status    RefreshStatus `json:"status"`
	Deduped   bool          `json:"deduped"`
}

// RefreshStatusResponse is the caller-facing view of a refresh request
type RefreshStatusResponse struct {
	OK         bool          `json:"ok"`
	RequestID  string        `json:"requestId"`
	Status     RefreshStatus `json:"status"`
	CreatedAt  *time.Time    `json:"createdAt"`
	StartedAt  *time.Time    `json:"startedAt"`
	FinishedAt *time.Time    `json:"finishedAt"`
	RetryCount int           `json:"retryCount"`
	Error      *string       `json:"error"`
}

// NewRefreshStatusResponse converts a stored request into its API view
func NewRefreshStatusResponse(r *RefreshRequest) RefreshStatusResponse {
	resp := RefreshStatusResponse{
		OK:         true,
		RequestID:  r.RequestID,
		Status:     r.Status,
		CreatedAt:  timePtr(r.CreatedAt),
		StartedAt:  timePtr(r.StartedAt),
		FinishedAt: timePtr(r.FinishedAt),
		RetryCount: r.RetryCount,
	}
	if r.Error != "" {
		msg := r.Error
		resp.Error = &msg
	}
	return resp
}

// RefreshFilter narrows a listing of refresh requests
type RefreshFilter struct {
	Statuses []RefreshStatus
	Limit    int
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
