package api

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/opscost/opscost/internal/dashboard"
	"github.com/opscost/opscost/internal/logging"
	"github.com/opscost/opscost/internal/queue"
	"github.com/opscost/opscost/pkg/models"
)

// Request/Response types

// ErrorResponse is the standard error response
type ErrorResponse struct {
	OK        bool   `json:"ok"`
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

// HealthResponse is the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Services  map[string]string `json:"services,omitempty"`
	Queue     map[string]int    `json:"queue,omitempty"`
}

// ReadyResponse is the readiness check response
type ReadyResponse struct {
	Ready     bool      `json:"ready"`
	Timestamp time.Time `json:"timestamp"`
}

// RefreshNowResponse is returned by a synchronous refresh
type RefreshNowResponse struct {
	OK      bool            `json:"ok"`
	Payload *models.Payload `json:"payload"`
}

// DashboardResponse wraps the payload with where it was read from
type DashboardResponse struct {
	OK          bool                      `json:"ok"`
	Payload     *models.Payload           `json:"payload"`
	Diagnostics models.PayloadDiagnostics `json:"diagnostics"`
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Services:  make(map[string]string),
	}

	counts, err := s.queue.CountByStatus(c.Request.Context())
	if err != nil {
		logging.Warn(c.Request.Context(), "health check failed to read queue",
			slog.String("error", err.Error()))
		response.Status = "degraded"
		response.Services["datastore"] = "error"
	} else {
		response.Services["datastore"] = "ok"
		response.Queue = make(map[string]int, len(counts))
		for status, n := range counts {
			response.Queue[string(status)] = n
		}
	}

	if !s.ready.Load() {
		response.Status = "unavailable"
		response.Services["ready"] = "false"
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	response.Services["ready"] = "true"
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}
	c.JSON(http.StatusOK, response)
}

func (s *Server) handleReady(c *gin.Context) {
	response := ReadyResponse{
		Ready:     s.ready.Load(),
		Timestamp: time.Now(),
	}

	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, response)
		return
	}

	c.JSON(http.StatusOK, response)
}

func (s *Server) handleEnqueueRefresh(c *gin.Context) {
	ctx := c.Request.Context()

	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:     sanitizeValidationError(err),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	if key := strings.TrimSpace(c.GetHeader("X-Idempotency-Key")); key != "" {
		req.IdempotencyKey = key
	}
	if req.RequestedBy == "" {
		req.RequestedBy = requesterOf(c)
	}

	result, err := s.queue.Enqueue(ctx, req)
	if err != nil {
		if errors.Is(err, queue.ErrInvalidSource) {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		logging.Error(ctx, "failed to enqueue refresh", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to enqueue refresh",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusAccepted, result)
}

func (s *Server) handleGetRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	requestID := c.Param("requestId")

	req, err := s.queue.Get(ctx, requestID)
	if err != nil {
		if queue.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{
				Error:     err.Error(),
				RequestID: c.GetString("request_id"),
			})
			return
		}
		logging.Error(ctx, "failed to get refresh request",
			slog.String("refresh_request_id", requestID),
			slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     "failed to get refresh request",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, models.NewRefreshStatusResponse(req))
}

func (s *Server) handleRefreshNow(c *gin.Context) {
	ctx := c.Request.Context()

	if !s.allowSyncRefresh || s.refresher == nil {
		c.JSON(http.StatusForbidden, ErrorResponse{
			Error:     "synchronous refresh is disabled",
			RequestID: c.GetString("request_id"),
		})
		return
	}

	logging.Audit(ctx, "refresh_now", "requested_by", requesterOf(c))

	payload, err := s.refresher.RefreshNow(ctx)
	if err != nil {
		logging.Error(ctx, "synchronous refresh failed", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:     err.Error(),
			RequestID: c.GetString("request_id"),
		})
		return
	}

	c.JSON(http.StatusOK, RefreshNowResponse{OK: true, Payload: payload})
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx := c.Request.Context()

	payload, diag, err := s.dashboard.Read(ctx)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, dashboard.ErrNoPayload) {
			status = http.StatusNotFound
		}
		c.JSON(status, DashboardResponse{Diagnostics: diag})
		return
	}

	c.JSON(http.StatusOK, DashboardResponse{
		OK:          true,
		Payload:     payload,
		Diagnostics: diag,
	})
}

// requesterOf names the caller: the first X-Forwarded-For hop, else the peer address
func requesterOf(c *gin.Context) string {
	if fwd := c.GetHeader("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if ip := c.ClientIP(); ip != "" {
		return ip
	}
	return "unknown"
}

// sanitizeValidationError reports validation failures by JSON field name
func sanitizeValidationError(err error) string {
	var validationErrs validator.ValidationErrors
	if !errors.As(err, &validationErrs) {
		return "invalid request body: " + err.Error()
	}

	var messages []string
	for _, fe := range validationErrs {
		field := jsonFieldName(fe.Field())
		switch fe.Tag() {
		case "required":
			messages = append(messages, fmt.Sprintf("%s is required", field))
		case "min":
			messages = append(messages, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "max":
			messages = append(messages, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		case "oneof":
			messages = append(messages, fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(fe.Param(), " ", ", ")))
		default:
			messages = append(messages, fmt.Sprintf("%s failed validation (%s)", field, fe.Tag()))
		}
	}
	return strings.Join(messages, "; ")
}

// jsonFieldName converts a Go field name to its camelCase JSON name
func jsonFieldName(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
