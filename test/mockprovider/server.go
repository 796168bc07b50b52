package mockprovider

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

const accessTokenPrefix = "at-mock-"

// Server is the mock usage-provider API server. It serves the OpenRouter,
// Anthropic admin and Codex endpoints the fetchers call.
type Server struct {
	state  *State
	router *gin.Engine
	logger *slog.Logger
}

// NewServer creates a new mock provider server
func NewServer(state *State) *Server {
	if state == nil {
		state = NewState()
	}

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		state:  state,
		router: router,
		logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})),
	}

	s.setupRoutes()
	return s
}

// Router returns the gin router for testing
func (s *Server) Router() *gin.Engine {
	return s.router
}

// State returns the underlying state for test manipulation
func (s *Server) State() *State {
	return s.state
}

func (s *Server) setupRoutes() {
	// OpenRouter
	s.router.GET("/api/v1/auth/key", s.failing(ProviderOpenRouter), s.requireBearer(OpenRouterKey), s.handleKey)
	s.router.GET("/api/v1/activity", s.failing(ProviderOpenRouter), s.requireBearer(OpenRouterKey), s.handleActivity)

	// Anthropic admin API
	s.router.GET("/v1/organizations/usage_report/messages", s.failing(ProviderAnthropic), s.handleUsageReport)

	// Codex
	s.router.POST("/oauth/token", s.failing(ProviderCodex), s.handleToken)
	s.router.POST("/backend-api/codex/responses/compact", s.failing(ProviderCodex), s.handleQuota)

	// LiteLLM-shaped pricing table
	s.router.GET("/pricing.json", s.handlePricing)

	// Health check
	s.router.GET("/health", s.handleHealth)

	// Test control endpoints
	s.router.POST("/_test/reset", s.handleTestReset)
	s.router.POST("/_test/config", s.handleTestConfig)
}

// failing answers with the injected status when one is set for provider
func (s *Server) failing(provider string) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.state.countRequest(c.FullPath())
		if status := s.state.Failure(provider); status != 0 {
			c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"message": fmt.Sprintf("injected %s failure", provider)}})
			return
		}
		c.Next()
	}
}

func (s *Server) requireBearer(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer "+key {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid api key"}})
			return
		}
		c.Next()
	}
}

// KeyResponse matches the OpenRouter key info response
type KeyResponse struct {
	Data struct {
		Label      string  `json:"label"`
		Usage      float64 `json:"usage"`
		IsFreeTier bool    `json:"is_free_tier"`
	} `json:"data"`
}

func (s *Server) handleKey(c *gin.Context) {
	var resp KeyResponse
	resp.Data.Label = "mock"
	resp.Data.Usage = s.state.getKeyUsage()
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleActivity(c *gin.Context) {
	activity := s.state.listActivity()
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit >= 0 && limit < len(activity) {
		activity = activity[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"data": activity})
}

// UsageReportResponse matches the Anthropic usage report page format
type UsageReportResponse struct {
	Data     []Bucket `json:"data"`
	HasMore  bool     `json:"has_more"`
	NextPage string   `json:"next_page,omitempty"`
}

func (s *Server) handleUsageReport(c *gin.Context) {
	if c.GetHeader("x-api-key") != AnthropicAdminKey {
		c.JSON(http.StatusUnauthorized, gin.H{"type": "error", "error": gin.H{"type": "authentication_error", "message": "invalid x-api-key"}})
		return
	}
	if c.GetHeader("anthropic-version") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"type": "error", "error": gin.H{"type": "invalid_request_error", "message": "anthropic-version header is required"}})
		return
	}

	offset := 0
	if page := c.Query("page"); page != "" {
		n, err := strconv.Atoi(strings.TrimPrefix(page, "page_"))
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"type": "error", "error": gin.H{"type": "invalid_request_error", "message": "invalid page"}})
			return
		}
		offset = n
	}

	buckets, more := s.state.page(offset)
	resp := UsageReportResponse{Data: buckets, HasMore: more}
	if more {
		resp.NextPage = fmt.Sprintf("page_%d", offset+len(buckets))
	}
	c.JSON(http.StatusOK, resp)
}

// TokenRequest matches the OAuth refresh_token grant body
type TokenRequest struct {
	GrantType    string `json:"grant_type"`
	RefreshToken string `json:"refresh_token"`
	ClientID     string `json:"client_id"`
}

func (s *Server) handleToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if req.GrantType != "refresh_token" || req.RefreshToken != CodexRefreshToken || req.ClientID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_grant"})
		return
	}

	n := s.state.issueToken()
	c.JSON(http.StatusOK, gin.H{
		"access_token":  fmt.Sprintf("%s%d", accessTokenPrefix, n),
		"refresh_token": CodexRefreshToken,
		"id_token":      fmt.Sprintf("id-mock-%d", n),
	})
}

func (s *Server) handleQuota(c *gin.Context) {
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer "+accessTokenPrefix) {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "invalid token"})
		return
	}

	q := s.state.getQuota()
	c.Header("x-codex-primary-used-percent", strconv.FormatFloat(q.PrimaryUsedPercent, 'f', -1, 64))
	c.Header("x-codex-primary-window-minutes", strconv.Itoa(q.PrimaryWindowMinutes))
	c.Header("x-codex-primary-reset-after-seconds", strconv.Itoa(q.PrimaryResetSeconds))
	c.Header("x-codex-secondary-used-percent", strconv.FormatFloat(q.SecondaryUsedPercent, 'f', -1, 64))
	c.Header("x-codex-secondary-window-minutes", strconv.Itoa(q.SecondaryWindowMinutes))

	// The real endpoint rejects the one-token request body; only the headers matter
	c.JSON(http.StatusBadRequest, gin.H{"detail": "max_output_tokens too small"})
}

// Prices covers every model in the default state, in USD per token
var Prices = map[string]gin.H{
	"gpt-4o":                {"input_cost_per_token": 0.0000025, "output_cost_per_token": 0.00001, "litellm_provider": "openai"},
	"gemini/gemini-2.5-pro": {"input_cost_per_token": 0.00000125, "output_cost_per_token": 0.00001, "litellm_provider": "gemini"},
	"claude-sonnet-4-5": {
		"input_cost_per_token":            0.000003,
		"output_cost_per_token":           0.000015,
		"cache_read_input_token_cost":     0.0000003,
		"cache_creation_input_token_cost": 0.00000375,
		"litellm_provider":                "anthropic",
	},
	"claude-haiku-4-5": {"input_cost_per_token": 0.000001, "output_cost_per_token": 0.000005, "litellm_provider": "anthropic"},
}

func (s *Server) handlePricing(c *gin.Context) {
	s.state.countRequest(c.FullPath())
	c.JSON(http.StatusOK, Prices)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleTestReset(c *gin.Context) {
	s.state.Reset()
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// TestConfig configures mock behavior
type TestConfig struct {
	Provider   string   `json:"provider"`
	FailStatus int      `json:"fail_status"`
	PageSize   int      `json:"page_size"`
	KeyUsage   *float64 `json:"key_usage"`
}

func (s *Server) handleTestConfig(c *gin.Context) {
	var config TestConfig
	if err := c.ShouldBindJSON(&config); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if config.Provider != "" {
		s.state.SetFailure(config.Provider, config.FailStatus)
		s.logger.Info("set provider failure", "provider", config.Provider, "status", config.FailStatus)
	}
	if config.PageSize > 0 {
		s.state.SetPageSize(config.PageSize)
	}
	if config.KeyUsage != nil {
		s.state.SetKeyUsage(*config.KeyUsage)
	}

	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}
