package codex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opscost/opscost/internal/provider"
	"github.com/opscost/opscost/pkg/models"
)

const (
	defaultBaseURL     = "https://chatgpt.com"
	defaultAuthURL     = "https://auth.openai.com"
	clientID           = "app_EMoamEEZ73f0CkXaXp7hrann"
	quotaPath          = "/backend-api/codex/responses/compact"
	tokenPath          = "/oauth/token"
	quotaModel         = "codex-mini-latest"
	headerPrefix       = "x-codex-"
	defaultPrimaryMins = 300
	defaultWeeklyMins  = 10080
)

// Client captures Codex quota usage from the x-codex-* response headers of a
// minimal authenticated request. It never produces usage rows.
type Client struct {
	authFile    string
	baseURL     string
	authURL     string
	httpClient  *http.Client
	minInterval time.Duration
	now         func() time.Time
	requester   *provider.Requester
}

// ClientOption configures the Codex client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithAuthURL sets a custom OAuth base URL (for testing)
func WithAuthURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.authURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithMinInterval sets the minimum interval between requests
func WithMinInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.minInterval = d
	}
}

// WithTimeFunc sets a custom time function (for testing)
func WithTimeFunc(fn func() time.Time) ClientOption {
	return func(c *Client) {
		c.now = fn
	}
}

// NewClient creates a Codex quota client reading credentials from authFile
func NewClient(authFile string, opts ...ClientOption) *Client {
	c := &Client{
		authFile:    authFile,
		baseURL:     defaultBaseURL,
		authURL:     defaultAuthURL,
		minInterval: provider.DefaultMinInterval,
		now:         time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.requester = provider.NewRequester(c.Name(), c.httpClient, c.minInterval)
	return c
}

// DefaultAuthFile returns ~/.codex/auth.json
func DefaultAuthFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".codex", "auth.json")
}

// Name returns the fetcher identifier
func (c *Client) Name() string {
	return "codex"
}

// Fetch refreshes the OAuth token when possible and asks the Codex backend
// for quota headers
func (c *Client) Fetch(ctx context.Context) (*provider.FetchResult, error) {
	raw, auth, err := c.readAuth()
	if err != nil {
		return nil, err
	}

	result := &provider.FetchResult{Provider: "openai-codex"}

	if auth.Tokens.RefreshToken != "" {
		if err := c.refresh(ctx, raw, auth); err != nil {
			if auth.Tokens.AccessToken == "" {
				return nil, err
			}
			result.Warnings = append(result.Warnings, err.Error())
		}
	}

	quota, err := c.checkQuota(ctx, auth.Tokens)
	if err != nil {
		return nil, err
	}
	result.Quota = quota
	return result, nil
}

func (c *Client) readAuth() (map[string]any, *AuthFile, error) {
	if c.authFile == "" {
		return nil, nil, provider.ErrMissingCredentials
	}
	data, err := os.ReadFile(c.authFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, provider.ErrMissingCredentials
		}
		return nil, nil, fmt.Errorf("failed to read codex auth file: %w", err)
	}

	var auth AuthFile
	if err := json.Unmarshal(data, &auth); err != nil {
		return nil, nil, fmt.Errorf("failed to parse codex auth file: %w", err)
	}
	if auth.Tokens == nil || (auth.Tokens.AccessToken == "" && auth.Tokens.RefreshToken == "") {
		return nil, nil, provider.ErrMissingCredentials
	}

	// Keep unknown fields so the rewrite after a token rotation is lossless
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to parse codex auth file: %w", err)
	}
	return raw, &auth, nil
}

func (c *Client) refresh(ctx context.Context, raw map[string]any, auth *AuthFile) error {
	body, err := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": auth.Tokens.RefreshToken,
		"client_id":     clientID,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL+tokenPath, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.requester.Do(req, "RefreshToken")
	if err != nil {
		return err
	}

	var tok tokenResponse
	if err := json.Unmarshal(resp.Body, &tok); err != nil || tok.AccessToken == "" {
		return provider.NewProviderError(c.Name(), "RefreshToken", resp.StatusCode, "token response without access_token", provider.ErrInvalidResponse)
	}

	auth.Tokens.AccessToken = tok.AccessToken
	if tok.RefreshToken != "" {
		auth.Tokens.RefreshToken = tok.RefreshToken
	}
	if tok.IDToken != "" {
		auth.Tokens.IDToken = tok.IDToken
	}

	raw["tokens"] = auth.Tokens
	raw["last_refresh"] = c.now().UTC().Format(time.RFC3339)
	return writeAuth(c.authFile, raw)
}

// writeAuth replaces the auth file atomically
func writeAuth(path string, raw map[string]any) error {
	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal codex auth file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write codex auth file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace codex auth file: %w", err)
	}
	return nil
}

func (c *Client) checkQuota(ctx context.Context, tokens *Tokens) (*models.QuotaSnapshot, error) {
	body, err := json.Marshal(map[string]any{
		"model":             quotaModel,
		"input":             []map[string]string{{"role": "user", "content": "echo 1"}},
		"max_output_tokens": 1,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal quota request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+quotaPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tokens.AccessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "openai-codex/0.1")
	if tokens.AccountID != "" {
		req.Header.Set("ChatGPT-Account-ID", tokens.AccountID)
	}

	// The quota headers arrive whatever the request's own status is
	resp, err := c.requester.Send(req, "CheckQuota")
	if err != nil {
		return nil, err
	}

	quota, ok := ParseQuotaHeaders(resp.Header, c.now())
	if !ok {
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, provider.StatusError(c.Name(), "CheckQuota", resp.StatusCode, resp.Body)
		}
		return nil, provider.NewProviderError(c.Name(), "CheckQuota", resp.StatusCode,
			"no x-codex-* headers in response", provider.ErrInvalidResponse)
	}
	return quota, nil
}

// ParseQuotaHeaders reads x-codex-* quota headers. ok is false when the
// primary percentage is absent.
func ParseQuotaHeaders(h http.Header, now time.Time) (*models.QuotaSnapshot, bool) {
	primary, ok := headerFloat(h, "primary-used-percent")
	if !ok {
		return nil, false
	}

	snap := &models.QuotaSnapshot{
		Provider:       "openai-codex",
		PrimaryUsedPct: &primary,
		CapturedAt:     now.UTC(),
	}
	if v, ok := headerFloat(h, "secondary-used-percent"); ok {
		snap.SecondaryUsedPct = &v
	}

	primaryMins := headerInt(h, "primary-window-minutes", defaultPrimaryMins)
	secondaryMins := headerInt(h, "secondary-window-minutes", defaultWeeklyMins)
	snap.PrimaryWindowMins = &primaryMins
	snap.SecondaryWindowMin = &secondaryMins

	if secs := headerInt(h, "primary-reset-after-seconds", 0); secs > 0 {
		t := now.UTC().Add(time.Duration(secs) * time.Second)
		snap.PrimaryResetsAt = &t
	}
	if secs := headerInt(h, "secondary-reset-after-seconds", 0); secs > 0 {
		t := now.UTC().Add(time.Duration(secs) * time.Second)
		snap.SecondaryResetsAt = &t
	}
	return snap, true
}

func headerFloat(h http.Header, name string) (float64, bool) {
	v := strings.TrimSpace(h.Get(headerPrefix + name))
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func headerInt(h http.Header, name string, fallback int) int {
	f, ok := headerFloat(h, name)
	if !ok {
		return fallback
	}
	return int(f)
}
