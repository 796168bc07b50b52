package openrouter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/opscost/opscost/internal/provider"
)

const (
	defaultBaseURL = "https://openrouter.ai"
	activityLimit  = 1000
)

// Client fetches account usage and per-model activity from OpenRouter
type Client struct {
	apiKey      string
	baseURL     string
	httpClient  *http.Client
	minInterval time.Duration
	requester   *provider.Requester
}

// ClientOption configures the OpenRouter client
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL (for testing)
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
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

// NewClient creates a new OpenRouter client
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		minInterval: provider.DefaultMinInterval,
	}

	for _, opt := range opts {
		opt(c)
	}

	c.requester = provider.NewRequester(c.Name(), c.httpClient, c.minInterval)
	return c
}

// Name returns the fetcher identifier
func (c *Client) Name() string {
	return "openrouter"
}

// Fetch returns the activity listing as the usage document. When the
// activity endpoint is unavailable or empty, the key's lifetime usage is
// used instead.
func (c *Client) Fetch(ctx context.Context) (*provider.FetchResult, error) {
	if c.apiKey == "" {
		return nil, provider.ErrMissingCredentials
	}

	// The key endpoint validates credentials before anything else
	keyBody, err := c.get(ctx, "/api/v1/auth/key", "GetKey")
	if err != nil {
		return nil, err
	}

	result := &provider.FetchResult{Provider: c.Name()}

	activityBody, err := c.get(ctx, fmt.Sprintf("/api/v1/activity?limit=%d", activityLimit), "GetActivity")
	if err != nil {
		if provider.IsAuthError(err) || provider.IsRetryable(err) {
			result.Warnings = append(result.Warnings, err.Error())
		} else {
			return nil, err
		}
	} else if n, err := countActivity(activityBody); err != nil {
		return nil, provider.NewProviderError(c.Name(), "GetActivity", http.StatusOK, err.Error(), provider.ErrInvalidResponse)
	} else if n > 0 {
		result.Documents = append(result.Documents, activityBody)
		return result, nil
	}

	summary, err := keyUsageDocument(keyBody)
	if err != nil {
		return nil, provider.NewProviderError(c.Name(), "GetKey", http.StatusOK, err.Error(), provider.ErrInvalidResponse)
	}
	if summary != nil {
		result.Documents = append(result.Documents, summary)
	}
	return result, nil
}

func (c *Client) get(ctx context.Context, path, operation string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.requester.Do(req, operation)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func countActivity(body []byte) (int, error) {
	var resp ActivityResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to decode activity: %w", err)
	}
	return len(resp.Data), nil
}

// keyUsageDocument reduces the key response to a single usage-shaped object,
// or nil when the key reports no usage
func keyUsageDocument(body []byte) ([]byte, error) {
	var resp KeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode key info: %w", err)
	}
	if resp.Data.Usage <= 0 {
		return nil, nil
	}
	return json.Marshal(map[string]any{
		"provider": "openrouter",
		"model":    "unknown",
		"cost":     resp.Data.Usage,
	})
}
